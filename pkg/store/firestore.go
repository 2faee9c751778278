package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore backed table.
type FirestoreConfig struct {
	ProjectID       string  `yaml:"project_id"`
	CollectionName  string  `yaml:"collection"`
	CredentialsFile string  `yaml:"credentials_file"`
	Indexes         []Index `yaml:"indexes"`
}

// NewFirestoreClient creates a Firestore client, using Application Default
// Credentials unless a credentials file is configured.
func NewFirestoreClient(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*firestore.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Firestore client.")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

// FirestoreTable implements Table on top of a single Firestore collection.
// Each item is one document whose ID is derived from the item's pk/sk.
//
// Queries translate to Where/OrderBy/StartAfter chains, so every index and
// filter combination used in production needs a matching composite index in
// the Firestore project.
type FirestoreTable struct {
	client     *firestore.Client
	collection string
	indexes    map[string]Index
	logger     zerolog.Logger
}

// NewFirestoreTable creates a table over the configured collection.
func NewFirestoreTable(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreTable, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}
	indexes := make(map[string]Index, len(cfg.Indexes))
	for _, idx := range cfg.Indexes {
		indexes[idx.Name] = idx
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreTable initialized.")
	return &FirestoreTable{
		client:     client,
		collection: cfg.CollectionName,
		indexes:    indexes,
		logger:     logger.With().Str("component", "FirestoreTable").Logger(),
	}, nil
}

func docID(pk, sk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(pk + "\x00" + sk))
}

// Get retrieves a single document by its primary key.
func (t *FirestoreTable) Get(ctx context.Context, pk, sk string) (Item, error) {
	snap, err := t.client.Collection(t.collection).Doc(docID(pk, sk)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: pk=%s sk=%s", ErrNotFound, pk, sk)
		}
		t.logger.Error().Err(err).Str("pk", pk).Str("sk", sk).Msg("Failed to get document from Firestore.")
		return nil, translateError(fmt.Sprintf("firestore get pk=%s sk=%s", pk, sk), err)
	}
	return Item(snap.Data()), nil
}

// Put creates or overwrites the document for the item.
func (t *FirestoreTable) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	ref := t.client.Collection(t.collection).Doc(docID(item.PartitionKey(), item.SortKey()))
	if _, err := ref.Set(ctx, map[string]interface{}(item)); err != nil {
		t.logger.Error().Err(err).Str("pk", item.PartitionKey()).Msg("Failed to write document to Firestore.")
		return translateError("firestore set", err)
	}
	return nil
}

// BatchWrite writes the items through a BulkWriter. Items whose individual
// write failed are returned; the error is reserved for failures of the call itself.
func (t *FirestoreTable) BatchWrite(ctx context.Context, items []Item) ([]Item, error) {
	if len(items) > MaxBatchWriteSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrValidation, len(items), MaxBatchWriteSize)
	}
	bw := t.client.BulkWriter(ctx)
	type pending struct {
		item Item
		job  *firestore.BulkWriterJob
	}
	jobs := make([]pending, 0, len(items))
	var failed []Item
	for _, item := range items {
		if validateItem(item) != nil {
			failed = append(failed, item)
			continue
		}
		ref := t.client.Collection(t.collection).Doc(docID(item.PartitionKey(), item.SortKey()))
		job, err := bw.Set(ref, map[string]interface{}(item))
		if err != nil {
			bw.End()
			return nil, translateError("firestore bulk set", err)
		}
		jobs = append(jobs, pending{item: item, job: job})
	}
	bw.End()

	for _, p := range jobs {
		if _, err := p.job.Results(); err != nil {
			t.logger.Warn().Err(err).Str("pk", p.item.PartitionKey()).Msg("Bulk write failed for item.")
			failed = append(failed, p.item)
		}
	}
	return failed, nil
}

// Query runs one page of q against the collection.
func (t *FirestoreTable) Query(ctx context.Context, q Query) (QueryResult, error) {
	if q.Limit <= 0 {
		return QueryResult{}, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	partitionAttr, sortAttr := PartitionKeyAttr, SortKeyAttr
	if q.IndexName != "" && !q.Scan {
		idx, ok := t.indexes[q.IndexName]
		if !ok {
			return QueryResult{}, fmt.Errorf("%w: unknown index %q", ErrValidation, q.IndexName)
		}
		partitionAttr, sortAttr = idx.PartitionKey, idx.SortKey
	}
	order := orderAttrs(partitionAttr, sortAttr)

	fq := t.client.Collection(t.collection).Query
	if !q.Scan {
		fq = fq.Where(partitionAttr, "==", q.KeyCondition.PartitionValue)
		if q.KeyCondition.Sort != nil {
			fq = applyCondition(fq, *q.KeyCondition.Sort)
		}
	}
	for _, c := range q.Filter {
		fq = applyCondition(fq, c)
	}
	for _, attr := range order {
		fq = fq.OrderBy(attr, firestore.Asc)
	}
	if len(q.ExclusiveStartKey) > 0 {
		values := make([]interface{}, len(order))
		for i, v := range keyTuple(q.ExclusiveStartKey, order) {
			values[i] = v
		}
		fq = fq.StartAfter(values...)
	}
	// One extra document tells us whether another page exists.
	snaps, err := fq.Limit(q.Limit + 1).Documents(ctx).GetAll()
	if err != nil {
		t.logger.Error().Err(err).Str("index", q.IndexName).Bool("scan", q.Scan).Msg("Firestore query failed.")
		return QueryResult{}, translateError("firestore query", err)
	}

	more := len(snaps) > q.Limit
	if more {
		snaps = snaps[:q.Limit]
	}
	res := QueryResult{Items: make([]Item, 0, len(snaps))}
	for _, snap := range snaps {
		res.Items = append(res.Items, Item(snap.Data()))
	}
	if more && len(res.Items) > 0 {
		res.LastEvaluatedKey = keyOf(res.Items[len(res.Items)-1], order)
	}
	return res, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (t *FirestoreTable) Close() error {
	return nil
}

func applyCondition(q firestore.Query, c Condition) firestore.Query {
	switch c.Op {
	case OpBetween:
		return q.Where(c.Attribute, ">=", c.Value).Where(c.Attribute, "<=", c.To)
	case OpBeginsWith:
		return q.Where(c.Attribute, ">=", c.Value).Where(c.Attribute, "<", c.Value+"\uf8ff")
	default:
		return q.Where(c.Attribute, string(c.Op), c.Value)
	}
}

// translateError maps gRPC status codes onto the package's error classes while
// keeping the original error in the chain.
func translateError(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %w", op, ErrThrottled, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
