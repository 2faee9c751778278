package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// Index names and attributes of the job table.
const (
	OwnerIndex  = "by-owner"
	StatusIndex = "by-status"

	attrOwner     = "ownerId"
	attrStatus    = "status"
	attrCreatedAt = "createdAt"
	attrType      = "type"
	attrData      = "data"
	attrExpireAt  = "expireAt"

	metaSortKey = "META"
	listPage    = 100
)

// sortableTime is a fixed-width UTC layout, so lexical order is time order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// Indexes returns the secondary indexes the job table needs.
func Indexes() []store.Index {
	return []store.Index{
		{Name: OwnerIndex, PartitionKey: attrOwner, SortKey: attrCreatedAt},
		{Name: StatusIndex, PartitionKey: attrStatus, SortKey: attrCreatedAt},
	}
}

// Repository persists jobs as store items. The full record is kept as JSON in
// a single attribute; owner, status and creation time are duplicated as
// top-level attributes for the indexes.
type Repository struct {
	table     store.Table
	retention time.Duration
}

// NewRepository creates a Repository. A positive retention stamps every record
// with an expireAt attribute for the store's TTL cleanup.
func NewRepository(table store.Table, retention time.Duration) *Repository {
	return &Repository{table: table, retention: retention}
}

func partitionKey(jobID string) string { return "JOB#" + jobID }

// Get loads a job.
func (r *Repository) Get(ctx context.Context, jobID string) (Job, error) {
	item, err := r.table.Get(ctx, partitionKey(jobID), metaSortKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return Job{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return decodeJob(item)
}

// Put writes a job.
func (r *Repository) Put(ctx context.Context, job Job) error {
	item, err := r.encode(job)
	if err != nil {
		return err
	}
	if err := r.table.Put(ctx, item); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// ListByOwner returns an owner's jobs, oldest first, optionally restricted to one status.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, status Status) ([]Job, error) {
	q := store.Query{
		IndexName:    OwnerIndex,
		KeyCondition: store.KeyCondition{PartitionValue: ownerID},
	}
	if status != "" {
		q.Filter = []store.Condition{{Attribute: attrStatus, Op: store.OpEq, Value: string(status)}}
	}
	return r.list(ctx, q)
}

// ListByStatus returns every job in a status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status Status) ([]Job, error) {
	return r.list(ctx, store.Query{
		IndexName:    StatusIndex,
		KeyCondition: store.KeyCondition{PartitionValue: string(status)},
	})
}

func (r *Repository) list(ctx context.Context, q store.Query) ([]Job, error) {
	q.Limit = listPage
	var out []Job
	for {
		res, err := r.table.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		for _, item := range res.Items {
			job, err := decodeJob(item)
			if err != nil {
				return nil, err
			}
			out = append(out, job)
		}
		if res.LastEvaluatedKey == nil {
			return out, nil
		}
		q.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

func (r *Repository) encode(job Job) (store.Item, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	item := store.Item{
		store.PartitionKeyAttr: partitionKey(job.ID),
		store.SortKeyAttr:      metaSortKey,
		attrOwner:              job.OwnerID,
		attrStatus:             string(job.Status),
		attrType:               string(job.Type),
		attrCreatedAt:          job.CreatedAt.UTC().Format(sortableTime),
		attrData:               string(data),
	}
	if r.retention > 0 {
		item[attrExpireAt] = job.CreatedAt.Add(r.retention).UTC().Format(sortableTime)
	}
	return item, nil
}

func decodeJob(item store.Item) (Job, error) {
	var job Job
	data := item.String(attrData)
	if data == "" {
		return Job{}, fmt.Errorf("job record %s has no data", item.PartitionKey())
	}
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job record %s: %w", item.PartitionKey(), err)
	}
	return job, nil
}
