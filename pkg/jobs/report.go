package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ReportRow is one aggregate row of a generated report.
type ReportRow struct {
	JobID       string    `bigquery:"job_id"`
	OwnerID     string    `bigquery:"owner_id"`
	Dimension   string    `bigquery:"dimension"`
	Value       string    `bigquery:"value"`
	Count       int       `bigquery:"count"`
	GeneratedAt time.Time `bigquery:"generated_at"`
}

// RowInserter streams report rows to a sink.
type RowInserter interface {
	InsertBatch(ctx context.Context, rows []*ReportRow) error
}

// BigQueryConfig holds the dataset and table report rows are written to.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	TableID         string `yaml:"table_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// NewBigQueryClient creates a BigQuery client, using Application Default
// Credentials unless a credentials file is configured.
func NewBigQueryClient(ctx context.Context, cfg *BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryReportSink inserts report rows into a BigQuery table.
type BigQueryReportSink struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryReportSink connects to the configured table, creating it from
// the ReportRow schema when it does not exist yet.
func NewBigQueryReportSink(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryReportSink, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table are required")
	}
	logger = logger.With().
		Str("component", "BigQueryReportSink").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Creating it with the report schema.")
		schema, err := bigquery.InferSchema(ReportRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer report schema: %w", err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	}
	return &BigQueryReportSink{inserter: table.Inserter(), logger: logger}, nil
}

// InsertBatch streams rows to the table.
func (s *BigQueryReportSink) InsertBatch(ctx context.Context, rows []*ReportRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				s.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	s.logger.Debug().Int("batch_size", len(rows)).Msg("Inserted report rows.")
	return nil
}

// ReportGenerator aggregates a report job's items by one attribute and
// writes the counts through a RowInserter.
type ReportGenerator struct {
	sink   RowInserter
	now    func() time.Time
	logger zerolog.Logger
}

// DefaultReportDimension is used when a job does not set the group_by param.
const DefaultReportDimension = "status"

// NewReportGenerator creates a ReportGenerator.
func NewReportGenerator(sink RowInserter, logger zerolog.Logger) (*ReportGenerator, error) {
	if sink == nil {
		return nil, errors.New("report sink cannot be nil")
	}
	return &ReportGenerator{
		sink:   sink,
		now:    time.Now,
		logger: logger.With().Str("component", "ReportGenerator").Logger(),
	}, nil
}

// NewTask is a TaskFactory.
func (g *ReportGenerator) NewTask(_ context.Context, job Job) (Task, error) {
	dim := job.Params["group_by"]
	if dim == "" {
		dim = DefaultReportDimension
	}
	return &reportTask{gen: g, dimension: dim, counts: make(map[string]int)}, nil
}

type reportTask struct {
	gen       *ReportGenerator
	dimension string

	mu     sync.Mutex
	counts map[string]int
}

func (t *reportTask) Process(_ context.Context, chunk []store.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range chunk {
		v, ok := item[t.dimension]
		if !ok {
			t.counts["(none)"]++
			continue
		}
		t.counts[fmt.Sprint(v)]++
	}
	return nil
}

func (t *reportTask) Finish(ctx context.Context, job Job, run batch.Result[store.Item]) (Result, error) {
	t.mu.Lock()
	values := make([]string, 0, len(t.counts))
	for v := range t.counts {
		values = append(values, v)
	}
	sort.Strings(values)
	generatedAt := t.gen.now().UTC()
	rows := make([]*ReportRow, 0, len(values))
	for _, v := range values {
		rows = append(rows, &ReportRow{
			JobID:       job.ID,
			OwnerID:     job.OwnerID,
			Dimension:   t.dimension,
			Value:       v,
			Count:       t.counts[v],
			GeneratedAt: generatedAt,
		})
	}
	t.mu.Unlock()

	if err := t.gen.sink.InsertBatch(ctx, rows); err != nil {
		return Result{}, err
	}
	return Result{
		Summary: fmt.Sprintf("%d %s groups over %d items", len(rows), t.dimension, run.Succeeded),
	}, nil
}

func (t *reportTask) Abort(context.Context) {}
