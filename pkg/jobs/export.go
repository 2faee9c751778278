package jobs

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
)

// GCSClient abstracts the top-level *storage.Client so exports can be tested
// without a real bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsClientAdapter struct{ client *storage.Client }

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketAdapter struct{ handle *storage.BucketHandle }

func (a *gcsBucketAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectAdapter{handle: a.handle.Object(name)}
}

type gcsObjectAdapter struct{ handle *storage.ObjectHandle }

func (a *gcsObjectAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	w := a.handle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}

// ExportConfig holds configuration for the GCSExporter.
type ExportConfig struct {
	BucketName   string `yaml:"bucket_name"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// GCSExporter writes an export job's items to a gzipped JSON-lines object.
type GCSExporter struct {
	client GCSClient
	cfg    ExportConfig
	logger zerolog.Logger
}

// NewGCSExporter creates a new GCSExporter.
func NewGCSExporter(client GCSClient, cfg ExportConfig, logger zerolog.Logger) (*GCSExporter, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSExporter{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "GCSExporter").Logger(),
	}, nil
}

// NewTask is a TaskFactory. The object is named <prefix>/<owner>/<job>.jsonl.gz.
func (e *GCSExporter) NewTask(ctx context.Context, job Job) (Task, error) {
	objectName := path.Join(e.cfg.ObjectPrefix, job.OwnerID, fmt.Sprintf("%s.jsonl.gz", job.ID))
	// The upload is aborted by cancelling its context, so it must not inherit
	// the caller's cancellation.
	uploadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := e.client.Bucket(e.cfg.BucketName).Object(objectName).NewWriter(uploadCtx)
	gz := gzip.NewWriter(w)
	return &exportTask{
		ref:    fmt.Sprintf("gs://%s/%s", e.cfg.BucketName, objectName),
		object: objectName,
		w:      w,
		gz:     gz,
		enc:    json.NewEncoder(gz),
		cancel: cancel,
		logger: e.logger.With().Str("job_id", job.ID).Str("object_name", objectName).Logger(),
	}, nil
}

type exportTask struct {
	ref    string
	object string
	logger zerolog.Logger

	mu     sync.Mutex
	w      io.WriteCloser
	gz     *gzip.Writer
	enc    *json.Encoder
	rows   int
	done   bool
	cancel context.CancelFunc
}

// Process appends the chunk to the object. Chunks may arrive in any order.
func (t *exportTask) Process(_ context.Context, chunk []store.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return batch.Permanent(errors.New("export already closed"))
	}
	for _, item := range chunk {
		if err := t.enc.Encode(item); err != nil {
			return batch.Permanent(fmt.Errorf("json encoding failed for %s: %w", t.object, err))
		}
		t.rows++
	}
	return nil
}

func (t *exportTask) Finish(_ context.Context, job Job, run batch.Result[store.Item]) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cancel()
	t.done = true
	if err := t.gz.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to flush export %s: %w", t.object, err)
	}
	if err := t.w.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close GCS object writer for %s: %w", t.object, err)
	}
	t.logger.Info().Int("record_count", t.rows).Msg("Export uploaded.")
	return Result{
		DownloadRef: t.ref,
		Summary:     fmt.Sprintf("exported %d of %d items", t.rows, run.Total),
	}, nil
}

func (t *exportTask) Abort(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.cancel()
	_ = t.w.Close()
	t.logger.Info().Msg("Export aborted.")
}
