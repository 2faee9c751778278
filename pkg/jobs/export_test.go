package jobs_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- GCS mocks ---

type mockGCSWriter struct {
	bytes.Buffer
	ctx    context.Context
	closed bool
	objErr error
}

func (w *mockGCSWriter) Close() error {
	w.closed = true
	if err := w.ctx.Err(); err != nil {
		return err
	}
	return w.objErr
}

type mockGCSClient struct {
	mu      sync.Mutex
	objects map[string]*mockGCSWriter
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{objects: make(map[string]*mockGCSWriter)}
}

func (c *mockGCSClient) Bucket(name string) jobs.GCSBucketHandle {
	return &mockGCSBucket{client: c, bucket: name}
}

func (c *mockGCSClient) object(path string) *mockGCSWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects[path]
}

type mockGCSBucket struct {
	client *mockGCSClient
	bucket string
}

func (b *mockGCSBucket) Object(name string) jobs.GCSObjectHandle {
	return &mockGCSObject{client: b.client, path: b.bucket + "/" + name}
}

type mockGCSObject struct {
	client *mockGCSClient
	path   string
}

func (o *mockGCSObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := &mockGCSWriter{ctx: ctx}
	o.client.mu.Lock()
	o.client.objects[o.path] = w
	o.client.mu.Unlock()
	return w
}

func readJSONLines(t *testing.T, data []byte) []store.Item {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var out []store.Item
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var item store.Item
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &item))
		out = append(out, item)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestGCSExporter_ExportJob(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())
	client := newMockGCSClient()
	exporter, err := jobs.NewGCSExporter(client, jobs.ExportConfig{BucketName: "exports", ObjectPrefix: "admin"}, zerolog.Nop())
	require.NoError(t, err)
	m.RegisterTask(jobs.TypeExport, exporter.NewTask)
	startManager(t, m.Manager)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport}, numberedItems(60))
	require.NoError(t, err)

	done := waitTerminal(t, m.Manager, job.ID)
	require.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, "gs://exports/admin/owner-a/"+job.ID+".jsonl.gz", done.Result.DownloadRef)
	assert.Equal(t, "exported 60 of 60 items", done.Result.Summary)

	obj := client.object("exports/admin/owner-a/" + job.ID + ".jsonl.gz")
	require.NotNil(t, obj)
	assert.True(t, obj.closed)
	rows := readJSONLines(t, obj.Bytes())
	require.Len(t, rows, 60)
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[r.SortKey()] = true
	}
	assert.Len(t, seen, 60)
}

func TestGCSExporter_AbortCancelsUpload(t *testing.T) {
	ctx := context.Background()
	client := newMockGCSClient()
	exporter, err := jobs.NewGCSExporter(client, jobs.ExportConfig{BucketName: "exports"}, zerolog.Nop())
	require.NoError(t, err)

	task, err := exporter.NewTask(ctx, jobs.Job{ID: "job-1", OwnerID: "owner-a"})
	require.NoError(t, err)
	require.NoError(t, task.Process(ctx, numberedItems(3)))
	task.Abort(ctx)

	obj := client.object("exports/owner-a/job-1.jsonl.gz")
	require.NotNil(t, obj)
	assert.True(t, obj.closed)
	assert.Error(t, obj.ctx.Err(), "the upload context is cancelled so the object is never committed")
	assert.Error(t, task.Process(ctx, numberedItems(1)))
}

func TestNewGCSExporter_Validation(t *testing.T) {
	_, err := jobs.NewGCSExporter(nil, jobs.ExportConfig{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = jobs.NewGCSExporter(newMockGCSClient(), jobs.ExportConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
