package microservice_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/microservice"
	"github.com/illmade-knight/go-asyncops/pkg/notify"
	"github.com/illmade-knight/go-asyncops/pkg/pagination"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/illmade-knight/go-asyncops/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	srv     *httptest.Server
	hub     *notify.Hub
	manager *jobs.Manager
	items   *store.MemoryTable
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	metrics := telemetry.New("asyncops")

	items := store.NewMemoryTable(store.Index{Name: "by-status", PartitionKey: "status", SortKey: "createdAt"})
	pages, err := cache.NewStore[pagination.Page](cache.Config{Capacity: 100}, logger)
	require.NoError(t, err)
	paginator, err := pagination.NewPaginator(pagination.Config{
		Indexes:  []store.Index{{Name: "by-status", PartitionKey: "status", SortKey: "createdAt"}},
		Priority: []string{"status"},
		Families: []pagination.Family{{Name: "items", TTL: time.Minute}},
	}, items, pages, metrics, logger)
	require.NoError(t, err)

	hub := notify.NewHub(notify.DefaultConfig(), logger)
	exec := batch.NewExecutor[store.Item](batch.Config{ChunkSize: 25, Workers: 2}, metrics, logger)
	manager, err := jobs.NewManager(jobs.DefaultConfig(), jobs.NewRepository(store.NewMemoryTable(jobs.Indexes()...), 0),
		exec, hub, nil, metrics, logger)
	require.NoError(t, err)

	writer := jobs.NewBulkWriter(items)
	writer.OnWritten = func(ctx context.Context) { paginator.InvalidateFamily(ctx, "items") }
	manager.RegisterTask(jobs.TypeBulkOperation, writer.NewTask)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Close()
		_ = manager.Stop(context.Background())
	})

	server := microservice.NewServer(logger, ":0", microservice.API{
		Jobs:        manager,
		Items:       paginator,
		ItemsFamily: "items",
		Events:      hub,
		Metrics:     metrics.Handler(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, hub: hub, manager: manager, items: items}
}

func (a *testAPI) do(t *testing.T, method, path, owner string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(microservice.OwnerIDHeader, owner)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func itemsPayload(n int) []store.Item {
	out := make([]store.Item, n)
	for i := range out {
		status := "active"
		if i%3 == 0 {
			status = "disabled"
		}
		out[i] = store.Item{
			"pk":        "USER",
			"sk":        fmt.Sprintf("user-%03d", i),
			"status":    status,
			"createdAt": fmt.Sprintf("2026-01-01T00:00:%02dZ", i%60),
		}
	}
	return out
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_RequiresOwner(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/jobs", "/jobs/abc", "/events"} {
		resp, _ := api.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAPI_BulkJobThenPaginatedItems(t *testing.T) {
	api := newTestAPI(t)

	// Prime the page cache so the job's write has something to invalidate.
	resp, body := api.do(t, http.MethodGet, "/items?status=active", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty pagination.Page
	require.NoError(t, json.Unmarshal(body, &empty))
	assert.Empty(t, empty.Items)

	resp, body = api.do(t, http.MethodPost, "/jobs", "owner-a", map[string]any{
		"type":  "bulk_operation",
		"items": itemsPayload(30),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var job jobs.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, 30, job.TotalItems)

	require.Eventually(t, func() bool {
		resp, body := api.do(t, http.MethodGet, "/jobs/"+job.ID, "owner-a", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var got jobs.Job
		return json.Unmarshal(body, &got) == nil && got.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = api.do(t, http.MethodGet, "/items?status=active&limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page pagination.Page
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Len(t, page.Items, 10)
	assert.Equal(t, "by-status", page.Index)
	require.NotEmpty(t, page.NextCursor)

	resp, body = api.do(t, http.MethodGet, "/items?status=active&limit=10&cursor="+page.NextCursor, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second pagination.Page
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Len(t, second.Items, 10, "20 of the 30 items are active")
	assert.Empty(t, second.NextCursor)

	resp, _ = api.do(t, http.MethodGet, "/items?status=active&cursor=not-a-cursor", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/items?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/jobs?status=completed", "owner-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Jobs, 1)
	assert.Equal(t, job.ID, listed.Jobs[0].ID)

	resp, _ = api.do(t, http.MethodDelete, "/jobs/"+job.ID, "owner-a", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a completed job cannot be cancelled")
}

func TestAPI_OwnerIsolation(t *testing.T) {
	api := newTestAPI(t)
	job, err := api.manager.CreateJob(context.Background(), jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport})
	require.NoError(t, err)

	resp, _ := api.do(t, http.MethodGet, "/jobs/"+job.ID, "owner-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = api.do(t, http.MethodDelete, "/jobs/"+job.ID, "owner-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := api.do(t, http.MethodDelete, "/jobs/"+job.ID, "owner-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled jobs.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
}

func TestAPI_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/jobs", body: "{not json", want: http.StatusBadRequest},
		{name: "unknown job type", method: http.MethodPost, path: "/jobs", body: map[string]any{"type": "reindex"}, want: http.StatusBadRequest},
		{name: "type without task", method: http.MethodPost, path: "/jobs", body: map[string]any{"type": "export"}, want: http.StatusBadRequest},
		{name: "unknown status filter", method: http.MethodGet, path: "/jobs?status=paused", want: http.StatusBadRequest},
		{name: "missing job", method: http.MethodGet, path: "/jobs/missing", want: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := api.do(t, tc.method, tc.path, "owner-a", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			var e map[string]string
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e["error"])
		})
	}
}

// mockJobService delegates to function fields.
type mockJobService struct {
	SubmitFn func(ctx context.Context, req jobs.Request, items []store.Item) (jobs.Job, error)
}

func (m *mockJobService) Submit(ctx context.Context, req jobs.Request, items []store.Item) (jobs.Job, error) {
	return m.SubmitFn(ctx, req, items)
}

func (m *mockJobService) GetJob(context.Context, string) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrJobNotFound
}

func (m *mockJobService) ListJobs(context.Context, string, jobs.Status) ([]jobs.Job, error) {
	return nil, nil
}

func (m *mockJobService) CancelJob(context.Context, string) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrJobNotFound
}

func TestAPI_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		want    int
		message string
	}{
		{name: "owner limit", err: fmt.Errorf("owner-a: %w", jobs.ErrTooManyJobs), want: http.StatusTooManyRequests},
		{name: "shutting down", err: jobs.ErrManagerStopped, want: http.StatusServiceUnavailable, message: "service is shutting down"},
		{name: "store outage", err: errors.New("firestore: connection refused"), want: http.StatusInternalServerError, message: "internal error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotOwner, gotEmail string
			svc := &mockJobService{SubmitFn: func(_ context.Context, req jobs.Request, _ []store.Item) (jobs.Job, error) {
				gotOwner, gotEmail = req.OwnerID, req.OwnerEmail
				return jobs.Job{}, tc.err
			}}
			server := microservice.NewServer(zerolog.Nop(), ":0", microservice.API{Jobs: svc})

			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"type":"export","items":[]}`))
			req.Header.Set(microservice.OwnerIDHeader, "owner-a")
			req.Header.Set(microservice.OwnerEmailHeader, "a@example.com")
			rec := httptest.NewRecorder()
			server.Mux().ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, "owner-a", gotOwner)
			assert.Equal(t, "a@example.com", gotEmail)
			if tc.message != "" {
				assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tc.message), rec.Body.String())
			}
		})
	}
}

func TestAPI_EventStream(t *testing.T) {
	api := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(microservice.OwnerIDHeader, "owner-a")
	resp, err := api.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return api.hub.Stats().Connections == 1 }, time.Second, 5*time.Millisecond)
	api.hub.Publish("owner-b", notify.SystemAlert("not for you"))
	api.hub.Publish("owner-a", notify.JobProgress("job-1", "processing", 40))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: job_progress\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"job_progress","jobId":"job-1","status":"processing","progress":40}`, strings.TrimPrefix(strings.TrimSpace(line), "data: "))
}
