package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTask delegates to function fields.
type mockTask struct {
	ProcessFn func(ctx context.Context, chunk []store.Item) error
	FinishFn  func(ctx context.Context, job jobs.Job, run batch.Result[store.Item]) (jobs.Result, error)
	aborted   atomic.Bool
	calls     atomic.Int32
}

func (m *mockTask) Process(ctx context.Context, chunk []store.Item) error {
	m.calls.Add(1)
	if m.ProcessFn != nil {
		return m.ProcessFn(ctx, chunk)
	}
	return nil
}

func (m *mockTask) Finish(ctx context.Context, job jobs.Job, run batch.Result[store.Item]) (jobs.Result, error) {
	if m.FinishFn != nil {
		return m.FinishFn(ctx, job, run)
	}
	return jobs.Result{Summary: "ok"}, nil
}

func (m *mockTask) Abort(context.Context) { m.aborted.Store(true) }

func numberedItems(n int) []store.Item {
	items := make([]store.Item, n)
	for i := range items {
		items[i] = store.Item{"pk": "USER", "sk": fmt.Sprintf("user-%04d", i), "n": i, "status": []string{"active", "disabled"}[i%2]}
	}
	return items
}

func startManager(t *testing.T, m *jobs.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
}

func waitTerminal(t *testing.T, m *jobs.Manager, jobID string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetJob(context.Background(), jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestRunner_ThousandItemsWithOnePermanentFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())

	task := &mockTask{}
	task.ProcessFn = func(ctx context.Context, chunk []store.Item) error {
		for i, item := range chunk {
			if item["n"] == 500 {
				return &batch.PartialError{Failed: map[int]error{i: fmt.Errorf("%w: email is malformed", store.ErrValidation)}}
			}
		}
		return nil
	}
	m.RegisterTask(jobs.TypeBulkOperation, func(context.Context, jobs.Job) (jobs.Task, error) { return task, nil })
	startManager(t, m.Manager)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeBulkOperation}, numberedItems(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, job.TotalItems)

	done := waitTerminal(t, m.Manager, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, int32(40), task.calls.Load(), "1000 items in chunks of 25")
	assert.Equal(t, 1000, done.ProcessedItems)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, 999, done.Result.Succeeded)
	require.Len(t, done.Result.Errors, 1)
	assert.Equal(t, 500, done.Result.Errors[0].Index)
	assert.Contains(t, done.Result.Errors[0].Reason, "email is malformed")
	assert.False(t, task.aborted.Load())

	var last int
	for _, ev := range m.publisher.For("owner-a") {
		if ev.Progress != nil {
			assert.GreaterOrEqual(t, *ev.Progress, last, "published progress never goes back")
			last = *ev.Progress
		}
	}
	assert.Equal(t, 100, last)
}

func TestRunner_CancelStopsNewChunks(t *testing.T) {
	ctx := context.Background()
	cfg := jobs.DefaultConfig()
	cfg.Workers = 1
	// One executor worker, so chunks run strictly one after another.
	exec := batch.NewExecutor[store.Item](batch.Config{ChunkSize: 25, Workers: 1}, nil, zerolog.Nop())
	m, err := jobs.NewManager(cfg, jobs.NewRepository(store.NewMemoryTable(jobs.Indexes()...), 0), exec, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	task := &mockTask{}
	task.ProcessFn = func(ctx context.Context, chunk []store.Item) error {
		if chunk[0]["n"] == 50 {
			close(started)
			<-release
		}
		return nil
	}
	m.RegisterTask(jobs.TypeExport, func(context.Context, jobs.Job) (jobs.Task, error) { return task, nil })
	startManager(t, m)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport}, numberedItems(500))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("third chunk never started")
	}
	cancelled, err := m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
	close(release)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))

	assert.True(t, task.aborted.Load())
	assert.Less(t, task.calls.Load(), int32(20), "no new chunks after cancellation")
	final, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, final.Status)
	assert.Nil(t, final.Result)
}

func TestRunner_AllItemsFailing(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())
	task := &mockTask{ProcessFn: func(ctx context.Context, chunk []store.Item) error {
		return fmt.Errorf("%w: schema mismatch", store.ErrValidation)
	}}
	m.RegisterTask(jobs.TypeBulkOperation, func(context.Context, jobs.Job) (jobs.Task, error) { return task, nil })
	startManager(t, m.Manager)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeBulkOperation}, numberedItems(60))
	require.NoError(t, err)

	done := waitTerminal(t, m.Manager, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "all 60 items failed")
	assert.True(t, task.aborted.Load())
}

func TestRunner_FinishErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())
	task := &mockTask{FinishFn: func(context.Context, jobs.Job, batch.Result[store.Item]) (jobs.Result, error) {
		return jobs.Result{}, errors.New("bucket permission denied")
	}}
	m.RegisterTask(jobs.TypeExport, func(context.Context, jobs.Job) (jobs.Task, error) { return task, nil })
	startManager(t, m.Manager)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport}, numberedItems(10))
	require.NoError(t, err)

	done := waitTerminal(t, m.Manager, job.ID)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Equal(t, "failed to finish export job", done.Error, "internal error text is not exposed")
}

func TestRunner_EmptyJobCompletes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())
	m.RegisterTask(jobs.TypeReportGeneration, func(context.Context, jobs.Job) (jobs.Task, error) { return &mockTask{}, nil })
	startManager(t, m.Manager)

	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeReportGeneration}, nil)
	require.NoError(t, err)
	done := waitTerminal(t, m.Manager, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
}

func TestRunner_SubmitWithoutTask(t *testing.T) {
	m := newTestManager(t, jobs.DefaultConfig())
	_, err := m.Submit(context.Background(), jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport}, numberedItems(1))
	assert.ErrorIs(t, err, jobs.ErrNoTask)

	listed, err := m.ListJobs(context.Background(), "owner-a", "")
	require.NoError(t, err)
	assert.Empty(t, listed, "no record is created for an unrunnable job")
}

func TestRunner_SubmitAfterStop(t *testing.T) {
	m := newTestManager(t, jobs.DefaultConfig())
	m.RegisterTask(jobs.TypeExport, func(context.Context, jobs.Job) (jobs.Task, error) { return &mockTask{}, nil })
	require.NoError(t, m.Stop(context.Background()))

	job, err := m.Submit(context.Background(), jobs.Request{OwnerID: "owner-a", Type: jobs.TypeExport}, numberedItems(1))
	require.ErrorIs(t, err, jobs.ErrManagerStopped)

	stored, err := m.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, stored.Status, "the record stays discoverable")
}

func TestBulkWriter(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, jobs.DefaultConfig())
	target := store.NewMemoryTable()

	var mu sync.Mutex
	invalidations := 0
	writer := jobs.NewBulkWriter(target)
	writer.OnWritten = func(context.Context) {
		mu.Lock()
		invalidations++
		mu.Unlock()
	}
	m.RegisterTask(jobs.TypeBulkOperation, writer.NewTask)
	startManager(t, m.Manager)

	items := numberedItems(70)
	items[33] = store.Item{"pk": "USER"}
	job, err := m.Submit(ctx, jobs.Request{OwnerID: "owner-a", Type: jobs.TypeBulkOperation}, items)
	require.NoError(t, err)

	done := waitTerminal(t, m.Manager, job.ID)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 69, target.Len())
	require.Len(t, done.Result.Errors, 1)
	assert.Equal(t, 33, done.Result.Errors[0].Index)
	assert.Equal(t, "wrote 69 of 70 items", done.Result.Summary)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invalidations)
}
