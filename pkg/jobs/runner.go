package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// Task is the work behind one job run. Process is called once per chunk,
// possibly from several workers at once and again for retried items.
type Task interface {
	Process(ctx context.Context, chunk []store.Item) error
	// Finish is called once after every chunk ran and at least one item
	// succeeded. Its Result is completed with per-item errors by the runner.
	Finish(ctx context.Context, job Job, run batch.Result[store.Item]) (Result, error)
	// Abort releases the task's resources when the job will not complete.
	Abort(ctx context.Context)
}

// TaskFactory creates the Task for a job that is about to start.
type TaskFactory func(ctx context.Context, job Job) (Task, error)

type work struct {
	jobID string
	items []store.Item
}

// RegisterTask sets the factory used for jobs of type t.
func (m *Manager) RegisterTask(t Type, factory TaskFactory) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()
	m.tasks[t] = factory
}

func (m *Manager) taskFactory(t Type) (TaskFactory, bool) {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()
	f, ok := m.tasks[t]
	return f, ok
}

// Start launches the job workers. Jobs run under ctx, so cancelling it
// interrupts every running job.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.Workers; i++ {
		m.workerWg.Add(1)
		go func() {
			defer m.workerWg.Done()
			for {
				select {
				case <-m.stopped:
					return
				case <-ctx.Done():
					return
				case w := <-m.queue:
					m.run(ctx, w)
				}
			}
		}()
	}
	m.logger.Info().Int("workers", m.cfg.Workers).Msg("Job workers started.")
}

// Stop stops accepting work and waits for running jobs and pending dispatches
// to finish, or for ctx to expire. Queued work not yet picked up stays queued.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopped) })
	done := make(chan struct{})
	go func() {
		m.workerWg.Wait()
		m.dispatchWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Job manager stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a job for items and queues it for the workers.
func (m *Manager) Submit(ctx context.Context, req Request, items []store.Item) (Job, error) {
	if _, ok := m.taskFactory(req.Type); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNoTask, req.Type)
	}
	req.TotalItems = len(items)
	job, err := m.CreateJob(ctx, req)
	if err != nil {
		return Job{}, err
	}
	if err := m.Enqueue(ctx, job.ID, items); err != nil {
		return job, err
	}
	return job, nil
}

// Enqueue queues a job that already exists, e.g. one requeued by Recover.
// If ctx ends first the job stays queued.
func (m *Manager) Enqueue(ctx context.Context, jobID string, items []store.Item) error {
	select {
	case <-m.stopped:
		return ErrManagerStopped
	default:
	}
	select {
	case m.queue <- work{jobID: jobID, items: items}:
		return nil
	case <-m.stopped:
		return ErrManagerStopped
	case <-ctx.Done():
		return fmt.Errorf("failed to queue job %s: %w", jobID, ctx.Err())
	}
}

// run drives one job from queued to a terminal state.
func (m *Manager) run(ctx context.Context, w work) {
	logger := m.logger.With().Str("job_id", w.jobID).Logger()
	cancelled := m.flag(w.jobID)
	defer m.cancelled.Delete(w.jobID)

	if cancelled.Load() {
		logger.Info().Msg("Job cancelled before it started.")
		return
	}
	job, err := m.StartJob(ctx, w.jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("Job could not be started.")
		return
	}

	factory, ok := m.taskFactory(job.Type)
	if !ok {
		m.fail(ctx, job.ID, fmt.Sprintf("no task registered for job type %s", job.Type))
		return
	}
	task, err := factory(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare job task.")
		m.fail(ctx, job.ID, fmt.Sprintf("failed to prepare %s job", job.Type))
		return
	}

	res := m.executor.Run(ctx, w.items, task.Process, batch.Hooks{
		ShouldStop: cancelled.Load,
		OnChunkDone: func(p batch.Progress) {
			if cancelled.Load() {
				return
			}
			if _, err := m.UpdateProgress(ctx, job.ID, p.Processed, p.Total); err != nil {
				logger.Warn().Err(err).Int("processed", p.Processed).Msg("Failed to record job progress.")
			}
		},
	})

	switch {
	case cancelled.Load():
		task.Abort(context.WithoutCancel(ctx))
		logger.Info().Int("skipped", res.Skipped).Msg("Job run stopped after cancellation.")
		return
	case res.Cancelled:
		task.Abort(context.WithoutCancel(ctx))
		m.fail(context.WithoutCancel(ctx), job.ID, "interrupted by shutdown")
		return
	case res.Total > 0 && res.Succeeded == 0:
		task.Abort(ctx)
		m.fail(ctx, job.ID, fmt.Sprintf("all %d items failed: %s", res.Total, res.Failed[0].Reason))
		return
	}

	result, err := task.Finish(ctx, job, res)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finish job.")
		m.fail(ctx, job.ID, fmt.Sprintf("failed to finish %s job", job.Type))
		return
	}
	result.Succeeded = res.Succeeded
	result.Failed = len(res.Failed)
	for _, f := range res.Failed {
		result.Errors = append(result.Errors, ItemError{Index: f.Index, Reason: f.Reason})
	}

	if _, err := m.CompleteJob(ctx, job.ID, result); err != nil {
		var te *TransitionError
		if errors.As(err, &te) && te.From == StatusCancelled {
			logger.Info().Msg("Job was cancelled during its last chunk, result discarded.")
			task.Abort(ctx)
			return
		}
		logger.Error().Err(err).Msg("Failed to complete job.")
	}
}

func (m *Manager) fail(ctx context.Context, jobID, reason string) {
	if _, err := m.FailJob(ctx, jobID, reason); err != nil {
		m.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed.")
	}
}
