package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/notify"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
)

// RestartPolicy decides what Recover does with jobs left processing by a
// previous process.
type RestartPolicy string

const (
	// RestartFail marks interrupted jobs failed.
	RestartFail RestartPolicy = "fail"
	// RestartRequeue moves interrupted jobs back to queued so they can be resubmitted.
	RestartRequeue RestartPolicy = "requeue"
)

// Config holds configuration for the Manager.
type Config struct {
	// MaxConcurrentPerOwner bounds an owner's non-terminal jobs. Zero means no limit.
	MaxConcurrentPerOwner int              `yaml:"max_concurrent_per_owner"`
	Workers               int              `yaml:"workers"`
	QueueSize             int              `yaml:"queue_size"`
	RestartPolicy         RestartPolicy    `yaml:"restart_policy"`
	RetentionDays         int              `yaml:"retention_days"`
	DispatchTimeout       time.Duration    `yaml:"dispatch_timeout"`
	StoreTimeout          time.Duration    `yaml:"store_timeout"`
	Now                   func() time.Time `yaml:"-"`
}

// DefaultConfig provides a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerOwner: 5,
		Workers:               4,
		QueueSize:             256,
		RestartPolicy:         RestartFail,
		RetentionDays:         30,
		DispatchTimeout:       30 * time.Second,
		StoreTimeout:          10 * time.Second,
	}
}

// Publisher receives live job events. *notify.Hub satisfies it.
type Publisher interface {
	Publish(ownerID string, ev notify.Event) int
}

// Recorder receives job transitions for metrics. It may be nil.
type Recorder interface {
	ObserveTransition(jobType Type, to Status)
}

const lockStripes = 64

// Manager owns job records and their state machine. All mutations of one job
// are serialized through a striped lock, and each is a read-modify-write of
// the persisted record, so a rejected transition never touches the store.
type Manager struct {
	cfg        Config
	repo       *Repository
	publisher  Publisher
	dispatcher notify.Dispatcher
	executor   *batch.Executor[store.Item]
	recorder   Recorder
	logger     zerolog.Logger
	now        func() time.Time

	locks     [lockStripes]sync.Mutex
	cancelled sync.Map // job ID -> *atomic.Bool

	ownerMu sync.Mutex
	active  map[string]int

	tasksMu sync.RWMutex
	tasks   map[Type]TaskFactory

	queue      chan work
	stopOnce   sync.Once
	stopped    chan struct{}
	workerWg   sync.WaitGroup
	dispatchWg sync.WaitGroup
}

// NewManager creates a Manager. publisher and dispatcher may be nil.
func NewManager(
	cfg Config,
	repo *Repository,
	executor *batch.Executor[store.Item],
	publisher Publisher,
	dispatcher notify.Dispatcher,
	recorder Recorder,
	logger zerolog.Logger,
) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("job repository cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("batch executor cannot be nil")
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentPerOwner < 0 {
		cfg.MaxConcurrentPerOwner = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	switch cfg.RestartPolicy {
	case "":
		cfg.RestartPolicy = def.RestartPolicy
	case RestartFail, RestartRequeue:
	default:
		return nil, fmt.Errorf("unknown restart policy %q", cfg.RestartPolicy)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:        cfg,
		repo:       repo,
		publisher:  publisher,
		dispatcher: dispatcher,
		executor:   executor,
		recorder:   recorder,
		logger:     logger.With().Str("component", "AsyncJobManager").Logger(),
		now:        now,
		active:     make(map[string]int),
		tasks:      make(map[Type]TaskFactory),
		queue:      make(chan work, cfg.QueueSize),
		stopped:    make(chan struct{}),
	}, nil
}

func (m *Manager) lockFor(jobID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(jobID))
	return &m.locks[f.Sum32()%lockStripes]
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) timestamp() *time.Time {
	t := m.now().UTC()
	return &t
}

// CreateJob persists a new queued job. It fails outright if the store is
// unavailable or the owner is at the concurrency limit.
func (m *Manager) CreateJob(ctx context.Context, req Request) (Job, error) {
	if err := req.validate(); err != nil {
		return Job{}, err
	}

	if err := m.reserve(req.OwnerID); err != nil {
		return Job{}, err
	}

	job := Job{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		OwnerEmail: req.OwnerEmail,
		Type:       req.Type,
		Status:     StatusQueued,
		Params:     req.Params,
		TotalItems: req.TotalItems,
		CreatedAt:  m.now().UTC(),
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.repo.Put(sctx, job); err != nil {
		m.release(job)
		return Job{}, err
	}
	m.cancelled.Store(job.ID, new(atomic.Bool))

	m.logger.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Str("type", string(job.Type)).Msg("Job created.")
	m.observe(job)
	m.publish(job, notify.JobProgress(job.ID, string(job.Status), 0))
	return job, nil
}

// GetJob loads a job.
func (m *Manager) GetJob(ctx context.Context, jobID string) (Job, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.repo.Get(sctx, jobID)
}

// ListJobs returns an owner's jobs, optionally restricted to one status.
func (m *Manager) ListJobs(ctx context.Context, ownerID string, status Status) ([]Job, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	return m.repo.ListByOwner(sctx, ownerID, status)
}

// mutate applies fn to the stored job under the job's lock and saves the
// result. If fn returns an error nothing is written and the stored job is
// returned alongside the error.
func (m *Manager) mutate(ctx context.Context, jobID string, fn func(job *Job) error) (Job, error) {
	mu := m.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	current, err := m.repo.Get(sctx, jobID)
	if err != nil {
		return Job{}, err
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	if err := m.repo.Put(sctx, next); err != nil {
		return current, err
	}
	if next.Status != current.Status {
		m.observe(next)
		if next.Status.Terminal() {
			m.release(next)
		}
	}
	return next, nil
}

// StartJob moves a queued job to processing. Starting a job that is already
// processing is a no-op returning the current record.
func (m *Manager) StartJob(ctx context.Context, jobID string) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status != StatusQueued {
			return &TransitionError{JobID: job.ID, From: job.Status, Op: "start"}
		}
		job.Status = StatusProcessing
		job.StartedAt = m.timestamp()
		return nil
	})
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) && te.From == StatusProcessing {
			return job, nil
		}
		return job, err
	}
	m.logger.Info().Str("job_id", job.ID).Msg("Job started.")
	m.publish(job, notify.JobProgress(job.ID, string(job.Status), job.Progress))
	return job, nil
}

// UpdateProgress records processed out of total items. Progress never
// decreases: a lower processed count, or a total that would lower the
// percentage, is rejected with ErrProgressRegression.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, processed, total int) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status != StatusProcessing {
			return &TransitionError{JobID: job.ID, From: job.Status, Op: "update progress of"}
		}
		if total <= 0 || processed < 0 {
			return fmt.Errorf("%w: processed %d of %d", ErrInvalidRequest, processed, total)
		}
		progress := percent(processed, total)
		if processed < job.ProcessedItems || progress < job.Progress {
			return fmt.Errorf("%w: job %s at %d items (%d%%), got %d of %d",
				ErrProgressRegression, job.ID, job.ProcessedItems, job.Progress, processed, total)
		}
		job.ProcessedItems = processed
		job.TotalItems = total
		job.Progress = progress
		return nil
	})
	if err != nil {
		return job, err
	}
	m.publish(job, notify.JobProgress(job.ID, string(job.Status), job.Progress))
	return job, nil
}

// CompleteJob moves a processing job to completed. The dispatcher is notified
// asynchronously; its failure does not affect the job.
func (m *Manager) CompleteJob(ctx context.Context, jobID string, result Result) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status != StatusProcessing {
			return &TransitionError{JobID: job.ID, From: job.Status, Op: "complete"}
		}
		job.Status = StatusCompleted
		job.Progress = 100
		job.CompletedAt = m.timestamp()
		r := result
		job.Result = &r
		return nil
	})
	if err != nil {
		return job, err
	}
	m.logger.Info().Str("job_id", job.ID).Int("failed_items", len(result.Errors)).Msg("Job completed.")
	m.publish(job, notify.JobComplete(job.ID, result.Summary))
	m.dispatch(job, result.Summary)
	return job, nil
}

// FailJob moves a processing job to failed with a human-readable reason.
func (m *Manager) FailJob(ctx context.Context, jobID string, reason string) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status != StatusProcessing {
			return &TransitionError{JobID: job.ID, From: job.Status, Op: "fail"}
		}
		job.Status = StatusFailed
		job.Error = reason
		job.CompletedAt = m.timestamp()
		return nil
	})
	if err != nil {
		return job, err
	}
	m.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Job failed.")
	m.publish(job, notify.JobFailed(job.ID, string(job.Status), reason))
	m.dispatch(job, reason)
	return job, nil
}

// CancelJob cancels a queued or processing job. A running job stops issuing
// new chunks; the chunk in flight finishes.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return &TransitionError{JobID: job.ID, From: job.Status, Op: "cancel"}
		}
		job.Status = StatusCancelled
		job.CancelledAt = m.timestamp()
		return nil
	})
	if err != nil {
		return job, err
	}
	m.flag(job.ID).Store(true)
	m.logger.Info().Str("job_id", job.ID).Msg("Job cancelled.")
	m.publish(job, notify.JobFailed(job.ID, string(job.Status), "cancelled"))
	return job, nil
}

// IsCancelled reports whether CancelJob succeeded for jobID in this process.
func (m *Manager) IsCancelled(jobID string) bool {
	return m.flag(jobID).Load()
}

func (m *Manager) flag(jobID string) *atomic.Bool {
	v, _ := m.cancelled.LoadOrStore(jobID, new(atomic.Bool))
	return v.(*atomic.Bool)
}

// reserve takes one of the owner's job slots.
func (m *Manager) reserve(ownerID string) error {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	if limit := m.cfg.MaxConcurrentPerOwner; limit > 0 && m.active[ownerID] >= limit {
		return fmt.Errorf("%w: owner %s has %d active jobs", ErrTooManyJobs, ownerID, m.active[ownerID])
	}
	m.active[ownerID]++
	return nil
}

// release frees a job's owner slot.
func (m *Manager) release(job Job) {
	m.ownerMu.Lock()
	if m.active[job.OwnerID] > 0 {
		m.active[job.OwnerID]--
	}
	if m.active[job.OwnerID] == 0 {
		delete(m.active, job.OwnerID)
	}
	m.ownerMu.Unlock()
	if job.Status != StatusCancelled {
		m.cancelled.Delete(job.ID)
	}
}

// ActiveJobs returns the number of non-terminal jobs an owner holds.
func (m *Manager) ActiveJobs(ownerID string) int {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	return m.active[ownerID]
}

func (m *Manager) publish(job Job, ev notify.Event) {
	if m.publisher != nil {
		m.publisher.Publish(job.OwnerID, ev)
	}
}

func (m *Manager) observe(job Job) {
	if m.recorder != nil {
		m.recorder.ObserveTransition(job.Type, job.Status)
	}
}

// dispatch sends the job outcome in the background. Errors are logged only.
func (m *Manager) dispatch(job Job, details string) {
	if m.dispatcher == nil {
		return
	}
	m.dispatchWg.Add(1)
	go func() {
		defer m.dispatchWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DispatchTimeout)
		defer cancel()
		if err := m.dispatcher.SendJobOutcome(ctx, job.OwnerEmail, job.ID, string(job.Status), details); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dispatch job outcome.")
		}
	}()
}

// Recover applies the restart policy to jobs a previous process left
// processing, then rebuilds the per-owner counters from the store. It returns
// the jobs it changed.
func (m *Manager) Recover(ctx context.Context) ([]Job, error) {
	sctx, cancel := m.storeCtx(ctx)
	interrupted, err := m.repo.ListByStatus(sctx, StatusProcessing)
	cancel()
	if err != nil {
		return nil, err
	}

	var changed []Job
	for _, j := range interrupted {
		var job Job
		switch m.cfg.RestartPolicy {
		case RestartRequeue:
			job, err = m.mutate(ctx, j.ID, func(job *Job) error {
				if job.Status != StatusProcessing {
					return &TransitionError{JobID: job.ID, From: job.Status, Op: "requeue"}
				}
				job.Status = StatusQueued
				job.StartedAt = nil
				job.Progress = 0
				job.ProcessedItems = 0
				return nil
			})
		default:
			job, err = m.FailJob(ctx, j.ID, "interrupted by restart")
		}
		if err != nil {
			m.logger.Error().Err(err).Str("job_id", j.ID).Msg("Failed to recover job.")
			continue
		}
		changed = append(changed, job)
	}

	sctx, cancel = m.storeCtx(ctx)
	defer cancel()
	queued, err := m.repo.ListByStatus(sctx, StatusQueued)
	if err != nil {
		return changed, err
	}
	m.ownerMu.Lock()
	m.active = make(map[string]int)
	for _, j := range queued {
		m.active[j.OwnerID]++
	}
	m.ownerMu.Unlock()

	m.logger.Info().
		Str("policy", string(m.cfg.RestartPolicy)).
		Int("recovered", len(changed)).
		Int("queued", len(queued)).
		Msg("Job recovery finished.")
	return changed, nil
}
