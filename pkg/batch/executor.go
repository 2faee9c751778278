// Package batch splits item collections into store-sized chunks and executes
// them with a fixed pool of workers, retrying transient failures with
// exponential backoff.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Op executes one chunk. It returns nil when every item was written, a
// *PartialError when only some items failed, or any other error to fail the
// whole chunk.
type Op[T any] func(ctx context.Context, chunk []T) error

// Config holds configuration for the Executor.
type Config struct {
	ChunkSize   int           `yaml:"chunk_size"`
	Workers     int           `yaml:"workers"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	// CallTimeout bounds a single Op call so a hung store cannot pin a worker.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig provides a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   store.MaxBatchWriteSize,
		Workers:     4,
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Hooks lets the caller observe and steer a run.
type Hooks struct {
	// ShouldStop is checked before each chunk is issued. Returning true stops
	// new chunk work; chunks already running are allowed to finish.
	ShouldStop func() bool
	// OnChunkDone is called after every chunk, one call at a time, with
	// cumulative counts.
	OnChunkDone func(p Progress)
}

// Progress is the cumulative state of a run after a chunk finished.
type Progress struct {
	Processed int
	Succeeded int
	Failed    int
	Total     int
}

// ItemFailure records a permanently failed item.
type ItemFailure[T any] struct {
	Index  int
	Item   T
	Reason string
	Err    error
}

// Result aggregates the outcome of a run.
type Result[T any] struct {
	Total     int
	Succeeded int
	// Failed lists every permanently failed item, ordered by index.
	Failed    []ItemFailure[T]
	Chunks    int
	Attempts  int
	Cancelled bool
	// Skipped counts items never issued because the run was stopped.
	Skipped int
}

// Recorder receives per-chunk outcomes for metrics. It may be nil.
type Recorder interface {
	ObserveChunk(outcome string, attempts int)
}

// Executor runs chunked operations over items of type T.
type Executor[T any] struct {
	cfg      Config
	recorder Recorder
	logger   zerolog.Logger
}

// NewExecutor creates a new Executor. Non-positive sizes fall back to defaults;
// a negative MaxRetries means no retries.
func NewExecutor[T any](cfg Config, recorder Recorder, logger zerolog.Logger) *Executor[T] {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Executor[T]{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With().Str("component", "BatchExecutor").Logger(),
	}
}

// Config returns the effective configuration.
func (e *Executor[T]) Config() Config { return e.cfg }

// RunBatches is a convenience wrapper that runs op over items with a one-off executor.
func RunBatches[T any](
	ctx context.Context,
	items []T,
	chunkSize int,
	op Op[T],
	maxRetries int,
	baseBackoff time.Duration,
) Result[T] {
	cfg := DefaultConfig()
	cfg.ChunkSize = chunkSize
	cfg.MaxRetries = maxRetries
	cfg.BaseBackoff = baseBackoff
	return NewExecutor[T](cfg, nil, zerolog.Nop()).Run(ctx, items, op, Hooks{})
}

type chunk[T any] struct {
	seq    int
	offset int
	items  []T
}

type chunkOutcome[T any] struct {
	succeeded int
	failed    []ItemFailure[T]
	attempts  int
}

// Run splits items into chunks and drains them all, whatever the individual
// chunk outcomes. It only stops early when hooks.ShouldStop reports true or
// ctx is done, in which case the remaining items are counted as skipped.
func (e *Executor[T]) Run(ctx context.Context, items []T, op Op[T], hooks Hooks) Result[T] {
	res := Result[T]{Total: len(items)}
	if len(items) == 0 {
		return res
	}

	var mu sync.Mutex
	chunks := make(chan chunk[T])

	var g errgroup.Group
	for w := 0; w < e.cfg.Workers; w++ {
		g.Go(func() error {
			for c := range chunks {
				out := e.runChunk(ctx, c, op)

				mu.Lock()
				res.Succeeded += out.succeeded
				res.Failed = append(res.Failed, out.failed...)
				res.Attempts += out.attempts
				if hooks.OnChunkDone != nil {
					hooks.OnChunkDone(Progress{
						Processed: res.Succeeded + len(res.Failed),
						Succeeded: res.Succeeded,
						Failed:    len(res.Failed),
						Total:     res.Total,
					})
				}
				mu.Unlock()
			}
			return nil
		})
	}

	seq := 0
produce:
	for offset := 0; offset < len(items); offset += e.cfg.ChunkSize {
		end := offset + e.cfg.ChunkSize
		if end > len(items) {
			end = len(items)
		}
		if (hooks.ShouldStop != nil && hooks.ShouldStop()) || ctx.Err() != nil {
			res.Cancelled = true
			res.Skipped = len(items) - offset
			break
		}
		select {
		case chunks <- chunk[T]{seq: seq, offset: offset, items: items[offset:end]}:
			seq++
		case <-ctx.Done():
			res.Cancelled = true
			res.Skipped = len(items) - offset
			break produce
		}
	}
	close(chunks)
	_ = g.Wait()

	res.Chunks = seq
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Index < res.Failed[j].Index })

	e.logger.Info().
		Int("total", res.Total).
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Failed)).
		Int("chunks", res.Chunks).
		Int("attempts", res.Attempts).
		Bool("cancelled", res.Cancelled).
		Msg("Batch run finished.")
	return res
}

// runChunk executes one chunk with the retry policy. Only the items that failed
// transiently are resubmitted on each retry.
func (e *Executor[T]) runChunk(ctx context.Context, c chunk[T], op Op[T]) chunkOutcome[T] {
	var out chunkOutcome[T]
	pending := make([]int, len(c.items))
	for i := range pending {
		pending[i] = i
	}

	fail := func(positions []int, err error) {
		for _, p := range positions {
			out.failed = append(out.failed, ItemFailure[T]{
				Index:  c.offset + p,
				Item:   c.items[p],
				Reason: err.Error(),
				Err:    err,
			})
		}
	}

	for attempt := 0; ; attempt++ {
		subset := make([]T, len(pending))
		for i, p := range pending {
			subset[i] = c.items[p]
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := op(callCtx, subset)
		cancel()
		out.attempts++

		if err == nil {
			out.succeeded += len(pending)
			e.observe("success", out.attempts)
			return out
		}

		var retry []int
		var lastErr error = err
		var partial *PartialError
		if errors.As(err, &partial) {
			for i, p := range pending {
				itemErr, failed := partial.Failed[i]
				switch {
				case !failed:
					out.succeeded++
				case Classify(itemErr) == ClassTransient:
					retry = append(retry, p)
					lastErr = itemErr
				default:
					fail([]int{p}, itemErr)
				}
			}
		} else if Classify(err) == ClassTransient {
			retry = pending
		} else {
			e.logger.Warn().Err(err).Int("chunk", c.seq).Int("items", len(pending)).Msg("Chunk failed permanently.")
			fail(pending, err)
			e.observe("permanent_failure", out.attempts)
			return out
		}

		if len(retry) == 0 {
			e.observe("partial_failure", out.attempts)
			return out
		}
		if attempt >= e.cfg.MaxRetries {
			exhausted := fmt.Errorf("retries exhausted after %d attempts: %w", out.attempts, lastErr)
			e.logger.Warn().Err(lastErr).Int("chunk", c.seq).Int("items", len(retry)).Msg("Chunk retries exhausted.")
			fail(retry, exhausted)
			e.observe("retries_exhausted", out.attempts)
			return out
		}

		wait := e.backoff(attempt)
		e.logger.Debug().Err(lastErr).Int("chunk", c.seq).Int("attempt", attempt+1).Dur("backoff", wait).Msg("Transient chunk failure, retrying.")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			fail(retry, ctx.Err())
			e.observe("cancelled", out.attempts)
			return out
		}
		pending = retry
	}
}

// backoff returns BaseBackoff * 2^attempt, capped at MaxBackoff.
func (e *Executor[T]) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return d
}

func (e *Executor[T]) observe(outcome string, attempts int) {
	if e.recorder != nil {
		e.recorder.ObserveChunk(outcome, attempts)
	}
}
