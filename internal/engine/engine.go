// Package engine orchestrates synchronization: it drains the mutation
// log to the backend (push), applies remote deltas (pull), resolves
// conflicts, and exposes the sync state machine and its derived status.
package engine

//go:generate go run go.uber.org/mock/mockgen -source=engine.go -destination=mock_backend.go -package=engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fjg67/IT-Inventory-sub000/internal/backend"
	"github.com/fjg67/IT-Inventory-sub000/internal/connectivity"
	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

const (
	// maxBackoffShift caps the bit-shift exponent in the retry backoff
	// to prevent integer overflow of time.Duration.
	maxBackoffShift = 10

	// backoffJitterDivisor controls the jitter added to the retry
	// delay: uniform in [0, delay/backoffJitterDivisor).
	backoffJitterDivisor = 2

	// triggerChanSize is the trigger channel capacity. One pending
	// trigger is enough: a cycle already running absorbs all triggers
	// that arrive while it is busy.
	triggerChanSize = 1
)

// Backend is the subset of the backend client the engine depends on.
type Backend interface {
	PushBatch(ctx context.Context, entity models.EntityType, items []backend.PushItem) ([]backend.PushOutcome, error)
	Pull(ctx context.Context, entity models.EntityType, since int64) (backend.PullResponse, error)
	Health(ctx context.Context) error
}

// State is the sync engine state machine.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StatePendingRetry
	StateError
)

// String returns the state name for logging and status derivation.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StatePendingRetry:
		return "pending_retry"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds the engine tunables. All fields can be updated at runtime
// through UpdateSettings.
type Config struct {
	// Interval is the periodic sync trigger.
	Interval time.Duration

	// BatchSize bounds how many mutations one push batch carries.
	BatchSize int

	// BackoffBase and BackoffMax bound the retry backoff:
	// base * 2^attempt, capped, plus jitter.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Engine runs sync cycles. All cycle work happens on the single Run
// goroutine, so cycles are single-flight by construction: triggers that
// arrive mid-cycle coalesce into at most one follow-up cycle.
type Engine struct {
	store    *store.Store
	backend  Backend
	monitor  *connectivity.Monitor
	resolver *Resolver
	logger   *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu      sync.Mutex
	state   State
	lastErr error
	attempt int

	triggerCh chan struct{}
	onChange  func()
}

// New creates an engine. The caller wires the monitor's signal channel
// and the status publisher before calling Run.
func New(s *store.Store, b Backend, m *connectivity.Monitor, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     s,
		backend:   b,
		monitor:   m,
		resolver:  NewResolver(s, logger),
		logger:    logger,
		cfg:       cfg,
		state:     StateIdle,
		triggerCh: make(chan struct{}, triggerChanSize),
	}
}

// SetOnChange registers the callback invoked after every state
// transition and after cycle progress that changes the pending count.
// Must be called before Run.
func (e *Engine) SetOnChange(fn func()) {
	e.onChange = fn
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// LastError returns the error that put the engine in its current state,
// or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.lastErr
}

// Trigger requests a sync cycle. Non-blocking; triggers arriving while a
// cycle runs are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Acknowledge clears the Error state after the user has reviewed the
// failure, re-enabling automatic sync. A no-op in any other state.
func (e *Engine) Acknowledge() {
	e.mu.Lock()
	if e.state != StateError {
		e.mu.Unlock()
		return
	}

	e.state = StateIdle
	e.lastErr = nil
	e.attempt = 0
	e.mu.Unlock()

	e.logger.Info("error state acknowledged")
	e.notify()
	e.Trigger()
}

// UpdateSettings applies hot-reloaded tunables. The new interval takes
// effect on the next timer reset.
func (e *Engine) UpdateSettings(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.logger.Info("engine settings updated",
		slog.Duration("interval", cfg.Interval),
		slog.Int("batch_size", cfg.BatchSize),
	)
}

// RebuildLog recovers from a corrupted mutation log and clears the Error
// state. The log is re-derived from record dirty flags.
func (e *Engine) RebuildLog() error {
	if err := e.store.RebuildLog(); err != nil {
		return fmt.Errorf("rebuilding mutation log: %w", err)
	}

	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = nil
	e.attempt = 0
	e.mu.Unlock()

	e.logger.Info("mutation log rebuilt")
	e.notify()
	e.Trigger()

	return nil
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	return e.cfg
}

// Run executes sync cycles until the context is cancelled. Triggers:
// the periodic interval, connectivity restoration, explicit Trigger
// calls, and retry timer expiry. In the Error state all automatic
// triggers are ignored until Acknowledge or RebuildLog.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.NewTimer(e.config().Interval)
	defer interval.Stop()

	var retryCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.triggerCh:
		case <-e.monitor.Signals():
		case <-interval.C:
			interval.Reset(e.config().Interval)
		case <-retryCh:
		}

		retryCh = nil

		if e.State() == StateError {
			e.logger.Debug("sync trigger ignored in error state")
			continue
		}

		if delay, retry := e.runCycle(ctx); retry {
			retryCh = time.After(delay)
		}

		// Drain the interval timer if it fired during the cycle so the
		// next tick measures from now.
		if !interval.Stop() {
			select {
			case <-interval.C:
			default:
			}
		}

		interval.Reset(e.config().Interval)
	}
}

// runCycle executes one push+pull cycle and performs the state
// transition its outcome dictates. Returns the backoff delay when a
// retry should be scheduled.
func (e *Engine) runCycle(ctx context.Context) (time.Duration, bool) {
	e.setState(StateSyncing, nil)

	started := time.Now()

	err := e.push(ctx)
	if err == nil {
		err = e.pull(ctx)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-cycle: the batch in flight finished, later
			// batches were not started. No state churn on the way out.
			return 0, false
		}

		class := apperrors.Classify(err)

		if class == apperrors.ClassFatal {
			e.logger.Error("sync halted",
				slog.String("class", class.String()),
				slog.String("error", err.Error()),
			)
			e.setState(StateError, err)

			return 0, false
		}

		e.mu.Lock()
		e.attempt++
		attempt := e.attempt
		e.mu.Unlock()

		delay := e.backoffDelay(attempt)
		e.logger.Warn("sync cycle failed",
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		e.setState(StatePendingRetry, err)

		return delay, true
	}

	e.mu.Lock()
	e.attempt = 0
	e.mu.Unlock()

	e.logger.Info("sync cycle completed", slog.Duration("took", time.Since(started)))
	e.setState(StateIdle, nil)

	return 0, false
}

// backoffDelay computes base * 2^attempt, capped, with jitter.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	cfg := e.config()

	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := cfg.BackoffBase << shift
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}

	return delay + rand.N(delay/backoffJitterDivisor)
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.lastErr = err
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}
