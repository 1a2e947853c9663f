package engine

import (
	"log/slog"
	"sync"

	"github.com/fjg67/IT-Inventory-sub000/internal/connectivity"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

// Status is the single sync status the UI consumes.
type Status string

const (
	// StatusSynced: idle, nothing pending, backend reachable.
	StatusSynced Status = "synced"

	// StatusSyncing: a cycle is running.
	StatusSyncing Status = "syncing"

	// StatusPending: local changes or a scheduled retry are waiting
	// for the backend.
	StatusPending Status = "pending"

	// StatusError: the engine halted or mutations were dead-lettered.
	StatusError Status = "error"

	// StatusIdle: offline with nothing pending.
	StatusIdle Status = "idle"
)

// Snapshot is one published status observation.
type Snapshot struct {
	Status           Status `json:"status"`
	PendingCount     int    `json:"pending_count"`
	DeadLettered     int    `json:"dead_lettered"`
	BackendReachable bool   `json:"backend_reachable"`
}

// StatusPublisher derives the observable sync status from engine state,
// mutation-log size, and backend reachability. It is a recomputed
// projection: there is no settable status flag anywhere, so the
// published value can never drift from the underlying state.
type StatusPublisher struct {
	store   *store.Store
	monitor *connectivity.Monitor
	state   func() State
	logger  *slog.Logger

	mu   sync.Mutex
	subs []chan Snapshot
	last Snapshot
}

// NewStatusPublisher creates the projection. state is the engine's
// State accessor; the indirection avoids a construction cycle between
// engine and publisher.
func NewStatusPublisher(s *store.Store, m *connectivity.Monitor, state func() State, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{store: s, monitor: m, state: state, logger: logger}
}

// Compute derives the current snapshot.
func (p *StatusPublisher) Compute() Snapshot {
	pending, err := p.store.PendingCount()
	if err != nil {
		p.logger.Warn("computing pending count", slog.String("error", err.Error()))
	}

	dead, err := p.store.DeadLetterCount()
	if err != nil {
		p.logger.Warn("computing dead letter count", slog.String("error", err.Error()))
	}

	snap := Snapshot{
		PendingCount:     pending,
		DeadLettered:     dead,
		BackendReachable: p.monitor.BackendReachable(),
	}

	state := p.state()

	switch {
	case state == StateSyncing:
		snap.Status = StatusSyncing
	case state == StateError || dead > 0:
		snap.Status = StatusError
	case pending > 0 || state == StatePendingRetry:
		// Work queued, or a failed cycle waiting out its backoff. The
		// pull side can be behind even when the log is empty, so a
		// pending retry is never reported as synced.
		snap.Status = StatusPending
	case snap.BackendReachable:
		snap.Status = StatusSynced
	default:
		snap.Status = StatusIdle
	}

	return snap
}

// Subscribe returns a channel receiving a snapshot after every engine,
// log, or reachability change. The channel holds one element and is
// coalescing: a slow consumer sees the latest state, not a backlog.
func (p *StatusPublisher) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	ch <- p.Compute()

	return ch
}

// Publish recomputes the snapshot and fans it out to subscribers.
// Wired as the onChange callback of both the engine and the monitor.
func (p *StatusPublisher) Publish() {
	snap := p.Compute()

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap == p.last {
		return
	}

	p.last = snap

	for _, ch := range p.subs {
		// Coalesce: drop the stale value if the consumer lagged.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- snap:
		default:
		}
	}
}
