// Package sync wires the pending-operation queue, the wire client and
// the reconciler into the engine the rest of the application drives.
// One pass pushes the due queue batch and pulls remote changes in a
// single round trip, then reconciles the response.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/avitran/tripsync/internal/db"
	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/sync/conflict"
	"github.com/avitran/tripsync/internal/sync/protocol"
	"github.com/avitran/tripsync/internal/sync/queue"
	"github.com/avitran/tripsync/internal/sync/reconcile"
)

// Status is the engine's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// EventType tags an engine event.
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
	EventConflict      EventType = "conflict_detected"
)

// Event is a status notification emitted by the engine.
type Event struct {
	Type      EventType          `json:"type"`
	At        time.Time          `json:"at"`
	Outcome   *reconcile.Outcome `json:"outcome,omitempty"`
	Error     string             `json:"error,omitempty"`
	Pending   int                `json:"pending"`
	Conflicts int                `json:"conflicts"`
}

// EventHandler receives engine events. Handlers must not block.
type EventHandler func(Event)

// Syncer is the engine surface the scheduler and command layer use.
type Syncer interface {
	Sync(ctx context.Context) (*reconcile.Outcome, error)
	Status() Status
	LastSync() time.Time
	LastError() string
	PendingChanges(ctx context.Context) (queue.Stats, error)
}

// Engine runs sync passes. At most one pass is in flight at a time;
// concurrent calls fail fast rather than queue up.
type Engine struct {
	repo     *db.Repository
	queue    *queue.Queue
	client   *protocol.Client
	rec      *reconcile.Reconciler
	log      *logging.Logger
	batch    int
	handlers []EventHandler

	mu        stdsync.Mutex
	inFlight  bool
	status    Status
	lastSync  time.Time
	lastError string
}

// Config carries engine construction options.
type Config struct {
	BatchSize      int
	ConflictPolicy conflict.Policy
}

// NewEngine creates a sync engine over an opened store and wire client.
func NewEngine(repo *db.Repository, q *queue.Queue, client *protocol.Client, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = queue.DefaultBatchSize
	}
	resolver := conflict.New(cfg.ConflictPolicy, q)
	return &Engine{
		repo:   repo,
		queue:  q,
		client: client,
		rec:    reconcile.New(repo, q, resolver),
		log:    logging.Get(),
		batch:  cfg.BatchSize,
		status: StatusIdle,
	}
}

// OnEvent registers a status event handler.
func (e *Engine) OnEvent(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	ev.At = time.Now().UTC()
	for _, h := range handlers {
		h(ev)
	}
}

// Recover clears a stale persisted in-progress flag left by a crash
// mid-pass. Call once at startup, before the first Sync.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.repo.EnsureCursors(ctx); err != nil {
		return err
	}
	return e.repo.SetSyncInProgress(ctx, false)
}

// Sync runs one push+pull pass. Returns ErrSyncInProgress if a pass is
// already running.
func (e *Engine) Sync(ctx context.Context) (*reconcile.Outcome, error) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "a sync pass is already running")
	}
	e.inFlight = true
	e.status = StatusSyncing
	e.mu.Unlock()

	var (
		outcome *reconcile.Outcome
		runErr  error
	)
	// The in-memory guard must come down on every exit path, a panic
	// unwinding out of run or an event handler included; a stuck guard
	// refuses every later pass.
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		if runErr == nil && outcome != nil {
			e.status = StatusIdle
			e.lastError = ""
			e.lastSync = time.Now().UTC()
		} else {
			e.status = StatusFailed
			if runErr != nil {
				e.lastError = runErr.Error()
			}
		}
		e.mu.Unlock()
	}()

	outcome, runErr = e.run(ctx)
	if runErr != nil {
		e.emit(Event{Type: EventSyncFailed, Error: runErr.Error()})
		return nil, runErr
	}
	stats, _ := e.queue.Count(ctx)
	e.emit(Event{Type: EventSyncCompleted, Outcome: outcome, Pending: stats.Pending, Conflicts: stats.Conflict})
	return outcome, nil
}

func (e *Engine) run(ctx context.Context) (outcome *reconcile.Outcome, err error) {
	if err := e.repo.SetSyncInProgress(ctx, true); err != nil {
		return nil, err
	}
	// The persisted flag must come down on every exit path, including
	// panics; a stuck flag reads as a phantom in-flight pass forever.
	defer func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if clearErr := e.repo.SetSyncInProgress(clearCtx, false); clearErr != nil && err == nil {
			err = clearErr
		}
		if err != nil {
			_ = e.repo.RecordSyncError(clearCtx, err.Error())
		}
	}()

	e.emit(Event{Type: EventSyncStarted})

	ops, err := e.queue.Drain(ctx, e.batch)
	if err != nil {
		return nil, err
	}
	since, err := e.repo.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	wireOps := make([]protocol.Operation, 0, len(ops))
	for _, op := range ops {
		wireOps = append(wireOps, protocol.FromPending(op))
	}

	e.log.Info("sync pass starting", logging.Fields{"operations": len(wireOps), "since": since})

	resp, err := e.client.SyncChanges(ctx, wireOps, since)
	if err != nil {
		// Transport failures leave the batch queued under the same
		// idempotency keys; the next pass replays it safely.
		if apperrors.IsTransport(err) {
			e.log.Warn("sync transport failure, batch will be retried", logging.Fields{"error": err.Error()})
		}
		return nil, err
	}

	outcome, err = e.rec.Apply(ctx, ops, resp)
	if err != nil {
		return nil, err
	}
	if outcome.Conflicts > 0 {
		e.emit(Event{Type: EventConflict, Conflicts: outcome.Conflicts})
	}
	e.log.Info("sync pass complete", logging.Fields{
		"acked": outcome.Acked, "conflicts": outcome.Conflicts, "failed": outcome.Failed,
		"applied": outcome.Applied, "held": outcome.Held, "replayed": outcome.Replayed,
	})
	return outcome, nil
}

// Status returns the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the completion time of the last successful pass.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the failure message of the last pass, if any.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// PendingChanges returns queue statistics.
func (e *Engine) PendingChanges(ctx context.Context) (queue.Stats, error) {
	return e.queue.Count(ctx)
}

// Queue exposes the engine's queue for components that enqueue work.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

var _ Syncer = (*Engine)(nil)
