// Package scheduler drives the sync engine: a periodic tick, an
// immediate-trigger channel fed by high-priority enqueues, and an
// online/offline gate. Triggers arriving mid-pass coalesce into one
// follow-up pass instead of stacking.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	syncengine "github.com/avitran/tripsync/internal/sync"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 5 * time.Minute

// Scheduler owns the background sync loop.
type Scheduler struct {
	engine   syncengine.Syncer
	interval time.Duration
	trigger  <-chan struct{}
	log      *logging.Logger

	mu        stdsync.Mutex
	online    bool
	running   bool
	retrigger bool
	kick      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// New creates a scheduler over engine. trigger is the queue's
// immediate-sync channel; it may be nil.
func New(engine syncengine.Syncer, interval time.Duration, trigger <-chan struct{}) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		trigger:  trigger,
		log:      logging.Get(),
		online:   true,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the background loop. Stop must be called to release it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// SetOnline flips the connectivity gate. Coming back online triggers an
// immediate pass to drain whatever accumulated offline.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()
	if online && !was {
		s.TriggerSync()
	}
}

// Online reports the connectivity gate.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// TriggerSync requests an out-of-band pass. Non-blocking; requests
// during a running pass coalesce into a single follow-up.
func (s *Scheduler) TriggerSync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs a pass synchronously, bypassing the loop. The loop's own
// in-progress guard still applies.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.Online() {
		return apperrors.New(apperrors.ErrSyncTransport, "offline")
	}
	_, err := s.engine.Sync(ctx)
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		case <-s.triggerChan():
		}
		s.runPass(ctx)

		// A trigger that landed while the pass ran means fresh work;
		// run one more pass instead of waiting a full interval.
		s.mu.Lock()
		again := s.retrigger
		s.retrigger = false
		s.mu.Unlock()
		if again {
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) triggerChan() <-chan struct{} {
	if s.trigger != nil {
		return s.trigger
	}
	return nil
}

func (s *Scheduler) runPass(ctx context.Context) {
	if !s.Online() {
		s.log.Debug("skipping sync pass while offline")
		return
	}
	if _, err := s.engine.Sync(ctx); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			s.mu.Lock()
			s.retrigger = true
			s.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("scheduled sync pass failed", logging.Fields{"error": err.Error()})
	}
}
