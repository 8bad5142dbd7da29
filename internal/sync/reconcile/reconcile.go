// Package reconcile applies a sync response to the local store: push
// verdicts first, then pulled changes, then the watermark. The watermark
// only moves after both passes complete, so an interrupted apply replays
// the same window on the next round trip.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avitran/tripsync/internal/db"
	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/sync/conflict"
	"github.com/avitran/tripsync/internal/sync/protocol"
	"github.com/avitran/tripsync/internal/sync/queue"
)

// Outcome summarises one reconciliation pass.
type Outcome struct {
	Acked     int // operations confirmed and removed from the queue
	Conflicts int // operations parked for resolution
	Failed    int // operations scheduled for a backoff retry
	Applied   int // pulled changes merged into the store
	Held      int // pulled changes parked behind local pending edits
	Replayed  int // held changes released by an acknowledgement
}

// Reconciler folds sync responses into the local database.
type Reconciler struct {
	repo     *db.Repository
	queue    *queue.Queue
	resolver *conflict.Resolver
	log      *logging.Logger
}

// New creates a reconciler.
func New(repo *db.Repository, q *queue.Queue, resolver *conflict.Resolver) *Reconciler {
	return &Reconciler{repo: repo, queue: q, resolver: resolver, log: logging.Get()}
}

// Apply folds the response for a pushed batch into the store. ops is
// the exact batch that was pushed, so verdicts can be matched back by
// idempotency key. On error the watermark stays put and the caller
// reports a failed pass.
func (r *Reconciler) Apply(ctx context.Context, ops []*models.PendingOperation, resp *protocol.SyncResponse) (*Outcome, error) {
	serverTime, err := db.ParseWireTime(resp.SyncTimestamp)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncDecode, "sync response timestamp", err)
	}

	byKey := make(map[string]*models.PendingOperation, len(ops))
	for _, op := range ops {
		byKey[op.IdempotencyKey] = op
	}

	out := &Outcome{}
	applied := make(map[models.EntityType]int64)

	for i := range resp.PushResults {
		res := &resp.PushResults[i]
		op, ok := byKey[res.IdempotencyKey]
		if !ok {
			r.log.Warn("push result for unknown idempotency key", logging.Fields{
				"key": res.IdempotencyKey, "entity_type": res.EntityType,
			})
			continue
		}
		switch {
		case res.Acknowledged():
			if err := r.acknowledge(ctx, op, res, serverTime, out); err != nil {
				return nil, err
			}
		case res.Conflict:
			if err := r.parkConflict(ctx, op, res); err != nil {
				return nil, err
			}
			out.Conflicts++
		default:
			msg := res.ErrorMessage
			if msg == "" {
				msg = "rejected by server"
			}
			if err := r.queue.MarkAttempted(ctx, op.ID, msg); err != nil {
				return nil, err
			}
			out.Failed++
		}
	}

	for i := range resp.PullResults {
		rec := &resp.PullResults[i]
		pending, err := r.queue.PendingFor(ctx, rec.EntityType, rec.EntityID)
		if err != nil {
			return nil, err
		}
		if pending {
			// A local edit is still in flight for this entity; the
			// remote change waits its turn instead of clobbering it.
			if err := r.repo.HoldChange(ctx, rec); err != nil {
				return nil, err
			}
			out.Held++
			continue
		}
		// Nothing blocks this entity any more. A change parked while an
		// earlier operation was in flight is older than the one applying
		// now; drop it so a later acknowledgement cannot replay it.
		if err := r.repo.DiscardHeldChange(ctx, rec.EntityType, rec.EntityID); err != nil {
			return nil, err
		}
		if err := r.repo.ApplyChange(ctx, rec); err != nil {
			return nil, err
		}
		applied[rec.EntityType]++
		out.Applied++
	}

	if err := r.repo.AdvanceWatermarks(ctx, resp.SyncTimestamp, applied); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reconciler) acknowledge(ctx context.Context, op *models.PendingOperation, res *protocol.PushResult, serverTime time.Time, out *Outcome) error {
	if err := r.repo.MarkSynced(ctx, op.EntityType, op.EntityID, res.ServerVersion, serverTime); err != nil {
		return err
	}
	if err := r.queue.Remove(ctx, op.ID); err != nil {
		return err
	}
	out.Acked++

	// The acknowledgement may have been the last blocker for a held
	// remote change; replay it now unless another local edit remains.
	stillPending, err := r.queue.PendingFor(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if stillPending {
		return nil
	}
	held, err := r.repo.TakeHeldChange(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if held == nil {
		return nil
	}
	// The acknowledgement is the newest authoritative state for this
	// entity. A held change from before it must not roll the version
	// back; only a strictly newer snapshot gets replayed.
	if !heldSupersedes(held, res.ServerVersion) {
		r.log.Debug("discarding stale held change", logging.Fields{
			"entity_type": op.EntityType, "entity_id": op.EntityID,
			"server_version": res.ServerVersion,
		})
		return nil
	}
	if err := r.repo.ApplyChange(ctx, held); err != nil {
		return err
	}
	out.Replayed++
	return nil
}

// heldSupersedes reports whether a held remote change is newer than the
// server state just acknowledged. Held deletes never supersede an
// acknowledgement: a server that accepted the push still has the row,
// so the parked tombstone predates it.
func heldSupersedes(held *models.ChangeRecord, serverVersion int64) bool {
	if held.Action == models.ChangeDelete {
		return false
	}
	var envelope struct {
		Version int64 `json:"version"`
	}
	_ = json.Unmarshal(held.Data, &envelope)
	return envelope.Version > serverVersion
}

func (r *Reconciler) parkConflict(ctx context.Context, op *models.PendingOperation, res *protocol.PushResult) error {
	if err := r.repo.MarkConflicted(ctx, op.EntityType, op.EntityID); err != nil {
		return err
	}
	if err := r.queue.MarkConflicted(ctx, op.ID, res.ServerVersion); err != nil {
		return err
	}
	resolution, err := r.resolver.Resolve(ctx, op, res.ServerVersion)
	if err != nil {
		return err
	}
	entry := &models.ConflictLog{
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		LocalVersion:  op.ClientVersion,
		ServerVersion: res.ServerVersion,
		Resolution:    string(resolution),
	}
	if err := r.repo.RecordConflict(ctx, entry); err != nil {
		return err
	}
	r.log.Warn("push conflict", logging.Fields{
		"entity_type": op.EntityType, "entity_id": op.EntityID,
		"local_version": op.ClientVersion, "server_version": res.ServerVersion,
		"resolution": resolution,
	})
	return nil
}
