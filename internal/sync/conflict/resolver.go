// Package conflict decides what happens to an operation the server
// rejected as stale. The default policy parks the operation for a
// manual decision; last-write-wins replays the local payload on top of
// the server's version.
package conflict

import (
	"context"
	"encoding/json"

	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/models"
)

// Policy names a resolution strategy.
type Policy string

const (
	// PolicyManual leaves conflicted operations parked until the user
	// picks a side.
	PolicyManual Policy = "manual"
	// PolicyLastWriteWins re-pushes the local payload claiming the
	// server's version, overwriting the remote edit.
	PolicyLastWriteWins Policy = "last_write_wins"
)

// ValidPolicy reports whether p names a known strategy.
func ValidPolicy(p Policy) bool {
	return p == PolicyManual || p == PolicyLastWriteWins
}

// Retrier reactivates a parked operation with a fresh payload and
// client version. Satisfied by the pending-operation queue.
type Retrier interface {
	Retry(ctx context.Context, id models.UUID, payload json.RawMessage, clientVersion int64) error
}

// Resolver applies the configured policy to push conflicts.
type Resolver struct {
	policy Policy
	queue  Retrier
	log    *logging.Logger
}

// New creates a resolver. An unknown policy falls back to manual.
func New(policy Policy, queue Retrier) *Resolver {
	if !ValidPolicy(policy) {
		policy = PolicyManual
	}
	return &Resolver{policy: policy, queue: queue, log: logging.Get()}
}

// Policy returns the active strategy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve handles one conflicted operation and returns the resolution
// recorded in the conflict log. The operation has already been parked
// with the server version by the time this runs.
func (r *Resolver) Resolve(ctx context.Context, op *models.PendingOperation, serverVersion int64) (Policy, error) {
	if r.policy == PolicyManual {
		return PolicyManual, nil
	}
	// Last write wins: the local payload goes back out claiming the
	// server's version, so the next push succeeds the version check.
	if err := r.queue.Retry(ctx, op.ID, op.Payload, serverVersion); err != nil {
		return r.policy, err
	}
	r.log.Info("conflict auto-resolved in favor of local edit", logging.Fields{
		"entity_type": op.EntityType, "entity_id": op.EntityID, "server_version": serverVersion,
	})
	return PolicyLastWriteWins, nil
}
