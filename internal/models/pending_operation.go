// Package models provides data model definitions for the tripsync core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of mutation a pending operation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// OperationStatus is the queue-side lifecycle state of an operation.
type OperationStatus string

const (
	// OperationPending operations are drained on the next pass once
	// their backoff window has elapsed.
	OperationPending OperationStatus = "pending"
	// OperationConflict operations are off the blind-retry path and
	// wait for an explicit resolution step.
	OperationConflict OperationStatus = "conflict"
	// OperationFailed operations exhausted their retries and are
	// parked until the user (or external state) intervenes.
	OperationFailed OperationStatus = "failed"
)

// PriorityImmediate is the threshold at or above which enqueuing
// signals the scheduler for an out-of-band sync pass.
const PriorityImmediate = 10

// PendingOperation is one durable, not-yet-acknowledged local mutation.
// It is created in the same transaction as the domain write it mirrors,
// and removed only after the server confirms success (or an idempotent
// replay). Between attempts only retry bookkeeping fields change.
type PendingOperation struct {
	ID             UUID            `db:"id" json:"id"`
	EntityType     EntityType      `db:"entity_type" json:"entity_type"`
	EntityID       UUID            `db:"entity_id" json:"entity_id"`
	Action         Action          `db:"action" json:"action"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"` // nil for delete
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	ClientVersion  int64           `db:"client_version" json:"client_version"`
	ServerVersion  *int64          `db:"server_version" json:"server_version,omitempty"` // recorded on conflict
	Priority       int             `db:"priority" json:"priority"`
	Status         OperationStatus `db:"status" json:"status"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	MaxRetries     int             `db:"max_retries" json:"max_retries"`
	LastAttemptAt  *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextRetryAt    int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// DeriveIdempotencyKey builds the deterministic key for a logical
// mutation, so re-enqueuing the same mutation is a no-op under the
// unique index.
func DeriveIdempotencyKey(entityType EntityType, entityID UUID, action Action, createdAt int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", entityType, entityID, action, createdAt)
}

// Ready reports whether the operation's backoff window has elapsed.
func (p *PendingOperation) Ready(now time.Time) bool {
	return p.Status == OperationPending && p.NextRetryAt <= now.UnixMilli()
}
