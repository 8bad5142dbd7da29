// Package queue implements the durable pending-operation queue. Every
// local mutation that must reach the server is written here in the same
// transaction as the domain write, so a crash between the two can never
// lose an operation. Dequeue order is priority first, then age.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/uuid"
)

// Backoff bounds. Retry delay starts at BaseDelay and doubles per
// attempt, capped at MaxDelay.
const (
	BaseDelay = 2 * time.Second
	MaxDelay  = 5 * time.Minute

	// DefaultMaxRetries parks an operation as failed after this many
	// attempts; a later explicit retry resets the counter.
	DefaultMaxRetries = 8

	// DefaultBatchSize bounds one push batch.
	DefaultBatchSize = 50
)

// Execer is the subset of database/sql needed by queue operations, so
// they can run inside a caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue is the SQLite-backed pending-operation queue.
type Queue struct {
	db      Execer
	log     *logging.Logger
	trigger chan struct{}
}

// New creates a queue over db.
func New(db Execer) *Queue {
	return &Queue{
		db:      db,
		log:     logging.Get(),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger exposes the immediate-sync signal channel. The scheduler
// selects on it; high-priority enqueues pulse it.
func (q *Queue) Trigger() <-chan struct{} {
	return q.trigger
}

func (q *Queue) signal() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Enqueue adds an operation using the queue's own connection.
func (q *Queue) Enqueue(ctx context.Context, op *models.PendingOperation) error {
	return q.EnqueueTx(ctx, q.db, op)
}

// EnqueueTx adds an operation inside the caller's transaction. A
// duplicate idempotency key is silently absorbed: the earlier queue
// entry already covers the same logical change.
func (q *Queue) EnqueueTx(ctx context.Context, tx Execer, op *models.PendingOperation) error {
	if !models.ValidEntityType(op.EntityType) {
		return apperrors.New(apperrors.ErrInternal, "enqueue: unknown entity type "+string(op.EntityType))
	}
	now := time.Now().UnixMilli()
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = models.DeriveIdempotencyKey(op.EntityType, op.EntityID, op.Action, op.CreatedAt)
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = DefaultMaxRetries
	}
	if op.Status == "" {
		op.Status = models.OperationPending
	}
	op.NextRetryAt = op.CreatedAt

	res, err := tx.ExecContext(ctx, `
	INSERT OR IGNORE INTO pending_operations
		(id, entity_type, entity_id, action, payload, idempotency_key, client_version, server_version,
		 priority, status, retry_count, max_retries, last_attempt_at, next_retry_at, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, ?, '', ?)`,
		op.ID, op.EntityType, op.EntityID, op.Action, string(op.Payload), op.IdempotencyKey,
		op.ClientVersion, op.ServerVersion, op.Priority, op.Status, op.MaxRetries,
		op.NextRetryAt, op.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "enqueue pending operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		q.log.Debug("duplicate idempotency key absorbed", logging.Fields{
			"entity_type": op.EntityType, "entity_id": op.EntityID, "key": op.IdempotencyKey,
		})
		return nil
	}
	if op.Priority >= models.PriorityImmediate {
		q.signal()
	}
	return nil
}

// Drain returns up to limit operations that are due for an attempt,
// highest priority first, oldest first within a priority.
func (q *Queue) Drain(ctx context.Context, limit int) ([]*models.PendingOperation, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, entity_type, entity_id, action, payload, idempotency_key, client_version, server_version,
		priority, status, retry_count, max_retries, last_attempt_at, next_retry_at, last_error, created_at
	FROM pending_operations
	WHERE status = ? AND next_retry_at <= ?
	ORDER BY priority DESC, created_at ASC
	LIMIT ?`, models.OperationPending, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "drain pending operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, id models.UUID) (*models.PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
	SELECT id, entity_type, entity_id, action, payload, idempotency_key, client_version, server_version,
		priority, status, retry_count, max_retries, last_attempt_at, next_retry_at, last_error, created_at
	FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get pending operation", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanOperation(rows)
}

func scanOperation(rows *sql.Rows) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload string
	var serverVersion, lastAttemptAt sql.NullInt64
	if err := rows.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Action, &payload,
		&op.IdempotencyKey, &op.ClientVersion, &serverVersion, &op.Priority, &op.Status,
		&op.RetryCount, &op.MaxRetries, &lastAttemptAt, &op.NextRetryAt, &op.LastError,
		&op.CreatedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan pending operation", err)
	}
	if payload != "" {
		op.Payload = json.RawMessage(payload)
	}
	if serverVersion.Valid {
		op.ServerVersion = &serverVersion.Int64
	}
	if lastAttemptAt.Valid {
		op.LastAttemptAt = &lastAttemptAt.Int64
	}
	return &op, nil
}

// Backoff returns the delay before the next attempt after retryCount
// failed attempts.
func Backoff(retryCount int) time.Duration {
	d := BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}

// MarkAttempted records a failed attempt: bumps the retry counter,
// schedules the next attempt with exponential backoff, and parks the
// operation as failed once the retry budget is spent.
func (q *Queue) MarkAttempted(ctx context.Context, id models.UUID, attemptErr string) error {
	now := time.Now().UnixMilli()
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	op.RetryCount++
	status := models.OperationPending
	if op.RetryCount >= op.MaxRetries {
		status = models.OperationFailed
		q.log.Warn("operation retry budget exhausted", logging.Fields{
			"id": op.ID, "entity_type": op.EntityType, "entity_id": op.EntityID, "retries": op.RetryCount,
		})
	}
	next := now + Backoff(op.RetryCount).Milliseconds()

	_, err = q.db.ExecContext(ctx, `
	UPDATE pending_operations
	SET retry_count = ?, status = ?, last_attempt_at = ?, next_retry_at = ?, last_error = ?
	WHERE id = ?`, op.RetryCount, status, now, next, attemptErr, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark operation attempted", err)
	}
	return nil
}

// MarkConflicted parks an operation whose push was rejected as stale,
// recording the authoritative server version for the resolution step.
func (q *Queue) MarkConflicted(ctx context.Context, id models.UUID, serverVersion int64) error {
	_, err := q.db.ExecContext(ctx, `
	UPDATE pending_operations SET status = ?, server_version = ?, last_attempt_at = ?
	WHERE id = ?`, models.OperationConflict, serverVersion, time.Now().UnixMilli(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark operation conflicted", err)
	}
	return nil
}

// Remove deletes an acknowledged operation.
func (q *Queue) Remove(ctx context.Context, id models.UUID) error {
	return q.RemoveTx(ctx, q.db, id)
}

// RemoveTx deletes an operation inside the caller's transaction.
func (q *Queue) RemoveTx(ctx context.Context, tx Execer, id models.UUID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove pending operation", err)
	}
	return nil
}

// Retry reactivates a parked operation (conflict or failed) with a
// fresh retry budget and, optionally, a replacement payload.
func (q *Queue) Retry(ctx context.Context, id models.UUID, payload json.RawMessage, clientVersion int64) error {
	query := `UPDATE pending_operations
	SET status = ?, retry_count = 0, next_retry_at = ?, last_error = ''`
	args := []any{models.OperationPending, time.Now().UnixMilli()}
	if payload != nil {
		query += `, payload = ?, client_version = ?`
		args = append(args, string(payload), clientVersion)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "retry pending operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	q.signal()
	return nil
}

// PendingFor reports whether a pending or conflicted operation exists
// for the given entity. Drives pull precedence: a remote change for an
// entity with local work in flight is held, not applied.
func (q *Queue) PendingFor(ctx context.Context, entityType models.EntityType, entityID models.UUID) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM pending_operations
	WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)`,
		entityType, entityID, models.OperationPending, models.OperationConflict).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check pending operations", err)
	}
	return n > 0, nil
}

// Stats summarises the queue by status.
type Stats struct {
	Pending  int `json:"pending"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
}

// Total returns the number of queued operations across all statuses.
func (s Stats) Total() int {
	return s.Pending + s.Conflict + s.Failed
}

// Count returns queue statistics.
func (q *Queue) Count(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrDatabase, "count pending operations", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		switch status {
		case models.OperationPending:
			s.Pending = n
		case models.OperationConflict:
			s.Conflict = n
		case models.OperationFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}
