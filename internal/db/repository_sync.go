// Package db provides the sync-facing repository operations: applying
// acknowledged push results, merging pulled remote changes, cursor
// bookkeeping, held changes and the conflict log.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/uuid"
)

// WireTime is the wire timestamp layout: RFC 3339 with fractional
// seconds and an explicit UTC marker. The watermark must round-trip
// through it exactly; ambiguity here silently corrupts the delta-sync
// window.
const WireTime = time.RFC3339Nano

// EpochWatermark is the first-sync cursor value.
const EpochWatermark = "1970-01-01T00:00:00Z"

// ParseWireTime parses a wire timestamp.
func ParseWireTime(s string) (time.Time, error) {
	t, err := time.Parse(WireTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid wire timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatWireTime formats a wire timestamp.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(WireTime)
}

// =====================================================
// Push-result application
// =====================================================

// MarkSynced records a server acknowledgement for an entity: status
// synced, server timestamp stamped, version raised to the authoritative
// server version (never lowered).
func (r *Repository) MarkSynced(ctx context.Context, entityType models.EntityType, entityID models.UUID, serverVersion int64, at time.Time) error {
	table, ok := tableFor[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	ms := at.UnixMilli()
	query := fmt.Sprintf(`UPDATE %s SET sync_status = ?, server_updated_at = ?,
		version = CASE WHEN ? > version THEN ? ELSE version END WHERE id = ?`, table)
	_, err := r.db.ExecContext(ctx, query,
		models.SyncStatusSynced, ms, serverVersion, serverVersion, entityID)
	return err
}

// MarkConflicted flags an entity whose push was rejected as stale. The
// local field values are left untouched.
func (r *Repository) MarkConflicted(ctx context.Context, entityType models.EntityType, entityID models.UUID) error {
	table, ok := tableFor[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table),
		models.SyncStatusConflict, entityID)
	return err
}

// =====================================================
// Pull-change application
// =====================================================

// ApplyChange merges one pulled remote change into the local store,
// overwriting local state. Callers are responsible for the pending-edit
// precedence check before calling.
func (r *Repository) ApplyChange(ctx context.Context, rec *models.ChangeRecord) error {
	at, err := ParseWireTime(rec.UpdatedAt)
	if err != nil {
		return err
	}
	if rec.Action == models.ChangeDelete {
		return r.applyRemoteDelete(ctx, rec.EntityType, rec.EntityID, at)
	}
	return r.applyRemoteUpsert(ctx, rec, at)
}

func (r *Repository) applyRemoteDelete(ctx context.Context, entityType models.EntityType, id models.UUID, at time.Time) error {
	table, ok := tableFor[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	ms := at.UnixMilli()
	// A delete for a row we never had is a no-op, not an error.
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = ?, sync_status = ?, local_updated_at = ?, server_updated_at = ? WHERE id = ?`,
		table), ms, models.SyncStatusSynced, ms, ms, id)
	return err
}

func (r *Repository) applyRemoteUpsert(ctx context.Context, rec *models.ChangeRecord, at time.Time) error {
	switch rec.EntityType {
	case models.EntityTrip:
		var t models.Trip
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return fmt.Errorf("decode trip snapshot: %w", err)
		}
		t.ID = rec.EntityID
		return r.upsertTrip(ctx, &t, at)
	case models.EntityVehicle:
		var v models.Vehicle
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return fmt.Errorf("decode vehicle snapshot: %w", err)
		}
		v.ID = rec.EntityID
		return r.upsertVehicle(ctx, &v, at)
	case models.EntityExpense:
		var e models.Expense
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return fmt.Errorf("decode expense snapshot: %w", err)
		}
		e.ID = rec.EntityID
		return r.upsertExpense(ctx, &e, at)
	case models.EntitySubscription:
		var s models.Subscription
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return fmt.Errorf("decode subscription snapshot: %w", err)
		}
		s.ID = rec.EntityID
		return r.upsertSubscription(ctx, &s, at)
	default:
		if !docTables[rec.EntityType] {
			return fmt.Errorf("unknown entity type %q", rec.EntityType)
		}
		return r.upsertDoc(ctx, rec, at)
	}
}

// remoteMeta returns the sync bookkeeping values for a freshly pulled
// snapshot: the record is authoritative, so it lands synced with the
// server's write time on both clocks.
func remoteMeta(version int64, at time.Time) (models.SyncStatus, int64, int64, int64) {
	if version < 1 {
		version = 1
	}
	ms := at.UnixMilli()
	return models.SyncStatusSynced, ms, ms, version
}

func (r *Repository) upsertTrip(ctx context.Context, t *models.Trip, at time.Time) error {
	status, localMs, serverMs, version := remoteMeta(t.Version, at)
	query := `
	INSERT INTO trips (` + tripColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		vehicle_id = excluded.vehicle_id, started_at = excluded.started_at, ended_at = excluded.ended_at,
		start_lat = excluded.start_lat, start_lon = excluded.start_lon,
		end_lat = excluded.end_lat, end_lon = excluded.end_lon,
		distance_km = excluded.distance_km, point_count = excluded.point_count,
		purpose = excluded.purpose, note = excluded.note, auto_tracked = excluded.auto_tracked,
		amount_cents = excluded.amount_cents,
		sync_status = excluded.sync_status, local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at, version = excluded.version,
		deleted_at = excluded.deleted_at`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.VehicleID, t.StartedAt, t.EndedAt, t.StartLat, t.StartLon, t.EndLat, t.EndLon,
		t.DistanceKm, t.PointCount, t.Purpose, t.Note, t.AutoTracked, t.AmountCents, t.CreatedAt,
		status, localMs, serverMs, version, t.DeletedAt)
	return err
}

func (r *Repository) upsertVehicle(ctx context.Context, v *models.Vehicle, at time.Time) error {
	status, localMs, serverMs, version := remoteMeta(v.Version, at)
	query := `
	INSERT INTO vehicles (` + vehicleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name, make = excluded.make, model = excluded.model, plate = excluded.plate,
		fiscal_hp = excluded.fiscal_hp, is_default = excluded.is_default,
		sync_status = excluded.sync_status, local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at, version = excluded.version,
		deleted_at = excluded.deleted_at`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.Name, v.Make, v.Model, v.Plate, v.FiscalHP, v.IsDefault, v.CreatedAt,
		status, localMs, serverMs, version, v.DeletedAt)
	return err
}

func (r *Repository) upsertExpense(ctx context.Context, e *models.Expense, at time.Time) error {
	status, localMs, serverMs, version := remoteMeta(e.Version, at)
	query := `
	INSERT INTO expenses (` + expenseColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		trip_id = excluded.trip_id, category = excluded.category, amount_cents = excluded.amount_cents,
		currency = excluded.currency, incurred_at = excluded.incurred_at, note = excluded.note,
		receipt_path = excluded.receipt_path,
		sync_status = excluded.sync_status, local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at, version = excluded.version,
		deleted_at = excluded.deleted_at`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.TripID, e.Category, e.AmountCents, e.Currency, e.IncurredAt, e.Note, e.ReceiptPath,
		e.CreatedAt, status, localMs, serverMs, version, e.DeletedAt)
	return err
}

func (r *Repository) upsertSubscription(ctx context.Context, s *models.Subscription, at time.Time) error {
	status, localMs, serverMs, version := remoteMeta(s.Version, at)
	query := `
	INSERT INTO subscriptions (` + subscriptionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		plan = excluded.plan, state = excluded.state, provider = excluded.provider,
		renews_at = excluded.renews_at,
		sync_status = excluded.sync_status, local_updated_at = excluded.local_updated_at,
		server_updated_at = excluded.server_updated_at, version = excluded.version,
		deleted_at = excluded.deleted_at`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.Plan, s.State, s.Provider, s.RenewsAt, s.CreatedAt,
		status, localMs, serverMs, version, s.DeletedAt)
	return err
}

func (r *Repository) upsertDoc(ctx context.Context, rec *models.ChangeRecord, at time.Time) error {
	table := tableFor[rec.EntityType]

	// Document entities carry their server version inside the snapshot.
	var envelope struct {
		Version int64 `json:"version"`
	}
	_ = json.Unmarshal(rec.Data, &envelope)
	status, localMs, serverMs, version := remoteMeta(envelope.Version, at)

	query := fmt.Sprintf(`
	INSERT INTO %s (id, data, sync_status, local_updated_at, server_updated_at, version, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data, sync_status = excluded.sync_status,
		local_updated_at = excluded.local_updated_at, server_updated_at = excluded.server_updated_at,
		version = excluded.version, deleted_at = NULL`, table)
	_, err := r.db.ExecContext(ctx, query,
		rec.EntityID, string(rec.Data), status, localMs, serverMs, version)
	return err
}

// GetDoc returns the raw JSON document for a document-typed entity.
func (r *Repository) GetDoc(ctx context.Context, entityType models.EntityType, id models.UUID) (json.RawMessage, error) {
	if !docTables[entityType] {
		return nil, fmt.Errorf("%q is not a document entity", entityType)
	}
	var data string
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = ? AND deleted_at IS NULL`, tableFor[entityType]), id).Scan(&data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// =====================================================
// Entity cursors (delta-sync watermarks)
// =====================================================

// EnsureCursors creates the per-entity-type cursor rows missing from
// the store, seeded at the epoch watermark.
func (r *Repository) EnsureCursors(ctx context.Context) error {
	for _, t := range models.EntityTypes {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_cursors (entity_type, last_sync_timestamp) VALUES (?, ?)`,
			t, EpochWatermark)
		if err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the sync cursor for one entity type.
func (r *Repository) Cursor(ctx context.Context, entityType models.EntityType) (*models.EntityCursor, error) {
	var c models.EntityCursor
	err := r.db.QueryRowContext(ctx, `
	SELECT entity_type, last_sync_timestamp, last_full_sync_timestamp, sync_in_progress, total_synced, last_sync_error
	FROM entity_cursors WHERE entity_type = ?`, entityType).Scan(
		&c.EntityType, &c.LastSyncTimestamp, &c.LastFullSync, &c.SyncInProgress, &c.TotalSynced, &c.LastSyncError)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Watermark returns the oldest per-type watermark, the safe `since`
// cursor for the next combined pull. All cursors normally agree; after
// a partial bootstrap the oldest one wins so nothing is skipped.
func (r *Repository) Watermark(ctx context.Context) (string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT last_sync_timestamp FROM entity_cursors`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	oldest := ""
	var oldestT time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return "", err
		}
		t, err := ParseWireTime(s)
		if err != nil {
			return "", err
		}
		if oldest == "" || t.Before(oldestT) {
			oldest, oldestT = s, t
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if oldest == "" {
		oldest = EpochWatermark
	}
	return oldest, nil
}

// AdvanceWatermarks moves every cursor to ts (the response's
// sync_timestamp), adds the applied-change counts, and clears the last
// error. Called only after both reconciliation passes succeed — the
// watermark is never advanced speculatively.
func (r *Repository) AdvanceWatermarks(ctx context.Context, ts string, applied map[models.EntityType]int64) error {
	if _, err := ParseWireTime(ts); err != nil {
		return err
	}
	return r.Tx(ctx, func(tx *sql.Tx) error {
		for _, t := range models.EntityTypes {
			_, err := tx.ExecContext(ctx, `
			UPDATE entity_cursors SET last_sync_timestamp = ?, total_synced = total_synced + ?, last_sync_error = ''
			WHERE entity_type = ?`, ts, applied[t], t)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkFullSync stamps the full-sync timestamp on every cursor.
func (r *Repository) MarkFullSync(ctx context.Context, ts string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entity_cursors SET last_full_sync_timestamp = ?`, ts)
	return err
}

// SetSyncInProgress flips the persisted guard flag. The engine clears
// it on every exit path; a stuck value would stall sync forever.
func (r *Repository) SetSyncInProgress(ctx context.Context, in bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entity_cursors SET sync_in_progress = ?`, in)
	return err
}

// RecordSyncError stores the last pass failure on every cursor.
func (r *Repository) RecordSyncError(ctx context.Context, msg string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE entity_cursors SET last_sync_error = ?`, msg)
	return err
}

// =====================================================
// Held changes (pending-edit precedence)
// =====================================================

// HoldChange parks a pulled change that lost the precedence check to a
// pending local edit. One held change per entity; the newest wins. The
// wire timestamp is stored as unix nanoseconds so the comparison is
// numeric — RFC 3339 strings with uneven fractional precision do not
// sort lexically in time order.
func (r *Repository) HoldChange(ctx context.Context, rec *models.ChangeRecord) error {
	at, err := ParseWireTime(rec.UpdatedAt)
	if err != nil {
		return err
	}
	var data any
	if rec.Data != nil {
		data = string(rec.Data)
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO held_changes (entity_type, entity_id, action, data, updated_at, received_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		action = excluded.action, data = excluded.data, updated_at = excluded.updated_at,
		received_at = excluded.received_at
	WHERE excluded.updated_at >= held_changes.updated_at`,
		rec.EntityType, rec.EntityID, rec.Action, data, at.UnixNano(), time.Now().UnixMilli())
	return err
}

// TakeHeldChange removes and returns the held change for an entity, if
// any. Called when the blocking pending operation resolves.
func (r *Repository) TakeHeldChange(ctx context.Context, entityType models.EntityType, entityID models.UUID) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	var data sql.NullString
	var updatedNs int64
	err := r.db.QueryRowContext(ctx, `
	SELECT entity_type, entity_id, action, data, updated_at FROM held_changes
	WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).Scan(
		&rec.EntityType, &rec.EntityID, &rec.Action, &data, &updatedNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data.Valid {
		rec.Data = json.RawMessage(data.String)
	}
	rec.UpdatedAt = FormatWireTime(time.Unix(0, updatedNs))
	_, err = r.db.ExecContext(ctx,
		`DELETE FROM held_changes WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DiscardHeldChange drops the held change for an entity without
// applying it. Used when a newer remote change for the entity lands
// directly, making the parked one obsolete.
func (r *Repository) DiscardHeldChange(ctx context.Context, entityType models.EntityType, entityID models.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM held_changes WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	return err
}

// HeldCount returns the number of parked remote changes.
func (r *Repository) HeldCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM held_changes`).Scan(&n)
	return n, err
}

// =====================================================
// Conflict log
// =====================================================

// RecordConflict appends a conflict-log entry.
func (r *Repository) RecordConflict(ctx context.Context, c *models.ConflictLog) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().UnixMilli()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO conflict_log (id, entity_type, entity_id, local_version, server_version, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion, c.Resolution, c.DetectedAt, c.ResolvedAt)
	return err
}

// ListConflicts returns conflict-log entries, unresolved first.
func (r *Repository) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictLog, error) {
	query := `SELECT id, entity_type, entity_id, local_version, server_version, resolution, detected_at, resolved_at
	FROM conflict_log`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.ServerVersion,
			&c.Resolution, &c.DetectedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			c.ResolvedAt = &resolvedAt.Int64
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkConflictResolved stamps a conflict-log entry as resolved.
func (r *Repository) MarkConflictResolved(ctx context.Context, id models.UUID, resolution string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conflict_log SET resolution = ?, resolved_at = ? WHERE id = ?`,
		resolution, time.Now().UnixMilli(), id)
	return err
}
