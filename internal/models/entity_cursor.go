// Package models provides data model definitions for the tripsync core.
package models

// EntityCursor is the per-entity-type sync bookkeeping row. The
// watermark LastSyncTimestamp only advances, and only after a push+pull
// round trip has been fully applied. It is stored as RFC3339Nano UTC
// text so it round-trips through the wire format exactly.
type EntityCursor struct {
	EntityType        EntityType `db:"entity_type" json:"entity_type"`
	LastSyncTimestamp string     `db:"last_sync_timestamp" json:"last_sync_timestamp"`
	LastFullSync      string     `db:"last_full_sync_timestamp" json:"last_full_sync_timestamp,omitempty"`
	SyncInProgress    bool       `db:"sync_in_progress" json:"sync_in_progress"`
	TotalSynced       int64      `db:"total_synced" json:"total_synced"`
	LastSyncError     string     `db:"last_sync_error" json:"last_sync_error,omitempty"`
}

// TableName returns the table name for EntityCursor.
func (EntityCursor) TableName() string {
	return "entity_cursors"
}

// ConflictLog records a detected version conflict for user awareness
// and a later resolution step.
type ConflictLog struct {
	ID            UUID       `db:"id" json:"id"`
	EntityType    EntityType `db:"entity_type" json:"entity_type"`
	EntityID      UUID       `db:"entity_id" json:"entity_id"`
	LocalVersion  int64      `db:"local_version" json:"local_version"`
	ServerVersion int64      `db:"server_version" json:"server_version"`
	Resolution    string     `db:"resolution" json:"resolution"` // manual, last_write_wins
	DetectedAt    int64      `db:"detected_at" json:"detected_at"`
	ResolvedAt    *int64     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
