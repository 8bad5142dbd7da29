// Package models provides data model definitions for the tripsync core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus tracks where a local record stands relative to the server.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingUpload SyncStatus = "pending_upload"
	SyncStatusConflict      SyncStatus = "conflict"
)

// EntityType identifies a syncable domain table.
type EntityType string

const (
	EntityTrip             EntityType = "trip"
	EntityVehicle          EntityType = "vehicle"
	EntityExpense          EntityType = "expense"
	EntityUser             EntityType = "user"
	EntityLicense          EntityType = "license"
	EntityProAccount       EntityType = "pro_account"
	EntitySubscription     EntityType = "subscription"
	EntityConsent          EntityType = "consent"
	EntityLinkedUser       EntityType = "linked_user"
	EntityWorkSchedule     EntityType = "work_schedule"
	EntityAutoTrackSetting EntityType = "auto_track_setting"
	EntityCompanyLink      EntityType = "company_link"
)

// EntityTypes lists every syncable entity type, in migration order.
var EntityTypes = []EntityType{
	EntityTrip,
	EntityVehicle,
	EntityExpense,
	EntityUser,
	EntityLicense,
	EntityProAccount,
	EntitySubscription,
	EntityConsent,
	EntityLinkedUser,
	EntityWorkSchedule,
	EntityAutoTrackSetting,
	EntityCompanyLink,
}

// ValidEntityType reports whether t names a known syncable table.
func ValidEntityType(t EntityType) bool {
	for _, e := range EntityTypes {
		if e == t {
			return true
		}
	}
	return false
}

// SyncMeta carries the sync bookkeeping columns shared by every syncable
// entity. Version never decreases; a record with SyncStatus synced has
// LocalUpdatedAt <= ServerUpdatedAt. Timestamps are unix milliseconds.
type SyncMeta struct {
	SyncStatus      SyncStatus `db:"sync_status" json:"sync_status"`
	LocalUpdatedAt  int64      `db:"local_updated_at" json:"local_updated_at"`
	ServerUpdatedAt *int64     `db:"server_updated_at" json:"server_updated_at,omitempty"`
	Version         int64      `db:"version" json:"version"`
	DeletedAt       *int64     `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Touch records a local mutation: bumps the version, stamps the local
// write time and flags the record for upload.
func (m *SyncMeta) Touch() {
	m.Version++
	m.LocalUpdatedAt = time.Now().UnixMilli()
	m.SyncStatus = SyncStatusPendingUpload
}

// MarkSynced records a server acknowledgement at serverVersion.
func (m *SyncMeta) MarkSynced(serverVersion int64, at time.Time) {
	ms := at.UnixMilli()
	m.SyncStatus = SyncStatusSynced
	m.ServerUpdatedAt = &ms
	if serverVersion > m.Version {
		m.Version = serverVersion
	}
}

// SoftDelete tombstones the record so the deletion itself can sync.
func (m *SyncMeta) SoftDelete() {
	now := time.Now().UnixMilli()
	m.DeletedAt = &now
	m.Touch()
}

// IsDeleted reports whether the record carries a tombstone.
func (m *SyncMeta) IsDeleted() bool {
	return m.DeletedAt != nil
}
