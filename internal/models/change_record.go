// Package models provides data model definitions for the tripsync core.
package models

import "encoding/json"

// ChangeAction is the direction-agnostic action of a pulled change.
type ChangeAction string

const (
	ChangeUpsert ChangeAction = "UPSERT"
	ChangeDelete ChangeAction = "DELETE"
)

// ChangeRecord is the wire shape of one remote change in a pull batch.
// It is transient: pulled changes drive the merge step and are not
// persisted as such, except when held behind a pending local edit.
type ChangeRecord struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   UUID            `json:"entity_id"`
	Action     ChangeAction    `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"` // full snapshot for UPSERT
	UpdatedAt  string          `json:"updated_at"`     // RFC3339Nano UTC
}
