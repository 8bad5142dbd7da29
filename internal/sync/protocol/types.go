// Package protocol defines the sync wire format and the HTTP client
// that speaks it. One request carries the push batch and the pull
// cursor together; one response carries per-operation push verdicts,
// the pulled change set and the next watermark.
package protocol

import (
	"encoding/json"

	"github.com/avitran/tripsync/internal/models"
)

// Operation is one queued local mutation on the wire.
type Operation struct {
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       models.UUID       `json:"entity_id"`
	Action         models.Action     `json:"action"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	ClientVersion  int64             `json:"client_version"`
}

// FromPending converts a queue entry to its wire form.
func FromPending(op *models.PendingOperation) Operation {
	return Operation{
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Action:         op.Action,
		IdempotencyKey: op.IdempotencyKey,
		Payload:        op.Payload,
		ClientVersion:  op.ClientVersion,
	}
}

// PushResult is the server's verdict on one pushed operation.
type PushResult struct {
	IdempotencyKey   string            `json:"idempotency_key"`
	EntityType       models.EntityType `json:"entity_type"`
	EntityID         models.UUID       `json:"entity_id"`
	Success          bool              `json:"success"`
	Conflict         bool              `json:"conflict"`
	AlreadyProcessed bool              `json:"already_processed"`
	ServerVersion    int64             `json:"server_version,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// Acknowledged reports whether the server accepted the change, whether
// freshly or as an idempotent replay.
func (r PushResult) Acknowledged() bool {
	return r.Success || r.AlreadyProcessed
}

// SyncRequest is the combined push+pull request body.
type SyncRequest struct {
	Operations []Operation `json:"operations"`
	Since      string      `json:"since"`
}

// SyncResponse is the combined push+pull response body. SyncTimestamp
// is the next watermark; it must be stored verbatim.
type SyncResponse struct {
	PushResults   []PushResult          `json:"push_results"`
	PullResults   []models.ChangeRecord `json:"pull_results"`
	SyncTimestamp string                `json:"sync_timestamp"`
}
