// Package models provides data model definitions for the tripsync core.
package models

// Subscription mirrors the billing provider's view of the account. The
// provider's webhook-driven state changes arrive as ordinary pull
// changes; this record is never mutated locally except through sync.
type Subscription struct {
	ID        UUID   `db:"id" json:"id"`
	Plan      string `db:"plan" json:"plan"`     // free, pro, business
	State     string `db:"state" json:"state"`   // active, grace, expired, cancelled
	Provider  string `db:"provider" json:"provider"`
	RenewsAt  *int64 `db:"renews_at" json:"renews_at,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`

	SyncMeta
}

// TableName returns the table name for Subscription.
func (Subscription) TableName() string {
	return "subscriptions"
}
