// Package models provides data model definitions for the tripsync core.
package models

// Expense represents a reimbursable out-of-pocket expense, optionally
// attached to a trip.
type Expense struct {
	ID          UUID   `db:"id" json:"id"`
	TripID      *UUID  `db:"trip_id" json:"trip_id,omitempty"`
	Category    string `db:"category" json:"category"` // fuel, toll, parking, meal, other
	AmountCents int64  `db:"amount_cents" json:"amount_cents"`
	Currency    string `db:"currency" json:"currency"`
	IncurredAt  int64  `db:"incurred_at" json:"incurred_at"`
	Note        string `db:"note" json:"note,omitempty"`
	ReceiptPath string `db:"receipt_path" json:"receipt_path,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`

	SyncMeta
}

// TableName returns the table name for Expense.
func (Expense) TableName() string {
	return "expenses"
}
