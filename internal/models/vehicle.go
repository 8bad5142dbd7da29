// Package models provides data model definitions for the tripsync core.
package models

// Vehicle represents a vehicle trips are recorded against.
type Vehicle struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Make      string `db:"make" json:"make,omitempty"`
	Model     string `db:"model" json:"model,omitempty"`
	Plate     string `db:"plate" json:"plate,omitempty"`
	FiscalHP  int    `db:"fiscal_hp" json:"fiscal_hp"` // fiscal horsepower, drives the fee schedule band
	IsDefault bool   `db:"is_default" json:"is_default"`
	CreatedAt int64  `db:"created_at" json:"created_at"`

	SyncMeta
}

// TableName returns the table name for Vehicle.
func (Vehicle) TableName() string {
	return "vehicles"
}
