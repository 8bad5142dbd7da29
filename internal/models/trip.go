// Package models provides data model definitions for the tripsync core.
package models

import "time"

// Trip represents one recorded vehicle trip.
type Trip struct {
	ID            UUID    `db:"id" json:"id"`
	VehicleID     UUID    `db:"vehicle_id" json:"vehicle_id"`
	StartedAt     int64   `db:"started_at" json:"started_at"`
	EndedAt       int64   `db:"ended_at" json:"ended_at"`
	StartLat      float64 `db:"start_lat" json:"start_lat"`
	StartLon      float64 `db:"start_lon" json:"start_lon"`
	EndLat        float64 `db:"end_lat" json:"end_lat"`
	EndLon        float64 `db:"end_lon" json:"end_lon"`
	DistanceKm    float64 `db:"distance_km" json:"distance_km"`
	PointCount    int     `db:"point_count" json:"point_count"`
	Purpose       string  `db:"purpose" json:"purpose"` // personal, professional
	Note          string  `db:"note" json:"note,omitempty"`
	AutoTracked   bool    `db:"auto_tracked" json:"auto_tracked"`
	AmountCents   int64   `db:"amount_cents" json:"amount_cents"`
	CreatedAt     int64   `db:"created_at" json:"created_at"`

	SyncMeta
}

// TableName returns the table name for Trip.
func (Trip) TableName() string {
	return "trips"
}

// StartedAtTime returns StartedAt as time.Time.
func (t *Trip) StartedAtTime() time.Time {
	return time.UnixMilli(t.StartedAt)
}

// EndedAtTime returns EndedAt as time.Time.
func (t *Trip) EndedAtTime() time.Time {
	return time.UnixMilli(t.EndedAt)
}

// Duration returns the trip duration.
func (t *Trip) Duration() time.Duration {
	return t.EndedAtTime().Sub(t.StartedAtTime())
}
