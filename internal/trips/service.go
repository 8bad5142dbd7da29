// Package trips is the write boundary for trip, vehicle and expense
// records. Every mutation persists the domain row and enqueues its sync
// operation in one transaction, so the queue can never miss a change
// the store carries.
package trips

import (
	"context"
	"database/sql"
	"time"

	"github.com/avitran/tripsync/internal/db"
	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
	"github.com/avitran/tripsync/internal/mileage"
	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/sync/queue"
)

// Validation floors for a trip candidate.
const (
	MinDistanceKm = 0.2
	MinDuration   = 30 * time.Second
	MinPoints     = 2
)

// Candidate is a finished trip as delivered by the tracking layer,
// before validation and pricing.
type Candidate struct {
	VehicleID   models.UUID
	StartedAt   time.Time
	EndedAt     time.Time
	StartLat    float64
	StartLon    float64
	EndLat      float64
	EndLon      float64
	DistanceKm  float64
	PointCount  int
	Purpose     string
	Note        string
	AutoTracked bool
}

// Service coordinates domain writes with the sync queue.
type Service struct {
	repo  *db.Repository
	queue *queue.Queue
	log   *logging.Logger
}

// NewService creates the trips service.
func NewService(repo *db.Repository, q *queue.Queue) *Service {
	return &Service{repo: repo, queue: q, log: logging.Get()}
}

func (s *Service) validate(ctx context.Context, c *Candidate) (*models.Vehicle, error) {
	if c.VehicleID == "" {
		return nil, apperrors.New(apperrors.ErrVehicleNotSet, "trip candidate has no vehicle")
	}
	if !c.EndedAt.After(c.StartedAt) {
		return nil, apperrors.New(apperrors.ErrTripInvalid, "trip ends before it starts")
	}
	if c.EndedAt.Sub(c.StartedAt) < MinDuration || c.DistanceKm < MinDistanceKm || c.PointCount < MinPoints {
		return nil, apperrors.New(apperrors.ErrTripTooShort, "trip below recording thresholds")
	}
	v, err := s.repo.GetVehicle(ctx, c.VehicleID.String())
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrVehicleNotSet, "vehicle not found: "+c.VehicleID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load vehicle", err)
	}
	return v, nil
}

// yearDistanceKm sums live trip distance for the vehicle's calendar
// year containing at, for marginal allowance pricing.
func (s *Service) yearDistanceKm(ctx context.Context, vehicleID models.UUID, at time.Time) (float64, error) {
	yearStart := time.Date(at.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := yearStart.AddDate(1, 0, 0)

	var total float64
	trips, err := s.repo.ListTrips(ctx, yearStart.UnixMilli(), yearEnd.UnixMilli(), 0, 0)
	if err != nil {
		return 0, err
	}
	for _, t := range trips {
		if t.VehicleID == vehicleID && t.Purpose == "professional" {
			total += t.DistanceKm
		}
	}
	return total, nil
}

// RecordTrip validates a candidate, prices it against the kilometric
// schedule, and persists trip plus sync operation atomically. The
// returned trip carries its assigned id and amount.
func (s *Service) RecordTrip(ctx context.Context, c *Candidate) (*models.Trip, error) {
	vehicle, err := s.validate(ctx, c)
	if err != nil {
		return nil, err
	}

	trip := &models.Trip{
		VehicleID:   c.VehicleID,
		StartedAt:   c.StartedAt.UnixMilli(),
		EndedAt:     c.EndedAt.UnixMilli(),
		StartLat:    c.StartLat,
		StartLon:    c.StartLon,
		EndLat:      c.EndLat,
		EndLon:      c.EndLon,
		DistanceKm:  c.DistanceKm,
		PointCount:  c.PointCount,
		Purpose:     c.Purpose,
		Note:        c.Note,
		AutoTracked: c.AutoTracked,
	}
	if trip.Purpose == "" {
		trip.Purpose = "personal"
	}

	if trip.Purpose == "professional" {
		priorKm, err := s.yearDistanceKm(ctx, c.VehicleID, c.StartedAt)
		if err != nil {
			return nil, err
		}
		cents, err := mileage.TripAllowanceCents(vehicle.FiscalHP, priorKm, c.DistanceKm)
		if err != nil {
			return nil, err
		}
		trip.AmountCents = cents
	}

	err = s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.CreateTripTx(ctx, tx, trip); err != nil {
			return err
		}
		payload, err := models.TripPayload(models.ActionCreate, trip)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityTrip,
			EntityID:      trip.ID,
			Action:        models.ActionCreate,
			Payload:       payload,
			ClientVersion: trip.Version,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("trip recorded", logging.Fields{
		"trip_id": trip.ID, "distance_km": trip.DistanceKm, "amount_cents": trip.AmountCents,
	})
	return trip, nil
}

// UpdateTrip applies edits to an existing trip, reprices it when the
// distance or purpose changed, and enqueues the update.
func (s *Service) UpdateTrip(ctx context.Context, trip *models.Trip) error {
	current, err := s.repo.GetTrip(ctx, trip.ID.String())
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return apperrors.New(apperrors.ErrNotFound, "trip is deleted: "+trip.ID.String())
	}

	reprice := trip.DistanceKm != current.DistanceKm || trip.Purpose != current.Purpose
	if reprice && trip.Purpose == "professional" {
		vehicle, err := s.repo.GetVehicle(ctx, trip.VehicleID.String())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "load vehicle", err)
		}
		priorKm, err := s.yearDistanceKm(ctx, trip.VehicleID, time.UnixMilli(current.StartedAt))
		if err != nil {
			return err
		}
		// The stored total includes this trip's old distance.
		priorKm -= current.DistanceKm
		if priorKm < 0 {
			priorKm = 0
		}
		cents, err := mileage.TripAllowanceCents(vehicle.FiscalHP, priorKm, trip.DistanceKm)
		if err != nil {
			return err
		}
		trip.AmountCents = cents
	} else if reprice {
		trip.AmountCents = 0
	}

	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.UpdateTripTx(ctx, tx, trip); err != nil {
			return err
		}
		payload, err := models.TripPayload(models.ActionUpdate, trip)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityTrip,
			EntityID:      trip.ID,
			Action:        models.ActionUpdate,
			Payload:       payload,
			ClientVersion: trip.Version,
		})
	})
}

// DeleteTrip tombstones a trip and enqueues the deletion.
func (s *Service) DeleteTrip(ctx context.Context, id models.UUID) error {
	trip, err := s.repo.GetTrip(ctx, id.String())
	if err != nil {
		return err
	}
	if trip.IsDeleted() {
		return nil
	}
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.SoftDeleteTripTx(ctx, tx, trip); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityTrip,
			EntityID:      trip.ID,
			Action:        models.ActionDelete,
			ClientVersion: trip.Version,
		})
	})
}

// AddVehicle persists a vehicle and enqueues its creation.
func (s *Service) AddVehicle(ctx context.Context, v *models.Vehicle) error {
	if v.Name == "" {
		return apperrors.New(apperrors.ErrValidation, "vehicle needs a name")
	}
	if v.FiscalHP <= 0 {
		return apperrors.New(apperrors.ErrValidation, "vehicle needs a fiscal horsepower rating")
	}
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.CreateVehicleTx(ctx, tx, v); err != nil {
			return err
		}
		payload, err := models.VehiclePayload(models.ActionCreate, v)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityVehicle,
			EntityID:      v.ID,
			Action:        models.ActionCreate,
			Payload:       payload,
			ClientVersion: v.Version,
		})
	})
}

// UpdateVehicle applies edits to a vehicle and enqueues the update.
func (s *Service) UpdateVehicle(ctx context.Context, v *models.Vehicle) error {
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.UpdateVehicleTx(ctx, tx, v); err != nil {
			return err
		}
		payload, err := models.VehiclePayload(models.ActionUpdate, v)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityVehicle,
			EntityID:      v.ID,
			Action:        models.ActionUpdate,
			Payload:       payload,
			ClientVersion: v.Version,
		})
	})
}

// AddExpense persists an expense and enqueues its creation.
func (s *Service) AddExpense(ctx context.Context, e *models.Expense) error {
	if e.AmountCents <= 0 {
		return apperrors.New(apperrors.ErrValidation, "expense amount must be positive")
	}
	if e.Category == "" {
		e.Category = "other"
	}
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.CreateExpenseTx(ctx, tx, e); err != nil {
			return err
		}
		payload, err := models.ExpensePayload(models.ActionCreate, e)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityExpense,
			EntityID:      e.ID,
			Action:        models.ActionCreate,
			Payload:       payload,
			ClientVersion: e.Version,
		})
	})
}

// UpdateExpense applies edits to an expense and enqueues the update.
func (s *Service) UpdateExpense(ctx context.Context, e *models.Expense) error {
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.UpdateExpenseTx(ctx, tx, e); err != nil {
			return err
		}
		payload, err := models.ExpensePayload(models.ActionUpdate, e)
		if err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityExpense,
			EntityID:      e.ID,
			Action:        models.ActionUpdate,
			Payload:       payload,
			ClientVersion: e.Version,
		})
	})
}

// DeleteExpense tombstones an expense and enqueues the deletion.
func (s *Service) DeleteExpense(ctx context.Context, id models.UUID) error {
	e, err := s.repo.GetExpense(ctx, id.String())
	if err != nil {
		return err
	}
	if e.IsDeleted() {
		return nil
	}
	return s.repo.Tx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.SoftDeleteExpenseTx(ctx, tx, e); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, &models.PendingOperation{
			EntityType:    models.EntityExpense,
			EntityID:      e.ID,
			Action:        models.ActionDelete,
			ClientVersion: e.Version,
		})
	})
}
