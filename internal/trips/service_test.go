package trips

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitran/tripsync/internal/db"
	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/sync/queue"
)

func setup(t *testing.T) (*Service, *db.Repository, *queue.Queue) {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	m := db.NewMigrator(conn)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	repo := db.NewRepository(conn)
	t.Cleanup(func() { repo.Close() })
	q := queue.New(conn)
	return NewService(repo, q), repo, q
}

func addVehicle(t *testing.T, svc *Service, fiscalHP int) models.UUID {
	t.Helper()
	v := &models.Vehicle{Name: "Clio", FiscalHP: fiscalHP}
	require.NoError(t, svc.AddVehicle(context.Background(), v))
	return v.ID
}

func candidate(vehicleID models.UUID) *Candidate {
	end := time.Now()
	return &Candidate{
		VehicleID:  vehicleID,
		StartedAt:  end.Add(-45 * time.Minute),
		EndedAt:    end,
		DistanceKm: 30,
		PointCount: 200,
		Purpose:    "professional",
	}
}

func TestRecordTripPersistsAndEnqueues(t *testing.T) {
	svc, repo, q := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	trip, err := svc.RecordTrip(ctx, candidate(vehicleID))
	require.NoError(t, err)
	require.NotEmpty(t, trip.ID)
	// 30 km at the 5 CV low-tier rate.
	assert.Equal(t, int64(1908), trip.AmountCents)

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingUpload, got.SyncStatus)

	stats, err := q.Count(ctx)
	require.NoError(t, err)
	// Vehicle create + trip create.
	assert.Equal(t, 2, stats.Pending)
}

func TestRecordTripValidation(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	noVehicle := candidate("")
	_, err := svc.RecordTrip(ctx, noVehicle)
	assert.True(t, apperrors.Is(err, apperrors.ErrVehicleNotSet))

	unknownVehicle := candidate("ghost")
	_, err = svc.RecordTrip(ctx, unknownVehicle)
	assert.True(t, apperrors.Is(err, apperrors.ErrVehicleNotSet))

	tooShort := candidate(vehicleID)
	tooShort.DistanceKm = 0.05
	_, err = svc.RecordTrip(ctx, tooShort)
	assert.True(t, apperrors.Is(err, apperrors.ErrTripTooShort))

	backwards := candidate(vehicleID)
	backwards.EndedAt = backwards.StartedAt.Add(-time.Minute)
	_, err = svc.RecordTrip(ctx, backwards)
	assert.True(t, apperrors.Is(err, apperrors.ErrTripInvalid))
}

func TestPersonalTripsNotPriced(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	c := candidate(vehicleID)
	c.Purpose = "personal"
	trip, err := svc.RecordTrip(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(0), trip.AmountCents)
}

func TestMarginalPricingAcrossTrips(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	first, err := svc.RecordTrip(ctx, candidate(vehicleID))
	require.NoError(t, err)
	second, err := svc.RecordTrip(ctx, candidate(vehicleID))
	require.NoError(t, err)

	// Both trips sit in the low tier this year, so equal distance means
	// equal allowance.
	assert.Equal(t, first.AmountCents, second.AmountCents)
}

func TestUpdateTripRepricesOnDistanceChange(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	trip, err := svc.RecordTrip(ctx, candidate(vehicleID))
	require.NoError(t, err)

	trip.DistanceKm = 60
	require.NoError(t, svc.UpdateTrip(ctx, trip))

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.DistanceKm)
	assert.Equal(t, int64(3816), got.AmountCents) // 60 km * 0.636
	assert.Equal(t, int64(2), got.Version)
}

func TestDeleteTripEnqueuesTombstone(t *testing.T) {
	svc, repo, q := setup(t)
	ctx := context.Background()
	vehicleID := addVehicle(t, svc, 5)

	trip, err := svc.RecordTrip(ctx, candidate(vehicleID))
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTrip(ctx, trip.ID))

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())

	ops, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	var actions []models.Action
	for _, op := range ops {
		if op.EntityID == trip.ID {
			actions = append(actions, op.Action)
		}
	}
	assert.ElementsMatch(t, []models.Action{models.ActionCreate, models.ActionDelete}, actions)

	// Deleting twice is a no-op, not an error.
	require.NoError(t, svc.DeleteTrip(ctx, trip.ID))
}

func TestAddExpenseValidatesAmount(t *testing.T) {
	svc, _, q := setup(t)
	ctx := context.Background()

	err := svc.AddExpense(ctx, &models.Expense{AmountCents: 0, IncurredAt: time.Now().UnixMilli()})
	require.Error(t, err)

	e := &models.Expense{AmountCents: 2350, Category: "toll", IncurredAt: time.Now().UnixMilli()}
	require.NoError(t, svc.AddExpense(ctx, e))
	require.NotEmpty(t, e.ID)

	stats, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
