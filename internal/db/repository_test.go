package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitran/tripsync/internal/models"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	r := NewRepository(migratedDB(t))
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleTrip() *models.Trip {
	return &models.Trip{
		VehicleID:  "veh-1",
		StartedAt:  time.Now().Add(-time.Hour).UnixMilli(),
		EndedAt:    time.Now().UnixMilli(),
		DistanceKm: 18.4,
		PointCount: 120,
		Purpose:    "professional",
	}
}

func TestCreateTripSetsSyncState(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	trip := sampleTrip()
	require.NoError(t, repo.CreateTrip(ctx, trip))
	require.NotEmpty(t, trip.ID)

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingUpload, got.SyncStatus)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.ServerUpdatedAt)
	assert.Equal(t, 18.4, got.DistanceKm)
}

func TestUpdateTripBumpsVersion(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	trip := sampleTrip()
	require.NoError(t, repo.CreateTrip(ctx, trip))

	trip.Note = "client visit"
	require.NoError(t, repo.UpdateTrip(ctx, trip))

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "client visit", got.Note)
	assert.Equal(t, models.SyncStatusPendingUpload, got.SyncStatus)
}

func TestSoftDeleteHidesFromListing(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	trip := sampleTrip()
	require.NoError(t, repo.CreateTrip(ctx, trip))
	require.NoError(t, repo.Tx(ctx, func(tx *sql.Tx) error {
		return repo.SoftDeleteTripTx(ctx, tx, trip)
	}))

	trips, err := repo.ListTrips(ctx, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, trips)

	// The tombstone remains addressable until the deletion syncs.
	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, int64(2), got.Version)
}

func TestMarkSyncedNeverLowersVersion(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()

	trip := sampleTrip()
	require.NoError(t, repo.CreateTrip(ctx, trip))
	trip.Note = "edited"
	require.NoError(t, repo.UpdateTrip(ctx, trip)) // version 2

	// A stale acknowledgement cannot drag the version back down.
	require.NoError(t, repo.MarkSynced(ctx, models.EntityTrip, trip.ID, 1, now))
	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)

	require.NoError(t, repo.MarkSynced(ctx, models.EntityTrip, trip.ID, 5, now))
	got, err = repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
}

func TestApplyChangeUpsertsTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	snapshot := map[string]any{
		"vehicle_id": "veh-9", "started_at": 1000, "ended_at": 2000,
		"distance_km": 7.5, "purpose": "personal", "created_at": 1000, "version": 4,
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	rec := &models.ChangeRecord{
		EntityType: models.EntityTrip,
		EntityID:   "remote-trip-1",
		Action:     models.ChangeUpsert,
		Data:       data,
		UpdatedAt:  "2026-03-01T10:00:00.5Z",
	}
	require.NoError(t, repo.ApplyChange(ctx, rec))

	got, err := repo.GetTrip(ctx, "remote-trip-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, 7.5, got.DistanceKm)
	require.NotNil(t, got.ServerUpdatedAt)

	// A later snapshot for the same id overwrites in place.
	snapshot["distance_km"] = 9.0
	snapshot["version"] = 5
	rec.Data, _ = json.Marshal(snapshot)
	rec.UpdatedAt = "2026-03-02T10:00:00Z"
	require.NoError(t, repo.ApplyChange(ctx, rec))

	got, err = repo.GetTrip(ctx, "remote-trip-1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.DistanceKm)
	assert.Equal(t, int64(5), got.Version)
}

func TestApplyChangeDeleteTombstones(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	trip := sampleTrip()
	require.NoError(t, repo.CreateTrip(ctx, trip))

	rec := &models.ChangeRecord{
		EntityType: models.EntityTrip,
		EntityID:   trip.ID,
		Action:     models.ChangeDelete,
		UpdatedAt:  "2026-03-01T10:00:00Z",
	}
	require.NoError(t, repo.ApplyChange(ctx, rec))

	got, err := repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)

	// Deleting an id we never had is a no-op.
	rec.EntityID = "never-seen"
	require.NoError(t, repo.ApplyChange(ctx, rec))
}

func TestApplyChangeDocEntity(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rec := &models.ChangeRecord{
		EntityType: models.EntityConsent,
		EntityID:   "consent-1",
		Action:     models.ChangeUpsert,
		Data:       json.RawMessage(`{"kind":"analytics","granted":true,"version":2}`),
		UpdatedAt:  "2026-03-01T10:00:00Z",
	}
	require.NoError(t, repo.ApplyChange(ctx, rec))

	doc, err := repo.GetDoc(ctx, models.EntityConsent, "consent-1")
	require.NoError(t, err)

	var decoded struct {
		Kind    string `json:"kind"`
		Granted bool   `json:"granted"`
	}
	require.NoError(t, json.Unmarshal(doc, &decoded))
	assert.Equal(t, "analytics", decoded.Kind)
	assert.True(t, decoded.Granted)
}

func TestCursorsAndWatermark(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnsureCursors(ctx))
	require.NoError(t, repo.EnsureCursors(ctx)) // idempotent

	since, err := repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, EpochWatermark, since)

	ts := "2026-03-01T10:00:00.123456789Z"
	require.NoError(t, repo.AdvanceWatermarks(ctx, ts, map[models.EntityType]int64{
		models.EntityTrip: 3,
	}))

	// The wire value round-trips byte for byte.
	since, err = repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, since)

	c, err := repo.Cursor(ctx, models.EntityTrip)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.TotalSynced)
	assert.Equal(t, ts, c.LastSyncTimestamp)
}

func TestAdvanceWatermarksRejectsBadTimestamp(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.EnsureCursors(ctx))

	err := repo.AdvanceWatermarks(ctx, "not-a-timestamp", nil)
	require.Error(t, err)

	since, err := repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, EpochWatermark, since)
}

func TestHeldChangeNewestWins(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	older := &models.ChangeRecord{
		EntityType: models.EntityTrip, EntityID: "t1", Action: models.ChangeUpsert,
		Data: json.RawMessage(`{"note":"old"}`), UpdatedAt: "2026-03-01T10:00:00Z",
	}
	newer := &models.ChangeRecord{
		EntityType: models.EntityTrip, EntityID: "t1", Action: models.ChangeDelete,
		UpdatedAt: "2026-03-02T10:00:00Z",
	}
	require.NoError(t, repo.HoldChange(ctx, newer))
	require.NoError(t, repo.HoldChange(ctx, older)) // loses to the newer hold

	got, err := repo.TakeHeldChange(ctx, models.EntityTrip, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.ChangeDelete, got.Action)
	assert.Equal(t, "2026-03-02T10:00:00Z", got.UpdatedAt)

	// Taking consumes the hold.
	got, err = repo.TakeHeldChange(ctx, models.EntityTrip, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHeldChangeOrderIgnoresFractionalPrecision(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// "…00Z" sorts after "…00.5Z" as a string but is the earlier
	// instant; precedence must follow parsed time.
	newer := &models.ChangeRecord{
		EntityType: models.EntityTrip, EntityID: "t1", Action: models.ChangeUpsert,
		Data: json.RawMessage(`{"note":"keep"}`), UpdatedAt: "2026-03-01T10:00:00.5Z",
	}
	older := &models.ChangeRecord{
		EntityType: models.EntityTrip, EntityID: "t1", Action: models.ChangeUpsert,
		Data: json.RawMessage(`{"note":"lose"}`), UpdatedAt: "2026-03-01T10:00:00Z",
	}
	require.NoError(t, repo.HoldChange(ctx, newer))
	require.NoError(t, repo.HoldChange(ctx, older))

	got, err := repo.TakeHeldChange(ctx, models.EntityTrip, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, json.RawMessage(`{"note":"keep"}`), got.Data)
	assert.Equal(t, "2026-03-01T10:00:00.5Z", got.UpdatedAt)
}

func TestDiscardHeldChange(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rec := &models.ChangeRecord{
		EntityType: models.EntityTrip, EntityID: "t1", Action: models.ChangeUpsert,
		Data: json.RawMessage(`{"note":"parked"}`), UpdatedAt: "2026-03-01T10:00:00Z",
	}
	require.NoError(t, repo.HoldChange(ctx, rec))
	require.NoError(t, repo.DiscardHeldChange(ctx, models.EntityTrip, "t1"))

	got, err := repo.TakeHeldChange(ctx, models.EntityTrip, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConflictLogRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	entry := &models.ConflictLog{
		EntityType:    models.EntityTrip,
		EntityID:      "t1",
		LocalVersion:  2,
		ServerVersion: 4,
		Resolution:    "manual",
	}
	require.NoError(t, repo.RecordConflict(ctx, entry))
	require.NotEmpty(t, entry.ID)

	open, err := repo.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(4), open[0].ServerVersion)

	require.NoError(t, repo.MarkConflictResolved(ctx, entry.ID, "last_write_wins"))
	open, err = repo.ListConflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := repo.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "last_write_wins", all[0].Resolution)
}
