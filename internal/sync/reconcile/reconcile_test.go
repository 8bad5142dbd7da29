package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitran/tripsync/internal/db"
	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/sync/conflict"
	"github.com/avitran/tripsync/internal/sync/protocol"
	"github.com/avitran/tripsync/internal/sync/queue"
)

type fixture struct {
	repo  *db.Repository
	queue *queue.Queue
	rec   *Reconciler
}

func setup(t *testing.T) *fixture {
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
	require.NoError(t, repo.EnsureCursors(context.Background()))

	return &fixture{
		repo:  repo,
		queue: q,
		rec:   New(repo, q, conflict.New(conflict.PolicyManual, q)),
	}
}

func (f *fixture) createTrip(t *testing.T) (*models.Trip, *models.PendingOperation) {
	t.Helper()
	ctx := context.Background()
	trip := &models.Trip{
		VehicleID:  "veh-1",
		StartedAt:  time.Now().Add(-time.Hour).UnixMilli(),
		EndedAt:    time.Now().UnixMilli(),
		DistanceKm: 10,
		Purpose:    "professional",
	}
	require.NoError(t, f.repo.CreateTrip(ctx, trip))

	payload, err := models.TripPayload(models.ActionCreate, trip)
	require.NoError(t, err)
	op := &models.PendingOperation{
		EntityType:    models.EntityTrip,
		EntityID:      trip.ID,
		Action:        models.ActionCreate,
		Payload:       payload,
		ClientVersion: trip.Version,
	}
	require.NoError(t, f.queue.Enqueue(ctx, op))
	return trip, op
}

const ts = "2026-03-01T10:00:00Z"

func TestCleanRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	resp := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 1,
		}},
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityVehicle, EntityID: "veh-remote",
			Action: models.ChangeUpsert,
			Data:   json.RawMessage(`{"name":"Kangoo","fiscal_hp":5,"created_at":1,"version":1}`),
			UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}

	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Acked)
	assert.Equal(t, 1, out.Applied)
	assert.Equal(t, 0, out.Conflicts)

	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)

	stats, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total())

	v, err := f.repo.GetVehicle(ctx, "veh-remote")
	require.NoError(t, err)
	assert.Equal(t, "Kangoo", v.Name)

	since, err := f.repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, since)
}

func TestAlreadyProcessedCountsAsAck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	resp := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, AlreadyProcessed: true, ServerVersion: 1,
		}},
		SyncTimestamp: ts,
	}

	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Acked)

	stats, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total())
}

func TestConflictParksWithoutClobbering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	resp := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Conflict: true, ServerVersion: 4,
		}},
		SyncTimestamp: ts,
	}

	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Conflicts)

	// Local field values survive; only the status flips.
	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, got.SyncStatus)
	assert.Equal(t, float64(10), got.DistanceKm)

	parked, err := f.queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationConflict, parked.Status)
	require.NotNil(t, parked.ServerVersion)
	assert.Equal(t, int64(4), *parked.ServerVersion)

	conflicts, err := f.repo.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "manual", conflicts[0].Resolution)
}

func TestFailureSchedulesRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	resp := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, ErrorMessage: "validation failed upstream",
		}},
		SyncTimestamp: ts,
	}

	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)

	got, err := f.queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "validation failed upstream", got.LastError)
}

func TestPendingEditPrecedenceHoldsRemoteChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, _ := f.createTrip(t)

	// The remote edit targets the same trip the local queue still owns.
	resp := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeUpsert,
			Data:   json.RawMessage(`{"distance_km":99,"started_at":1,"ended_at":2,"created_at":1,"version":7}`),
			UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}

	out, err := f.rec.Apply(ctx, nil, resp)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Held)
	assert.Equal(t, 0, out.Applied)

	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, float64(10), got.DistanceKm, "pending local edit must not be clobbered")

	// The watermark still advances: the change is parked durably, not lost.
	since, err := f.repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, since)
}

func TestAckReplaysHeldChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	hold := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeUpsert,
			Data: json.RawMessage(`{"vehicle_id":"veh-1","distance_km":42,"started_at":1,"ended_at":2,"created_at":1,"version":2}`),
			UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}
	_, err := f.rec.Apply(ctx, nil, hold)
	require.NoError(t, err)

	ack := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 1,
		}},
		SyncTimestamp: "2026-03-01T10:05:00Z",
	}
	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, ack)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Acked)
	assert.Equal(t, 1, out.Replayed)

	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, float64(42), got.DistanceKm)
	assert.Equal(t, int64(2), got.Version)

	held, err := f.repo.HeldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, held)
}

func TestDirectApplyClearsStaleHeldChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	// A remote edit parks behind the pending local operation.
	hold := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeUpsert,
			Data:   json.RawMessage(`{"note":"old-remote","started_at":1,"ended_at":2,"created_at":1,"version":5}`),
			UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}
	out, err := f.rec.Apply(ctx, nil, hold)
	require.NoError(t, err)
	require.Equal(t, 1, out.Held)

	// The operation exhausts its retries and parks as failed; it no
	// longer blocks pulls for the entity.
	for i := 0; i < queue.DefaultMaxRetries; i++ {
		require.NoError(t, f.queue.MarkAttempted(ctx, op.ID, "boom"))
	}
	pending, err := f.queue.PendingFor(ctx, models.EntityTrip, trip.ID)
	require.NoError(t, err)
	require.False(t, pending)

	// A newer remote edit lands directly and sweeps the parked row.
	newer := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeUpsert,
			Data:   json.RawMessage(`{"note":"new-remote","started_at":1,"ended_at":2,"created_at":1,"version":7}`),
			UpdatedAt: "2026-03-01T10:10:00Z",
		}},
		SyncTimestamp: "2026-03-01T10:10:00Z",
	}
	out, err = f.rec.Apply(ctx, nil, newer)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Applied)

	held, err := f.repo.HeldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, held)

	// A later local edit acked by the server must not resurrect the old
	// remote snapshot or lower the version.
	op2 := &models.PendingOperation{
		EntityType: models.EntityTrip, EntityID: trip.ID,
		Action: models.ActionUpdate, Payload: json.RawMessage(`{"note":"local"}`),
		ClientVersion: 7,
	}
	require.NoError(t, f.queue.Enqueue(ctx, op2))
	ack := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op2.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 8,
		}},
		SyncTimestamp: "2026-03-01T10:15:00Z",
	}
	out, err = f.rec.Apply(ctx, []*models.PendingOperation{op2}, ack)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Acked)
	assert.Equal(t, 0, out.Replayed)

	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Version)
	assert.Equal(t, "new-remote", got.Note)
}

func TestAckDiscardsStaleHeldChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	// The parked snapshot predates the state the server acknowledges.
	hold := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeUpsert,
			Data:   json.RawMessage(`{"distance_km":42,"started_at":1,"ended_at":2,"created_at":1,"version":1}`),
			UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}
	_, err := f.rec.Apply(ctx, nil, hold)
	require.NoError(t, err)

	ack := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 3,
		}},
		SyncTimestamp: "2026-03-01T10:05:00Z",
	}
	out, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, ack)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Acked)
	assert.Equal(t, 0, out.Replayed)

	// The acked state stands; the stale snapshot is gone for good.
	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, float64(10), got.DistanceKm)

	held, err := f.repo.HeldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, held)
}

func TestAckDiscardsHeldDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	hold := &protocol.SyncResponse{
		PullResults: []models.ChangeRecord{{
			EntityType: models.EntityTrip, EntityID: trip.ID,
			Action: models.ChangeDelete, UpdatedAt: ts,
		}},
		SyncTimestamp: ts,
	}
	out, err := f.rec.Apply(ctx, nil, hold)
	require.NoError(t, err)
	require.Equal(t, 1, out.Held)

	ack := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 2,
		}},
		SyncTimestamp: "2026-03-01T10:05:00Z",
	}
	out, err = f.rec.Apply(ctx, []*models.PendingOperation{op}, ack)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Replayed)

	// An acknowledgement means the server still has the row; the parked
	// tombstone predates it and is dropped.
	got, err := f.repo.GetTrip(ctx, trip.ID.String())
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)

	held, err := f.repo.HeldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, held)
}

func TestBadTimestampAppliesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip, op := f.createTrip(t)

	resp := &protocol.SyncResponse{
		PushResults: []protocol.PushResult{{
			IdempotencyKey: op.IdempotencyKey, EntityType: models.EntityTrip,
			EntityID: trip.ID, Success: true, ServerVersion: 1,
		}},
		SyncTimestamp: "garbage",
	}

	_, err := f.rec.Apply(ctx, []*models.PendingOperation{op}, resp)
	require.Error(t, err)

	// The operation is still queued and the watermark untouched.
	stats, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	since, err := f.repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.EpochWatermark, since)
}
