package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/avitran/tripsync/internal/errors"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	conn := openMemDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())
	return conn
}

func TestLadderIsContiguous(t *testing.T) {
	m := NewMigrator(nil)
	target := m.TargetVersion()
	require.Equal(t, 17, target)

	for v := 0; v < target; v++ {
		s := m.step(v)
		require.NotNilf(t, s, "no step from version %d", v)
		assert.Equal(t, v+1, s.To)
		assert.NotEmpty(t, s.Name)
	}
}

func TestUpAppliesFullLadder(t *testing.T) {
	conn := openMemDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, m.TargetVersion(), version)

	for _, table := range []string{
		"trips", "vehicles", "expenses", "subscriptions",
		"users", "licenses", "pro_accounts", "company_links",
		"consents", "linked_users", "work_schedules", "auto_track_settings",
		"pending_operations", "entity_cursors", "held_changes", "conflict_log",
	} {
		var name string
		err := conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoErrorf(t, err, "table %s missing after Up", table)
	}
}

func TestUpIsIdempotent(t *testing.T) {
	conn := openMemDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, m.TargetVersion(), version)
}

func TestUpRejectsGap(t *testing.T) {
	conn := openMemDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())

	// Remove a middle step; the chain check must refuse before
	// touching anything.
	var steps []Migration
	for _, s := range m.steps {
		if s.From != 8 {
			steps = append(steps, s)
		}
	}
	m.steps = steps

	err := m.Up()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigrationGap))

	// Nothing applied.
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestRouteColumnDropped(t *testing.T) {
	conn := migratedDB(t)

	rows, err := conn.Query(`SELECT name FROM pragma_table_info('trips')`)
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		cols = append(cols, name)
	}
	assert.NotContains(t, cols, "route_polyline")
	assert.Contains(t, cols, "distance_km")
	assert.Contains(t, cols, "version")
}

func TestRebuildPreservesRows(t *testing.T) {
	conn := openMemDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())

	// Apply through the version that still carries route_polyline,
	// insert a row, then finish the ladder across the rebuild step.
	for v := 0; v < 14; v++ {
		require.NoError(t, m.applyStep(m.step(v)))
	}
	_, err := conn.Exec(`
	INSERT INTO trips (id, vehicle_id, started_at, ended_at, distance_km, purpose, route_polyline,
		created_at, sync_status, local_updated_at, version)
	VALUES ('t1', 'v1', 100, 200, 12.5, 'professional', 'encoded', 100, 'synced', 100, 3)`)
	require.NoError(t, err)

	require.NoError(t, m.Up())

	var distance float64
	var version int64
	err = conn.QueryRow(`SELECT distance_km, version FROM trips WHERE id = 't1'`).Scan(&distance, &version)
	require.NoError(t, err)
	assert.Equal(t, 12.5, distance)
	assert.Equal(t, int64(3), version)
}

func TestResetRefusesWithoutOptIn(t *testing.T) {
	conn := migratedDB(t)
	m := NewMigrator(conn)
	require.NoError(t, m.Initialize())

	err := m.Reset()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
}

func TestResetRebuildsWhenAllowed(t *testing.T) {
	conn := migratedDB(t)
	_, err := conn.Exec(`INSERT INTO vehicles (id, name, fiscal_hp, created_at, sync_status, local_updated_at, version)
		VALUES ('v1', 'Clio', 4, 1, 'synced', 1, 1)`)
	require.NoError(t, err)

	m := NewMigrator(conn)
	m.AllowDestructive = true
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Reset())

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM vehicles`).Scan(&n))
	assert.Equal(t, 0, n)

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, m.TargetVersion(), version)
}
