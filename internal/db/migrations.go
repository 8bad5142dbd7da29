// Package db provides database schema migration management.
package db

import "database/sql"

// docTableDDL is the shared shape for settings-like entities that are
// stored as JSON documents (users, licenses, consents, ...). Domain
// fields live in the data column; sync bookkeeping is relational so the
// reconciler can address it uniformly.
func docTableDDL(name string) string {
	return `
	CREATE TABLE IF NOT EXISTS ` + name + ` (
		id                TEXT PRIMARY KEY,
		data              TEXT NOT NULL,
		sync_status       TEXT NOT NULL DEFAULT 'synced',
		local_updated_at  INTEGER NOT NULL DEFAULT 0,
		server_updated_at INTEGER,
		version           INTEGER NOT NULL DEFAULT 1,
		deleted_at        INTEGER
	);`
}

func execAll(tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ladder returns the full migration history of the local store. The
// chain must stay contiguous: every release appends steps, none are
// ever reordered or removed.
func ladder() []Migration {
	return []Migration{
		{From: 0, To: 1, Name: "create_trips", Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS trips (
				id          TEXT PRIMARY KEY,
				started_at  INTEGER NOT NULL,
				ended_at    INTEGER NOT NULL,
				distance_km REAL NOT NULL DEFAULT 0,
				purpose     TEXT NOT NULL DEFAULT 'professional',
				note        TEXT NOT NULL DEFAULT '',
				created_at  INTEGER NOT NULL
			);`)
		}},
		{From: 1, To: 2, Name: "create_vehicles", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS vehicles (
					id         TEXT PRIMARY KEY,
					name       TEXT NOT NULL,
					make       TEXT NOT NULL DEFAULT '',
					model      TEXT NOT NULL DEFAULT '',
					plate      TEXT NOT NULL DEFAULT '',
					fiscal_hp  INTEGER NOT NULL DEFAULT 5,
					is_default INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);`,
				`ALTER TABLE trips ADD COLUMN vehicle_id TEXT NOT NULL DEFAULT '';`,
				`CREATE INDEX IF NOT EXISTS idx_trips_vehicle ON trips(vehicle_id);`,
			)
		}},
		{From: 2, To: 3, Name: "trips_gps_capture", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE trips ADD COLUMN start_lat REAL NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN start_lon REAL NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN end_lat REAL NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN end_lon REAL NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN point_count INTEGER NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN auto_tracked INTEGER NOT NULL DEFAULT 0;`,
				`ALTER TABLE trips ADD COLUMN route_polyline TEXT NOT NULL DEFAULT '';`,
			)
		}},
		{From: 3, To: 4, Name: "trips_reimbursement", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE trips ADD COLUMN amount_cents INTEGER NOT NULL DEFAULT 0;`,
			)
		}},
		{From: 4, To: 5, Name: "sync_metadata_columns", Apply: func(tx *sql.Tx) error {
			stmts := []string{}
			for _, table := range []string{"trips", "vehicles"} {
				stmts = append(stmts,
					`ALTER TABLE `+table+` ADD COLUMN sync_status TEXT NOT NULL DEFAULT 'pending_upload';`,
					`ALTER TABLE `+table+` ADD COLUMN local_updated_at INTEGER NOT NULL DEFAULT 0;`,
					`ALTER TABLE `+table+` ADD COLUMN server_updated_at INTEGER;`,
					`ALTER TABLE `+table+` ADD COLUMN version INTEGER NOT NULL DEFAULT 1;`,
					`ALTER TABLE `+table+` ADD COLUMN deleted_at INTEGER;`,
				)
			}
			return execAll(tx, stmts...)
		}},
		{From: 5, To: 6, Name: "create_pending_operations", Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS pending_operations (
				id              TEXT PRIMARY KEY,
				entity_type     TEXT NOT NULL,
				entity_id       TEXT NOT NULL,
				action          TEXT NOT NULL CHECK (action IN ('create','update','delete')),
				payload         TEXT,
				created_at      INTEGER NOT NULL,
				retry_count     INTEGER NOT NULL DEFAULT 0,
				last_attempt_at INTEGER,
				last_error      TEXT NOT NULL DEFAULT ''
			);`)
		}},
		{From: 6, To: 7, Name: "create_entity_cursors", Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS entity_cursors (
				entity_type              TEXT PRIMARY KEY,
				last_sync_timestamp      TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z',
				last_full_sync_timestamp TEXT NOT NULL DEFAULT '',
				sync_in_progress         INTEGER NOT NULL DEFAULT 0,
				total_synced             INTEGER NOT NULL DEFAULT 0
			);`)
		}},
		{From: 7, To: 8, Name: "pending_operations_idempotency", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE pending_operations ADD COLUMN idempotency_key TEXT NOT NULL DEFAULT '';`,
				`ALTER TABLE pending_operations ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;`,
				`ALTER TABLE pending_operations ADD COLUMN status TEXT NOT NULL DEFAULT 'pending';`,
				`ALTER TABLE pending_operations ADD COLUMN client_version INTEGER NOT NULL DEFAULT 1;`,
				`ALTER TABLE pending_operations ADD COLUMN server_version INTEGER;`,
				`ALTER TABLE pending_operations ADD COLUMN max_retries INTEGER NOT NULL DEFAULT 8;`,
				`ALTER TABLE pending_operations ADD COLUMN next_retry_at INTEGER NOT NULL DEFAULT 0;`,
				// Backfill keys for rows queued before this release, then
				// enforce uniqueness for all future enqueues.
				`UPDATE pending_operations SET idempotency_key = entity_type || ':' || entity_id || ':' || action || ':' || created_at WHERE idempotency_key = '';`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_idempotency ON pending_operations(idempotency_key);`,
			)
		}},
		{From: 8, To: 9, Name: "create_expenses", Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS expenses (
				id                TEXT PRIMARY KEY,
				trip_id           TEXT,
				category          TEXT NOT NULL DEFAULT 'other',
				amount_cents      INTEGER NOT NULL DEFAULT 0,
				currency          TEXT NOT NULL DEFAULT 'EUR',
				incurred_at       INTEGER NOT NULL,
				note              TEXT NOT NULL DEFAULT '',
				receipt_path      TEXT NOT NULL DEFAULT '',
				created_at        INTEGER NOT NULL,
				sync_status       TEXT NOT NULL DEFAULT 'pending_upload',
				local_updated_at  INTEGER NOT NULL DEFAULT 0,
				server_updated_at INTEGER,
				version           INTEGER NOT NULL DEFAULT 1,
				deleted_at        INTEGER
			);`)
		}},
		{From: 9, To: 10, Name: "create_subscriptions", Apply: func(tx *sql.Tx) error {
			return execAll(tx, `
			CREATE TABLE IF NOT EXISTS subscriptions (
				id                TEXT PRIMARY KEY,
				plan              TEXT NOT NULL DEFAULT 'free',
				state             TEXT NOT NULL DEFAULT 'active',
				provider          TEXT NOT NULL DEFAULT '',
				renews_at         INTEGER,
				created_at        INTEGER NOT NULL,
				sync_status       TEXT NOT NULL DEFAULT 'synced',
				local_updated_at  INTEGER NOT NULL DEFAULT 0,
				server_updated_at INTEGER,
				version           INTEGER NOT NULL DEFAULT 1,
				deleted_at        INTEGER
			);`)
		}},
		{From: 10, To: 11, Name: "create_users_licenses", Apply: func(tx *sql.Tx) error {
			return execAll(tx, docTableDDL("users"), docTableDDL("licenses"))
		}},
		{From: 11, To: 12, Name: "create_pro_accounts_company_links", Apply: func(tx *sql.Tx) error {
			return execAll(tx, docTableDDL("pro_accounts"), docTableDDL("company_links"))
		}},
		{From: 12, To: 13, Name: "create_consents_linked_users", Apply: func(tx *sql.Tx) error {
			return execAll(tx, docTableDDL("consents"), docTableDDL("linked_users"))
		}},
		{From: 13, To: 14, Name: "create_schedules_auto_track", Apply: func(tx *sql.Tx) error {
			return execAll(tx, docTableDDL("work_schedules"), docTableDDL("auto_track_settings"))
		}},
		{From: 14, To: 15, Name: "trips_drop_route_polyline", Apply: func(tx *sql.Tx) error {
			// Polylines moved to file storage; the column made every
			// trip row several KB heavy. SQLite of this vintage has no
			// native drop-column, hence the rebuild.
			cols := `id, vehicle_id, started_at, ended_at, start_lat, start_lon, end_lat, end_lon,
				distance_km, point_count, purpose, note, auto_tracked, amount_cents, created_at,
				sync_status, local_updated_at, server_updated_at, version, deleted_at`
			err := rebuildTable(tx, "trips", `
			CREATE TABLE trips_new (
				id                TEXT PRIMARY KEY,
				vehicle_id        TEXT NOT NULL DEFAULT '',
				started_at        INTEGER NOT NULL,
				ended_at          INTEGER NOT NULL,
				start_lat         REAL NOT NULL DEFAULT 0,
				start_lon         REAL NOT NULL DEFAULT 0,
				end_lat           REAL NOT NULL DEFAULT 0,
				end_lon           REAL NOT NULL DEFAULT 0,
				distance_km       REAL NOT NULL DEFAULT 0,
				point_count       INTEGER NOT NULL DEFAULT 0,
				purpose           TEXT NOT NULL DEFAULT 'professional',
				note              TEXT NOT NULL DEFAULT '',
				auto_tracked      INTEGER NOT NULL DEFAULT 0,
				amount_cents      INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL,
				sync_status       TEXT NOT NULL DEFAULT 'pending_upload',
				local_updated_at  INTEGER NOT NULL DEFAULT 0,
				server_updated_at INTEGER,
				version           INTEGER NOT NULL DEFAULT 1,
				deleted_at        INTEGER
			);`,
				`INSERT INTO trips_new (`+cols+`) SELECT `+cols+` FROM trips;`)
			if err != nil {
				return err
			}
			return execAll(tx, `CREATE INDEX IF NOT EXISTS idx_trips_vehicle ON trips(vehicle_id);`)
		}},
		{From: 15, To: 16, Name: "create_held_changes_conflict_log", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS held_changes (
					entity_type TEXT NOT NULL,
					entity_id   TEXT NOT NULL,
					action      TEXT NOT NULL CHECK (action IN ('UPSERT','DELETE')),
					data        TEXT,
					updated_at  INTEGER NOT NULL,
					received_at INTEGER NOT NULL,
					PRIMARY KEY (entity_type, entity_id)
				);`,
				`CREATE TABLE IF NOT EXISTS conflict_log (
					id             TEXT PRIMARY KEY,
					entity_type    TEXT NOT NULL,
					entity_id      TEXT NOT NULL,
					local_version  INTEGER NOT NULL,
					server_version INTEGER NOT NULL,
					resolution     TEXT NOT NULL DEFAULT 'manual',
					detected_at    INTEGER NOT NULL,
					resolved_at    INTEGER
				);`,
			)
		}},
		{From: 16, To: 17, Name: "cursor_errors_and_indexes", Apply: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE entity_cursors ADD COLUMN last_sync_error TEXT NOT NULL DEFAULT '';`,
				`CREATE INDEX IF NOT EXISTS idx_trips_started ON trips(started_at);`,
				`CREATE INDEX IF NOT EXISTS idx_trips_deleted ON trips(deleted_at);`,
				`CREATE INDEX IF NOT EXISTS idx_expenses_incurred ON expenses(incurred_at);`,
				`CREATE INDEX IF NOT EXISTS idx_pending_drain ON pending_operations(status, priority, created_at);`,
			)
		}},
	}
}
