// Package db provides database schema migration management.
package db

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
)

// Migration is one step of the schema ladder, transforming the store
// from version From to version To. Steps apply strictly in order; a
// missing step is a fatal startup error.
type Migration struct {
	From  int
	To    int
	Name  string
	Apply func(tx *sql.Tx) error
}

// Migrator applies the registered schema ladder at startup.
type Migrator struct {
	db    *sql.DB
	steps []Migration

	// AllowDestructive enables Reset for pre-release builds. It must
	// never be set once real user data exists; Up never falls back to
	// it on its own.
	AllowDestructive bool
}

// NewMigrator creates a Migrator with the built-in ladder.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, steps: ladder()}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		name       TEXT NOT NULL CHECK(length(name) > 0)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the store's recorded schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// TargetVersion returns the highest version the ladder reaches.
func (m *Migrator) TargetVersion() int {
	target := 0
	for _, s := range m.steps {
		if s.To > target {
			target = s.To
		}
	}
	return target
}

// step returns the registered migration from version v, if any.
func (m *Migrator) step(from int) *Migration {
	for i := range m.steps {
		if m.steps[i].From == from {
			return &m.steps[i]
		}
	}
	return nil
}

// Up applies every pending step from the current version to the target.
// Each step is one transaction: either it fully applies or the store is
// left at its prior version and startup fails.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}
	target := m.TargetVersion()

	// Validate the remaining chain before touching anything.
	for v := current; v < target; v++ {
		s := m.step(v)
		if s == nil || s.To != v+1 {
			return apperrors.New(apperrors.ErrMigrationGap,
				fmt.Sprintf("no migration from version %d to %d", v, v+1))
		}
	}

	for v := current; v < target; v++ {
		s := m.step(v)
		if err := m.applyStep(s); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration,
				fmt.Sprintf("migration %d->%d (%s) failed", s.From, s.To, s.Name), err)
		}
		logging.Info("applied migration", logging.Fields{
			"from": s.From, "to": s.To, "name": s.Name,
		})
	}

	return nil
}

// applyStep runs one migration inside a transaction and records it.
func (m *Migrator) applyStep(s *Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.Apply(tx); err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO schema_migrations (version, applied_at, name) VALUES (?, ?, ?)`,
		s.To, time.Now().Unix(), s.Name)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Reset drops every table and replays the ladder from scratch. This is
// the destructive pre-release path only; it refuses to run unless
// explicitly enabled.
func (m *Migrator) Reset() error {
	if !m.AllowDestructive {
		return apperrors.New(apperrors.ErrMigration, "destructive reset is disabled in release builds")
	}

	rows, err := m.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tables {
		if _, err := m.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}

	if err := m.Initialize(); err != nil {
		return err
	}
	return m.Up()
}

// rebuildTable implements column removal on SQLite via the shadow-table
// pattern: create the target shape, copy-transform rows, drop the
// original, rename the shadow into place. Runs inside the step's
// transaction so the whole sequence is one unit of failure. Dependent
// indexes must be recreated by the caller after the rename.
func rebuildTable(tx *sql.Tx, table, shadowDDL, copySQL string) error {
	shadow := table + "_new"
	if _, err := tx.Exec(shadowDDL); err != nil {
		return fmt.Errorf("create shadow table %s: %w", shadow, err)
	}
	if _, err := tx.Exec(copySQL); err != nil {
		return fmt.Errorf("copy rows into %s: %w", shadow, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE "%s"`, table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME TO "%s"`, shadow, table)); err != nil {
		return fmt.Errorf("rename %s: %w", shadow, err)
	}
	return nil
}
