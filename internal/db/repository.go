// Package db provides CRUD repository operations for the local store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/avitran/tripsync/internal/models"
	"github.com/avitran/tripsync/internal/uuid"
)

// Repository provides typed operations over the local store. All reads
// are served locally and never touch the network.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Tx runs fn inside a transaction. Domain writes and their queue
// entries go through here so they commit (or roll back) together.
func (r *Repository) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// tableFor maps entity types to their physical tables.
var tableFor = map[models.EntityType]string{
	models.EntityTrip:             "trips",
	models.EntityVehicle:          "vehicles",
	models.EntityExpense:          "expenses",
	models.EntityUser:             "users",
	models.EntityLicense:          "licenses",
	models.EntityProAccount:       "pro_accounts",
	models.EntitySubscription:     "subscriptions",
	models.EntityConsent:          "consents",
	models.EntityLinkedUser:       "linked_users",
	models.EntityWorkSchedule:     "work_schedules",
	models.EntityAutoTrackSetting: "auto_track_settings",
	models.EntityCompanyLink:      "company_links",
}

// docTables holds the entity types stored as JSON documents rather
// than dedicated columns.
var docTables = map[models.EntityType]bool{
	models.EntityUser:             true,
	models.EntityLicense:          true,
	models.EntityProAccount:       true,
	models.EntityConsent:          true,
	models.EntityLinkedUser:       true,
	models.EntityWorkSchedule:     true,
	models.EntityAutoTrackSetting: true,
	models.EntityCompanyLink:      true,
}

// =====================================================
// Trip operations
// =====================================================

const tripColumns = `id, vehicle_id, started_at, ended_at, start_lat, start_lon, end_lat, end_lon,
	distance_km, point_count, purpose, note, auto_tracked, amount_cents, created_at,
	sync_status, local_updated_at, server_updated_at, version, deleted_at`

// CreateTrip inserts a new trip flagged for upload.
func (r *Repository) CreateTrip(ctx context.Context, t *models.Trip) error {
	return r.CreateTripTx(ctx, r.db, t)
}

// CreateTripTx is CreateTrip on a caller-owned transaction.
func (r *Repository) CreateTripTx(ctx context.Context, ex Execer, t *models.Trip) error {
	now := time.Now().UnixMilli()
	if t.ID == "" {
		t.ID = models.UUID(uuid.New())
	}
	t.CreatedAt = now
	t.Version = 1
	t.SyncStatus = models.SyncStatusPendingUpload
	t.LocalUpdatedAt = now

	query := `
	INSERT INTO trips (` + tripColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.ExecContext(ctx, query,
		t.ID, t.VehicleID, t.StartedAt, t.EndedAt, t.StartLat, t.StartLon, t.EndLat, t.EndLon,
		t.DistanceKm, t.PointCount, t.Purpose, t.Note, t.AutoTracked, t.AmountCents, t.CreatedAt,
		t.SyncStatus, t.LocalUpdatedAt, t.ServerUpdatedAt, t.Version, t.DeletedAt)
	return err
}

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	var t models.Trip
	var serverUpdatedAt, deletedAt sql.NullInt64
	err := row.Scan(
		&t.ID, &t.VehicleID, &t.StartedAt, &t.EndedAt, &t.StartLat, &t.StartLon, &t.EndLat, &t.EndLon,
		&t.DistanceKm, &t.PointCount, &t.Purpose, &t.Note, &t.AutoTracked, &t.AmountCents, &t.CreatedAt,
		&t.SyncStatus, &t.LocalUpdatedAt, &serverUpdatedAt, &t.Version, &deletedAt)
	if err != nil {
		return nil, err
	}
	if serverUpdatedAt.Valid {
		t.ServerUpdatedAt = &serverUpdatedAt.Int64
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.Int64
	}
	return &t, nil
}

// GetTrip retrieves a trip by ID, tombstoned or not.
func (r *Repository) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + tripColumns + ` FROM trips WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanTrip(stmt.QueryRowContext(ctx, id))
}

// ListTrips returns live trips whose start falls in [from, to), newest
// first. Zero bounds mean unbounded; a non-positive limit means all.
func (r *Repository) ListTrips(ctx context.Context, from, to int64, limit, offset int) ([]*models.Trip, error) {
	if to == 0 {
		to = 1<<63 - 1
	}
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + tripColumns + ` FROM trips
	WHERE deleted_at IS NULL AND started_at >= ? AND started_at < ?
	ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// UpdateTrip writes the trip's editable fields and bumps its version.
func (r *Repository) UpdateTrip(ctx context.Context, t *models.Trip) error {
	return r.UpdateTripTx(ctx, r.db, t)
}

// UpdateTripTx is UpdateTrip on a caller-owned transaction.
func (r *Repository) UpdateTripTx(ctx context.Context, ex Execer, t *models.Trip) error {
	t.Touch()
	query := `
	UPDATE trips SET vehicle_id = ?, purpose = ?, note = ?, distance_km = ?, amount_cents = ?,
		sync_status = ?, local_updated_at = ?, version = ?
	WHERE id = ?`
	res, err := ex.ExecContext(ctx, query,
		t.VehicleID, t.Purpose, t.Note, t.DistanceKm, t.AmountCents,
		t.SyncStatus, t.LocalUpdatedAt, t.Version, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDeleteTripTx tombstones a trip on a caller-owned transaction.
func (r *Repository) SoftDeleteTripTx(ctx context.Context, ex Execer, t *models.Trip) error {
	t.SoftDelete()
	res, err := ex.ExecContext(ctx,
		`UPDATE trips SET deleted_at = ?, sync_status = ?, local_updated_at = ?, version = ? WHERE id = ?`,
		t.DeletedAt, t.SyncStatus, t.LocalUpdatedAt, t.Version, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =====================================================
// Vehicle operations
// =====================================================

const vehicleColumns = `id, name, make, model, plate, fiscal_hp, is_default, created_at,
	sync_status, local_updated_at, server_updated_at, version, deleted_at`

// CreateVehicle inserts a new vehicle flagged for upload.
func (r *Repository) CreateVehicle(ctx context.Context, v *models.Vehicle) error {
	return r.CreateVehicleTx(ctx, r.db, v)
}

// CreateVehicleTx is CreateVehicle on a caller-owned transaction.
func (r *Repository) CreateVehicleTx(ctx context.Context, ex Execer, v *models.Vehicle) error {
	now := time.Now().UnixMilli()
	if v.ID == "" {
		v.ID = models.UUID(uuid.New())
	}
	v.CreatedAt = now
	v.Version = 1
	v.SyncStatus = models.SyncStatusPendingUpload
	v.LocalUpdatedAt = now

	query := `INSERT INTO vehicles (` + vehicleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.ExecContext(ctx, query,
		v.ID, v.Name, v.Make, v.Model, v.Plate, v.FiscalHP, v.IsDefault, v.CreatedAt,
		v.SyncStatus, v.LocalUpdatedAt, v.ServerUpdatedAt, v.Version, v.DeletedAt)
	return err
}

func scanVehicle(row interface{ Scan(...any) error }) (*models.Vehicle, error) {
	var v models.Vehicle
	var serverUpdatedAt, deletedAt sql.NullInt64
	err := row.Scan(
		&v.ID, &v.Name, &v.Make, &v.Model, &v.Plate, &v.FiscalHP, &v.IsDefault, &v.CreatedAt,
		&v.SyncStatus, &v.LocalUpdatedAt, &serverUpdatedAt, &v.Version, &deletedAt)
	if err != nil {
		return nil, err
	}
	if serverUpdatedAt.Valid {
		v.ServerUpdatedAt = &serverUpdatedAt.Int64
	}
	if deletedAt.Valid {
		v.DeletedAt = &deletedAt.Int64
	}
	return &v, nil
}

// GetVehicle retrieves a vehicle by ID.
func (r *Repository) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + vehicleColumns + ` FROM vehicles WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanVehicle(stmt.QueryRowContext(ctx, id))
}

// ListVehicles returns all live vehicles, default first.
func (r *Repository) ListVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE deleted_at IS NULL ORDER BY is_default DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []*models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// UpdateVehicleTx writes the vehicle's editable fields and bumps its version.
func (r *Repository) UpdateVehicleTx(ctx context.Context, ex Execer, v *models.Vehicle) error {
	v.Touch()
	res, err := ex.ExecContext(ctx, `
	UPDATE vehicles SET name = ?, make = ?, model = ?, plate = ?, fiscal_hp = ?, is_default = ?,
		sync_status = ?, local_updated_at = ?, version = ?
	WHERE id = ?`,
		v.Name, v.Make, v.Model, v.Plate, v.FiscalHP, v.IsDefault,
		v.SyncStatus, v.LocalUpdatedAt, v.Version, v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =====================================================
// Expense operations
// =====================================================

const expenseColumns = `id, trip_id, category, amount_cents, currency, incurred_at, note, receipt_path,
	created_at, sync_status, local_updated_at, server_updated_at, version, deleted_at`

// CreateExpenseTx inserts a new expense flagged for upload.
func (r *Repository) CreateExpenseTx(ctx context.Context, ex Execer, e *models.Expense) error {
	now := time.Now().UnixMilli()
	if e.ID == "" {
		e.ID = models.UUID(uuid.New())
	}
	if e.Currency == "" {
		e.Currency = "EUR"
	}
	e.CreatedAt = now
	e.Version = 1
	e.SyncStatus = models.SyncStatusPendingUpload
	e.LocalUpdatedAt = now

	query := `INSERT INTO expenses (` + expenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.ExecContext(ctx, query,
		e.ID, e.TripID, e.Category, e.AmountCents, e.Currency, e.IncurredAt, e.Note, e.ReceiptPath,
		e.CreatedAt, e.SyncStatus, e.LocalUpdatedAt, e.ServerUpdatedAt, e.Version, e.DeletedAt)
	return err
}

func scanExpense(row interface{ Scan(...any) error }) (*models.Expense, error) {
	var e models.Expense
	var tripID sql.NullString
	var serverUpdatedAt, deletedAt sql.NullInt64
	err := row.Scan(
		&e.ID, &tripID, &e.Category, &e.AmountCents, &e.Currency, &e.IncurredAt, &e.Note, &e.ReceiptPath,
		&e.CreatedAt, &e.SyncStatus, &e.LocalUpdatedAt, &serverUpdatedAt, &e.Version, &deletedAt)
	if err != nil {
		return nil, err
	}
	if tripID.Valid {
		id := models.UUID(tripID.String)
		e.TripID = &id
	}
	if serverUpdatedAt.Valid {
		e.ServerUpdatedAt = &serverUpdatedAt.Int64
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Int64
	}
	return &e, nil
}

// GetExpense retrieves an expense by ID.
func (r *Repository) GetExpense(ctx context.Context, id string) (*models.Expense, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanExpense(stmt.QueryRowContext(ctx, id))
}

// ListExpenses returns live expenses incurred in [from, to), newest first.
func (r *Repository) ListExpenses(ctx context.Context, from, to int64, limit, offset int) ([]*models.Expense, error) {
	if to == 0 {
		to = 1<<63 - 1
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses
	WHERE deleted_at IS NULL AND incurred_at >= ? AND incurred_at < ?
	ORDER BY incurred_at DESC LIMIT ? OFFSET ?`, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// UpdateExpenseTx writes the expense's editable fields and bumps its version.
func (r *Repository) UpdateExpenseTx(ctx context.Context, ex Execer, e *models.Expense) error {
	e.Touch()
	res, err := ex.ExecContext(ctx, `
	UPDATE expenses SET trip_id = ?, category = ?, amount_cents = ?, currency = ?, incurred_at = ?,
		note = ?, receipt_path = ?, sync_status = ?, local_updated_at = ?, version = ?
	WHERE id = ?`,
		e.TripID, e.Category, e.AmountCents, e.Currency, e.IncurredAt,
		e.Note, e.ReceiptPath, e.SyncStatus, e.LocalUpdatedAt, e.Version, e.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDeleteExpenseTx tombstones an expense on a caller-owned transaction.
func (r *Repository) SoftDeleteExpenseTx(ctx context.Context, ex Execer, e *models.Expense) error {
	e.SoftDelete()
	res, err := ex.ExecContext(ctx,
		`UPDATE expenses SET deleted_at = ?, sync_status = ?, local_updated_at = ?, version = ? WHERE id = ?`,
		e.DeletedAt, e.SyncStatus, e.LocalUpdatedAt, e.Version, e.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// =====================================================
// Subscription operations (server-owned, pull-only)
// =====================================================

const subscriptionColumns = `id, plan, state, provider, renews_at, created_at,
	sync_status, local_updated_at, server_updated_at, version, deleted_at`

// GetSubscription retrieves a subscription by ID.
func (r *Repository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	var s models.Subscription
	var renewsAt, serverUpdatedAt, deletedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.Plan, &s.State, &s.Provider, &renewsAt, &s.CreatedAt,
		&s.SyncStatus, &s.LocalUpdatedAt, &serverUpdatedAt, &s.Version, &deletedAt)
	if err != nil {
		return nil, err
	}
	if renewsAt.Valid {
		s.RenewsAt = &renewsAt.Int64
	}
	if serverUpdatedAt.Valid {
		s.ServerUpdatedAt = &serverUpdatedAt.Int64
	}
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Int64
	}
	return &s, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
