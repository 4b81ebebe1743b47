package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

const uniqueViolation = "23505"

const rideColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	destination_lat, destination_lon, destination_address, proposed_fare, final_fare,
	ride_type, distance_km, estimated_duration_minutes, status, created_at, updated_at,
	accepted_at, started_at, completed_at, cancelled_at, cancellation_reason, cancelled_by,
	actual_distance_km, actual_duration_minutes`

const bidColumns = `id, ride_id, driver_id, proposed_fare, estimated_arrival_minutes, message,
	status, created_at, driver_name, driver_rating, vehicle_model, vehicle_color, vehicle_plate`

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, ride *models.Ride, history ...models.Transition) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.NamedExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES (
		:id, :passenger_id, :driver_id, :pickup_lat, :pickup_lon, :pickup_address,
		:destination_lat, :destination_lon, :destination_address, :proposed_fare, :final_fare,
		:ride_type, :distance_km, :estimated_duration_minutes, :status, :created_at, :updated_at,
		:accepted_at, :started_at, :completed_at, :cancelled_at, :cancellation_reason, :cancelled_by,
		:actual_distance_km, :actual_duration_minutes)`, toRideRow(ride)); err != nil {
		return fmt.Errorf("insert ride %s: %w", ride.ID, err)
	}
	for _, t := range history {
		if err := insertTransition(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ride %s: %w", ride.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (p *PostgresStore) ListPendingBids(ctx context.Context, rideID string) ([]*models.Bid, error) {
	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, rideID); err != nil {
		return nil, fmt.Errorf("check ride %s: %w", rideID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return selectPending(ctx, p.db, rideID)
}

func (p *PostgresStore) History(ctx context.Context, rideID string) ([]models.Transition, error) {
	out := make([]models.Transition, 0)
	err := p.db.SelectContext(ctx, &out, `SELECT ride_id, from_status, to_status, actor_id, created_at
		FROM ride_transitions WHERE ride_id = $1 ORDER BY id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", rideID, err)
	}
	if len(out) == 0 {
		if _, err := p.GetRide(ctx, rideID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) ListOpenRides(ctx context.Context, createdBefore time.Time) ([]*models.Ride, error) {
	var rows []rideRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+rideColumns+` FROM rides
		WHERE status IN ('searching', 'bidding') AND created_at < $1
		ORDER BY created_at, id`, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("list open rides: %w", err)
	}
	out := make([]*models.Ride, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (p *PostgresStore) InTx(ctx context.Context, rideID string, fn func(tx RideTx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row rideRow
	err = tx.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock ride %s: %w", rideID, err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, ride: row.toModel()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ride %s: %w", rideID, err)
	}
	return nil
}

type pgTx struct {
	ctx  context.Context
	tx   *sqlx.Tx
	ride *models.Ride
}

func (t *pgTx) Ride() *models.Ride { return t.ride.Clone() }

func (t *pgTx) SaveRide(r *models.Ride) error {
	res, err := t.tx.NamedExecContext(t.ctx, `UPDATE rides SET
		driver_id = :driver_id, final_fare = :final_fare, status = :status, updated_at = :updated_at,
		accepted_at = :accepted_at, started_at = :started_at, completed_at = :completed_at,
		cancelled_at = :cancelled_at, cancellation_reason = :cancellation_reason,
		cancelled_by = :cancelled_by, actual_distance_km = :actual_distance_km,
		actual_duration_minutes = :actual_duration_minutes
		WHERE id = :id`, toRideRow(r))
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	t.ride = r.Clone()
	return nil
}

func (t *pgTx) AppendTransition(tr models.Transition) error {
	return insertTransition(t.ctx, t.tx, tr)
}

func (t *pgTx) PendingBids() ([]*models.Bid, error) {
	return selectPending(t.ctx, t.tx, t.ride.ID)
}

func (t *pgTx) GetBid(bidID string) (*models.Bid, error) {
	var row bidRow
	err := t.tx.GetContext(t.ctx, &row, `SELECT `+bidColumns+` FROM bids WHERE id = $1 AND ride_id = $2`, bidID, t.ride.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", bidID, err)
	}
	return row.toModel(), nil
}

func (t *pgTx) InsertBid(b *models.Bid) error {
	_, err := t.tx.NamedExecContext(t.ctx, `INSERT INTO bids (`+bidColumns+`) VALUES (
		:id, :ride_id, :driver_id, :proposed_fare, :estimated_arrival_minutes, :message,
		:status, :created_at, :driver_name, :driver_rating, :vehicle_model, :vehicle_color, :vehicle_plate)`,
		toBidRow(b))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateBid
	}
	if err != nil {
		return fmt.Errorf("insert bid %s: %w", b.ID, err)
	}
	return nil
}

func (t *pgTx) SetBidStatus(bidID string, status models.BidStatus) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE bids SET status = $1 WHERE id = $2 AND ride_id = $3`, status, bidID, t.ride.ID)
	if err != nil {
		return fmt.Errorf("update bid %s: %w", bidID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, t models.Transition) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO ride_transitions (ride_id, from_status, to_status, actor_id, created_at)
		VALUES (:ride_id, :from_status, :to_status, :actor_id, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("insert transition %s %s->%s: %w", t.RideID, t.From, t.To, err)
	}
	return nil
}

func selectPending(ctx context.Context, q sqlx.QueryerContext, rideID string) ([]*models.Bid, error) {
	var rows []bidRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+bidColumns+` FROM bids
		WHERE ride_id = $1 AND status = 'pending' ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, fmt.Errorf("pending bids %s: %w", rideID, err)
	}
	out := make([]*models.Bid, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
