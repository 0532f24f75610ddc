package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore is the durable RideStore. It assumes a single dispatch
// process owns writes; per-ride serialisation happens in the lifecycle
// coordinator, not in SQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order.
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return applied, err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}
	return applied, nil
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
ride_type, estimated_fare, notes, status, created_at, updated_at,
accepted_at, started_at, in_progress_at, completed_at, cancelled_at,
start_lat, start_lng, actual_fare, rider_rating, driver_rating,
cancellation_reason, cancelled_by_id, cancelled_by_role`

func (p *PostgresStore) Insert(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		rideArgs(r)...)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, r *models.Ride) error {
	args := rideArgs(r)
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
rider_id=$2, driver_id=$3, pickup_lat=$4, pickup_lng=$5, dropoff_lat=$6, dropoff_lng=$7,
ride_type=$8, estimated_fare=$9, notes=$10, status=$11, created_at=$12, updated_at=$13,
accepted_at=$14, started_at=$15, in_progress_at=$16, completed_at=$17, cancelled_at=$18,
start_lat=$19, start_lng=$20, actual_fare=$21, rider_rating=$22, driver_rating=$23,
cancellation_reason=$24, cancelled_by_id=$25, cancelled_by_role=$26
WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.ErrRideNotFound, "ride %s", r.ID)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.ErrRideNotFound, "ride %s", id)
	}
	return r, err
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides
WHERE status NOT IN ('completed', 'cancelled') ORDER BY created_at DESC, id`)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error) {
	col := "rider_id"
	if role == models.RoleDriver {
		col = "driver_id"
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE `+col+`=$1 ORDER BY created_at DESC, id`, userID)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func rideArgs(r *models.Ride) []any {
	var startLat, startLng sql.NullFloat64
	if r.StartLocation != nil {
		startLat = sql.NullFloat64{Float64: r.StartLocation.Lat, Valid: true}
		startLng = sql.NullFloat64{Float64: r.StartLocation.Lng, Valid: true}
	}
	var byID, byRole sql.NullString
	if r.CancelledBy != nil {
		byID = sql.NullString{String: r.CancelledBy.ID, Valid: true}
		byRole = sql.NullString{String: string(r.CancelledBy.Role), Valid: true}
	}
	return []any{
		r.ID, r.RiderID, nullString(r.DriverID),
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		string(r.RideType), r.EstimatedFare, r.Notes, string(r.Status), r.CreatedAt, r.UpdatedAt,
		nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.InProgressAt),
		nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		startLat, startLng, nullFloat(r.ActualFare), nullInt(r.RiderRating), nullInt(r.DriverRating),
		r.CancellationReason, byID, byRole,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                          models.Ride
		driverID, byID, byRole                     sql.NullString
		rideType, status                           string
		accepted, started, inProgress, done, cancd sql.NullTime
		startLat, startLng, actual                 sql.NullFloat64
		riderRating, driverRating                  sql.NullInt64
	)
	err := s.Scan(
		&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng,
		&rideType, &r.EstimatedFare, &r.Notes, &status, &r.CreatedAt, &r.UpdatedAt,
		&accepted, &started, &inProgress, &done, &cancd,
		&startLat, &startLng, &actual, &riderRating, &driverRating,
		&r.CancellationReason, &byID, &byRole,
	)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.RideType = models.RideType(rideType)
	r.Status = models.RideStatus(status)
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.InProgressAt = timePtr(inProgress)
	r.CompletedAt = timePtr(done)
	r.CancelledAt = timePtr(cancd)
	if startLat.Valid && startLng.Valid {
		r.StartLocation = &models.Coord{Lat: startLat.Float64, Lng: startLng.Float64}
	}
	if actual.Valid {
		f := actual.Float64
		r.ActualFare = &f
	}
	r.RiderRating = intPtr(riderRating)
	r.DriverRating = intPtr(driverRating)
	if byID.Valid {
		r.CancelledBy = &models.Actor{ID: byID.String, Role: models.ActorRole(byRole.String)}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func intPtr(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}
