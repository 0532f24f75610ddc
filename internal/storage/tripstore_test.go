package storage

import (
	"context"
	"io/fs"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func ride(id, rider, driver string, status models.RideStatus, created time.Time) *models.Ride {
	return &models.Ride{
		ID:        id,
		RiderID:   rider,
		DriverID:  driver,
		Status:    status,
		RideType:  models.RideStandard,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStoreCopiesOnReadAndWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := ride("r1", "rider-1", "", models.StatusRequested, time.Now())
	require.NoError(t, s.Insert(ctx, r))

	r.Status = models.StatusCancelled
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, got.Status)

	got.Status = models.StatusAccepted
	again, _ := s.Get(ctx, "r1")
	assert.Equal(t, models.StatusRequested, again.Status)
}

func TestMemoryStoreErrors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrRideNotFound)
	assert.ErrorIs(t, s.Update(ctx, ride("missing", "x", "", models.StatusRequested, time.Now())), apperr.ErrRideNotFound)

	require.NoError(t, s.Insert(ctx, ride("r1", "x", "", models.StatusRequested, time.Now())))
	assert.Error(t, s.Insert(ctx, ride("r1", "x", "", models.StatusRequested, time.Now())))
}

func TestMemoryStoreListings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	require.NoError(t, s.Insert(ctx, ride("old", "rider-1", "d1", models.StatusCompleted, base)))
	require.NoError(t, s.Insert(ctx, ride("mid", "rider-1", "d2", models.StatusAccepted, base.Add(time.Minute))))
	require.NoError(t, s.Insert(ctx, ride("new", "rider-2", "", models.StatusRequested, base.Add(2*time.Minute))))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid"}, ids(active))

	hist, _ := s.ListByUser(ctx, "rider-1", models.RoleRider)
	assert.Equal(t, []string{"mid", "old"}, ids(hist))

	hist, _ = s.ListByUser(ctx, "d1", models.RoleDriver)
	assert.Equal(t, []string{"old"}, ids(hist))
}

func ids(rides []*models.Ride) []string {
	out := make([]string, len(rides))
	for i, r := range rides {
		out[i] = r.ID
	}
	return out
}

// argScanner feeds rideArgs output back through scanRide, which checks the
// column order of both sides agrees.
type argScanner struct{ args []any }

func (a argScanner) Scan(dest ...any) error {
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(a.args[i]))
	}
	return nil
}

func TestRideColumnsLineUp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	fare := 17.5
	rating := 5
	r := ride("r1", "rider-1", "d1", models.StatusCancelled, now)
	r.Pickup = models.Coord{Lat: 1, Lng: 2}
	r.Dropoff = models.Coord{Lat: 3, Lng: 4}
	r.AcceptedAt = &now
	r.StartLocation = &models.Coord{Lat: 5, Lng: 6}
	r.ActualFare = &fare
	r.DriverRating = &rating
	r.CancellationReason = "rider changed plans"
	r.CancelledBy = &models.Actor{ID: "rider-1", Role: models.RoleRider}

	args := rideArgs(r)
	assert.Len(t, args, len(strings.Split(rideColumns, ",")))

	got, err := scanRide(argScanner{args: args})
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	b, err := migrations.ReadFile(names[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), "CREATE TABLE IF NOT EXISTS rides")
}
