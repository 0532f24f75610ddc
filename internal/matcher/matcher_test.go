package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type published struct {
	room    string
	typ     string
	payload any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(room, eventType string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{room, eventType, payload})
	return 1
}

func (r *recorder) BroadcastAll(eventType string, payload any) int {
	return r.Publish("*", eventType, payload)
}

func (r *recorder) Emit(events.SinkEvent) {}

func (r *recorder) has(room, eventType string) bool {
	return len(r.find(room, eventType)) > 0
}

func (r *recorder) find(room, eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, m := range r.msgs {
		if m.room == room && m.typ == eventType {
			out = append(out, m.payload)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	rides  *lifecycle.Coordinator
	reg    *registry.Registry
	rec    *recorder
}

var riderAt = models.Coord{Lat: 37.7749, Lng: -122.4194}

func newFixture(t *testing.T, cfg Config, ranker Ranker) *fixture {
	t.Helper()
	reg := registry.New(nil, nil)
	rec := &recorder{}
	rides := lifecycle.New(storage.NewMemoryStore(), reg, rec, nil)
	f := &fixture{
		engine: New(cfg, reg, rides, rec, ranker, nil, nil),
		rides:  rides,
		reg:    reg,
		rec:    rec,
	}
	return f
}

func (f *fixture) online(t *testing.T, id string, lat, lng float64) {
	t.Helper()
	ctx := context.Background()
	f.reg.SetAvailable(ctx, id)
	f.reg.UpdateLocation(ctx, id, models.Coord{Lat: lat, Lng: lng}, time.Now())
}

func (f *fixture) request(t *testing.T) *models.Ride {
	t.Helper()
	pickup := riderAt
	dropoff := models.Coord{Lat: 37.8044, Lng: -122.2712}
	r, err := f.rides.Create(context.Background(), models.RideRequest{
		RiderID: "rider-1", Pickup: &pickup, Dropoff: &dropoff, RideType: models.RideStandard,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		// stops any pending timers
		_, _ = f.rides.Transition(context.Background(), lifecycle.Change{RideID: r.ID, To: models.StatusCancelled, Actor: models.SystemActor})
	})
	return r
}

func (f *fixture) status(t *testing.T, rideID string) models.RideStatus {
	t.Helper()
	r, err := f.rides.Get(context.Background(), rideID)
	require.NoError(t, err)
	return r.Status
}

func slowConfig() Config {
	return Config{RadiusKm: 5, TopK: 3, OfferTimeout: time.Minute, MaxRounds: 3, RetryDelay: time.Minute}
}

func ids(cands []models.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DriverID
	}
	return out
}

func TestDispatchRanksNearestAndOneAcceptWins(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "far", 37.7760, -122.4200)
	f.online(t, "near", 37.7750, -122.4195)
	ride := f.request(t)

	cands, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(cands))
	assert.True(t, f.rec.has(events.DriverRoom("near"), events.RideIncoming))
	assert.True(t, f.rec.has(events.DriverRoom("far"), events.RideIncoming))

	type result struct {
		driver string
		err    error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, d := range []string{"near", "far"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, err := f.engine.AcceptOffer(context.Background(), ride.ID, d)
			results <- result{d, err}
		}(d)
	}
	wg.Wait()
	close(results)

	var winner, loser string
	for r := range results {
		if r.err == nil {
			require.Empty(t, winner, "two accepts succeeded")
			winner = r.driver
			continue
		}
		assert.ErrorIs(t, r.err, apperr.ErrRideNoLongerAvailable)
		loser = r.driver
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	got, err := f.rides.Get(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, winner, got.DriverID)
	assert.True(t, f.rec.has(events.DriverRoom(loser), events.RideUnavailable))
	assert.False(t, f.rec.has(events.DriverRoom(winner), events.RideUnavailable))
	assert.True(t, f.rec.has(events.RiderRoom("rider-1"), events.RideAccepted))
}

func TestDispatchWithoutDriversLeavesRideRequested(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	assert.ErrorIs(t, err, apperr.ErrNoDriversAvailable)
	assert.Equal(t, models.StatusRequested, f.status(t, ride.ID))

	notices := f.rec.find(events.RiderRoom("rider-1"), events.RideNoDrivers)
	require.Len(t, notices, 1)
	assert.Equal(t, NoDrivers{RideID: ride.ID, Round: 1, Retrying: true}, notices[0])
}

func TestExpiredRoundsEndInTimeout(t *testing.T) {
	cfg := Config{RadiusKm: 5, TopK: 3, OfferTimeout: 30 * time.Millisecond, MaxRounds: 2, RetryDelay: 10 * time.Millisecond}
	f := newFixture(t, cfg, nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.rec.has(events.RiderRoom("rider-1"), events.RideTimeout)
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := f.rides.Get(context.Background(), ride.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, DispatchTimeoutReason, got.CancellationReason)
	assert.Equal(t, models.RoleSystem, got.CancelledBy.Role)

	withdrawn := f.rec.find(events.DriverRoom("d1"), events.RideUnavailable)
	require.NotEmpty(t, withdrawn)
	assert.Equal(t, Withdrawal{RideID: ride.ID, Reason: "expired"}, withdrawn[0])
	assert.True(t, f.rec.has(events.RiderRoom("rider-1"), events.RideNoDrivers))

	p, _ := f.reg.Get("d1")
	assert.True(t, p.Available)
}

func TestExpiredCandidateCannotAccept(t *testing.T) {
	cfg := Config{RadiusKm: 5, TopK: 3, OfferTimeout: 20 * time.Millisecond, MaxRounds: 3, RetryDelay: time.Minute}
	f := newFixture(t, cfg, nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.rec.has(events.DriverRoom("d1"), events.RideUnavailable)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Withdrawal{RideID: ride.ID, Reason: "expired"}, f.rec.find(events.DriverRoom("d1"), events.RideUnavailable)[0])

	_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)

	// round two found nobody; the ride stays open to drivers never offered it
	require.Eventually(t, func() bool {
		return f.rec.has(events.RiderRoom("rider-1"), events.RideNoDrivers)
	}, 2*time.Second, 5*time.Millisecond)
	_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)

	f.online(t, "d2", 37.7760, -122.4200)
	accepted, err := f.engine.AcceptOffer(context.Background(), ride.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, "d2", accepted.DriverID)
}

func TestAcceptRacingExpiryHasOneOutcome(t *testing.T) {
	cfg := Config{RadiusKm: 5, TopK: 3, OfferTimeout: 5 * time.Millisecond, MaxRounds: 3, RetryDelay: time.Minute}
	for i := 0; i < 20; i++ {
		f := newFixture(t, cfg, nil)
		f.online(t, "d1", 37.7750, -122.4195)
		ride := f.request(t)

		_, err := f.engine.Dispatch(context.Background(), ride.ID)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d1")

		// wait for the timer to have run either way
		time.Sleep(20 * time.Millisecond)
		told := f.rec.has(events.DriverRoom("d1"), events.RideUnavailable)
		if err == nil {
			assert.False(t, told, "accepted driver was told the offer expired")
			assert.Equal(t, models.StatusAccepted, f.status(t, ride.ID))
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)
		assert.True(t, told)
		assert.Equal(t, models.StatusRequested, f.status(t, ride.ID))
	}
}

func TestWinnerLeavesOtherOffers(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	first := f.request(t)
	second := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), first.ID)
	require.NoError(t, err)
	_, err = f.engine.Dispatch(context.Background(), second.ID)
	require.NoError(t, err)

	_, err = f.engine.AcceptOffer(context.Background(), first.ID, "d1")
	require.NoError(t, err)

	withdrawn := f.rec.find(events.DriverRoom("d1"), events.RideUnavailable)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, Withdrawal{RideID: second.ID, Reason: "assigned"}, withdrawn[0])

	_, err = f.engine.AcceptOffer(context.Background(), second.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)

	// the offer on the second ride closed early instead of waiting out its timer
	require.Eventually(t, func() bool {
		return f.rec.has(events.RiderRoom("rider-1"), events.RideNoDrivers)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusRequested, f.status(t, second.ID))
}

func TestDeclineClosesOfferEarly(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.Decline(context.Background(), ride.ID, "d1"))
	assert.ErrorIs(t, f.engine.Decline(context.Background(), ride.ID, "d1"), apperr.ErrRideNoLongerAvailable)

	require.Eventually(t, func() bool {
		return f.rec.has(events.RiderRoom("rider-1"), events.RideNoDrivers)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusRequested, f.status(t, ride.ID))
}

func TestOfflineDriverLosesCandidacy(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	f.online(t, "d2", 37.7760, -122.4200)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)

	_, err = f.reg.SetUnavailable(context.Background(), "d1")
	require.NoError(t, err)

	_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)

	got, err := f.engine.AcceptOffer(context.Background(), ride.ID, "d2")
	require.NoError(t, err)
	assert.Equal(t, "d2", got.DriverID)
}

func TestLiveOfferRestrictsAcceptToCandidates(t *testing.T) {
	cfg := slowConfig()
	cfg.TopK = 1
	f := newFixture(t, cfg, nil)
	f.online(t, "d1", 37.7750, -122.4195)
	f.online(t, "d2", 37.7760, -122.4200)
	ride := f.request(t)

	cands, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids(cands))

	_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d2")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, models.StatusRequested, f.status(t, ride.ID))
	p, _ := f.reg.Get("d2")
	assert.True(t, p.Available)
}

func TestCancelWithdrawsLiveOffer(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	f.online(t, "d2", 37.7760, -122.4200)
	ride := f.request(t)

	_, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)

	_, err = f.rides.Transition(context.Background(), lifecycle.Change{
		RideID: ride.ID, To: models.StatusCancelled,
		Actor: models.Actor{ID: "rider-1", Role: models.RoleRider},
	})
	require.NoError(t, err)

	for _, d := range []string{"d1", "d2"} {
		got := f.rec.find(events.DriverRoom(d), events.RideUnavailable)
		require.Len(t, got, 1, d)
		assert.Equal(t, Withdrawal{RideID: ride.ID, Reason: "cancelled"}, got[0])
	}
	f.engine.mu.Lock()
	assert.Empty(t, f.engine.attempts)
	f.engine.mu.Unlock()

	_, err = f.engine.AcceptOffer(context.Background(), ride.ID, "d1")
	assert.ErrorIs(t, err, apperr.ErrRideNoLongerAvailable)
}

func TestDispatchRejectsRideThatLeftRequested(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)
	_, err := f.engine.AcceptOffer(context.Background(), ride.ID, "d1")
	require.NoError(t, err)

	_, err = f.engine.Dispatch(context.Background(), ride.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRepeatDispatchReturnsLiveOffer(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)

	first, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	again, err := f.engine.Dispatch(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, f.rec.find(events.DriverRoom("d1"), events.RideIncoming), 1)
}

func TestCandidatesHasNoSideEffects(t *testing.T) {
	f := newFixture(t, slowConfig(), nil)
	f.online(t, "d1", 37.7750, -122.4195)
	ride := f.request(t)

	_, cands, err := f.engine.Candidates(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids(cands))
	assert.False(t, f.rec.has(events.DriverRoom("d1"), events.RideIncoming))

	_, _, err = f.engine.Candidates(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrRideNotFound))
}

type fixedETA map[string]int

func (f fixedETA) EstimateMinutes(_ context.Context, from, _ models.Coord) (int, error) {
	for id, mins := range f {
		if id == from.String() {
			return mins, nil
		}
	}
	return 99, nil
}

func TestFastestPickupUsesEstimator(t *testing.T) {
	reg := registry.New(nil, nil)
	rec := &recorder{}
	rides := lifecycle.New(storage.NewMemoryStore(), reg, rec, nil)
	near := models.Coord{Lat: 37.7750, Lng: -122.4195}
	far := models.Coord{Lat: 37.7760, Lng: -122.4200}
	est := fixedETA{near.String(): 9, far.String(): 2}
	engine := New(slowConfig(), reg, rides, rec, FastestPickup{}, est, nil)

	ctx := context.Background()
	for id, c := range map[string]models.Coord{"near": near, "far": far} {
		reg.SetAvailable(ctx, id)
		reg.UpdateLocation(ctx, id, c, time.Now())
	}
	pickup, dropoff := riderAt, riderAt
	ride, err := rides.Create(ctx, models.RideRequest{RiderID: "rider-1", Pickup: &pickup, Dropoff: &dropoff, RideType: models.RideStandard})
	require.NoError(t, err)

	_, cands, err := engine.Candidates(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"far", "near"}, ids(cands))
	assert.Equal(t, 2, cands[0].ETAMinutes)
}

func TestRankers(t *testing.T) {
	cands := []models.Candidate{
		{DriverID: "b", DistanceKm: 1, ETAMinutes: 4},
		{DriverID: "a", DistanceKm: 1, ETAMinutes: 4},
		{DriverID: "c", DistanceKm: 3, ETAMinutes: 1},
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(NearestFirst{}.Rank(nil, append([]models.Candidate(nil), cands...))))
	assert.Equal(t, []string{"c", "a", "b"}, ids(FastestPickup{}.Rank(nil, append([]models.Candidate(nil), cands...))))

	r, err := RankerByName("eta")
	require.NoError(t, err)
	assert.IsType(t, FastestPickup{}, r)
	_, err = RankerByName("random")
	assert.Error(t, err)
}
