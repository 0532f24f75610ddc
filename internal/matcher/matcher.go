// Package matcher runs the offer protocol for requested rides: it picks
// the top ranked nearby drivers, pushes them an offer with a deadline and
// lets the first accept win. Expired or empty rounds are retried a bounded
// number of times before the ride is cancelled as timed out.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DispatchTimeoutReason is recorded on rides cancelled after the last round.
const DispatchTimeoutReason = "dispatch_timeout"

type Config struct {
	RadiusKm     float64
	TopK         int
	OfferTimeout time.Duration
	MaxRounds    int
	RetryDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:     5,
		TopK:         3,
		OfferTimeout: 20 * time.Second,
		MaxRounds:    3,
		RetryDelay:   5 * time.Second,
	}
}

// Drivers is the registry surface used for candidate search.
type Drivers interface {
	FindNearby(ctx context.Context, c models.Coord, radiusKm float64, exclude []string) []models.Candidate
	OnUnavailable(fn func(driverID string))
}

type candidacy string

const (
	pending  candidacy = "pending"
	declined candidacy = "declined"
	expired  candidacy = "expired"
	assigned candidacy = "assigned"
)

type offer struct {
	round     int
	order     []models.Candidate
	status    map[string]candidacy
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
}

func (o *offer) pendingCount() int {
	n := 0
	for _, s := range o.status {
		if s == pending {
			n++
		}
	}
	return n
}

func (o *offer) candidates() []models.Candidate {
	return append([]models.Candidate(nil), o.order...)
}

// attempt is the dispatch bookkeeping for one requested ride.
type attempt struct {
	rounds int
	tried  map[string]struct{}
	// closed keeps every candidacy that ended without an accept, across
	// rounds, so a driver told the offer is gone cannot take the ride later.
	closed map[string]candidacy
	offer  *offer
	retry  *time.Timer
}

func (a *attempt) stop() {
	if a.offer != nil && a.offer.timer != nil {
		a.offer.timer.Stop()
	}
	if a.retry != nil {
		a.retry.Stop()
	}
}

// Withdrawal tells a solicited driver an offer is gone.
type Withdrawal struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason"`
}

// NoDrivers is pushed to the rider when a round finds no candidate.
type NoDrivers struct {
	RideID   string `json:"rideId"`
	Round    int    `json:"round"`
	Retrying bool   `json:"retrying"`
}

// Engine owns the dispatch attempts of every requested ride. It observes
// the coordinator to tear an attempt down once its ride leaves requested,
// and the registry to drop drivers that go offline.
type Engine struct {
	cfg     Config
	drivers Drivers
	rides   *lifecycle.Coordinator
	pub     events.Publisher
	ranker  Ranker
	eta     eta.Estimator
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt
}

// New wires the engine into the coordinator and the registry. ranker and
// estimator may be nil.
func New(cfg Config, drivers Drivers, rides *lifecycle.Coordinator, pub events.Publisher, ranker Ranker, estimator eta.Estimator, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if ranker == nil {
		ranker = NearestFirst{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Engine{
		cfg:      cfg,
		drivers:  drivers,
		rides:    rides,
		pub:      pub,
		ranker:   ranker,
		eta:      estimator,
		logger:   logger,
		now:      time.Now,
		attempts: make(map[string]*attempt),
	}
	rides.Observe(m)
	drivers.OnUnavailable(m.driverGone)
	return m
}

// Candidates returns the current ranking for a ride without offering it.
func (m *Engine) Candidates(ctx context.Context, rideID string) (*models.Ride, []models.Candidate, error) {
	ride, err := m.rides.Get(ctx, rideID)
	if err != nil {
		return nil, nil, err
	}
	return ride, m.rank(ctx, ride, nil), nil
}

// Dispatch runs one offer round for a requested ride. It returns the
// drivers solicited, or NoDriversAvailable when nobody is in range; in that
// case the ride stays requested and another round is scheduled.
func (m *Engine) Dispatch(ctx context.Context, rideID string) ([]models.Candidate, error) {
	ride, err := m.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusRequested {
		return nil, apperr.New(apperr.ErrInvalidTransition, "ride %s is %s, not requested", ride.ID, ride.Status)
	}

	m.mu.Lock()
	a := m.attempt(rideID)
	if a.offer != nil {
		live := a.offer.candidates()
		m.mu.Unlock()
		return live, nil
	}
	exhausted := a.rounds >= m.cfg.MaxRounds
	exclude := make([]string, 0, len(a.tried))
	for id := range a.tried {
		exclude = append(exclude, id)
	}
	m.mu.Unlock()

	if exhausted {
		m.timeout(ctx, rideID)
		return nil, apperr.New(apperr.ErrNoDriversAvailable, "dispatch for ride %s exhausted %d rounds", rideID, m.cfg.MaxRounds)
	}

	cands := m.rank(ctx, ride, exclude)
	var out []models.Candidate
	err = m.rides.WithRide(ctx, rideID, func(r *models.Ride) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if r.Status != models.StatusRequested {
			if a, ok := m.attempts[rideID]; ok {
				a.stop()
				delete(m.attempts, rideID)
			}
			return apperr.New(apperr.ErrRideNoLongerAvailable, "ride %s is %s", r.ID, r.Status)
		}
		a := m.attempt(rideID)
		if a.offer != nil {
			out = a.offer.candidates()
			return nil
		}
		if a.retry != nil {
			a.retry.Stop()
			a.retry = nil
		}
		a.rounds++
		observability.DispatchRounds.Inc()

		if len(cands) == 0 {
			observability.NoDriverRounds.Inc()
			m.pub.Publish(events.RiderRoom(r.RiderID), events.RideNoDrivers, NoDrivers{
				RideID:   r.ID,
				Round:    a.rounds,
				Retrying: a.rounds < m.cfg.MaxRounds,
			})
			m.logger.Info("no drivers for ride", "ride_id", r.ID, "round", a.rounds, "radius_km", m.cfg.RadiusKm)
			m.scheduleLocked(a, rideID, m.cfg.RetryDelay)
			return apperr.New(apperr.ErrNoDriversAvailable, "no drivers within %.1f km of ride %s", m.cfg.RadiusKm, r.ID)
		}

		now := m.now()
		o := &offer{
			round:     a.rounds,
			order:     cands,
			status:    make(map[string]candidacy, len(cands)),
			createdAt: now,
			expiresAt: now.Add(m.cfg.OfferTimeout),
		}
		for _, c := range cands {
			o.status[c.DriverID] = pending
			a.tried[c.DriverID] = struct{}{}
			m.pub.Publish(events.DriverRoom(c.DriverID), events.RideIncoming, models.Offer{
				RideID:     r.ID,
				Round:      o.round,
				Pickup:     r.Pickup,
				Dropoff:    r.Dropoff,
				RideType:   r.RideType,
				Fare:       r.EstimatedFare,
				DistanceKm: c.DistanceKm,
				ETAMinutes: c.ETAMinutes,
				ExpiresAt:  o.expiresAt,
			})
			observability.OffersSent.Inc()
		}
		round := o.round
		o.timer = time.AfterFunc(m.cfg.OfferTimeout, func() { m.expire(rideID, round) })
		a.offer = o
		out = o.candidates()
		m.logger.Info("ride offered",
			"ride_id", r.ID,
			"round", o.round,
			"candidates", len(cands),
			"expires_at", o.expiresAt,
		)
		return nil
	})
	return out, err
}

// AcceptOffer moves the ride to accepted for driverID. While an offer is
// live only its pending candidates may accept, and a driver whose candidacy
// expired or was declined in any round is refused. The winner's pending
// candidacies on other rides are withdrawn.
func (m *Engine) AcceptOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := m.rides.Transition(ctx, lifecycle.Change{
		RideID: rideID,
		To:     models.StatusAccepted,
		Actor:  models.Actor{ID: driverID, Role: models.RoleDriver},
		Guard:  func(r *models.Ride) error { return m.eligible(r.ID, driverID) },
	})
	if err != nil {
		observability.AcceptRaces.WithLabelValues("lost").Inc()
		m.logger.Info("accept rejected", "ride_id", rideID, "driver_id", driverID, "error", err)
		return nil, err
	}
	observability.AcceptRaces.WithLabelValues("won").Inc()
	m.withdrawEverywhere(driverID, assigned)
	return ride, nil
}

// Decline drops driverID from the live offer. An offer left with no
// pending candidate ends early and the next round starts.
func (m *Engine) Decline(ctx context.Context, rideID, driverID string) error {
	return m.withdraw(ctx, rideID, driverID, declined)
}

// OnTransition tears down dispatch state once a ride leaves requested and
// tells every other solicited driver the ride is gone.
func (m *Engine) OnTransition(_ context.Context, prev, next *models.Ride) {
	if prev.Status != models.StatusRequested || next.Status == models.StatusRequested {
		return
	}
	m.mu.Lock()
	a, ok := m.attempts[next.ID]
	if ok {
		a.stop()
		delete(m.attempts, next.ID)
	}
	m.mu.Unlock()
	if !ok || a.offer == nil {
		return
	}

	reason := "taken"
	if next.Status == models.StatusCancelled {
		reason = "cancelled"
	}
	for _, c := range a.offer.order {
		if c.DriverID == next.DriverID || a.offer.status[c.DriverID] != pending {
			continue
		}
		m.pub.Publish(events.DriverRoom(c.DriverID), events.RideUnavailable, Withdrawal{RideID: next.ID, Reason: reason})
	}
}

func (m *Engine) eligible(rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[rideID]
	if !ok {
		return nil
	}
	if s, done := a.closed[driverID]; done {
		return apperr.New(apperr.ErrRideNoLongerAvailable, "offer for ride %s is %s for driver %s", rideID, s, driverID)
	}
	if a.offer == nil {
		return nil
	}
	switch s, solicited := a.offer.status[driverID]; {
	case !solicited:
		return apperr.New(apperr.ErrForbidden, "ride %s was not offered to driver %s", rideID, driverID)
	case s != pending:
		return apperr.New(apperr.ErrRideNoLongerAvailable, "offer for ride %s is %s for driver %s", rideID, s, driverID)
	}
	return nil
}

func (m *Engine) withdraw(ctx context.Context, rideID, driverID string, as candidacy) error {
	exhausted := false
	err := m.rides.WithRide(ctx, rideID, func(r *models.Ride) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		a, ok := m.attempts[rideID]
		if !ok || a.offer == nil || a.offer.status[driverID] != pending {
			return apperr.New(apperr.ErrRideNoLongerAvailable, "no live offer of ride %s for driver %s", rideID, driverID)
		}
		a.offer.status[driverID] = as
		a.closed[driverID] = as
		if as == assigned {
			m.pub.Publish(events.DriverRoom(driverID), events.RideUnavailable, Withdrawal{RideID: rideID, Reason: string(assigned)})
		}
		if a.offer.pendingCount() == 0 {
			a.offer.timer.Stop()
			a.offer = nil
			exhausted = true
			m.scheduleLocked(a, rideID, 0)
		}
		return nil
	})
	if err == nil {
		m.logger.Info("offer withdrawn", "ride_id", rideID, "driver_id", driverID, "as", as, "offer_closed", exhausted)
	}
	return err
}

// driverGone runs when a driver goes offline; its pending candidacies
// count as declines.
func (m *Engine) driverGone(driverID string) {
	m.withdrawEverywhere(driverID, declined)
}

// withdrawEverywhere closes every pending candidacy of driverID. It must
// not be called with a ride lock held.
func (m *Engine) withdrawEverywhere(driverID string, as candidacy) {
	m.mu.Lock()
	var rides []string
	for id, a := range m.attempts {
		if a.offer != nil && a.offer.status[driverID] == pending {
			rides = append(rides, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(rides)
	for _, id := range rides {
		if err := m.withdraw(context.Background(), id, driverID, as); err != nil {
			m.logger.Debug("driver had no live offer", "ride_id", id, "driver_id", driverID, "as", as, "error", err)
		}
	}
}

func (m *Engine) expire(rideID string, round int) {
	ctx := context.Background()
	_ = m.rides.WithRide(ctx, rideID, func(r *models.Ride) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		a, ok := m.attempts[rideID]
		if !ok || a.offer == nil || a.offer.round != round {
			return nil
		}
		for _, c := range a.offer.order {
			if a.offer.status[c.DriverID] != pending {
				continue
			}
			a.offer.status[c.DriverID] = expired
			a.closed[c.DriverID] = expired
			m.pub.Publish(events.DriverRoom(c.DriverID), events.RideUnavailable, Withdrawal{RideID: rideID, Reason: "expired"})
		}
		observability.OffersExpired.Inc()
		m.logger.Info("offer expired", "ride_id", rideID, "round", round)
		a.offer = nil
		m.scheduleLocked(a, rideID, 0)
		return nil
	})
}

// timeout cancels a ride that ran out of dispatch rounds.
func (m *Engine) timeout(ctx context.Context, rideID string) {
	ride, err := m.rides.Transition(ctx, lifecycle.Change{
		RideID: rideID,
		To:     models.StatusCancelled,
		Actor:  models.SystemActor,
		Reason: DispatchTimeoutReason,
	})
	if err != nil {
		m.logger.Debug("dispatch timeout skipped", "ride_id", rideID, "error", err)
		m.forget(rideID)
		return
	}
	observability.DispatchTimeouts.Inc()
	m.logger.Warn("dispatch timed out", "ride_id", rideID, "rounds", m.cfg.MaxRounds)
	m.pub.Publish(events.RiderRoom(ride.RiderID), events.RideTimeout, Withdrawal{RideID: rideID, Reason: DispatchTimeoutReason})
}

// scheduleLocked queues the next round. m.mu must be held.
func (m *Engine) scheduleLocked(a *attempt, rideID string, delay time.Duration) {
	if a.retry != nil {
		a.retry.Stop()
	}
	a.retry = time.AfterFunc(delay, func() {
		if _, err := m.Dispatch(context.Background(), rideID); err != nil {
			m.logger.Debug("dispatch round ended", "ride_id", rideID, "error", err)
		}
	})
}

func (m *Engine) forget(rideID string) {
	m.mu.Lock()
	if a, ok := m.attempts[rideID]; ok {
		a.stop()
		delete(m.attempts, rideID)
	}
	m.mu.Unlock()
}

// attempt must be called with m.mu held.
func (m *Engine) attempt(rideID string) *attempt {
	a, ok := m.attempts[rideID]
	if !ok {
		a = &attempt{tried: make(map[string]struct{}), closed: make(map[string]candidacy)}
		m.attempts[rideID] = a
	}
	return a
}

func (m *Engine) rank(ctx context.Context, ride *models.Ride, exclude []string) []models.Candidate {
	cands := m.drivers.FindNearby(ctx, ride.Pickup, m.cfg.RadiusKm, exclude)
	// estimate a few more than we offer so the ranker has room to reorder
	if limit := m.cfg.TopK * 3; len(cands) > limit {
		cands = cands[:limit]
	}
	if m.eta != nil {
		for i := range cands {
			mins, err := m.eta.EstimateMinutes(ctx, cands[i].Loc, ride.Pickup)
			if err != nil {
				m.logger.Warn("eta estimate failed", "driver_id", cands[i].DriverID, "error", err)
				continue
			}
			cands[i].ETAMinutes = mins
		}
	}
	cands = m.ranker.Rank(ride, cands)
	if len(cands) > m.cfg.TopK {
		cands = cands[:m.cfg.TopK]
	}
	return cands
}
