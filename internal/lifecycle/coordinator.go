// Package lifecycle owns every ride mutation. Each change runs inside a
// critical section keyed by ride id, so the guard that checks a ride's
// current state and the write that moves it are atomic together.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DriverPool is the slice of the driver registry the coordinator needs.
type DriverPool interface {
	Assign(driverID, rideID string) error
	Release(driverID, rideID string)
	Get(driverID string) (models.DriverPresence, bool)
}

// Observer sees every applied transition. It runs while the ride is still
// locked and must not call back into the coordinator for the same ride.
type Observer interface {
	OnTransition(ctx context.Context, prev, next *models.Ride)
}

type ObserverFunc func(ctx context.Context, prev, next *models.Ride)

func (f ObserverFunc) OnTransition(ctx context.Context, prev, next *models.Ride) { f(ctx, prev, next) }

// Change asks for one state machine edge.
type Change struct {
	RideID     string
	To         models.RideStatus
	Actor      models.Actor
	Reason     string
	Location   *models.Coord
	ActualFare *float64
	// Guard runs inside the critical section after the edge and the actor
	// have been checked. A non-nil error aborts the change.
	Guard func(r *models.Ride) error
}

// StatusUpdate is the rideStatusUpdated payload.
type StatusUpdate struct {
	RideID         string            `json:"rideId"`
	PreviousStatus models.RideStatus `json:"previousStatus"`
	Status         models.RideStatus `json:"status"`
	Ride           *models.Ride      `json:"ride"`
}

// Cancellation is pushed to a driver whose ride was pulled after accept.
type Cancellation struct {
	RideID      string        `json:"rideId"`
	Reason      string        `json:"reason,omitempty"`
	CancelledBy *models.Actor `json:"cancelledBy,omitempty"`
}

// Coordinator is the only writer of ride state. Every change to a ride
// runs under that ride's lock, and observers see it before the lock drops.
type Coordinator struct {
	Fares FareTable

	store   storage.RideStore
	drivers DriverPool
	pub     events.Publisher
	logger  *slog.Logger
	locks   *keyedMutex
	now     func() time.Time
	newID   func() string

	obsMu     sync.RWMutex
	observers []Observer
}

// New returns a coordinator over store. drivers is assigned and released
// as rides are accepted and finished. logger may be nil.
func New(store storage.RideStore, drivers DriverPool, pub events.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Fares:   DefaultFares,
		store:   store,
		drivers: drivers,
		pub:     pub,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (c *Coordinator) Observe(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// Create stores a new ride in requested and announces it to the dashboard
// feed. Dispatch is left to the caller.
func (c *Coordinator) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.RiderID == "" || req.Pickup == nil || req.Dropoff == nil {
		return nil, apperr.Validation(map[string][]string{"ride": {"riderId, pickup and dropoff are required"}})
	}
	if req.RideType == "" {
		req.RideType = models.RideStandard
	}
	now := c.now()
	r := &models.Ride{
		ID:            c.newID(),
		RiderID:       req.RiderID,
		Pickup:        *req.Pickup,
		Dropoff:       *req.Dropoff,
		RideType:      req.RideType,
		EstimatedFare: req.EstimatedFare,
		Notes:         req.Notes,
		Status:        models.StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	c.logger.Info("ride requested",
		"ride_id", r.ID,
		"rider_id", r.RiderID,
		"ride_type", r.RideType,
	)
	c.pub.BroadcastAll(events.RideNewRequest, r)
	c.pub.Emit(events.SinkEvent{Type: "ride.requested", Key: r.ID, Payload: r, At: now})
	return r.Clone(), nil
}

func (c *Coordinator) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return c.store.Get(ctx, rideID)
}

func (c *Coordinator) Active(ctx context.Context) ([]*models.Ride, error) {
	return c.store.ListActive(ctx)
}

func (c *Coordinator) History(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error) {
	return c.store.ListByUser(ctx, userID, role)
}

// WithRide runs fn against the current ride while holding its lock. fn
// must treat the ride as read only.
func (c *Coordinator) WithRide(ctx context.Context, rideID string, fn func(r *models.Ride) error) error {
	unlock := c.locks.Lock(rideID)
	defer unlock()
	r, err := c.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	return fn(r)
}

// Transition applies ch atomically or returns an error with the ride
// untouched.
func (c *Coordinator) Transition(ctx context.Context, ch Change) (*models.Ride, error) {
	unlock := c.locks.Lock(ch.RideID)
	defer unlock()

	prev, err := c.store.Get(ctx, ch.RideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(prev.Status, ch.To) {
		if ch.To == models.StatusAccepted {
			observability.TransitionsRejected.WithLabelValues("no_longer_available").Inc()
			return nil, apperr.New(apperr.ErrRideNoLongerAvailable, "ride %s is %s", prev.ID, prev.Status)
		}
		observability.TransitionsRejected.WithLabelValues("illegal_edge").Inc()
		return nil, apperr.New(apperr.ErrInvalidTransition, "%s -> %s", prev.Status, ch.To)
	}
	if err := authorize(prev, ch); err != nil {
		observability.TransitionsRejected.WithLabelValues("forbidden").Inc()
		return nil, err
	}
	if ch.Guard != nil {
		if err := ch.Guard(prev); err != nil {
			observability.TransitionsRejected.WithLabelValues("guard").Inc()
			return nil, err
		}
	}

	next := prev.Clone()
	now := c.now()
	next.Status = ch.To
	next.UpdatedAt = now
	switch ch.To {
	case models.StatusAccepted:
		if err := c.drivers.Assign(ch.Actor.ID, prev.ID); err != nil {
			observability.TransitionsRejected.WithLabelValues("driver_unavailable").Inc()
			return nil, err
		}
		next.DriverID = ch.Actor.ID
		next.AcceptedAt = &now
	case models.StatusStarted:
		next.StartedAt = &now
	case models.StatusInProgress:
		next.InProgressAt = &now
		next.StartLocation = c.locationSnapshot(prev.DriverID, ch.Location)
	case models.StatusCompleted:
		next.CompletedAt = &now
		fare := resolveFare(prev, ch.ActualFare, c.Fares)
		next.ActualFare = &fare
	case models.StatusCancelled:
		next.CancelledAt = &now
		next.CancellationReason = ch.Reason
		by := ch.Actor
		next.CancelledBy = &by
	}

	if err := c.store.Update(ctx, next); err != nil {
		if ch.To == models.StatusAccepted {
			c.drivers.Release(ch.Actor.ID, prev.ID)
		}
		return nil, err
	}
	if ch.To.Terminal() && prev.DriverID != "" {
		c.drivers.Release(prev.DriverID, prev.ID)
	}

	observability.Transitions.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
	if ch.To == models.StatusAccepted {
		observability.MatchLatency.Observe(now.Sub(prev.CreatedAt).Seconds())
	}
	c.logger.Info("ride transition",
		"ride_id", next.ID,
		"from", prev.Status,
		"to", next.Status,
		"driver_id", next.DriverID,
		"actor_id", ch.Actor.ID,
		"actor_role", ch.Actor.Role,
	)

	c.notify(ctx, prev, next)
	c.announce(prev, next)
	return next.Clone(), nil
}

// Rate records a post-trip rating. by names who gives it: the rider rates
// the trip into RiderRating, the driver into DriverRating.
func (c *Coordinator) Rate(ctx context.Context, rideID string, by models.Actor, rating int) (*models.Ride, error) {
	if rating < 1 || rating > 5 {
		return nil, apperr.Validation(map[string][]string{"rating": {"must be between 1 and 5"}})
	}
	unlock := c.locks.Lock(rideID)
	defer unlock()

	r, err := c.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusCompleted {
		return nil, apperr.New(apperr.ErrInvalidTransition, "ride %s is %s, only completed rides can be rated", r.ID, r.Status)
	}
	next := r.Clone()
	switch {
	case by.Role == models.RoleRider && by.ID == r.RiderID:
		if r.RiderRating != nil {
			return nil, apperr.New(apperr.ErrAlreadyRated, "rider already rated ride %s", r.ID)
		}
		next.RiderRating = &rating
	case by.Role == models.RoleDriver && by.ID == r.DriverID:
		if r.DriverRating != nil {
			return nil, apperr.New(apperr.ErrAlreadyRated, "driver already rated ride %s", r.ID)
		}
		next.DriverRating = &rating
	default:
		return nil, apperr.New(apperr.ErrForbidden, "%s %s is not a party to ride %s", by.Role, by.ID, r.ID)
	}
	next.UpdatedAt = c.now()
	if err := c.store.Update(ctx, next); err != nil {
		return nil, err
	}
	c.pub.Emit(events.SinkEvent{Type: "ride.rated", Key: next.ID, Payload: next, At: next.UpdatedAt})
	return next.Clone(), nil
}

func authorize(r *models.Ride, ch Change) error {
	a := ch.Actor
	switch ch.To {
	case models.StatusAccepted:
		if a.Role != models.RoleDriver || a.ID == "" {
			return apperr.New(apperr.ErrForbidden, "only a driver can accept a ride")
		}
	case models.StatusStarted, models.StatusInProgress, models.StatusCompleted:
		if a.Role != models.RoleDriver || a.ID != r.DriverID {
			return apperr.New(apperr.ErrForbidden, "ride %s is assigned to another driver", r.ID)
		}
	case models.StatusCancelled:
		switch a.Role {
		case models.RoleSystem, models.RoleAdmin:
			return nil
		case models.RoleRider:
			if a.ID == r.RiderID {
				return nil
			}
		case models.RoleDriver:
			if r.DriverID != "" && a.ID == r.DriverID {
				return nil
			}
		}
		return apperr.New(apperr.ErrForbidden, "%s %s cannot cancel ride %s", a.Role, a.ID, r.ID)
	}
	return nil
}

func (c *Coordinator) locationSnapshot(driverID string, given *models.Coord) *models.Coord {
	if given != nil {
		loc := *given
		return &loc
	}
	if p, ok := c.drivers.Get(driverID); ok && p.Loc != nil {
		loc := *p.Loc
		return &loc
	}
	return nil
}

func (c *Coordinator) notify(ctx context.Context, prev, next *models.Ride) {
	c.obsMu.RLock()
	obs := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range obs {
		o.OnTransition(ctx, prev, next)
	}
}

// announce pushes the transition to the parties' rooms. It runs under the
// ride lock so a room sees one ride's events in transition order.
func (c *Coordinator) announce(prev, next *models.Ride) {
	update := StatusUpdate{RideID: next.ID, PreviousStatus: prev.Status, Status: next.Status, Ride: next}
	rider := events.RiderRoom(next.RiderID)
	c.pub.Publish(rider, events.RideStatusUpdated, update)
	if next.DriverID != "" {
		c.pub.Publish(events.DriverRoom(next.DriverID), events.RideStatusUpdated, update)
	}
	c.pub.Publish(events.AdminRoom, events.RideStatusUpdated, update)

	switch next.Status {
	case models.StatusAccepted:
		c.pub.Publish(rider, events.RideAccepted, next)
		c.pub.Publish(events.DriverRoom(next.DriverID), events.RideAccepted, next)
	case models.StatusCompleted:
		c.pub.Publish(rider, events.RideCompleted, next)
		c.pub.Publish(events.DriverRoom(next.DriverID), events.RideCompleted, next)
	case models.StatusCancelled:
		if prev.DriverID != "" && next.CancelledBy.ID != prev.DriverID {
			c.pub.Publish(events.DriverRoom(prev.DriverID), events.RideCancelledAfterAccept, Cancellation{
				RideID:      next.ID,
				Reason:      next.CancellationReason,
				CancelledBy: next.CancelledBy,
			})
		}
	}
	c.pub.Emit(events.SinkEvent{Type: "ride." + string(next.Status), Key: next.ID, Payload: next, At: next.UpdatedAt})
}
