package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

const dispatchTimeout = 10 * time.Second

// statusChange is the transport-neutral form of a status update.
type statusChange struct {
	To         models.RideStatus
	Location   *models.Coord
	ActualFare *float64
	Reason     string
}

type locationFix struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lng       *float64 `json:"lng" validate:"required,longitude"`
	Timestamp flexTime `json:"timestamp"`
}

// LocationUpdate is the driverLocationUpdate payload.
type LocationUpdate struct {
	DriverID  string       `json:"driverId"`
	RideID    string       `json:"rideId,omitempty"`
	Location  models.Coord `json:"location"`
	Timestamp time.Time    `json:"timestamp"`
}

// requestRide stores the ride and starts dispatch in the background; the
// caller gets the ride id without waiting for the first offer round.
func (s *Server) requestRide(ctx context.Context, actor models.Actor, req models.RideRequest) (*models.Ride, error) {
	switch actor.Role {
	case models.RoleRider:
		req.RiderID = actor.ID
	case models.RoleAdmin, models.RoleSystem:
	default:
		return nil, apperr.New(apperr.ErrForbidden, "only riders request rides")
	}
	if err := s.check(&req); err != nil {
		return nil, err
	}
	ride, err := s.rides.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	go s.dispatch(context.WithoutCancel(ctx), ride.ID)
	return ride, nil
}

func (s *Server) dispatch(ctx context.Context, rideID string) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if _, err := s.engine.Dispatch(ctx, rideID); err != nil && !errors.Is(err, apperr.ErrNoDriversAvailable) {
		s.logger.Warn("dispatch failed", "ride_id", rideID, "error", err)
	}
}

func (s *Server) acceptRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleDriver {
		return nil, apperr.New(apperr.ErrForbidden, "only drivers accept rides")
	}
	return s.engine.AcceptOffer(ctx, rideID, actor.ID)
}

func (s *Server) declineRide(ctx context.Context, actor models.Actor, rideID string) error {
	if actor.Role != models.RoleDriver {
		return apperr.New(apperr.ErrForbidden, "only drivers decline rides")
	}
	return s.engine.Decline(ctx, rideID, actor.ID)
}

func (s *Server) changeStatus(ctx context.Context, actor models.Actor, rideID string, sc statusChange) (*models.Ride, error) {
	if sc.To == models.StatusAccepted {
		return s.acceptRide(ctx, actor, rideID)
	}
	return s.rides.Transition(ctx, lifecycle.Change{
		RideID:     rideID,
		To:         sc.To,
		Actor:      actor,
		Reason:     sc.Reason,
		Location:   sc.Location,
		ActualFare: sc.ActualFare,
	})
}

// updateLocation applies a fix and, when it was not stale, fans it out to
// the admin feed and the rider of the driver's current ride.
func (s *Server) updateLocation(ctx context.Context, actor models.Actor, driverID string, fix locationFix) (models.DriverPresence, bool, error) {
	if err := s.driverOnly(actor, driverID); err != nil {
		return models.DriverPresence{}, false, err
	}
	if err := s.check(&fix); err != nil {
		return models.DriverPresence{}, false, err
	}
	c := models.Coord{Lat: *fix.Lat, Lng: *fix.Lng}
	p, applied := s.drivers.UpdateLocation(ctx, driverID, c, fix.Timestamp.Time)
	if !applied {
		return p, false, nil
	}

	upd := LocationUpdate{DriverID: driverID, RideID: p.CurrentRideID, Location: c, Timestamp: p.LocUpdated}
	s.hub.Publish(events.AdminRoom, events.DriverLocationUpdate, upd)
	if p.CurrentRideID != "" {
		if ride, err := s.rides.Get(ctx, p.CurrentRideID); err == nil {
			s.hub.Publish(events.RiderRoom(ride.RiderID), events.DriverLocationUpdate, upd)
		}
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, p); err != nil {
			s.logger.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	return p, true, nil
}

func (s *Server) setAvailability(ctx context.Context, actor models.Actor, driverID string, available bool) (models.DriverPresence, error) {
	if err := s.driverOnly(actor, driverID); err != nil {
		return models.DriverPresence{}, err
	}
	var (
		p   models.DriverPresence
		err error
	)
	if available {
		p = s.drivers.SetAvailable(ctx, driverID)
	} else if p, err = s.drivers.SetUnavailable(ctx, driverID); err != nil {
		return p, err
	}
	s.hub.Publish(events.AdminRoom, events.DriverAvailabilityUpdate, p)
	s.logger.Info("driver availability changed", "driver_id", driverID, "online", p.Online, "available", p.Available)
	return p, nil
}

// driverOnly lets a driver act on their own presence; admins may act on
// anyone's.
func (s *Server) driverOnly(actor models.Actor, driverID string) error {
	switch {
	case actor.Role == models.RoleAdmin || actor.Role == models.RoleSystem:
		return nil
	case actor.Role == models.RoleDriver && actor.ID == driverID:
		return nil
	}
	return apperr.New(apperr.ErrForbidden, "%s %s cannot act for driver %s", actor.Role, actor.ID, driverID)
}
