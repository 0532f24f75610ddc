package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"latitude"`
	Lng float64 `json:"lng" yaml:"lng" validate:"longitude"`
}

func (c Coord) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusStarted    RideStatus = "started"
	StatusInProgress RideStatus = "in-progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Assigned reports whether a ride in status s must carry a driver.
func (s RideStatus) Assigned() bool {
	switch s {
	case StatusAccepted, StatusStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type RideType string

const (
	RideStandard RideType = "standard"
	RideComfort  RideType = "comfort"
	RidePremium  RideType = "premium"
	RideXL       RideType = "xl"
)

var RideTypes = []RideType{RideStandard, RideComfort, RidePremium, RideXL}

// ActorRole identifies who asked for a lifecycle change.
type ActorRole string

const (
	RoleRider  ActorRole = "rider"
	RoleDriver ActorRole = "driver"
	RoleAdmin  ActorRole = "admin"
	RoleSystem ActorRole = "system"
)

type Actor struct {
	ID   string    `json:"id"`
	Role ActorRole `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

type RideRequest struct {
	RiderID       string   `json:"riderId" validate:"required"`
	Pickup        *Coord   `json:"pickup" validate:"required"`
	Dropoff       *Coord   `json:"dropoff" validate:"required"`
	RideType      RideType `json:"rideType" validate:"omitempty,oneof=standard comfort premium xl"`
	EstimatedFare float64  `json:"estimatedFare" validate:"gte=0"`
	Notes         string   `json:"notes" validate:"max=500"`
}

type Ride struct {
	ID            string     `json:"id"`
	RiderID       string     `json:"riderId"`
	DriverID      string     `json:"driverId,omitempty"`
	Pickup        Coord      `json:"pickup"`
	Dropoff       Coord      `json:"dropoff"`
	RideType      RideType   `json:"rideType"`
	EstimatedFare float64    `json:"estimatedFare"`
	Notes         string     `json:"notes,omitempty"`
	Status        RideStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	InProgressAt *time.Time `json:"inProgressAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`

	StartLocation      *Coord   `json:"startLocation,omitempty"`
	ActualFare         *float64 `json:"actualFare,omitempty"`
	RiderRating        *int     `json:"riderRating,omitempty"`
	DriverRating       *int     `json:"driverRating,omitempty"`
	CancellationReason string   `json:"cancellationReason,omitempty"`
	CancelledBy        *Actor   `json:"cancelledBy,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.InProgressAt = cloneTime(r.InProgressAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.StartLocation != nil {
		loc := *r.StartLocation
		c.StartLocation = &loc
	}
	if r.ActualFare != nil {
		f := *r.ActualFare
		c.ActualFare = &f
	}
	if r.RiderRating != nil {
		v := *r.RiderRating
		c.RiderRating = &v
	}
	if r.DriverRating != nil {
		v := *r.DriverRating
		c.DriverRating = &v
	}
	if r.CancelledBy != nil {
		a := *r.CancelledBy
		c.CancelledBy = &a
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DriverPresence is the registry's view of one driver.
type DriverPresence struct {
	DriverID      string    `json:"driverId"`
	Loc           *Coord    `json:"location,omitempty"`
	LocUpdated    time.Time `json:"locationUpdatedAt"`
	Online        bool      `json:"online"`
	Available     bool      `json:"available"`
	CurrentRideID string    `json:"currentRideId,omitempty"`
}

// Candidate is a ranked driver returned by a proximity query.
type Candidate struct {
	DriverID   string  `json:"driverId"`
	Loc        Coord   `json:"location"`
	DistanceKm float64 `json:"distanceKm"`
	ETAMinutes int     `json:"etaMinutes"`
}

// Offer is what a solicited driver sees in a ride:incoming event.
type Offer struct {
	RideID     string    `json:"rideId"`
	Round      int       `json:"round"`
	Pickup     Coord     `json:"pickup"`
	Dropoff    Coord     `json:"dropoff"`
	RideType   RideType  `json:"rideType"`
	Fare       float64   `json:"estimatedFare"`
	DistanceKm float64   `json:"distanceKm"`
	ETAMinutes int       `json:"etaMinutes"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
