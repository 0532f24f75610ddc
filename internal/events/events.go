// Package events fans ride and driver notifications out to connected
// clients. Clients are grouped into named rooms (driver_<id>, rider_<id>,
// admin) so a reconnecting client rejoins its logical channel simply by
// subscribing again.
//
// Delivery is at most once: a room with no members, or a member whose
// buffer is full, misses the event. Within a room events arrive in
// publish order.
package events

import "time"

// Client to server messages.
const (
	RideRequest        = "ride:request"
	RideAccept         = "ride:accept"
	RideDecline        = "ride:decline"
	RideStatus         = "ride:status"
	RideComplete       = "ride:complete"
	RideCancel         = "ride:cancel"
	DriverLocation     = "driver:location"
	DriverAvailability = "driver:availability"
)

// Server to client messages.
const (
	RideIncoming             = "ride:incoming"
	RideAccepted             = "ride:accepted"
	RideNoDrivers            = "ride:noDrivers"
	RideCompleted            = "ride:completed"
	RideStatusUpdated        = "rideStatusUpdated"
	RideUnavailable          = "ride:unavailable"
	RideCancelledAfterAccept = "ride:cancelledAfterAccept"
	RideTimeout              = "ride:timeout"
	RideNewRequest           = "ride:newRequest"
	DriverLocationUpdate     = "driverLocationUpdate"
	DriverAvailabilityUpdate = "driverAvailabilityUpdate"
	Ack                      = "ride:ack"
	Error                    = "ride:error"
	Connected                = "connected"
)

const AdminRoom = "admin"

func DriverRoom(id string) string { return "driver_" + id }
func RiderRoom(id string) string  { return "rider_" + id }

// Envelope is the wire shape of every event-channel frame.
type Envelope struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the fan-out surface the dispatch core depends on.
type Publisher interface {
	Publish(room, eventType string, payload any) int
	BroadcastAll(eventType string, payload any) int
	Emit(ev SinkEvent)
}

// SinkEvent is one lifecycle fact mirrored to external consumers
// (notification service, trip history). Key orders events per ride.
type SinkEvent struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}
