package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

type driverBody struct {
	DriverID string `json:"driverId"`
}

type statusRequest struct {
	Status     string        `json:"status" validate:"required"`
	Location   *models.Coord `json:"location"`
	ActualFare *float64      `json:"actualFare" validate:"omitempty,gte=0"`
	Reason     string        `json:"reason" validate:"max=500"`

	ActorID   string           `json:"actorId"`
	ActorRole models.ActorRole `json:"actorRole"`
	DriverID  string           `json:"driverId"`
}

type ratingRequest struct {
	By     models.ActorRole `json:"by" validate:"required,oneof=rider driver"`
	UserID string           `json:"userId"`
	Rating int              `json:"rating" validate:"required,min=1,max=5"`
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

// actor resolves the caller. With an authenticator configured the bearer
// token is authoritative; otherwise the identity claimed in the body is
// trusted.
func (s *Server) actor(r *http.Request, claimed models.Actor) (models.Actor, error) {
	if s.auth == nil {
		switch claimed.Role {
		case models.RoleRider, models.RoleDriver, models.RoleAdmin:
		default:
			return models.Actor{}, apperr.Validation(map[string][]string{"actorRole": {"must be one of: rider driver admin"}})
		}
		if claimed.ID == "" {
			return models.Actor{}, apperr.Validation(map[string][]string{"actorId": {"is required"}})
		}
		return claimed, nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "bearer token required")
	}
	a, err := s.auth.Actor(token)
	if err != nil {
		return models.Actor{}, apperr.New(apperr.ErrUnauthorized, "invalid token")
	}
	return a, nil
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.auth == nil {
		if err := s.check(&req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	actor, err := s.actor(r, models.Actor{ID: req.RiderID, Role: models.RoleRider})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.requestRide(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "rideRequest": ride})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	ride, cands, err := s.engine.Candidates(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cands == nil {
		cands = []models.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideRequest": ride, "nearbyDrivers": cands, "count": len(cands)})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := readJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.actor(r, models.Actor{ID: body.DriverID, Role: models.RoleDriver})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.acceptRide(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := readJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.actor(r, models.Actor{ID: body.DriverID, Role: models.RoleDriver})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.declineRide(r.Context(), actor, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDispatch re-runs dispatch for a requested ride, typically after
// the rider saw ride:noDrivers.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	if s.auth != nil {
		actor, err := s.actor(r, models.Actor{})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ride, err := s.rides.Get(r.Context(), rideID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if actor.Role != models.RoleAdmin && actor.ID != ride.RiderID {
			s.writeError(w, r, apperr.New(apperr.ErrForbidden, "ride %s belongs to another rider", rideID))
			return
		}
	}
	cands, err := s.engine.Dispatch(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "candidates": cands, "count": len(cands)})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, ok := lifecycle.ParseStatus(req.Status)
	if !ok {
		s.writeError(w, r, apperr.Validation(map[string][]string{"status": {"unknown status " + req.Status}}))
		return
	}
	claimed := models.Actor{ID: req.ActorID, Role: req.ActorRole}
	if claimed.ID == "" && req.DriverID != "" {
		claimed = models.Actor{ID: req.DriverID, Role: models.RoleDriver}
	}
	actor, err := s.actor(r, claimed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.changeStatus(r.Context(), actor, mux.Vars(r)["id"], statusChange{
		To:         to,
		Location:   req.Location,
		ActualFare: req.ActualFare,
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.actor(r, models.Actor{ID: req.UserID, Role: req.By})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Rate(r.Context(), mux.Vars(r)["id"], actor, req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ride": ride})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	var fix locationFix
	if err := readJSON(w, r, &fix); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.actor(r, models.Actor{ID: driverID, Role: models.RoleDriver})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, applied, err := s.updateLocation(r.Context(), actor, driverID, fix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "applied": applied, "driver": p})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	var req availabilityRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.actor(r, models.Actor{ID: driverID, Role: models.RoleDriver})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.setAvailability(r.Context(), actor, driverID, *req.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "driver": p})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.Active(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRides(w, rides)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	role := models.RoleRider
	switch t := r.URL.Query().Get("userType"); t {
	case "", "rider":
	case "driver":
		role = models.RoleDriver
	default:
		s.writeError(w, r, apperr.Validation(map[string][]string{"userType": {"must be one of: rider driver"}}))
		return
	}
	rides, err := s.rides.History(r.Context(), mux.Vars(r)["userId"], role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRides(w, rides)
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := s.drivers.List()
	if drivers == nil {
		drivers = []models.DriverPresence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "drivers": drivers, "count": len(drivers)})
}

func writeRides(w http.ResponseWriter, rides []*models.Ride) {
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rides": rides, "count": len(rides)})
}
