// Package httpapi is the dispatch API: JSON over HTTP for request/response
// callers and a websocket event channel for connected riders, drivers and
// the admin dashboard. Both surfaces share the operations in ops.go.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// LocationPublisher forwards accepted driver positions to the location
// feed consumed by other replicas.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.DriverPresence) error
}

// Authenticator turns a bearer token into an actor.
type Authenticator interface {
	Actor(token string) (models.Actor, error)
}

type Deps struct {
	Rides   *lifecycle.Coordinator
	Engine  *matcher.Engine
	Drivers *registry.Registry
	Hub     *events.Broadcaster

	// Optional. A nil Auth trusts the actor named in the request body.
	Locations LocationPublisher
	Auth      Authenticator

	Logger *slog.Logger
}

type Server struct {
	rides     *lifecycle.Coordinator
	engine    *matcher.Engine
	drivers   *registry.Registry
	hub       *events.Broadcaster
	locations LocationPublisher
	auth      Authenticator
	validate  *validator.Validate
	logger    *slog.Logger
	mux       *mux.Router

	connMu      sync.Mutex
	driverConns map[string]int
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:       d.Rides,
		engine:      d.Engine,
		drivers:     d.Drivers,
		hub:         d.Hub,
		locations:   d.Locations,
		auth:        d.Auth,
		validate:    newValidator(),
		logger:      logger,
		mux:         mux.NewRouter(),
		driverConns: make(map[string]int),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/rides").Subrouter()
	api.HandleFunc("/request", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/request/{id}/nearby-drivers", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/request/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/request/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/request/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/ride/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/ride/{id}/status", s.handleStatus).Methods(http.MethodPatch)
	api.HandleFunc("/ride/{id}/rating", s.handleRating).Methods(http.MethodPost)
	api.HandleFunc("/driver/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/driver/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	api.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/history/{userId}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/drivers", s.handleDrivers).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
