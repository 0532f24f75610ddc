// Package registry tracks driver presence: who is online, who can take a
// new offer, and where each driver was last seen.
//
// A driver with a current ride is never available. Location updates are
// ordered by their own timestamps, so a late packet never overwrites a
// newer position.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Registry tracks the presence of every known driver and keeps the geo
// index in step with drivers that are available.
type Registry struct {
	index  geo.Index
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	drivers map[string]*models.DriverPresence

	hookMu       sync.RWMutex
	unavailHooks []func(driverID string)
}

// New returns an empty registry. A nil index falls back to a linear scan.
func New(index geo.Index, logger *slog.Logger) *Registry {
	if index == nil {
		index = geo.NewScanIndex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:   index,
		logger:  logger,
		now:     time.Now,
		drivers: make(map[string]*models.DriverPresence),
	}
}

// OnUnavailable registers fn to run after a driver goes offline. Hooks run
// outside the registry lock.
func (r *Registry) OnUnavailable(fn func(driverID string)) {
	r.hookMu.Lock()
	r.unavailHooks = append(r.unavailHooks, fn)
	r.hookMu.Unlock()
}

// SetAvailable marks the driver online. Calling it twice has the same
// effect as calling it once.
func (r *Registry) SetAvailable(ctx context.Context, driverID string) models.DriverPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.getOrCreate(driverID)
	if !p.Online {
		p.Online = true
		observability.DriversOnline.Inc()
	}
	p.Available = p.CurrentRideID == ""
	if p.Loc != nil {
		r.indexUpsert(ctx, driverID, *p.Loc)
	}
	return *p
}

// SetUnavailable marks the driver offline. Outstanding offer candidacies
// are invalidated through the OnUnavailable hooks.
func (r *Registry) SetUnavailable(ctx context.Context, driverID string) (models.DriverPresence, error) {
	r.mu.Lock()
	p, ok := r.drivers[driverID]
	if !ok {
		r.mu.Unlock()
		return models.DriverPresence{}, apperr.New(apperr.ErrDriverNotFound, "driver %s", driverID)
	}
	wasOnline := p.Online
	p.Online = false
	p.Available = false
	if wasOnline {
		observability.DriversOnline.Dec()
		if err := r.index.Remove(ctx, driverID); err != nil {
			r.logger.Warn("geo index remove failed", "driver_id", driverID, "error", err)
		}
	}
	out := *p
	r.mu.Unlock()

	if wasOnline {
		r.runUnavailHooks(driverID)
	}
	return out, nil
}

// UpdateLocation stores the position unless ts is older than the stored
// one. It reports whether the update was applied.
func (r *Registry) UpdateLocation(ctx context.Context, driverID string, c models.Coord, ts time.Time) (models.DriverPresence, bool) {
	if ts.IsZero() {
		ts = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.getOrCreate(driverID)
	if p.Loc != nil && ts.Before(p.LocUpdated) {
		observability.StaleLocations.Inc()
		r.logger.Debug("stale location ignored",
			"driver_id", driverID,
			"ts", ts,
			"stored_ts", p.LocUpdated,
		)
		return *p, false
	}
	loc := c
	p.Loc = &loc
	p.LocUpdated = ts
	if p.Online {
		r.indexUpsert(ctx, driverID, c)
	}
	return *p, true
}

// FindNearby returns available drivers within radiusKm of c, nearest
// first, ties broken by driver id.
func (r *Registry) FindNearby(ctx context.Context, c models.Coord, radiusKm float64, exclude []string) []models.Candidate {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	ids, err := r.index.Within(ctx, c, radiusKm)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err != nil {
		r.logger.Warn("geo index query failed, scanning registry", "error", err)
		ids = make([]string, 0, len(r.drivers))
		for id := range r.drivers {
			ids = append(ids, id)
		}
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ex := skip[id]; ex {
			continue
		}
		p, ok := r.drivers[id]
		if !ok || !p.Available || p.Loc == nil {
			continue
		}
		d := geo.DistanceKm(c, *p.Loc)
		if d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:   id,
			Loc:        *p.Loc,
			DistanceKm: d,
			ETAMinutes: geo.ETAMinutes(d),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

// Assign reserves an available driver for rideID.
func (r *Registry) Assign(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return apperr.New(apperr.ErrDriverUnavailable, "driver %s is not online", driverID)
	}
	if p.CurrentRideID == rideID {
		return nil
	}
	if !p.Available {
		return apperr.New(apperr.ErrDriverUnavailable, "driver %s is not available", driverID)
	}
	p.CurrentRideID = rideID
	p.Available = false
	return nil
}

// Release returns the driver to the pool if it still holds rideID.
func (r *Registry) Release(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok || p.CurrentRideID != rideID {
		return
	}
	p.CurrentRideID = ""
	p.Available = p.Online
}

func (r *Registry) Get(driverID string) (models.DriverPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return *p, true
}

// List returns a snapshot of every known driver ordered by id.
func (r *Registry) List() []models.DriverPresence {
	r.mu.RLock()
	out := make([]models.DriverPresence, 0, len(r.drivers))
	for _, p := range r.drivers {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func (r *Registry) getOrCreate(driverID string) *models.DriverPresence {
	p, ok := r.drivers[driverID]
	if !ok {
		p = &models.DriverPresence{DriverID: driverID}
		r.drivers[driverID] = p
	}
	return p
}

func (r *Registry) indexUpsert(ctx context.Context, driverID string, c models.Coord) {
	if err := r.index.Upsert(ctx, driverID, c); err != nil {
		r.logger.Warn("geo index upsert failed", "driver_id", driverID, "error", err)
	}
}

func (r *Registry) runUnavailHooks(driverID string) {
	r.hookMu.RLock()
	hooks := append([]func(string){}, r.unavailHooks...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(driverID)
	}
}
