package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore defines persistence operations for rides. Implementations
// hand out copies; mutating a returned ride never changes stored state.
// Serialising writers per ride is the caller's job.
type RideStore interface {
	Insert(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	Update(ctx context.Context, r *models.Ride) error
	ListActive(ctx context.Context) ([]*models.Ride, error)
	ListByUser(ctx context.Context, userID string, role models.ActorRole) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Insert(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return apperr.New(apperr.ErrValidation, "ride %s already exists", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.New(apperr.ErrRideNotFound, "ride %s", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return apperr.New(apperr.ErrRideNotFound, "ride %s", r.ID)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*models.Ride, error) {
	return m.filter(func(r *models.Ride) bool { return !r.Status.Terminal() }), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, role models.ActorRole) ([]*models.Ride, error) {
	return m.filter(func(r *models.Ride) bool {
		if role == models.RoleDriver {
			return r.DriverID == userID
		}
		return r.RiderID == userID
	}), nil
}

// filter returns matching rides newest first.
func (m *MemoryStore) filter(keep func(*models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool {
		if !rides[i].CreatedAt.Equal(rides[j].CreatedAt) {
			return rides[i].CreatedAt.After(rides[j].CreatedAt)
		}
		return rides[i].ID < rides[j].ID
	})
}
