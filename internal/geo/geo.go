package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Index is a proximity prefilter over driver positions. Within may return
// a superset of the drivers inside the radius; callers compute exact
// distances themselves.
type Index interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error)
}

// ScanIndex keeps every position in a map and scans it on each query.
type ScanIndex struct {
	mu     sync.RWMutex
	coords map[string]models.Coord
}

func NewScanIndex() *ScanIndex {
	return &ScanIndex{coords: make(map[string]models.Coord)}
}

func (g *ScanIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.coords[id] = c
	return nil
}

func (g *ScanIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.coords, id)
	return nil
}

func (g *ScanIndex) Within(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.coords))
	for id, c := range g.coords {
		if DistanceKm(center, c) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ETAMinutes is the coarse pickup estimate: two minutes per kilometer,
// rounded up. Not a routing result.
func ETAMinutes(distanceKm float64) int {
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm * 2))
}
