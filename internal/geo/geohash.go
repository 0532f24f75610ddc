package geo

import (
	"context"
	"math"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultGeohashPrecision gives cells of roughly 39x19 km, enough to
// answer the default 5 km search from the center cell and its neighbours.
const DefaultGeohashPrecision = 4

// GeohashIndex buckets drivers by geohash cell. A query reads the cell of
// the center plus its eight neighbours; when the radius is wider than a
// cell it falls back to a full scan.
type GeohashIndex struct {
	precision uint

	mu     sync.RWMutex
	coords map[string]models.Coord
	cellOf map[string]string
	cells  map[string]map[string]struct{}
}

func NewGeohashIndex(precision uint) *GeohashIndex {
	if precision == 0 || precision > 12 {
		precision = DefaultGeohashPrecision
	}
	return &GeohashIndex{
		precision: precision,
		coords:    make(map[string]models.Coord),
		cellOf:    make(map[string]string),
		cells:     make(map[string]map[string]struct{}),
	}
}

func (g *GeohashIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	cell := geohash.EncodeWithPrecision(c.Lat, c.Lng, g.precision)
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.cellOf[id]; ok && old != cell {
		g.dropFromCell(old, id)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[id] = struct{}{}
	g.cellOf[id] = cell
	g.coords[id] = c
	return nil
}

func (g *GeohashIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cell, ok := g.cellOf[id]; ok {
		g.dropFromCell(cell, id)
	}
	delete(g.cellOf, id)
	delete(g.coords, id)
	return nil
}

func (g *GeohashIndex) dropFromCell(cell, id string) {
	bucket := g.cells[cell]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

func (g *GeohashIndex) Within(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, g.precision)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if radiusKm > cellSpanKm(cell) {
		out := make([]string, 0, len(g.coords))
		for id, c := range g.coords {
			if DistanceKm(center, c) <= radiusKm {
				out = append(out, id)
			}
		}
		return out, nil
	}

	var out []string
	for _, h := range append(geohash.Neighbors(cell), cell) {
		for id := range g.cells[h] {
			out = append(out, id)
		}
	}
	return out, nil
}

// cellSpanKm is the smaller of a cell's width and height, measured at the
// cell's own latitude since longitude spans shrink towards the poles.
func cellSpanKm(cell string) float64 {
	box := geohash.BoundingBox(cell)
	height := Haversine(box.MinLat, box.MinLng, box.MaxLat, box.MinLng)
	// the edge nearest the pole is the narrowest
	edge := box.MaxLat
	if math.Abs(box.MinLat) > math.Abs(box.MaxLat) {
		edge = box.MinLat
	}
	width := Haversine(edge, box.MinLng, edge, box.MaxLng)
	return math.Min(width, height)
}
