package matcher

import (
	"fmt"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Ranker orders the candidate set for a ride. The first TopK entries of
// its result are offered the ride.
type Ranker interface {
	Rank(ride *models.Ride, cands []models.Candidate) []models.Candidate
}

// NearestFirst ranks by straight-line distance to pickup, ties by driver id.
type NearestFirst struct{}

func (NearestFirst) Rank(_ *models.Ride, cands []models.Candidate) []models.Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].DriverID < cands[j].DriverID
	})
	return cands
}

// FastestPickup ranks by estimated pickup minutes, falling back to
// distance and then driver id.
type FastestPickup struct{}

func (FastestPickup) Rank(_ *models.Ride, cands []models.Candidate) []models.Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.ETAMinutes != b.ETAMinutes {
			return a.ETAMinutes < b.ETAMinutes
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
	return cands
}

func RankerByName(name string) (Ranker, error) {
	switch name {
	case "", "nearest":
		return NearestFirst{}, nil
	case "eta":
		return FastestPickup{}, nil
	}
	return nil, fmt.Errorf("unknown ranker %q", name)
}
