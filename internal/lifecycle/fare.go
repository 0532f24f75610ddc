package lifecycle

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Rate struct {
	Base    float64 `yaml:"base"`
	PerKm   float64 `yaml:"per_km"`
	Minimum float64 `yaml:"minimum"`
}

// FareTable prices a trip by ride type.
type FareTable map[models.RideType]Rate

var DefaultFares = FareTable{
	models.RideStandard: {Base: 2.50, PerKm: 1.20, Minimum: 5},
	models.RideComfort:  {Base: 3.50, PerKm: 1.60, Minimum: 7},
	models.RidePremium:  {Base: 5.00, PerKm: 2.40, Minimum: 10},
	models.RideXL:       {Base: 4.00, PerKm: 2.00, Minimum: 8},
}

// Quote returns the fare for km kilometres, rounded to cents. Unknown ride
// types are priced as standard.
func (t FareTable) Quote(rt models.RideType, km float64) float64 {
	rate, ok := t[rt]
	if !ok {
		rate = t[models.RideStandard]
	}
	f := rate.Base + rate.PerKm*km
	if f < rate.Minimum {
		f = rate.Minimum
	}
	return math.Round(f*100) / 100
}

// resolveFare picks the completed fare: an explicit amount from the driver,
// then the rider's estimate, then the rate table over pickup to dropoff.
func resolveFare(r *models.Ride, explicit *float64, table FareTable) float64 {
	if explicit != nil && *explicit >= 0 {
		return *explicit
	}
	if r.EstimatedFare > 0 {
		return r.EstimatedFare
	}
	return table.Quote(r.RideType, geo.DistanceKm(r.Pickup, r.Dropoff))
}
