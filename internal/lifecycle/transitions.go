package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// AllowedTransitions lists every legal edge of the ride state machine.
// Completed and cancelled have no outgoing edges.
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts the wire spelling of a status, including the
// underscore variant older clients send for in-progress.
func ParseStatus(s string) (models.RideStatus, bool) {
	if s == "in_progress" {
		return models.StatusInProgress, true
	}
	switch st := models.RideStatus(s); st {
	case models.StatusRequested, models.StatusAccepted, models.StatusStarted,
		models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
		return st, true
	}
	return "", false
}
