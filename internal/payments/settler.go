// Package payments settles ride fares against a card processor: the
// estimated fare is held when a driver accepts, the final fare is captured
// on completion and the hold is released on cancellation.
package payments

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Gateway is implemented by StripeClient.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string, amount int64) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type job struct {
	op   string
	ride *models.Ride
}

type hold struct {
	intentID string
	amount   int64
}

// Settler is a lifecycle observer. Gateway calls happen on one background
// worker, in transition order, so a slow processor never holds a ride lock.
type Settler struct {
	gw       Gateway
	currency string
	logger   *slog.Logger
	jobs     chan job

	mu    sync.Mutex
	holds map[string]hold
}

func NewSettler(gw Gateway, currency string, logger *slog.Logger) *Settler {
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		gw:       gw,
		currency: currency,
		logger:   logger,
		jobs:     make(chan job, 256),
		holds:    make(map[string]hold),
	}
}

func (s *Settler) OnTransition(_ context.Context, prev, next *models.Ride) {
	var op string
	switch next.Status {
	case models.StatusAccepted:
		op = "hold"
	case models.StatusCompleted:
		op = "capture"
	case models.StatusCancelled:
		if prev.Status == models.StatusRequested {
			return
		}
		op = "cancel"
	default:
		return
	}
	select {
	case s.jobs <- job{op: op, ride: next.Clone()}:
	default:
		observability.SinkErrors.WithLabelValues("payments").Inc()
		s.logger.Error("payment queue full", "ride_id", next.ID, "op", op)
	}
}

// Run processes settlement jobs until ctx is done.
func (s *Settler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.handle(ctx, j)
		}
	}
}

func (s *Settler) handle(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r := j.ride
	log := s.logger.With("ride_id", r.ID, "op", j.op)

	switch j.op {
	case "hold":
		amount := cents(r.EstimatedFare)
		if amount <= 0 {
			log.Info("no fare estimate, skipping hold")
			return
		}
		id, err := s.gw.Hold(ctx, amount, s.currency, r.ID)
		if err != nil {
			s.fail(log, err)
			return
		}
		s.mu.Lock()
		s.holds[r.ID] = hold{intentID: id, amount: amount}
		s.mu.Unlock()
		log.Info("fare held", "payment_intent", id, "amount", amount)

	case "capture":
		h, ok := s.take(r.ID)
		if !ok {
			log.Warn("completed ride has no hold to capture")
			return
		}
		amount := h.amount
		if r.ActualFare != nil && cents(*r.ActualFare) < amount {
			amount = cents(*r.ActualFare)
		}
		if err := s.gw.Capture(ctx, h.intentID, amount); err != nil {
			s.fail(log, err)
			return
		}
		log.Info("fare captured", "payment_intent", h.intentID, "amount", amount)

	case "cancel":
		h, ok := s.take(r.ID)
		if !ok {
			return
		}
		if err := s.gw.Cancel(ctx, h.intentID); err != nil {
			s.fail(log, err)
			return
		}
		log.Info("hold released", "payment_intent", h.intentID)
	}
}

func (s *Settler) take(rideID string) (hold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[rideID]
	delete(s.holds, rideID)
	return h, ok
}

func (s *Settler) fail(log *slog.Logger, err error) {
	observability.SinkErrors.WithLabelValues("payments").Inc()
	log.Error("payment call failed", "error", err)
}

func cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
