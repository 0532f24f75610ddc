package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type call struct {
	op     string
	id     string
	amount int64
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []call
	holdErr error
}

func (f *fakeGateway) Hold(_ context.Context, amount int64, _, rideID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.calls = append(f.calls, call{"hold", rideID, amount})
	return "pi_" + rideID, nil
}

func (f *fakeGateway) Capture(_ context.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"capture", id, amount})
	return nil
}

func (f *fakeGateway) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"cancel", id, 0})
	return nil
}

func (f *fakeGateway) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func run(t *testing.T, s *Settler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func transition(s *Settler, r *models.Ride, from, to models.RideStatus) {
	prev := r.Clone()
	prev.Status = from
	next := r.Clone()
	next.Status = to
	s.OnTransition(context.Background(), prev, next)
}

func TestHoldThenCaptureFinalFare(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, "usd", nil)
	run(t, s)

	r := &models.Ride{ID: "r1", EstimatedFare: 20}
	transition(s, r, models.StatusRequested, models.StatusAccepted)
	fare := 17.26
	r.ActualFare = &fare
	transition(s, r, models.StatusInProgress, models.StatusCompleted)

	require.Eventually(t, func() bool { return len(gw.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{"hold", "r1", 2000}, {"capture", "pi_r1", 1726}}, gw.snapshot())
}

func TestCaptureNeverExceedsHold(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, "", nil)
	run(t, s)

	r := &models.Ride{ID: "r1", EstimatedFare: 10}
	transition(s, r, models.StatusRequested, models.StatusAccepted)
	fare := 55.0
	r.ActualFare = &fare
	transition(s, r, models.StatusInProgress, models.StatusCompleted)

	require.Eventually(t, func() bool { return len(gw.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1000), gw.snapshot()[1].amount)
}

func TestCancelReleasesHold(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, "usd", nil)
	run(t, s)

	r := &models.Ride{ID: "r2", EstimatedFare: 8}
	transition(s, r, models.StatusRequested, models.StatusAccepted)
	transition(s, r, models.StatusAccepted, models.StatusCancelled)
	require.Eventually(t, func() bool { return len(gw.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{"cancel", "pi_r2", 0}, gw.snapshot()[1])
}

func TestNoHoldMeansNoCapture(t *testing.T) {
	gw := &fakeGateway{holdErr: errors.New("card declined")}
	s := NewSettler(gw, "usd", nil)

	r := &models.Ride{ID: "r3", EstimatedFare: 8}
	transition(s, r, models.StatusRequested, models.StatusAccepted)
	transition(s, r, models.StatusInProgress, models.StatusCompleted)
	transition(s, &models.Ride{ID: "r4"}, models.StatusRequested, models.StatusCancelled)
	assert.Len(t, s.jobs, 2)

	for len(s.jobs) > 0 {
		s.handle(context.Background(), <-s.jobs)
	}
	assert.Empty(t, gw.snapshot())
}
