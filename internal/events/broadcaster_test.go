package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Subscriber) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case msg, ok := <-s.Messages():
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func types(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	b := NewBroadcaster(nil)
	driver := b.Subscribe("c1", "d1", "driver", DriverRoom("d1"))
	rider := b.Subscribe("c2", "r1", "rider", RiderRoom("r1"))

	n := b.Publish(DriverRoom("d1"), RideIncoming, map[string]string{"rideId": "x"})
	assert.Equal(t, 1, n)

	got := drain(t, driver)
	require.Len(t, got, 1)
	assert.Equal(t, RideIncoming, got[0].Type)
	assert.Equal(t, "driver_d1", got[0].Room)
	assert.Equal(t, map[string]any{"rideId": "x"}, got[0].Data)
	assert.Empty(t, drain(t, rider))
}

func TestPublishToEmptyRoomIsAMiss(t *testing.T) {
	b := NewBroadcaster(nil)
	assert.Equal(t, 0, b.Publish(RiderRoom("nobody"), RideAccepted, nil))
}

func TestRoomOrderIsPublishOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Subscribe("c1", "r1", "rider", RiderRoom("r1"))
	seq := []string{RideAccepted, RideStatusUpdated, RideCompleted}
	for _, typ := range seq {
		b.Publish(RiderRoom("r1"), typ, nil)
	}
	assert.Equal(t, seq, types(drain(t, s)))
}

func TestBroadcastAllIgnoresRooms(t *testing.T) {
	b := NewBroadcaster(nil)
	a := b.Subscribe("c1", "d1", "driver", DriverRoom("d1"))
	c := b.Subscribe("c2", "admin-1", "admin", AdminRoom)
	assert.Equal(t, 2, b.BroadcastAll(RideNewRequest, nil))
	assert.Equal(t, []string{RideNewRequest}, types(drain(t, a)))
	assert.Equal(t, []string{RideNewRequest}, types(drain(t, c)))
}

func TestReconnectRejoinsRoom(t *testing.T) {
	b := NewBroadcaster(nil)
	first := b.Subscribe("c1", "d1", "driver", DriverRoom("d1"))
	b.Unsubscribe(first)
	b.Unsubscribe(first)
	_, open := <-first.Messages()
	assert.False(t, open)
	assert.Equal(t, 0, b.RoomSize(DriverRoom("d1")))

	second := b.Subscribe("c2", "d1", "driver", DriverRoom("d1"))
	assert.Equal(t, 1, b.Publish(DriverRoom("d1"), RideIncoming, nil))
	assert.Len(t, drain(t, second), 1)
}

func TestJoinAndLeave(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Subscribe("c1", "admin-1", "admin")
	b.Join(s, AdminRoom)
	assert.Equal(t, 1, b.RoomSize(AdminRoom))
	b.Leave(s, AdminRoom)
	assert.Equal(t, 0, b.Publish(AdminRoom, RideStatusUpdated, nil))
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster(nil)
	b.buffer = 2
	slow := b.Subscribe("c1", "r1", "rider", RiderRoom("r1"))
	for i := 0; i < 2; i++ {
		assert.Equal(t, 1, b.Publish(RiderRoom("r1"), RideStatusUpdated, i))
	}
	assert.Equal(t, 0, b.Publish(RiderRoom("r1"), RideStatusUpdated, 3))
	assert.Equal(t, 0, b.RoomSize(RiderRoom("r1")))
	assert.Len(t, drain(t, slow), 2)
	assert.False(t, b.SendTo(slow, Ack, nil))
}

type memSink struct {
	mu   sync.Mutex
	got  []SinkEvent
	fail bool
	done bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(_ context.Context, ev SinkEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("broker down")
	}
	m.got = append(m.got, ev)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) events() []SinkEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SinkEvent(nil), m.got...)
}

func TestSinksReceiveEmittedEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	good, bad := &memSink{}, &memSink{fail: true}
	b.AddSink(good)
	b.AddSink(bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Emit(SinkEvent{Type: "ride.accepted", Key: "r1"})
	b.Emit(SinkEvent{Type: "ride.started", Key: "r1"})
	require.Eventually(t, func() bool { return len(good.events()) == 2 }, time.Second, 5*time.Millisecond)

	got := good.events()
	assert.Equal(t, "ride.accepted", got[0].Type)
	assert.Equal(t, "ride.started", got[1].Type)
	assert.False(t, got[0].At.IsZero())

	cancel()
	<-done
	assert.True(t, good.done)
	assert.True(t, bad.done)
}

func TestEmitWithoutSinksIsNoop(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Emit(SinkEvent{Type: "ride.requested"})
	assert.Len(t, b.queue, 0)
}
