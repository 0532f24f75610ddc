package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	defaultSubscriberBuffer = 256
	sinkQueueSize           = 1024
	sinkTimeout             = 3 * time.Second
)

// Sink receives lifecycle events out of band, e.g. a Kafka topic.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev SinkEvent) error
	Close() error
}

// Subscriber is one connection's view of the broadcaster.
type Subscriber struct {
	ID     string
	UserID string
	Role   string

	send   chan []byte
	rooms  map[string]struct{}
	closed bool
}

// Messages yields encoded envelopes. It is closed when the subscriber is
// removed, either by Unsubscribe or for falling behind.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Broadcaster fans events out to the subscribers of a room. Delivery is
// at most once: a subscriber whose buffer is full is dropped.
type Broadcaster struct {
	logger *slog.Logger
	buffer int

	mu    sync.Mutex
	subs  map[*Subscriber]struct{}
	rooms map[string]map[*Subscriber]struct{}

	sinkMu sync.RWMutex
	sinks  []Sink
	queue  chan SinkEvent
	now    func() time.Time
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger,
		buffer: defaultSubscriberBuffer,
		subs:   make(map[*Subscriber]struct{}),
		rooms:  make(map[string]map[*Subscriber]struct{}),
		queue:  make(chan SinkEvent, sinkQueueSize),
		now:    time.Now,
	}
}

// Subscribe registers a connection and joins it to rooms.
func (b *Broadcaster) Subscribe(id, userID, role string, rooms ...string) *Subscriber {
	s := &Subscriber{
		ID:     id,
		UserID: userID,
		Role:   role,
		send:   make(chan []byte, b.buffer),
		rooms:  make(map[string]struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	for _, r := range rooms {
		b.join(s, r)
	}
	b.mu.Unlock()
	observability.Connections.Inc()
	return s
}

func (b *Broadcaster) Join(s *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.closed {
		b.join(s, room)
	}
}

func (b *Broadcaster) Leave(s *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leave(s, room)
}

// Unsubscribe removes s from every room and closes its channel. It is safe
// to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(s)
}

// Publish delivers to the current members of room and returns how many
// received it.
func (b *Broadcaster) Publish(room, eventType string, payload any) int {
	msg, ok := b.encode(Envelope{Type: eventType, Room: room, Data: payload, Timestamp: b.now()})
	if !ok {
		return 0
	}
	b.mu.Lock()
	members := b.rooms[room]
	n := 0
	for s := range members {
		if b.deliver(s, msg) {
			n++
		}
	}
	b.mu.Unlock()
	b.account(eventType, room, n)
	return n
}

// BroadcastAll delivers to every connected subscriber regardless of rooms.
func (b *Broadcaster) BroadcastAll(eventType string, payload any) int {
	msg, ok := b.encode(Envelope{Type: eventType, Data: payload, Timestamp: b.now()})
	if !ok {
		return 0
	}
	b.mu.Lock()
	n := 0
	for s := range b.subs {
		if b.deliver(s, msg) {
			n++
		}
	}
	b.mu.Unlock()
	b.account(eventType, "*", n)
	return n
}

// SendTo writes straight to one subscriber, used for replies to the sender.
func (b *Broadcaster) SendTo(s *Subscriber, eventType string, payload any) bool {
	msg, ok := b.encode(Envelope{Type: eventType, Data: payload, Timestamp: b.now()})
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, live := b.subs[s]; !live {
		return false
	}
	return b.deliver(s, msg)
}

// RoomSize reports the number of subscribers in room.
func (b *Broadcaster) RoomSize(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[room])
}

// AddSink mirrors every Emit call to s.
func (b *Broadcaster) AddSink(s Sink) {
	b.sinkMu.Lock()
	b.sinks = append(b.sinks, s)
	b.sinkMu.Unlock()
}

// Emit queues ev for the external sinks. It never blocks; a full queue
// drops the event.
func (b *Broadcaster) Emit(ev SinkEvent) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.sinkMu.RLock()
	n := len(b.sinks)
	b.sinkMu.RUnlock()
	if n == 0 {
		return
	}
	select {
	case b.queue <- ev:
	default:
		observability.SinkErrors.WithLabelValues("queue_full").Inc()
		b.logger.Warn("sink queue full, dropping event", "type", ev.Type, "key", ev.Key)
	}
}

// Run drains the sink queue until ctx is done, then closes the sinks.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.closeSinks()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.writeSinks(ctx, ev)
		}
	}
}

func (b *Broadcaster) writeSinks(ctx context.Context, ev SinkEvent) {
	b.sinkMu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.sinkMu.RUnlock()
	for _, s := range sinks {
		wctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := s.Write(wctx, ev); err != nil {
			observability.SinkErrors.WithLabelValues(s.Name()).Inc()
			b.logger.Error("sink write failed", "sink", s.Name(), "type", ev.Type, "key", ev.Key, "error", err)
		}
		cancel()
	}
}

func (b *Broadcaster) closeSinks() {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			b.logger.Warn("sink close failed", "sink", s.Name(), "error", err)
		}
	}
	b.sinks = nil
}

func (b *Broadcaster) encode(env Envelope) ([]byte, bool) {
	msg, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("event encode failed", "type", env.Type, "error", err)
		return nil, false
	}
	return msg, true
}

func (b *Broadcaster) account(eventType, room string, delivered int) {
	observability.EventsPublished.WithLabelValues(eventType).Inc()
	if delivered == 0 {
		observability.DeliveryMisses.WithLabelValues(eventType).Inc()
		b.logger.Debug("event had no recipient", "type", eventType, "room", room)
	}
}

// deliver must be called with b.mu held. A subscriber whose buffer is full
// is dropped; its client reconnects and resubscribes.
func (b *Broadcaster) deliver(s *Subscriber, msg []byte) bool {
	select {
	case s.send <- msg:
		return true
	default:
		b.logger.Warn("subscriber too slow, dropping", "subscriber", s.ID, "user_id", s.UserID)
		b.remove(s)
		return false
	}
}

func (b *Broadcaster) join(s *Subscriber, room string) {
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		b.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (b *Broadcaster) leave(s *Subscriber, room string) {
	if members, ok := b.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	delete(s.rooms, room)
}

func (b *Broadcaster) remove(s *Subscriber) {
	if s.closed {
		return
	}
	for room := range s.rooms {
		b.leave(s, room)
	}
	delete(b.subs, s)
	s.closed = true
	close(s.send)
	observability.Connections.Dec()
}
