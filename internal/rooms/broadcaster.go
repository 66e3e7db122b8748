package rooms

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultStreamBuffer = 64

// Broadcaster fans events out to the live subscribers of a room.
// Delivery is best-effort: a subscriber that cannot keep up loses its
// oldest buffered events rather than stalling the publisher or its
// peers. Subscriber sets are sharded per room; no lock spans rooms.
type Broadcaster struct {
	mu         sync.RWMutex
	rooms      map[string]*roomMembers
	nextID     int64
	bufferSize int
	logger     *zap.Logger
}

type roomMembers struct {
	// mu serializes fan-out with membership changes, which is what
	// makes per-room publish order the per-subscriber delivery order.
	mu          sync.Mutex
	subscribers map[int64]*subscriber
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewBroadcaster constructs a Broadcaster with the given per-subscriber
// buffer size; values below 1 fall back to the default.
func NewBroadcaster(bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = defaultStreamBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		rooms:      make(map[string]*roomMembers),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe registers a live subscriber for the room and returns its
// event stream plus a cancel function. Cancel is idempotent and closes
// the stream once no publisher can reach it. Cancellation of ctx
// unsubscribes as well.
func (b *Broadcaster) Subscribe(ctx context.Context, room string) (<-chan Event, func()) {
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.register(room, sub)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unregister(room, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.stream, cancel
}

// Publish delivers the event to every subscriber currently registered
// for its room. It never blocks on a slow subscriber and never
// surfaces delivery failures to the caller.
func (b *Broadcaster) Publish(event Event) {
	if event.Room == "" {
		return
	}
	b.mu.RLock()
	members := b.rooms[event.Room]
	b.mu.RUnlock()
	if members == nil {
		return
	}

	members.mu.Lock()
	defer members.mu.Unlock()
	for _, sub := range members.subscribers {
		if dropped := sub.offer(event); dropped {
			b.logger.Debug("subscriber buffer overflow, dropped oldest event",
				zap.String("room", event.Room),
				zap.Int64("subscriber", sub.id))
		}
	}
}

// SubscriberCount reports how many live subscribers the room has.
func (b *Broadcaster) SubscriberCount(room string) int {
	b.mu.RLock()
	members := b.rooms[room]
	b.mu.RUnlock()
	if members == nil {
		return 0
	}
	members.mu.Lock()
	defer members.mu.Unlock()
	return len(members.subscribers)
}

// offer enqueues the event, evicting the oldest buffered event when
// the stream is full. Only called with the room lock held, so the
// eviction loop cannot race another producer.
func (s *subscriber) offer(event Event) bool {
	dropped := false
	for {
		select {
		case s.stream <- event:
			return dropped
		default:
		}
		select {
		case <-s.stream:
			dropped = true
		default:
		}
	}
}

func (b *Broadcaster) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// register inserts the subscriber while still holding b.mu. Releasing
// b.mu before the insert would let a concurrent last-leave cleanup
// delete the room entry and strand the newcomer in an orphaned map.
func (b *Broadcaster) register(room string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = &roomMembers{subscribers: make(map[int64]*subscriber)}
		b.rooms[room] = members
	}
	members.mu.Lock()
	members.subscribers[sub.id] = sub
	members.mu.Unlock()
}

func (b *Broadcaster) unregister(room string, subscriberID int64) {
	b.mu.Lock()
	members := b.rooms[room]
	b.mu.Unlock()
	if members == nil {
		return
	}

	members.mu.Lock()
	if sub, ok := members.subscribers[subscriberID]; ok {
		delete(members.subscribers, subscriberID)
		close(sub.stream)
	}
	empty := len(members.subscribers) == 0
	members.mu.Unlock()

	if empty {
		b.mu.Lock()
		if current := b.rooms[room]; current == members {
			current.mu.Lock()
			if len(current.subscribers) == 0 {
				delete(b.rooms, room)
			}
			current.mu.Unlock()
		}
		b.mu.Unlock()
	}
}
