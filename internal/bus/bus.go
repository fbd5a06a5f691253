// Package bus fans out environment lifecycle events to subscribers.
//
// Events are committed to the registry before they reach the bus, so the bus
// never carries the only copy. A publish only wakes subscribers; each
// subscription pulls from the store at its own cursor and advances it as
// events are delivered. A subscriber that falls behind, reconnects, or
// subscribes late replays everything after its cursor, which makes delivery
// at least once in commit order.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
)

// deliveryBatchSize bounds how many events one store query returns.
const deliveryBatchSize = 64

// retryDelay is the pause before re-querying the store after an error.
const retryDelay = 200 * time.Millisecond

// EventSource is the slice of the registry the bus reads from.
type EventSource interface {
	EventsAfter(ctx context.Context, envID string, afterSeq int64, limit int) ([]model.Event, error)
}

// Bus wakes subscriptions when new events are committed.
// It is safe for concurrent use.
type Bus struct {
	source EventSource
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// New creates a bus reading events from source.
func New(source EventSource, logger *slog.Logger) *Bus {
	return &Bus{
		source: source,
		logger: logger,
		subs:   make(map[int]*Subscription),
	}
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	bus    *Bus
	id     int
	envID  string
	cursor int64

	ch     chan model.Event
	wake   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe registers a subscriber that receives events with seq greater than
// afterSeq. An empty envID subscribes to all environments. The subscription
// stops when ctx is cancelled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, envID string, afterSeq int64) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		bus:    b,
		envID:  envID,
		cursor: afterSeq,
		ch:     make(chan model.Event, deliveryBatchSize),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(s.ch)
		return s
	}
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	subscribersActive.Inc()
	b.mu.Unlock()

	go s.run(ctx)
	return s
}

// Publish wakes subscriptions that may be waiting for the given event. The
// event must already be committed; subscribers read it back from the store.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventsPublished.Inc()
	for _, s := range b.subs {
		if s.envID != "" && s.envID != ev.EnvID {
			continue
		}
		select {
		case s.wake <- struct{}{}:
		default:
			// A wakeup is already pending; the pull loop will catch up.
		}
	}
}

// Close stops all subscriptions. Subsequent Subscribe calls return a
// subscription whose channel is already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Events returns the subscription's delivery channel. It is closed when the
// subscription stops.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Close stops the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			subscribersActive.Dec()
		}
		s.bus.mu.Unlock()
	})
}

// run pulls committed events from the store and delivers them in seq order,
// advancing the cursor per delivered event. When the store is drained it
// parks on the wake channel until the next publish.
func (s *Subscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()

	for {
		events, err := s.bus.source.EventsAfter(ctx, s.envID, s.cursor, deliveryBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.bus.logger.Warn("event replay query failed", "error", err, "cursor", s.cursor)
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, ev := range events {
			select {
			case s.ch <- ev:
				s.cursor = ev.Seq
				eventsDelivered.Inc()
			case <-ctx.Done():
				return
			}
		}
		if len(events) == deliveryBatchSize {
			continue
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
