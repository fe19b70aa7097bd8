package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given
const DefaultBuffer = 64

// Broker fans events out to subscribers. Subscribers either listen to one key
// (for example an execution id) or to everything. Delivery never blocks the
// publisher: when a subscriber's buffer is full the event is dropped for
// that subscriber and counted.
type Broker[E any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[E]]struct{}
	buffer int
	logger *slog.Logger
	closed bool
}

// Subscription is a registered listener. Read events from C until it is closed.
type Subscription[E any] struct {
	C <-chan E

	ch      chan E
	key     string
	broker  *Broker[E]
	dropped atomic.Int64
	once    sync.Once
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events
func NewBroker[E any](buffer int, logger *slog.Logger) *Broker[E] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker[E]{
		subs:   make(map[*Subscription[E]]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a listener for key, or for every event when key is empty
func (b *Broker[E]) Subscribe(key string) *Subscription[E] {
	ch := make(chan E, b.buffer)
	sub := &Subscription[E]{C: ch, ch: ch, key: key, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.logger.Debug("subscriber registered", slog.String("key", key), slog.Int("total", len(b.subs)))
	return sub
}

// Publish delivers e to every subscriber of key and to global subscribers.
// It returns the number of subscribers that received the event.
func (b *Broker[E]) Publish(key string, e E) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs {
		if sub.key != "" && sub.key != key {
			continue
		}
		select {
		case sub.ch <- e:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the number of registered subscriptions
func (b *Broker[E]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters and closes every subscription
func (b *Broker[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription[E]) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; !ok {
			return
		}
		delete(b.subs, s)
		close(s.ch)
		b.logger.Debug("subscriber removed", slog.String("key", s.key), slog.Int("total", len(b.subs)))
	})
}

// Dropped returns how many events were skipped because the buffer was full
func (s *Subscription[E]) Dropped() int64 {
	return s.dropped.Load()
}
