package events

import "sync"

// Bus is a lightweight pub/sub broker using channels.
//
// By default a slow subscriber misses payloads rather than stalling the
// publisher. Subscribers created WithBlocking apply backpressure instead,
// which keeps delivery lossless and ordered. A publisher parked on one
// subscriber holds no bus-wide lock, so other topics keep flowing.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]*subscription
}

type subscription struct {
	ch       chan any
	done     chan struct{}
	once     sync.Once
	blocking bool

	// sendMu is read-held by every send; unsubscribe write-locks it to close ch.
	sendMu sync.RWMutex
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithBlocking makes Publish wait for this subscriber instead of dropping.
func WithBlocking() SubscribeOption {
	return func(s *subscription) { s.blocking = true }
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscription)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int, opts ...SubscribeOption) (<-chan any, func()) {
	sub := &subscription{
		ch:   make(chan any, buffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.subs[e] = append(b.subs[e], sub)
	b.mu.Unlock()

	unsub := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			subs := b.subs[e]
			for i, s := range subs {
				if s == sub {
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[e]) == 0 {
				delete(b.subs, e)
			}
			b.mu.Unlock()

			// done releases parked senders; ch closes once none is mid-send
			close(sub.done)
			sub.sendMu.Lock()
			close(sub.ch)
			sub.sendMu.Unlock()
		})
	}

	return sub.ch, unsub
}

// Publish fans the payload out to subscribers of e.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[e]))
	copy(subs, b.subs[e])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.send(payload)
	}
}

func (s *subscription) send(payload any) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	if s.blocking {
		select {
		case s.ch <- payload:
		case <-s.done:
		}
		return
	}
	select {
	case s.ch <- payload:
	default:
		// drop if subscriber is slow; keep broker non-blocking
	}
}

// Subscribers reports how many listeners e currently has.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}
