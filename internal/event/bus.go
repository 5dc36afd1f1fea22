package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes one event. Handlers for a given subscription run
// sequentially in publish order; a slow handler delays only its own
// subscription, never the publisher or other subscribers.
type Handler func(Event)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()

const defaultSubscriberBuffer = 256

// subscriber owns a buffered delivery channel drained by one goroutine.
type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is the in-process event hub. Publishing is asynchronous and never
// blocks on subscriber execution.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Kind][]*subscriber
	history []Event // ring of recent events for replay/inspection
	histCap int
	histPos int
	full    bool
	logger  zerolog.Logger
}

// NewBus creates a bus retaining up to historySize recent events.
func NewBus(historySize int, logger zerolog.Logger) *Bus {
	if historySize <= 0 {
		historySize = 128
	}
	return &Bus{
		subs:    make(map[Kind][]*subscriber),
		history: make([]Event, historySize),
		histCap: historySize,
		logger:  logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event kind. Events of that kind are
// delivered to the handler in publish order.
func (b *Bus) Subscribe(kind Kind, handler Handler) UnsubscribeFunc {
	sub := &subscriber{ch: make(chan Event, defaultSubscriberBuffer)}

	go func() {
		for ev := range sub.ch {
			handler(ev)
		}
	}()

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[kind]
			for i, s := range list {
				if s == sub {
					b.subs[kind] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			sub.stop()
		})
	}
}

// Publish delivers ev to every subscriber of its kind. If a subscriber's
// buffer is full the event is dropped for that subscriber and logged; the
// publisher never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % b.histCap
	if b.histPos == 0 {
		b.full = true
	}
	subs := make([]*subscriber, len(b.subs[ev.Kind]))
	copy(subs, b.subs[ev.Kind])
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().
				Str("kind", string(ev.Kind)).
				Str("event_id", ev.ID).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// History returns up to limit recent events, oldest first. A zero limit
// returns the whole retained window.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	if b.full {
		out = append(out, b.history[b.histPos:]...)
		out = append(out, b.history[:b.histPos]...)
	} else {
		out = append(out, b.history[:b.histPos]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close stops all subscriber goroutines. Publish must not be called after
// Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.subs {
		for _, s := range list {
			s.stop()
		}
	}
	b.subs = make(map[Kind][]*subscriber)
}
