// Package events is an in-process, best-effort hint bus used to wake the OCO
// Manager and other pollers early, ahead of their next scheduled sweep. It
// carries no durable state: every event it loses is still recoverable from
// the store on the next poll (spec §9, Open Question on event delivery).
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type Bus struct {
	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	logger      zerolog.Logger

	publishedCount map[EventType]int64
	droppedCount   map[EventType]int64
	metricsLock    sync.RWMutex
}

func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers:    make(map[EventType][]chan Event),
		bufferSize:     bufferSize,
		logger:         logger,
		publishedCount: make(map[EventType]int64),
		droppedCount:   make(map[EventType]int64),
	}
}

func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// Publish is non-blocking: a full subscriber channel drops the event for
// that subscriber only, logged at WARN, never blocking the caller.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subscribers := b.subscribers[event.Type()]
	b.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	var delivered, dropped int
	for _, ch := range subscribers {
		select {
		case ch <- event:
			delivered++
		case <-ctx.Done():
			return
		default:
			dropped++
			b.logger.Warn().
				Str("event_type", string(event.Type())).
				Int("buffer_size", b.bufferSize).
				Msg("event bus subscriber channel full, event dropped")
		}
	}
	b.updateMetrics(event.Type(), delivered, dropped)
}

func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[EventType][]chan Event)
}

type Metrics struct {
	Published int64
	Dropped   int64
}

func (b *Bus) GetMetrics() map[EventType]Metrics {
	b.metricsLock.RLock()
	defer b.metricsLock.RUnlock()

	out := make(map[EventType]Metrics, len(b.publishedCount))
	for t := range b.publishedCount {
		out[t] = Metrics{Published: b.publishedCount[t], Dropped: b.droppedCount[t]}
	}
	return out
}

func (b *Bus) updateMetrics(eventType EventType, published, dropped int) {
	b.metricsLock.Lock()
	defer b.metricsLock.Unlock()

	b.publishedCount[eventType] += int64(published)
	b.droppedCount[eventType] += int64(dropped)
}
