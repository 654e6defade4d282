package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber backlog before events are dropped.
const DefaultQueueSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans events out to named subscribers. Every subscriber owns a
// queue drained by one goroutine, so it sees events in emission order.
// Emit never blocks the producer; a full queue drops the event.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]*subscriber
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

type subscriber struct {
	name    string
	handler HandlerFunc
	queue   chan queued
	done    chan struct{}
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates a bus with a custom per-subscriber backlog.
func NewEventBusWithQueue(size int) *EventBus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &EventBus{
		handlers:  make(map[EventType][]*subscriber),
		queueSize: size,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub := &subscriber{
		name:    name,
		handler: handler,
		queue:   make(chan queued, eb.queueSize),
		done:    make(chan struct{}),
	}
	eb.handlers[eventType] = append(eb.handlers[eventType], sub)

	eb.wg.Add(1)
	go eb.run(sub)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]*subscriber, 0, len(handlers))
	for _, h := range handlers {
		if h.name == name {
			close(h.done)
			continue
		}
		filtered = append(filtered, h)
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

func (eb *EventBus) run(sub *subscriber) {
	defer eb.wg.Done()
	for {
		select {
		case q := <-sub.queue:
			eb.invoke(q.ctx, sub, q.event)
		case <-sub.done:
			return
		case <-eb.stopCh:
			// deliver what is already queued, then exit
			for {
				select {
				case q := <-sub.queue:
					eb.invoke(q.ctx, sub, q.event)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) invoke(ctx context.Context, sub *subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = sub.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
	return err
}

// Emit queues an event for every subscriber of its type without blocking.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	if len(handlers) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		select {
		case h.queue <- queued{ctx: ctx, event: event}:
		default:
			if eb.dropped.Add(1)%1000 == 1 {
				log.Warn().
					Str("event", string(event.Type)).
					Str("handler", h.name).
					Uint64("dropped_total", eb.dropped.Load()).
					Msg("subscriber queue full, dropping event")
			}
		}
	}
}

// EmitSync runs every handler of the event type on the caller's goroutine
// and returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	// Copy handlers to release lock before executing
	handlers := make([]*subscriber, len(eb.handlers[event.Type]))
	copy(handlers, eb.handlers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := eb.invoke(ctx, h, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop signals the EventBus to stop accepting new events and waits
// for all queued events to be handled.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Dropped returns how many events were discarded on full queues.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
