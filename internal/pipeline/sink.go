package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/events"
)

// BusSink publishes pipeline output on the event bus, stamping combat
// events with the active session id.
type BusSink struct {
	ctx     context.Context
	bus     *events.EventBus
	mu      sync.RWMutex
	session string
	now     func() time.Time
	logger  zerolog.Logger
}

// NewBusSink creates a sink that emits on bus.
func NewBusSink(ctx context.Context, bus *events.EventBus) *BusSink {
	return &BusSink{
		ctx:    ctx,
		bus:    bus,
		now:    time.Now,
		logger: log.With().Str("component", "sink").Logger(),
	}
}

// Session returns the id of the active binding, or "".
func (b *BusSink) Session() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

func (b *BusSink) setSession(id string) {
	b.mu.Lock()
	b.session = id
	b.mu.Unlock()
}

// Combat publishes one combat event.
func (b *BusSink) Combat(ev events.CombatEvent) {
	ev.Session = b.Session()
	b.bus.Emit(b.ctx, events.Event{Type: events.EventCombat, Source: "interpreter", Payload: ev})
}

// Status publishes an operator line.
func (b *BusSink) Status(msg string) {
	b.logger.Debug().Msg(msg)
	b.bus.Emit(b.ctx, events.Event{
		Type:    events.EventStatus,
		Source:  "pipeline",
		Payload: events.StatusPayload{Time: b.now(), Message: msg},
	})
}

// CurrentUser publishes the local player's entity id.
func (b *BusSink) CurrentUser(uuid int64) {
	b.bus.Emit(b.ctx, events.Event{
		Type:    events.EventCurrentUser,
		Source:  "interpreter",
		Payload: events.CurrentUserPayload{UUID: uuid},
	})
}

// Detected records the new session and publishes the binding.
func (b *BusSink) Detected(p events.DetectionPayload) {
	b.setSession(p.Session)
	b.bus.Emit(b.ctx, events.Event{Type: events.EventDetected, Source: "detector", Payload: p})
}

// Reset clears the session and publishes the release.
func (b *BusSink) Reset(p events.ResetPayload) {
	b.setSession("")
	b.bus.Emit(b.ctx, events.Event{Type: events.EventReset, Source: "session", Payload: p})
}
