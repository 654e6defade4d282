package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []int64
	bus.Subscribe(EventCombat, "collector", func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(CombatEvent).Amount)
		return nil
	})

	for i := int64(0); i < 200; i++ {
		bus.Emit(context.Background(), Event{Type: EventCombat, Payload: CombatEvent{Amount: i}})
	}
	bus.Stop()

	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, int64(i), v)
	}
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	bus := NewEventBusWithQueue(1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(EventStatus, "slow", func(context.Context, Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventStatus})
	<-started
	bus.Emit(context.Background(), Event{Type: EventStatus}) // queued
	bus.Emit(context.Background(), Event{Type: EventStatus}) // dropped

	assert.Equal(t, uint64(1), bus.Dropped())
	close(release)
	bus.Stop()
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventShutdown, "panics", func(context.Context, Event) error { panic("x") })

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	assert.ErrorIs(t, err, boom)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	calls := make(chan struct{}, 4)
	bus.Subscribe(EventReset, "a", func(context.Context, Event) error {
		calls <- struct{}{}
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(EventReset))

	bus.Unsubscribe(EventReset, "a")
	assert.Equal(t, 0, bus.HandlerCount(EventReset))

	bus.Emit(context.Background(), Event{Type: EventReset})
	select {
	case <-calls:
		t.Fatal("unsubscribed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCombatEventHelpers(t *testing.T) {
	ev := CombatEvent{IsHeal: true, Extras: []string{ExtraCrit, ExtraCauseLucky}}
	assert.Equal(t, "HEAL", ev.ActionType())
	assert.Equal(t, "Crit|CauseLucky", ev.ExtrasString("|"))
	assert.Equal(t, "DMG", CombatEvent{}.ActionType())

	b, err := SwingHeal.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"heal"`, string(b))

	var k SwingKind
	require.NoError(t, k.UnmarshalJSON(b))
	assert.Equal(t, SwingHeal, k)
	assert.Error(t, k.UnmarshalJSON([]byte(`"melee"`)))
}
