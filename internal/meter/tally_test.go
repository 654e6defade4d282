package meter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starmeter-project/starmeter/internal/events"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func hit(src int64, amount int64, at time.Duration) events.CombatEvent {
	return events.CombatEvent{Timestamp: t0.Add(at), SourceID: src, Source: "P", Amount: amount}
}

func TestTallyTotals(t *testing.T) {
	tl := NewTally(8)

	crit := hit(1, 500, 2*time.Second)
	crit.IsCrit = true
	heal := hit(2, 300, time.Second)
	heal.IsHeal = true
	kill := hit(2, 50, 4*time.Second)
	kill.IsDead = true

	for _, ev := range []events.CombatEvent{hit(1, 100, 0), crit, heal, kill} {
		tl.Add(ev)
	}

	got := tl.Totals()
	require.Len(t, got, 2)

	assert.Equal(t, int64(1), got[0].SourceID)
	assert.Equal(t, int64(600), got[0].Damage)
	assert.Equal(t, int64(500), got[0].MaxHit)
	assert.Equal(t, uint64(2), got[0].Hits)
	assert.Equal(t, uint64(1), got[0].Crits)
	assert.InDelta(t, 300.0, got[0].DPS(), 0.001)
	assert.InDelta(t, 0.5, got[0].CritRate(), 0.001)

	assert.Equal(t, int64(50), got[1].Damage)
	assert.Equal(t, int64(300), got[1].Heal)
	assert.Equal(t, uint64(1), got[1].Kills)
	assert.InDelta(t, 100.0, got[1].HPS(), 0.001)

	assert.Len(t, tl.Top(1), 1)
	assert.Equal(t, uint64(4), tl.Events())
	assert.Equal(t, t0, tl.Started())
}

func TestDPSFloorsWindowAtOneSecond(t *testing.T) {
	tot := Totals{Damage: 1000, First: t0, Last: t0.Add(10 * time.Millisecond)}
	assert.InDelta(t, 1000.0, tot.DPS(), 0.001)
	assert.Zero(t, Totals{}.CritRate())
}

func TestRecentRing(t *testing.T) {
	tl := NewTally(3)
	assert.Empty(t, tl.Recent(0))

	for i := int64(1); i <= 5; i++ {
		tl.Add(hit(1, i, time.Duration(i)*time.Second))
	}

	got := tl.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].Amount, got[1].Amount, got[2].Amount})

	got = tl.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Amount)
	assert.Equal(t, int64(5), got[1].Amount)
}

func TestSessionSwitch(t *testing.T) {
	tl := NewTally(4)
	tl.StartSession("a")
	ev := hit(1, 10, 0)
	ev.Session = "a"
	tl.Add(ev)

	tl.StartSession("a")
	assert.Len(t, tl.Totals(), 1, "restarting the same session keeps totals")

	ev.Session = "b"
	tl.Add(ev)
	assert.Equal(t, "b", tl.Session())
	assert.Equal(t, uint64(1), tl.Events())

	tl.Clear()
	assert.Empty(t, tl.Totals())
	assert.Empty(t, tl.Recent(0))
	assert.Equal(t, "b", tl.Session())
}

func TestAttach(t *testing.T) {
	bus := events.NewEventBus()
	tl := NewTally(4)
	tl.Attach(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventDetected, Payload: events.DetectionPayload{Session: "s1"}})
	bus.Emit(ctx, events.Event{Type: events.EventCombat, Payload: events.CombatEvent{Session: "s1", SourceID: 9, Amount: 42}})
	bus.Stop()

	assert.Equal(t, "s1", tl.Session())
	got := tl.Totals()
	require.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].Damage)
}

func TestAttachSubscriberNames(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	NewTally(10).Attach(bus)

	require.Equal(t, 1, bus.HandlerCount(events.EventCombat))
	bus.Unsubscribe(events.EventCombat, "meter.combat")
	bus.Unsubscribe(events.EventDetected, "meter.detected")
	assert.Zero(t, bus.HandlerCount(events.EventCombat))
	assert.Zero(t, bus.HandlerCount(events.EventDetected))
}
