package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func openLog(t *testing.T) *CombatLog {
	t.Helper()
	cl, err := NewCombatLog(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func combat(session string, src int64, amount int64, at time.Duration) events.CombatEvent {
	return events.CombatEvent{
		Timestamp: t0.Add(at),
		Session:   session,
		SourceID:  src,
		Source:    "P" + string(rune('0'+src)),
		TargetID:  99,
		Target:    "Slime",
		SkillID:   1201,
		Skill:     "Slash",
		Amount:    amount,
		Element:   "Fire",
		Extras:    []string{events.ExtraNormal},
	}
}

func TestSessionLifecycle(t *testing.T) {
	cl := openLog(t)

	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "s1", Flow: "a -> b", Method: "FrameDown Notify", Time: t0}))
	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "s1", Flow: "c -> d", Time: t0.Add(time.Hour)}))

	crit := combat("s1", 1, 500, time.Second)
	crit.IsCrit = true
	crit.Extras = []string{events.ExtraCrit, events.ExtraCauseLucky}
	heal := combat("s1", 2, 80, 2*time.Second)
	heal.IsHeal = true

	n, err := cl.InsertEvents([]events.CombatEvent{combat("s1", 1, 100, 0), crit, heal, combat("", 3, 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, cl.EndSession(events.ResetPayload{Session: "s1", Reason: "inactivity", Time: t0.Add(time.Minute)}))

	sessions, err := cl.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a -> b", sessions[0].Flow, "an existing session keeps its flow")
	assert.Equal(t, t0, sessions[0].StartedAt)
	assert.Equal(t, t0.Add(time.Minute), sessions[0].EndedAt)
	assert.Equal(t, "inactivity", sessions[0].EndReason)
	assert.Equal(t, int64(3), sessions[0].Events)

	recent, err := cl.RecentEvents("s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(500), recent[0].Amount)
	assert.True(t, recent[0].IsCrit)
	assert.Equal(t, []string{events.ExtraCrit, events.ExtraCauseLucky}, recent[0].Extras)
	assert.Equal(t, int32(1201), recent[0].SkillID)
	assert.True(t, recent[1].IsHeal)
	assert.Equal(t, events.SwingHeal, recent[1].Swing)
	assert.Equal(t, t0.Add(2*time.Second), recent[1].Timestamp)

	totals, err := cl.SessionTotals("s1")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, SourceTotal{SourceID: 1, Source: "P1", Damage: 600, Hits: 2, Crits: 1}, totals[0])
	assert.Equal(t, int64(80), totals[1].Heal)
}

func TestPlaceholderSessionCompleted(t *testing.T) {
	cl := openLog(t)

	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "s2", Time: t0.Add(time.Second)}))
	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "s2", Flow: "x -> y", Method: "Login Return", Time: t0}))

	sessions, err := cl.Sessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "x -> y", sessions[0].Flow)
	assert.Equal(t, "Login Return", sessions[0].Method)
	assert.Equal(t, t0, sessions[0].StartedAt)
}

func TestEntitiesRoundTrip(t *testing.T) {
	cl := openLog(t)

	require.NoError(t, cl.SaveEntities([]entity.Record{
		{ID: 1, Role: entity.RolePlayer, Name: "Alice", ClassID: 3, UpdatedAt: t0},
		{ID: 5<<16 | entity.TagMonster, Role: entity.RoleMonster, Name: "Slime", UpdatedAt: t0},
	}))
	// a class-only update keeps the stored name
	require.NoError(t, cl.SaveEntities([]entity.Record{
		{ID: 1, Role: entity.RolePlayer, ClassID: 4, UpdatedAt: t0.Add(time.Second)},
	}))

	recs, err := cl.LoadEntities()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byRole := map[entity.Role]entity.Record{}
	for _, r := range recs {
		byRole[r.Role] = r
	}
	assert.Equal(t, "Alice", byRole[entity.RolePlayer].Name)
	assert.Equal(t, int32(4), byRole[entity.RolePlayer].ClassID)
	assert.Equal(t, "Slime", byRole[entity.RoleMonster].Name)

	dir := entity.NewDirectory()
	assert.Equal(t, 2, dir.Restore(recs))
	assert.Equal(t, "Alice", dir.Resolve(entity.ID(1<<16|entity.TagPlayer)))
}

func TestPrune(t *testing.T) {
	cl := openLog(t)
	now := t0.AddDate(0, 0, 10)

	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "old", Flow: "f", Time: t0}))
	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "new", Flow: "f", Time: now.Add(-time.Hour)}))
	_, err := cl.InsertEvents([]events.CombatEvent{combat("old", 1, 1, 0), combat("new", 1, 2, 0)})
	require.NoError(t, err)

	n, err := cl.Prune(0, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = cl.Prune(7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sessions, err := cl.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].ID)

	old, err := cl.RecentEvents("old", 10)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "combat.db")
	cl, err := NewCombatLog(path)
	require.NoError(t, err)
	require.NoError(t, cl.StartSession(events.DetectionPayload{Session: "s", Flow: "f", Time: t0}))
	require.NoError(t, cl.Close())

	cl, err = NewCombatLog(path)
	require.NoError(t, err)
	defer cl.Close()
	sessions, err := cl.Sessions(1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestWriterBatches(t *testing.T) {
	cl := openLog(t)
	dir := entity.NewDirectory()
	dir.UpsertPlayerName(1, "Alice")
	w := NewWriter(cl, dir, 2)

	require.NoError(t, w.Add(combat("s1", 1, 10, 0)))
	stored, _ := w.Stats()
	assert.Zero(t, stored)

	require.NoError(t, w.Add(combat("s1", 1, 20, time.Second)))
	stored, failed := w.Stats()
	assert.Equal(t, uint64(2), stored)
	assert.Zero(t, failed)

	require.NoError(t, w.Add(combat("s1", 1, 30, 2*time.Second)))
	require.NoError(t, w.Flush())

	totals, err := cl.SessionTotals("s1")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(60), totals[0].Damage)

	recs, err := cl.LoadEntities()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Alice", recs[0].Name)
}

func TestWriterAttach(t *testing.T) {
	cl := openLog(t)
	w := NewWriter(cl, nil, 100)
	bus := events.NewEventBus()
	w.Attach(bus)

	ctx := context.Background()
	bus.Emit(ctx, events.Event{Type: events.EventDetected, Payload: events.DetectionPayload{Session: "s1", Flow: "a -> b", Time: t0}})
	bus.Emit(ctx, events.Event{Type: events.EventCombat, Payload: combat("s1", 1, 10, 0)})
	bus.Stop()
	require.NoError(t, w.Flush())

	bus = events.NewEventBus()
	w.Attach(bus)
	bus.Emit(ctx, events.Event{Type: events.EventReset, Payload: events.ResetPayload{Session: "s1", Reason: "manual", Time: t0.Add(time.Minute)}})
	bus.Stop()

	sessions, err := cl.Sessions(1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "a -> b", sessions[0].Flow)
	assert.Equal(t, "manual", sessions[0].EndReason)
	assert.Equal(t, int64(1), sessions[0].Events)
}

func TestMigrate(t *testing.T) {
	d, err := NewDatabase(MemoryPath)
	require.NoError(t, err)
	defer d.Close()

	v, err := d.Version()
	require.NoError(t, err)
	assert.Zero(t, v)

	steps := []string{
		"CREATE TABLE a (x INTEGER)",
		"CREATE TABLE b (y INTEGER)",
	}
	n, err := d.Migrate(steps[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.Migrate(steps)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the new step runs")

	n, err = d.Migrate(steps)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = d.Migrate(append(steps, "NOT SQL"))
	require.Error(t, err)
	v, err = d.Version()
	require.NoError(t, err)
	assert.Equal(t, 2, v, "a failed step keeps the previous version")

	_, err = d.Migrate(steps[:1])
	assert.ErrorContains(t, err, "newer than this build")
}

func TestWriterSubscriberNames(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	NewWriter(openLog(t), nil, 10).Attach(bus)

	for typ, name := range map[events.EventType]string{
		events.EventDetected: "combatlog.session",
		events.EventReset:    "combatlog.reset",
		events.EventCombat:   "combatlog.combat",
	} {
		require.Equal(t, 1, bus.HandlerCount(typ), name)
		bus.Unsubscribe(typ, name)
		assert.Zero(t, bus.HandlerCount(typ), name)
	}
}
