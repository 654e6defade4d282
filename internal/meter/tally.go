// Package meter keeps running totals of combat events per source for the
// operator console and the API. It does not infer encounters; totals span
// one bound session.
package meter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/starmeter-project/starmeter/internal/events"
)

// DefaultRecentSize is how many combat events Recent can return.
const DefaultRecentSize = 256

// Totals aggregates everything one source did during the session.
type Totals struct {
	SourceID int64     `json:"source_id"`
	Source   string    `json:"source"`
	Damage   int64     `json:"damage"`
	Heal     int64     `json:"heal"`
	Hits     uint64    `json:"hits"`
	Crits    uint64    `json:"crits"`
	Lucky    uint64    `json:"lucky"`
	Kills    uint64    `json:"kills"`
	MaxHit   int64     `json:"max_hit"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// DPS is damage per second between the first and last hit, with a floor of
// one second.
func (t Totals) DPS() float64 {
	return float64(t.Damage) / t.active().Seconds()
}

// HPS is healing per second over the same window as DPS.
func (t Totals) HPS() float64 {
	return float64(t.Heal) / t.active().Seconds()
}

// CritRate is the share of hits that were critical.
func (t Totals) CritRate() float64 {
	if t.Hits == 0 {
		return 0
	}
	return float64(t.Crits) / float64(t.Hits)
}

func (t Totals) active() time.Duration {
	d := t.Last.Sub(t.First)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Tally is safe for concurrent use.
type Tally struct {
	mu       sync.RWMutex
	session  string
	started  time.Time
	bySource map[int64]*Totals
	events   uint64

	recent []events.CombatEvent
	next   int
	filled bool
}

// NewTally keeps the last recentSize combat events for Recent.
func NewTally(recentSize int) *Tally {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	return &Tally{
		bySource: make(map[int64]*Totals),
		recent:   make([]events.CombatEvent, recentSize),
	}
}

// Add folds one combat event into the totals.
func (t *Tally) Add(ev events.CombatEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.Session != "" && ev.Session != t.session {
		t.resetLocked(ev.Session)
	}
	if t.started.IsZero() {
		t.started = ev.Timestamp
	}
	t.events++

	tot, ok := t.bySource[ev.SourceID]
	if !ok {
		tot = &Totals{SourceID: ev.SourceID, First: ev.Timestamp}
		t.bySource[ev.SourceID] = tot
	}
	tot.Source = ev.Source
	tot.Last = ev.Timestamp
	tot.Hits++
	if ev.IsHeal {
		tot.Heal += ev.Amount
	} else {
		tot.Damage += ev.Amount
		if ev.Amount > tot.MaxHit {
			tot.MaxHit = ev.Amount
		}
	}
	if ev.IsCrit {
		tot.Crits++
	}
	if ev.IsCauseLucky {
		tot.Lucky++
	}
	if ev.IsDead && !ev.IsHeal {
		tot.Kills++
	}

	t.recent[t.next] = ev
	t.next = (t.next + 1) % len(t.recent)
	if t.next == 0 {
		t.filled = true
	}
}

// StartSession switches the tally to session, dropping the previous totals.
// It is a no-op when session is already current.
func (t *Tally) StartSession(session string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session == t.session {
		return
	}
	t.resetLocked(session)
}

// Clear drops all totals but keeps the current session.
func (t *Tally) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(t.session)
}

func (t *Tally) resetLocked(session string) {
	t.session = session
	t.started = time.Time{}
	t.bySource = make(map[int64]*Totals)
	t.events = 0
	clear(t.recent)
	t.next = 0
	t.filled = false
}

// Session returns the session the totals belong to.
func (t *Tally) Session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

// Started returns the timestamp of the first event of the session.
func (t *Tally) Started() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Events returns how many combat events were folded in.
func (t *Tally) Events() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events
}

// Totals returns a copy of every source's totals, highest damage first,
// then highest healing.
func (t *Tally) Totals() []Totals {
	t.mu.RLock()
	out := make([]Totals, 0, len(t.bySource))
	for _, tot := range t.bySource {
		out = append(out, *tot)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Damage != out[j].Damage {
			return out[i].Damage > out[j].Damage
		}
		if out[i].Heal != out[j].Heal {
			return out[i].Heal > out[j].Heal
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// Top returns at most n entries of Totals.
func (t *Tally) Top(n int) []Totals {
	all := t.Totals()
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Recent returns up to n of the latest combat events, oldest first.
func (t *Tally) Recent(n int) []events.CombatEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.filled {
		size = len(t.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]events.CombatEvent, 0, n)
	start := t.next - n
	if start < 0 {
		start += len(t.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.recent[(start+i)%len(t.recent)])
	}
	return out
}

// Attach subscribes the tally to combat and detection events on bus. A new
// detection starts a fresh session; a release keeps the totals visible
// until then.
func (t *Tally) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventCombat, "meter.combat", func(_ context.Context, e events.Event) error {
		if ev, ok := e.Payload.(events.CombatEvent); ok {
			t.Add(ev)
		}
		return nil
	})
	bus.Subscribe(events.EventDetected, "meter.detected", func(_ context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.DetectionPayload); ok {
			t.StartSession(p.Session)
		}
		return nil
	})
}
