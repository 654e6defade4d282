package db

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
)

// DefaultBatchSize is how many combat events are buffered before a write.
const DefaultBatchSize = 128

// Writer buffers combat events from the bus and stores them in batches.
type Writer struct {
	log   *CombatLog
	dir   *entity.Directory
	batch int

	mu      sync.Mutex
	pending []events.CombatEvent
	stored  uint64
	failed  uint64

	logger zerolog.Logger
}

// NewWriter creates a writer. dir, when set, is persisted on every Flush.
func NewWriter(cl *CombatLog, dir *entity.Directory, batch int) *Writer {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Writer{
		log:    cl,
		dir:    dir,
		batch:  batch,
		logger: log.With().Str("component", "combatlog").Logger(),
	}
}

// Attach subscribes the writer to session and combat events on bus.
func (w *Writer) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventDetected, "combatlog.session", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.DetectionPayload)
		if !ok {
			return nil
		}
		return w.log.StartSession(p)
	})
	bus.Subscribe(events.EventReset, "combatlog.reset", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ResetPayload)
		if !ok {
			return nil
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return w.log.EndSession(p)
	})
	bus.Subscribe(events.EventCombat, "combatlog.combat", func(_ context.Context, e events.Event) error {
		if ev, ok := e.Payload.(events.CombatEvent); ok {
			return w.Add(ev)
		}
		return nil
	})
}

// Add buffers ev and writes the buffer once it is full.
func (w *Writer) Add(ev events.CombatEvent) error {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	full := len(w.pending) >= w.batch
	w.mu.Unlock()

	if full {
		return w.flushEvents()
	}
	return nil
}

// Flush writes buffered events and the entity directory.
func (w *Writer) Flush() error {
	if err := w.flushEvents(); err != nil {
		return err
	}
	if w.dir == nil {
		return nil
	}
	recs := append(w.dir.Players(), w.dir.Monsters()...)
	return w.log.SaveEntities(recs)
}

func (w *Writer) flushEvents() error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// a combat event may overtake its session row on the bus
	for _, s := range sessionsOf(batch) {
		if err := w.log.StartSession(events.DetectionPayload{Session: s, Time: batch[0].Timestamp}); err != nil {
			return err
		}
	}

	n, err := w.log.InsertEvents(batch)

	w.mu.Lock()
	if err != nil {
		w.failed += uint64(len(batch))
	} else {
		w.stored += uint64(n)
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn().Err(err).Int("events", len(batch)).Msg("Failed to store combat events")
		return err
	}
	w.logger.Debug().Int("events", n).Msg("Stored combat events")
	return nil
}

// Stats returns how many events were stored and how many were lost.
func (w *Writer) Stats() (stored, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stored, w.failed
}

func sessionsOf(evs []events.CombatEvent) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ev := range evs {
		if ev.Session != "" && !seen[ev.Session] {
			seen[ev.Session] = true
			out = append(out, ev.Session)
		}
	}
	return out
}
