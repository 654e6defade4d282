package game

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/tables"
)

// Sink receives everything the interpreter produces.
type Sink interface {
	Combat(ev events.CombatEvent)
	Status(msg string)
	CurrentUser(uuid int64)
}

// Stats counts interpreter activity.
type Stats struct {
	Payloads     uint64 `json:"payloads"`
	Ignored      uint64 `json:"ignored"`
	DecodeErrors uint64 `json:"decode_errors"`
	Damage       uint64 `json:"damage"`
	Heals        uint64 `json:"heals"`
	Skipped      uint64 `json:"skipped_records"`
}

type counters struct {
	payloads, ignored, decodeErrors, damage, heals, skipped atomic.Uint64
}

// Interpreter dispatches notify payloads by method id. OnPayload must be
// called from one goroutine at a time; the read accessors are safe from
// any goroutine.
type Interpreter struct {
	dir         *entity.Directory
	tables      *tables.Store
	sink        Sink
	now         func() time.Time
	currentUser atomic.Int64
	counters    counters
	logger      zerolog.Logger
}

// NewInterpreter wires the interpreter to its directory, lookup tables and sink.
func NewInterpreter(dir *entity.Directory, tbl *tables.Store, sink Sink) *Interpreter {
	if dir == nil {
		dir = entity.NewDirectory()
	}
	if tbl == nil {
		tbl = tables.NewStatic(nil, nil)
	}
	return &Interpreter{
		dir:    dir,
		tables: tbl,
		sink:   sink,
		now:    time.Now,
		logger: log.With().Str("component", "interpreter").Logger(),
	}
}

// SetClock overrides the event timestamp source.
func (it *Interpreter) SetClock(now func() time.Time) { it.now = now }

// CurrentUser returns the local player's raw entity id, or 0 if unknown.
func (it *Interpreter) CurrentUser() int64 { return it.currentUser.Load() }

// OnPayload handles one notify payload. Unknown methods are ignored.
func (it *Interpreter) OnPayload(methodID uint32, payload []byte) {
	it.counters.payloads.Add(1)

	method := Method(methodID)
	var err error
	switch method {
	case MethodSyncNearEntities:
		err = it.syncNearEntities(payload)
	case MethodSyncContainerData:
		err = it.syncContainerData(payload)
	case MethodSyncNearDeltaInfo:
		err = it.syncNearDeltaInfo(payload)
	case MethodSyncToMeDeltaInfo:
		err = it.syncToMeDeltaInfo(payload)
	case MethodSyncContainerDirtyData, MethodSyncServerTime:
		// the local player is labelled YOU, so dirty data adds nothing
		it.counters.ignored.Add(1)
	default:
		it.counters.ignored.Add(1)
	}

	if err != nil {
		it.counters.decodeErrors.Add(1)
		it.status(fmt.Sprintf("Failed to decode %s: %v", method, err))
	}
}

func (it *Interpreter) syncNearEntities(payload []byte) error {
	m, err := DecodeSyncNearEntities(payload)
	if err != nil {
		return err
	}
	for _, e := range m.Appear {
		if e.Attrs == nil {
			continue
		}
		switch e.Type {
		case EntityMonster:
			it.monsterAttrs(e.UUID, e.Attrs.Attrs)
		case EntityChar:
			it.playerAttrs(entity.ID(e.UUID).PlayerUID(), e.Attrs.Attrs)
		}
	}
	return nil
}

func (it *Interpreter) syncContainerData(payload []byte) error {
	m, err := DecodeSyncContainerData(payload)
	if err != nil {
		return err
	}
	if m.Char == nil || !m.Char.HasBase {
		return nil
	}
	if name := sanitizeName(m.Char.Name); name != "" {
		it.dir.UpsertPlayerName(m.Char.CharID, name)
	}
	it.dir.UpsertPlayerClass(m.Char.CharID, m.Char.ProfessionID)
	return nil
}

func (it *Interpreter) syncNearDeltaInfo(payload []byte) error {
	m, err := DecodeSyncNearDeltaInfo(payload)
	if err != nil {
		return err
	}
	for i := range m.Deltas {
		it.delta(&m.Deltas[i])
	}
	return nil
}

func (it *Interpreter) syncToMeDeltaInfo(payload []byte) error {
	m, err := DecodeSyncToMeDeltaInfo(payload)
	if err != nil {
		return err
	}
	if m.Delta == nil {
		return nil
	}

	if uuid := m.Delta.UUID; uuid != 0 && it.currentUser.Swap(uuid) != uuid {
		it.status(fmt.Sprintf("Got player UUID! UUID: %d", uuid))
		if it.sink != nil {
			it.sink.CurrentUser(uuid)
		}
	}

	it.delta(m.Delta.Base)
	return nil
}

func (it *Interpreter) delta(d *AoiSyncDelta) {
	if d == nil || d.UUID == 0 {
		return
	}
	target := entity.ID(d.UUID)

	if d.Attrs != nil {
		switch target.Role() {
		case entity.RolePlayer:
			it.playerAttrs(target.PlayerUID(), d.Attrs.Attrs)
		case entity.RoleMonster:
			it.monsterAttrs(d.UUID, d.Attrs.Attrs)
		}
	}

	if d.Effects == nil {
		return
	}
	for _, raw := range d.Effects.Damages {
		it.damage(raw, target)
	}
}

// display resolves an entity id for output, labelling the local player.
func (it *Interpreter) display(id int64) string {
	if id != 0 && id == it.currentUser.Load() {
		return YouLabel
	}
	return it.dir.Resolve(entity.ID(id))
}

func (it *Interpreter) status(msg string) {
	it.logger.Debug().Msg(msg)
	if it.sink != nil {
		it.sink.Status(msg)
	}
}

// Stats returns a copy of the counters.
func (it *Interpreter) Stats() Stats {
	return Stats{
		Payloads:     it.counters.payloads.Load(),
		Ignored:      it.counters.ignored.Load(),
		DecodeErrors: it.counters.decodeErrors.Load(),
		Damage:       it.counters.damage.Load(),
		Heals:        it.counters.heals.Load(),
		Skipped:      it.counters.skipped.Load(),
	}
}
