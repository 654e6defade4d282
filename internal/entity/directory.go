package entity

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Record is what the directory knows about one entity. Records handed out
// by the directory are copies.
type Record struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"-"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	ClassID   int32     `json:"class_id,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory maps entity ids to names and classes for the lifetime of the
// process. Players are keyed by their display uid, monsters by their raw id.
// Later sightings overwrite earlier ones; nothing is ever removed.
type Directory struct {
	mu       sync.RWMutex
	players  map[int64]*Record
	monsters map[int64]*Record
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		players:  make(map[int64]*Record),
		monsters: make(map[int64]*Record),
		now:      time.Now,
		logger:   log.With().Str("component", "entities").Logger(),
	}
}

// Upsert records a display name for a raw entity id, routed by its role tag.
// Ids with an unknown role are ignored and false is returned.
func (d *Directory) Upsert(id ID, name string) bool {
	switch id.Role() {
	case RolePlayer:
		d.UpsertPlayerName(id.PlayerUID(), name)
	case RoleMonster:
		d.UpsertMonsterName(int64(id), name)
	default:
		return false
	}
	return true
}

// UpsertClass records the profession of the player behind a raw entity id.
func (d *Directory) UpsertClass(id ID, classID int32) bool {
	if !id.IsPlayer() {
		return false
	}
	d.UpsertPlayerClass(id.PlayerUID(), classID)
	return true
}

// UpsertPlayerName sets the name of a player by display uid.
func (d *Directory) UpsertPlayerName(uid int64, name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.recordLocked(d.players, uid, RolePlayer)
	if rec.Name != name {
		d.logger.Debug().Int64("uid", uid).Str("name", name).Msg("player named")
	}
	rec.Name = name
	rec.UpdatedAt = d.now()
}

// UpsertPlayerClass sets the profession of a player by display uid.
func (d *Directory) UpsertPlayerClass(uid int64, classID int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.recordLocked(d.players, uid, RolePlayer)
	rec.ClassID = classID
	rec.UpdatedAt = d.now()
}

// UpsertMonsterName sets the name of a monster by raw id.
func (d *Directory) UpsertMonsterName(uuid int64, name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.recordLocked(d.monsters, uuid, RoleMonster)
	rec.Name = name
	rec.UpdatedAt = d.now()
}

func (d *Directory) recordLocked(m map[int64]*Record, key int64, role Role) *Record {
	rec, ok := m[key]
	if !ok {
		now := d.now()
		rec = &Record{ID: key, Role: role, Kind: role.String(), FirstSeen: now, UpdatedAt: now}
		m[key] = rec
	}
	return rec
}

// Lookup returns a copy of the record for a raw entity id.
func (d *Directory) Lookup(id ID) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rec *Record
	switch id.Role() {
	case RolePlayer:
		rec = d.players[id.PlayerUID()]
	case RoleMonster:
		rec = d.monsters[int64(id)]
	}
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// Resolve returns the display name for a raw entity id, or a placeholder
// embedding the id and its role guess. It never fails.
func (d *Directory) Resolve(id ID) string {
	if rec, ok := d.Lookup(id); ok && rec.Name != "" {
		return rec.Name
	}
	return id.Placeholder()
}

// Players returns a copy of all player records, ordered by uid.
func (d *Directory) Players() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot(d.players)
}

// Monsters returns a copy of all monster records, ordered by id.
func (d *Directory) Monsters() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot(d.monsters)
}

// Restore seeds the directory with records loaded from storage. Entities
// already known are left alone. It returns how many records were added.
func (d *Directory) Restore(recs []Record) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for _, r := range recs {
		var m map[int64]*Record
		switch r.Role {
		case RolePlayer:
			m = d.players
		case RoleMonster:
			m = d.monsters
		default:
			continue
		}
		if _, ok := m[r.ID]; ok {
			continue
		}
		rec := r
		rec.Kind = r.Role.String()
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = rec.UpdatedAt
		}
		m[r.ID] = &rec
		added++
	}
	return added
}

// Len returns the number of players and monsters known.
func (d *Directory) Len() (players, monsters int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.players), len(d.monsters)
}

func snapshot(m map[int64]*Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
