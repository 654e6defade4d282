package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
)

const extrasSep = "|"

// CombatLog stores bound sessions, their combat events and the entity names
// learned along the way.
type CombatLog struct {
	db *Database
}

// SessionRecord is one bound game flow.
type SessionRecord struct {
	ID        string    `json:"id"`
	Flow      string    `json:"flow"`
	Method    string    `json:"method"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
	Events    int64     `json:"events"`
}

// SourceTotal is the stored damage and healing of one source in a session.
type SourceTotal struct {
	SourceID int64  `json:"source_id"`
	Source   string `json:"source"`
	Damage   int64  `json:"damage"`
	Heal     int64  `json:"heal"`
	Hits     int64  `json:"hits"`
	Crits    int64  `json:"crits"`
}

// NewCombatLog opens the database at dbPath and migrates the schema.
func NewCombatLog(dbPath string) (*CombatLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	cl := &CombatLog{db: database}
	if err := cl.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate combat log: %w", err)
	}
	return cl, nil
}

// Close closes the underlying database.
func (cl *CombatLog) Close() error {
	return cl.db.Close()
}

// schema holds one entry per schema version, applied in order.
var schema = []string{
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		flow TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS combat_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		source_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		target_id INTEGER NOT NULL,
		target TEXT NOT NULL,
		skill_id INTEGER NOT NULL,
		skill TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		hp_lessen INTEGER NOT NULL DEFAULT 0,
		is_crit INTEGER NOT NULL DEFAULT 0,
		is_cause_lucky INTEGER NOT NULL DEFAULT 0,
		is_heal INTEGER NOT NULL DEFAULT 0,
		is_dead INTEGER NOT NULL DEFAULT 0,
		element TEXT NOT NULL DEFAULT '',
		damage_source TEXT NOT NULL DEFAULT '',
		extras TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_combat_events_session ON combat_events(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`,
	`
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		entity_key INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		class_id INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, entity_key)
	);
	`,
}

func (cl *CombatLog) migrate() error {
	n, err := cl.db.Migrate(schema)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("applied", n).Int("version", len(schema)).Msg("database schema migrated")
	}
	return nil
}

// StartSession records a newly bound flow. A row created earlier without a
// flow is completed; recording the same session twice is harmless.
func (cl *CombatLog) StartSession(p events.DetectionPayload) error {
	_, err := cl.db.Exec(`
		INSERT INTO sessions (id, flow, method, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow = excluded.flow,
			method = excluded.method,
			started_at = excluded.started_at
		WHERE sessions.flow = '' AND excluded.flow <> ''`,
		p.Session, p.Flow, p.Method, millis(p.Time))
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", p.Session, err)
	}
	return nil
}

// EndSession marks a session released.
func (cl *CombatLog) EndSession(p events.ResetPayload) error {
	_, err := cl.db.Exec(
		"UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?",
		millis(p.Time), p.Reason, p.Session)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", p.Session, err)
	}
	return nil
}

// InsertEvents stores a batch of combat events in one transaction. Events
// without a session are skipped.
func (cl *CombatLog) InsertEvents(evs []events.CombatEvent) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}

	stored := 0
	err := cl.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO combat_events (
				session_id, ts, source_id, source, target_id, target, skill_id, skill,
				amount, hp_lessen, is_crit, is_cause_lucky, is_heal, is_dead,
				element, damage_source, extras
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range evs {
			if ev.Session == "" {
				continue
			}
			_, err := stmt.Exec(
				ev.Session, millis(ev.Timestamp), ev.SourceID, ev.Source, ev.TargetID, ev.Target,
				ev.SkillID, ev.Skill, ev.Amount, ev.HPLessen,
				ev.IsCrit, ev.IsCauseLucky, ev.IsHeal, ev.IsDead,
				ev.Element, ev.DamageSource, strings.Join(ev.Extras, extrasSep))
			if err != nil {
				return fmt.Errorf("failed to insert combat event: %w", err)
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// SaveEntities upserts every record.
func (cl *CombatLog) SaveEntities(recs []entity.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return cl.db.Transaction(func(tx *sql.Tx) error {
		for _, r := range recs {
			_, err := tx.Exec(`
				INSERT INTO entities (kind, entity_key, name, class_id, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(kind, entity_key) DO UPDATE SET
					name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE entities.name END,
					class_id = CASE WHEN excluded.class_id <> 0 THEN excluded.class_id ELSE entities.class_id END,
					updated_at = excluded.updated_at`,
				r.Role.String(), r.ID, r.Name, r.ClassID, millis(r.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to save entity %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// LoadEntities returns every stored entity.
func (cl *CombatLog) LoadEntities() ([]entity.Record, error) {
	rows, err := cl.db.Query("SELECT kind, entity_key, name, class_id, updated_at FROM entities ORDER BY kind, entity_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Record
	for rows.Next() {
		var (
			kind    string
			r       entity.Record
			updated int64
		)
		if err := rows.Scan(&kind, &r.ID, &r.Name, &r.ClassID, &updated); err != nil {
			return nil, err
		}
		r.Role = roleFromString(kind)
		r.Kind = kind
		r.UpdatedAt = fromMillis(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions returns the latest sessions first.
func (cl *CombatLog) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := cl.db.Query(`
		SELECT s.id, s.flow, s.method, s.started_at, s.ended_at, s.end_reason,
			(SELECT COUNT(*) FROM combat_events e WHERE e.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			s              SessionRecord
			started, ended int64
		)
		if err := rows.Scan(&s.ID, &s.Flow, &s.Method, &started, &ended, &s.EndReason, &s.Events); err != nil {
			return nil, err
		}
		s.StartedAt = fromMillis(started)
		s.EndedAt = fromMillis(ended)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentEvents returns up to limit events of a session, oldest first.
func (cl *CombatLog) RecentEvents(session string, limit int) ([]events.CombatEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := cl.db.Query(`
		SELECT * FROM (
			SELECT id, ts, source_id, source, target_id, target, skill_id, skill, amount, hp_lessen,
				is_crit, is_cause_lucky, is_heal, is_dead, element, damage_source, extras
			FROM combat_events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.CombatEvent
	for rows.Next() {
		var (
			id     int64
			ts     int64
			extras string
			ev     = events.CombatEvent{Session: session}
		)
		if err := rows.Scan(&id, &ts, &ev.SourceID, &ev.Source, &ev.TargetID, &ev.Target,
			&ev.SkillID, &ev.Skill, &ev.Amount, &ev.HPLessen,
			&ev.IsCrit, &ev.IsCauseLucky, &ev.IsHeal, &ev.IsDead,
			&ev.Element, &ev.DamageSource, &extras); err != nil {
			return nil, err
		}
		ev.Timestamp = fromMillis(ts)
		if extras != "" {
			ev.Extras = strings.Split(extras, extrasSep)
		}
		if ev.IsHeal {
			ev.Swing = events.SwingHeal
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SessionTotals sums the stored events of a session per source, highest
// damage first.
func (cl *CombatLog) SessionTotals(session string) ([]SourceTotal, error) {
	rows, err := cl.db.Query(`
		SELECT source_id, MAX(source),
			SUM(CASE WHEN is_heal = 0 THEN amount ELSE 0 END),
			SUM(CASE WHEN is_heal = 1 THEN amount ELSE 0 END),
			COUNT(*),
			SUM(is_crit)
		FROM combat_events
		WHERE session_id = ?
		GROUP BY source_id
		ORDER BY 3 DESC, 4 DESC, source_id`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceTotal
	for rows.Next() {
		var t SourceTotal
		if err := rows.Scan(&t.SourceID, &t.Source, &t.Damage, &t.Heal, &t.Hits, &t.Crits); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes sessions that started more than days ago, together with
// their events. It returns the number of sessions removed.
func (cl *CombatLog) Prune(days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := millis(now.AddDate(0, 0, -days))

	var n int64
	err := cl.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM combat_events WHERE session_id IN (SELECT id FROM sessions WHERE started_at < ?)", cutoff); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM sessions WHERE started_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if n > 0 {
		log.Info().Int64("sessions", n).Int("retention_days", days).Msg("pruned combat log")
	}
	return n, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func roleFromString(kind string) entity.Role {
	switch kind {
	case entity.RolePlayer.String():
		return entity.RolePlayer
	case entity.RoleMonster.String():
		return entity.RoleMonster
	}
	return entity.RoleUnknown
}
