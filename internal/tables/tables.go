// Package tables holds the static id to name lookups for skills and monsters.
package tables

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// table is one id to name mapping loaded at most once.
type table struct {
	path    string
	once    sync.Once
	entries map[int64]string
}

func (t *table) get(logger zerolog.Logger, id int64) (string, bool) {
	t.once.Do(func() {
		if t.entries != nil {
			return
		}
		entries, err := loadFile(t.path)
		if err != nil {
			logger.Warn().Err(err).Str("path", t.path).Msg("Lookup table unavailable, using placeholders")
			entries = map[int64]string{}
		} else {
			logger.Info().Str("path", t.path).Int("entries", len(entries)).Msg("Lookup table loaded")
		}
		t.entries = entries
	})
	name, ok := t.entries[id]
	return name, ok
}

// Store resolves skill and monster ids to names. Files are read lazily on
// the first lookup; a missing or malformed file leaves the table empty.
type Store struct {
	skills   table
	monsters table
	logger   zerolog.Logger
}

// New creates a store backed by the two JSON files. Either path may be empty.
func New(skillPath, monsterPath string) *Store {
	return &Store{
		skills:   table{path: skillPath},
		monsters: table{path: monsterPath},
		logger:   log.With().Str("component", "tables").Logger(),
	}
}

// NewStatic creates a store from in-memory maps.
func NewStatic(skills, monsters map[int64]string) *Store {
	s := New("", "")
	s.skills.entries = copyMap(skills)
	s.monsters.entries = copyMap(monsters)
	return s
}

// SkillName returns the skill name or "Missing Skill (<id>)".
func (s *Store) SkillName(id int64) string {
	if name, ok := s.skills.get(s.logger, id); ok {
		return name
	}
	return fmt.Sprintf("Missing Skill (%d)", id)
}

// MonsterName returns the monster template name or "Unknown Monster (<id>)".
func (s *Store) MonsterName(id int64) string {
	if name, ok := s.monsters.get(s.logger, id); ok {
		return name
	}
	return fmt.Sprintf("Unknown Monster (%d)", id)
}

// loadFile reads a JSON object of the form {"<id>": "<name>"}.
func loadFile(path string) (map[int64]string, error) {
	if path == "" {
		return nil, fmt.Errorf("no path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse table: %w", err)
	}

	entries := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		entries[id] = v
	}
	return entries, nil
}

func copyMap(m map[int64]string) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
