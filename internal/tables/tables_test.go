package tables

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLookups(t *testing.T) {
	s := NewStatic(map[int64]string{1001: "Slash"}, map[int64]string{7: "Goblin"})

	assert.Equal(t, "Slash", s.SkillName(1001))
	assert.Equal(t, "Missing Skill (42)", s.SkillName(42))
	assert.Equal(t, "Goblin", s.MonsterName(7))
	assert.Equal(t, "Unknown Monster (8)", s.MonsterName(8))
}

func TestLazyFileLoad(t *testing.T) {
	dir := t.TempDir()
	skills := filepath.Join(dir, "skills.json")
	require.NoError(t, os.WriteFile(skills, []byte(`{"1": "Fireball", "x": "ignored"}`), 0644))

	s := New(skills, filepath.Join(dir, "missing.json"))

	// the file is read on first use, not at construction
	require.NoError(t, os.WriteFile(skills, []byte(`{"1": "Frostbolt"}`), 0644))
	assert.Equal(t, "Frostbolt", s.SkillName(1))

	// later edits are not picked up
	require.NoError(t, os.WriteFile(skills, []byte(`{"1": "Changed"}`), 0644))
	assert.Equal(t, "Frostbolt", s.SkillName(1))

	assert.Equal(t, "Unknown Monster (3)", s.MonsterName(3))
}

func TestMalformedFileYieldsPlaceholders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monsters.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))

	s := New("", path)
	assert.Equal(t, "Unknown Monster (5)", s.MonsterName(5))
	assert.Equal(t, "Missing Skill (5)", s.SkillName(5))
}

func TestElementName(t *testing.T) {
	tests := []struct {
		property int32
		want     string
	}{
		{0, "General"},
		{1, "Fire"},
		{3, "Electricity"},
		{8, "Dark"},
		{9, "Count"},
		{99, "General"},
		{-1, "General"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ElementName(tt.property))
	}
}
