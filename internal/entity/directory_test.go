package entity

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playerID(uid int64) ID  { return ID(uid<<16 | TagPlayer) }
func monsterID(n int64) ID   { return ID(n<<16 | TagMonster) }
func monsterAlt(n int64) ID  { return ID(n<<16 | TagMonsterAlt) }
func unknownID(n int64) ID   { return ID(n<<16 | 1) }

func TestRole(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want Role
	}{
		{name: "player", id: playerID(12345), want: RolePlayer},
		{name: "monster", id: monsterID(77), want: RoleMonster},
		{name: "monster alternate tag", id: monsterAlt(77), want: RoleMonster},
		{name: "unknown", id: unknownID(5), want: RoleUnknown},
		{name: "zero", id: 0, want: RoleUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Role())
		})
	}
	assert.Equal(t, int64(12345), playerID(12345).PlayerUID())
}

func TestResolveUnknownReturnsPlaceholder(t *testing.T) {
	d := NewDirectory()

	for _, id := range []ID{playerID(42), monsterID(9), unknownID(3)} {
		got := d.Resolve(id)
		assert.Contains(t, got, strconv.FormatInt(int64(id), 10))
		assert.Contains(t, got, id.Role().String())
	}
	assert.Equal(t, "Unknown Player (2753152)", d.Resolve(playerID(42)))
}

func TestUpsertThenResolve(t *testing.T) {
	d := NewDirectory()

	id := playerID(1001)
	require.True(t, d.Upsert(id, "Alice"))
	assert.Equal(t, "Alice", d.Resolve(id))

	// later sightings overwrite
	require.True(t, d.Upsert(id, "Alicia"))
	assert.Equal(t, "Alicia", d.Resolve(id))

	m := monsterID(55)
	require.True(t, d.Upsert(m, "Goblin"))
	assert.Equal(t, "Goblin", d.Resolve(m))

	assert.False(t, d.Upsert(unknownID(1), "Nobody"))

	players, monsters := d.Len()
	assert.Equal(t, 1, players)
	assert.Equal(t, 1, monsters)
}

func TestPlayerNamespaceKeyedByUID(t *testing.T) {
	d := NewDirectory()

	d.UpsertPlayerName(1001, "Bob")
	d.UpsertPlayerClass(1001, 4)

	rec, ok := d.Lookup(playerID(1001))
	require.True(t, ok)
	assert.Equal(t, "Bob", rec.Name)
	assert.Equal(t, int32(4), rec.ClassID)
	assert.Equal(t, "Player", rec.Kind)

	assert.True(t, d.UpsertClass(playerID(1001), 7))
	rec, _ = d.Lookup(playerID(1001))
	assert.Equal(t, int32(7), rec.ClassID)
	assert.False(t, d.UpsertClass(monsterID(1), 7))
}

func TestSnapshotsAreCopies(t *testing.T) {
	d := NewDirectory()
	d.UpsertMonsterName(int64(monsterID(1)), "Slime")

	snap := d.Monsters()
	require.Len(t, snap, 1)
	snap[0].Name = "mutated"

	assert.Equal(t, "Slime", d.Resolve(monsterID(1)))
	assert.Empty(t, d.Players())
}

func TestEmptyNameIgnored(t *testing.T) {
	d := NewDirectory()
	d.UpsertPlayerName(1, "")
	players, _ := d.Len()
	assert.Zero(t, players)
}

func TestRestoreKeepsLiveEntries(t *testing.T) {
	d := NewDirectory()
	d.UpsertPlayerName(1, "Live")

	added := d.Restore([]Record{
		{ID: 1, Role: RolePlayer, Name: "Stale"},
		{ID: 2, Role: RolePlayer, Name: "Carol"},
		{ID: int64(monsterID(3)), Role: RoleMonster, Name: "Boar"},
		{ID: 4, Role: RoleUnknown, Name: "Nobody"},
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, "Live", d.Resolve(playerID(1)))
	assert.Equal(t, "Carol", d.Resolve(playerID(2)))
	assert.Equal(t, "Boar", d.Resolve(monsterID(3)))

	rec, ok := d.Lookup(playerID(2))
	require.True(t, ok)
	assert.Equal(t, "Player", rec.Kind)
}
