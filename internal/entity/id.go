// Package entity tracks the identity of players and monsters seen in a
// game session and resolves entity ids to display names.
package entity

import "fmt"

// Role tags carried in the low 16 bits of an entity id.
const (
	TagPlayer     = 640
	TagMonster    = 64
	TagMonsterAlt = 32832
)

// Role classifies an entity id.
type Role int

const (
	RoleUnknown Role = iota
	RolePlayer
	RoleMonster
)

var roleStrings = map[Role]string{
	RoleUnknown: "Entity",
	RolePlayer:  "Player",
	RoleMonster: "Monster",
}

// String returns the display word for the role.
func (r Role) String() string {
	if s, ok := roleStrings[r]; ok {
		return s
	}
	return "Entity"
}

// ID is a raw 64-bit entity identifier as it appears on the wire.
type ID int64

// Role derives the role from the low 16-bit tag. Both monster tags seen in
// the protocol are accepted.
func (id ID) Role() Role {
	switch id & 0xffff {
	case TagPlayer:
		return RolePlayer
	case TagMonster, TagMonsterAlt:
		return RoleMonster
	default:
		return RoleUnknown
	}
}

// IsPlayer reports whether the id carries the player tag.
func (id ID) IsPlayer() bool { return id.Role() == RolePlayer }

// IsMonster reports whether the id carries a monster tag.
func (id ID) IsMonster() bool { return id.Role() == RoleMonster }

// PlayerUID returns the player display id (the id without its role tag).
func (id ID) PlayerUID() int64 { return int64(id) >> 16 }

// Placeholder returns the display string used for an id nobody has named yet.
func (id ID) Placeholder() string {
	return fmt.Sprintf("Unknown %s (%d)", id.Role(), int64(id))
}
