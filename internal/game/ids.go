// Package game interprets decoded notify payloads: entity sightings, the
// local character snapshot and damage/heal records.
package game

import "strconv"

// Method is a notify method id.
type Method uint32

const (
	MethodSyncNearEntities       Method = 0x06
	MethodSyncContainerData      Method = 0x15
	MethodSyncContainerDirtyData Method = 0x16
	MethodSyncServerTime         Method = 0x2b
	MethodSyncNearDeltaInfo      Method = 0x2d
	MethodSyncToMeDeltaInfo      Method = 0x2e
)

var methodStrings = map[Method]string{
	MethodSyncNearEntities:       "SyncNearEntities",
	MethodSyncContainerData:      "SyncContainerData",
	MethodSyncContainerDirtyData: "SyncContainerDirtyData",
	MethodSyncServerTime:         "SyncServerTime",
	MethodSyncNearDeltaInfo:      "SyncNearDeltaInfo",
	MethodSyncToMeDeltaInfo:      "SyncToMeDeltaInfo",
}

func (m Method) String() string {
	if s, ok := methodStrings[m]; ok {
		return s
	}
	return "Method(0x" + strconv.FormatUint(uint64(m), 16) + ")"
}

// Attribute ids.
const (
	AttrName         int32 = 0x01
	AttrID           int32 = 0x0a // monster template id
	AttrProfessionID int32 = 0xdc
)

// Entity types on an appear record.
const (
	EntityMonster int32 = 1
	EntityChar    int32 = 10
)

// DamageTypeHeal is the damage type value of a heal.
const DamageTypeHeal int32 = 2

// DamageSource says what produced a damage record.
type DamageSource int32

const (
	DamageSourceSkill      DamageSource = 0
	DamageSourceBullet     DamageSource = 1
	DamageSourceBuff       DamageSource = 2
	DamageSourceFall       DamageSource = 3
	DamageSourceFakeBullet DamageSource = 4
	DamageSourceOther      DamageSource = 100
)

var damageSourceStrings = map[DamageSource]string{
	DamageSourceSkill:      "Skill",
	DamageSourceBullet:     "Bullet",
	DamageSourceBuff:       "Buff",
	DamageSourceFall:       "Fall",
	DamageSourceFakeBullet: "FakeBullet",
	DamageSourceOther:      "Other",
}

func (d DamageSource) String() string {
	if s, ok := damageSourceStrings[d]; ok {
		return s
	}
	return strconv.Itoa(int(d))
}

// Type flag bits on a damage record. The crit bit has not been confirmed
// against server documentation.
const (
	FlagCrit       int32 = 1 << 0
	FlagCauseLucky int32 = 1 << 2
)

// YouLabel replaces the local player's name in combat events.
const YouLabel = "YOU"
