package game

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Attr is one entity attribute; Raw holds the attribute's encoded value.
type Attr struct {
	ID  int32
	Raw []byte
}

// AttrCollection is the attribute set of one entity.
type AttrCollection struct {
	UUID  int64
	Attrs []Attr
}

// Entity is one newly visible entity.
type Entity struct {
	UUID  int64
	Type  int32
	Attrs *AttrCollection
}

// SyncNearEntities lists entities that came into view.
type SyncNearEntities struct {
	Appear []Entity
}

// CharSerialize is the subset of the local character snapshot that is used.
type CharSerialize struct {
	CharID       int64
	Name         string
	HasBase      bool
	ProfessionID int32
}

// SyncContainerData carries the local character snapshot.
type SyncContainerData struct {
	Char *CharSerialize
}

// SyncDamageInfo is one damage or heal record.
type SyncDamageInfo struct {
	DamageSource  int32
	IsMiss        bool
	IsCrit        bool
	Type          int32
	TypeFlag      int32
	Value         int64
	ActualValue   int64
	LuckyValue    int64
	HPLessen      int64
	ShieldLessen  int64
	AttackerUUID  int64
	OwnerID       int32
	OwnerLevel    int32
	OwnerStage    int32
	HitEventID    int32
	IsNormal      bool
	IsDead        bool
	Property      int32
	TopSummonerID int64
}

// SkillEffect groups the damage records hitting one entity. Damages are
// kept encoded so that each record decodes, and fails, on its own.
type SkillEffect struct {
	UUID    int64
	Damages [][]byte
}

// AoiSyncDelta is the change set for one entity.
type AoiSyncDelta struct {
	UUID    int64
	Attrs   *AttrCollection
	Effects *SkillEffect
}

// AoiSyncToMeDelta is the change set addressed to the local player.
type AoiSyncToMeDelta struct {
	Base *AoiSyncDelta
	UUID int64
}

// SyncNearDeltaInfo batches deltas for nearby entities.
type SyncNearDeltaInfo struct {
	Deltas []AoiSyncDelta
}

// SyncToMeDeltaInfo wraps the local player's delta.
type SyncToMeDeltaInfo struct {
	Delta *AoiSyncToMeDelta
}

func decodeAttr(b []byte) (Attr, error) {
	var a Attr
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			a.ID = f.int32()
		case 2:
			if err := expectBytes(f); err != nil {
				return err
			}
			a.Raw = f.raw
		}
		return nil
	})
	return a, err
}

func decodeAttrCollection(b []byte) (*AttrCollection, error) {
	c := &AttrCollection{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			c.UUID = f.int64()
		case 2:
			if err := expectBytes(f); err != nil {
				return err
			}
			a, err := decodeAttr(f.raw)
			if err != nil {
				return fmt.Errorf("attr: %w", err)
			}
			c.Attrs = append(c.Attrs, a)
		}
		return nil
	})
	return c, err
}

func decodeEntity(b []byte) (Entity, error) {
	var e Entity
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			e.UUID = f.int64()
		case 2:
			e.Type = f.int32()
		case 3:
			if err := expectBytes(f); err != nil {
				return err
			}
			attrs, err := decodeAttrCollection(f.raw)
			if err != nil {
				return err
			}
			e.Attrs = attrs
		}
		return nil
	})
	return e, err
}

// DecodeSyncNearEntities parses an entity-appear notification.
func DecodeSyncNearEntities(b []byte) (SyncNearEntities, error) {
	var m SyncNearEntities
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := expectBytes(f); err != nil {
			return err
		}
		e, err := decodeEntity(f.raw)
		if err != nil {
			return fmt.Errorf("entity: %w", err)
		}
		m.Appear = append(m.Appear, e)
		return nil
	})
	return m, err
}

func decodeCharSerialize(b []byte) (*CharSerialize, error) {
	c := &CharSerialize{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			c.CharID = f.int64()
		case 2:
			if err := expectBytes(f); err != nil {
				return err
			}
			c.HasBase = true
			return walk(f.raw, func(bf field) error {
				if bf.num == 5 && bf.typ == protowire.BytesType {
					c.Name = string(bf.raw)
				}
				return nil
			})
		case 61:
			if err := expectBytes(f); err != nil {
				return err
			}
			return walk(f.raw, func(pf field) error {
				if pf.num == 1 {
					c.ProfessionID = pf.int32()
				}
				return nil
			})
		}
		return nil
	})
	return c, err
}

// DecodeSyncContainerData parses the local character snapshot.
func DecodeSyncContainerData(b []byte) (SyncContainerData, error) {
	var m SyncContainerData
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := expectBytes(f); err != nil {
			return err
		}
		c, err := decodeCharSerialize(f.raw)
		if err != nil {
			return fmt.Errorf("char: %w", err)
		}
		m.Char = c
		return nil
	})
	return m, err
}

// DecodeSyncDamageInfo parses one damage record.
func DecodeSyncDamageInfo(b []byte) (SyncDamageInfo, error) {
	var d SyncDamageInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.DamageSource = f.int32()
		case 2:
			d.IsMiss = f.bool()
		case 3:
			d.IsCrit = f.bool()
		case 4:
			d.Type = f.int32()
		case 5:
			d.TypeFlag = f.int32()
		case 6:
			d.Value = f.int64()
		case 7:
			d.ActualValue = f.int64()
		case 8:
			d.LuckyValue = f.int64()
		case 9:
			d.HPLessen = f.int64()
		case 10:
			d.ShieldLessen = f.int64()
		case 11:
			d.AttackerUUID = f.int64()
		case 12:
			d.OwnerID = f.int32()
		case 13:
			d.OwnerLevel = f.int32()
		case 14:
			d.OwnerStage = f.int32()
		case 15:
			d.HitEventID = f.int32()
		case 16:
			d.IsNormal = f.bool()
		case 17:
			d.IsDead = f.bool()
		case 18:
			d.Property = f.int32()
		case 21:
			d.TopSummonerID = f.int64()
		}
		return nil
	})
	return d, err
}

func decodeSkillEffect(b []byte) (*SkillEffect, error) {
	s := &SkillEffect{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			s.UUID = f.int64()
		case 2:
			if err := expectBytes(f); err != nil {
				return err
			}
			s.Damages = append(s.Damages, f.raw)
		}
		return nil
	})
	return s, err
}

func decodeAoiSyncDelta(b []byte) (*AoiSyncDelta, error) {
	d := &AoiSyncDelta{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			d.UUID = f.int64()
		case 2:
			if err := expectBytes(f); err != nil {
				return err
			}
			attrs, err := decodeAttrCollection(f.raw)
			if err != nil {
				return err
			}
			d.Attrs = attrs
		case 7:
			if err := expectBytes(f); err != nil {
				return err
			}
			effects, err := decodeSkillEffect(f.raw)
			if err != nil {
				return fmt.Errorf("skill effect: %w", err)
			}
			d.Effects = effects
		}
		return nil
	})
	return d, err
}

// DecodeSyncNearDeltaInfo parses a batch of nearby entity deltas.
func DecodeSyncNearDeltaInfo(b []byte) (SyncNearDeltaInfo, error) {
	var m SyncNearDeltaInfo
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := expectBytes(f); err != nil {
			return err
		}
		d, err := decodeAoiSyncDelta(f.raw)
		if err != nil {
			return fmt.Errorf("delta: %w", err)
		}
		m.Deltas = append(m.Deltas, *d)
		return nil
	})
	return m, err
}

// DecodeSyncToMeDeltaInfo parses the local player's delta.
func DecodeSyncToMeDeltaInfo(b []byte) (SyncToMeDeltaInfo, error) {
	var m SyncToMeDeltaInfo
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := expectBytes(f); err != nil {
			return err
		}
		td := &AoiSyncToMeDelta{}
		if err := walk(f.raw, func(tf field) error {
			switch tf.num {
			case 1:
				if err := expectBytes(tf); err != nil {
					return err
				}
				base, err := decodeAoiSyncDelta(tf.raw)
				if err != nil {
					return fmt.Errorf("base delta: %w", err)
				}
				td.Base = base
			case 5:
				td.UUID = tf.int64()
			}
			return nil
		}); err != nil {
			return err
		}
		m.Delta = td
		return nil
	})
	return m, err
}
