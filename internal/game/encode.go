package game

import "google.golang.org/protobuf/encoding/protowire"

// The Marshal methods produce the same wire layout the decoders accept.
// They exist for building synthetic streams in tests and replays.

// Marshal encodes the attribute.
func (a Attr) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(a.ID))
	return appendBytesField(b, 2, a.Raw)
}

// Marshal encodes the collection.
func (c *AttrCollection) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(c.UUID))
	for _, a := range c.Attrs {
		b = appendBytesField(b, 2, a.Marshal())
	}
	return b
}

// Marshal encodes the entity.
func (e Entity) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(e.UUID))
	b = appendVarintField(b, 2, uint64(e.Type))
	if e.Attrs != nil {
		b = appendBytesField(b, 3, e.Attrs.Marshal())
	}
	return b
}

// Marshal encodes the notification.
func (m SyncNearEntities) Marshal() []byte {
	var b []byte
	for _, e := range m.Appear {
		b = appendBytesField(b, 1, e.Marshal())
	}
	return b
}

// Marshal encodes the character snapshot.
func (c *CharSerialize) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(c.CharID))
	if c.HasBase || c.Name != "" {
		base := appendBytesField(nil, 5, []byte(c.Name))
		b = appendBytesField(b, 2, base)
	}
	if c.ProfessionID != 0 {
		b = appendBytesField(b, 61, appendVarintField(nil, 1, uint64(c.ProfessionID)))
	}
	return b
}

// Marshal encodes the container sync.
func (m SyncContainerData) Marshal() []byte {
	if m.Char == nil {
		return nil
	}
	return appendBytesField(nil, 1, m.Char.Marshal())
}

// Marshal encodes the damage record.
func (d SyncDamageInfo) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(d.DamageSource))
	b = appendBoolField(b, 2, d.IsMiss)
	b = appendBoolField(b, 3, d.IsCrit)
	b = appendVarintField(b, 4, uint64(d.Type))
	b = appendVarintField(b, 5, uint64(d.TypeFlag))
	b = appendVarintField(b, 6, uint64(d.Value))
	b = appendVarintField(b, 7, uint64(d.ActualValue))
	b = appendVarintField(b, 8, uint64(d.LuckyValue))
	b = appendVarintField(b, 9, uint64(d.HPLessen))
	b = appendVarintField(b, 10, uint64(d.ShieldLessen))
	b = appendVarintField(b, 11, uint64(d.AttackerUUID))
	b = appendVarintField(b, 12, uint64(d.OwnerID))
	b = appendVarintField(b, 13, uint64(d.OwnerLevel))
	b = appendVarintField(b, 14, uint64(d.OwnerStage))
	b = appendVarintField(b, 15, uint64(d.HitEventID))
	b = appendBoolField(b, 16, d.IsNormal)
	b = appendBoolField(b, 17, d.IsDead)
	b = appendVarintField(b, 18, uint64(d.Property))
	b = appendVarintField(b, 21, uint64(d.TopSummonerID))
	return b
}

// NewSkillEffect encodes each damage record into a skill effect.
func NewSkillEffect(uuid int64, damages ...SyncDamageInfo) *SkillEffect {
	s := &SkillEffect{UUID: uuid}
	for _, d := range damages {
		s.Damages = append(s.Damages, d.Marshal())
	}
	return s
}

// Marshal encodes the skill effect.
func (s *SkillEffect) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(s.UUID))
	for _, d := range s.Damages {
		b = appendBytesField(b, 2, d)
	}
	return b
}

// Marshal encodes the delta.
func (d *AoiSyncDelta) Marshal() []byte {
	b := appendVarintField(nil, 1, uint64(d.UUID))
	if d.Attrs != nil {
		b = appendBytesField(b, 2, d.Attrs.Marshal())
	}
	if d.Effects != nil {
		b = appendBytesField(b, 7, d.Effects.Marshal())
	}
	return b
}

// Marshal encodes the batch.
func (m SyncNearDeltaInfo) Marshal() []byte {
	var b []byte
	for i := range m.Deltas {
		b = appendBytesField(b, 1, m.Deltas[i].Marshal())
	}
	return b
}

// Marshal encodes the to-me delta wrapper.
func (m SyncToMeDeltaInfo) Marshal() []byte {
	if m.Delta == nil {
		return nil
	}
	var inner []byte
	if m.Delta.Base != nil {
		inner = appendBytesField(inner, 1, m.Delta.Base.Marshal())
	}
	inner = appendVarintField(inner, 5, uint64(m.Delta.UUID))
	return appendBytesField(nil, 1, inner)
}

// StringAttr encodes a string attribute value the way the server does, as
// a varint length followed by the UTF-8 bytes.
func StringAttr(id int32, s string) Attr {
	return Attr{ID: id, Raw: protowire.AppendString(nil, s)}
}

// IntAttr encodes an integer attribute value as a bare varint.
func IntAttr(id int32, v int64) Attr {
	return Attr{ID: id, Raw: protowire.AppendVarint(nil, uint64(v))}
}
