package game

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// CleanName turns a raw name attribute into a display name. A value that is
// exactly one varint-length-prefixed string is unwrapped first. Control
// characters are removed and whitespace runs collapse to one space.
func CleanName(raw []byte) string {
	if v, n := protowire.ConsumeBytes(raw); n > 0 && n == len(raw) {
		raw = v
	}
	return sanitizeName(string(raw))
}

func sanitizeName(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// attrInt decodes an integer attribute value.
func attrInt(raw []byte) (int64, error) {
	v, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, fmt.Errorf("attribute value: %w", protowire.ParseError(n))
	}
	return int64(v), nil
}

func (it *Interpreter) playerAttrs(uid int64, attrs []Attr) {
	for _, a := range attrs {
		switch a.ID {
		case AttrName:
			if name := CleanName(a.Raw); name != "" {
				it.dir.UpsertPlayerName(uid, name)
			}
		case AttrProfessionID:
			v, err := attrInt(a.Raw)
			if err != nil {
				it.logger.Debug().Err(err).Int64("uid", uid).Msg("bad profession attribute")
				continue
			}
			it.dir.UpsertPlayerClass(uid, int32(v))
		}
	}
}

func (it *Interpreter) monsterAttrs(uuid int64, attrs []Attr) {
	for _, a := range attrs {
		switch a.ID {
		case AttrName:
			if name := CleanName(a.Raw); name != "" {
				it.dir.UpsertMonsterName(uuid, name)
			}
		case AttrID:
			v, err := attrInt(a.Raw)
			if err != nil {
				it.logger.Debug().Err(err).Int64("uuid", uuid).Msg("bad monster id attribute")
				continue
			}
			it.dir.UpsertMonsterName(uuid, it.tables.MonsterName(int64(int32(v))))
		}
	}
}
