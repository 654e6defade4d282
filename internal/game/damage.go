package game

import (
	"fmt"

	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/tables"
)

// damage decodes one record and emits its combat event and status line.
// A failing record is reported and skipped without touching its siblings.
func (it *Interpreter) damage(raw []byte, target entity.ID) {
	defer func() {
		if r := recover(); r != nil {
			it.counters.skipped.Add(1)
			it.status(fmt.Sprintf("Error processing SyncDamageInfo: %v", r))
		}
	}()

	dmg, err := DecodeSyncDamageInfo(raw)
	if err != nil {
		it.counters.skipped.Add(1)
		it.status(fmt.Sprintf("Error processing SyncDamageInfo: %v", err))
		return
	}

	ev := it.combatEvent(dmg, target)
	if ev.IsHeal {
		it.counters.heals.Add(1)
	} else {
		it.counters.damage.Add(1)
	}

	if it.sink != nil {
		it.sink.Combat(ev)
	}
	it.status(StatusLine(ev))
}

// Amount picks the effective amount of a record: the value, else the lucky
// value, else zero.
func Amount(d SyncDamageInfo) int64 {
	switch {
	case d.Value > 0:
		return d.Value
	case d.LuckyValue > 0:
		return d.LuckyValue
	default:
		return 0
	}
}

// Attacker returns the summoner behind a pet or summon, else the direct attacker.
func Attacker(d SyncDamageInfo) int64 {
	if d.TopSummonerID != 0 {
		return d.TopSummonerID
	}
	return d.AttackerUUID
}

// Extras lists the tags of a record; a plain hit is "Normal".
func Extras(crit, causeLucky bool) []string {
	var extras []string
	if crit {
		extras = append(extras, events.ExtraCrit)
	}
	if causeLucky {
		extras = append(extras, events.ExtraCauseLucky)
	}
	if len(extras) == 0 {
		extras = append(extras, events.ExtraNormal)
	}
	return extras
}

func (it *Interpreter) combatEvent(d SyncDamageInfo, target entity.ID) events.CombatEvent {
	crit := d.TypeFlag&FlagCrit != 0
	causeLucky := d.TypeFlag&FlagCauseLucky != 0
	heal := d.Type == DamageTypeHeal
	attacker := Attacker(d)

	swing := events.SwingNonMelee
	if heal {
		swing = events.SwingHeal
	}

	return events.CombatEvent{
		Timestamp:    it.now(),
		SourceID:     attacker,
		Source:       it.display(attacker),
		TargetID:     int64(target),
		Target:       it.display(int64(target)),
		SkillID:      d.OwnerID,
		Skill:        it.tables.SkillName(int64(d.OwnerID)),
		Amount:       Amount(d),
		HPLessen:     d.HPLessen,
		IsCrit:       crit,
		IsCauseLucky: causeLucky,
		IsHeal:       heal,
		IsDead:       d.IsDead,
		Element:      tables.ElementName(d.Property),
		Swing:        swing,
		Extras:       Extras(crit, causeLucky),
		DamageSource: DamageSource(d.DamageSource).String(),
	}
}

// StatusLine renders the operator line for a combat event.
func StatusLine(ev events.CombatEvent) string {
	return fmt.Sprintf("[%s] DS:%s TGT:%s ID:%d VAL:%d HPLSN:%d ELEM:%s EXT:%s",
		ev.ActionType(), ev.DamageSource, ev.Target, ev.SkillID, ev.Amount, ev.HPLessen,
		ev.Element, ev.ExtrasString("|"))
}
