// Package events defines the event types carried on the starmeter event bus.
package events

import (
	"fmt"
	"strings"
	"time"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Pipeline events
	EventCombat      EventType = "combat"
	EventStatus      EventType = "status"
	EventDetected    EventType = "flow_detected"
	EventReset       EventType = "flow_reset"
	EventCurrentUser EventType = "current_user"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// SwingKind classifies a combat event for the log sink.
type SwingKind int

const (
	SwingNonMelee SwingKind = iota
	SwingHeal
)

var swingKindStrings = map[SwingKind]string{
	SwingNonMelee: "non_melee",
	SwingHeal:     "heal",
}

// String returns the string representation of SwingKind.
func (s SwingKind) String() string {
	if str, ok := swingKindStrings[s]; ok {
		return str
	}
	return "non_melee"
}

// MarshalJSON serializes SwingKind as a JSON string (e.g. "heal").
func (s SwingKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the string form written by MarshalJSON.
func (s *SwingKind) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	for k, v := range swingKindStrings {
		if v == str {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown swing kind %q", str)
}

// Extra tags attached to a combat event.
const (
	ExtraCrit       = "Crit"
	ExtraCauseLucky = "CauseLucky"
	ExtraNormal     = "Normal"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// CombatEvent is one decoded damage or heal record. Source and Target are
// resolved display strings, never references into the entity directory.
type CombatEvent struct {
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
	Session      string    `json:"session,omitempty" msgpack:"session,omitempty"`
	SourceID     int64     `json:"source_id" msgpack:"source_id"`
	Source       string    `json:"source" msgpack:"source"`
	TargetID     int64     `json:"target_id" msgpack:"target_id"`
	Target       string    `json:"target" msgpack:"target"`
	SkillID      int32     `json:"skill_id" msgpack:"skill_id"`
	Skill        string    `json:"skill" msgpack:"skill"`
	Amount       int64     `json:"amount" msgpack:"amount"`
	HPLessen     int64     `json:"hp_lessen" msgpack:"hp_lessen"`
	IsCrit       bool      `json:"is_crit" msgpack:"is_crit"`
	IsCauseLucky bool      `json:"is_cause_lucky" msgpack:"is_cause_lucky"`
	IsHeal       bool      `json:"is_heal" msgpack:"is_heal"`
	IsDead       bool      `json:"is_dead" msgpack:"is_dead"`
	Element      string    `json:"element" msgpack:"element"`
	Swing        SwingKind `json:"swing" msgpack:"swing"`
	Extras       []string  `json:"extras" msgpack:"extras"`
	DamageSource string    `json:"damage_source" msgpack:"damage_source"`
}

// ActionType returns "HEAL" or "DMG".
func (c CombatEvent) ActionType() string {
	if c.IsHeal {
		return "HEAL"
	}
	return "DMG"
}

// ExtrasString joins the extras with sep.
func (c CombatEvent) ExtrasString(sep string) string {
	return strings.Join(c.Extras, sep)
}

// StatusPayload is a free-text operator line.
type StatusPayload struct {
	Time    time.Time `json:"time" msgpack:"time"`
	Message string    `json:"message" msgpack:"message"`
}

// DetectionPayload is emitted when a flow gets bound.
type DetectionPayload struct {
	Session string    `json:"session" msgpack:"session"`
	Flow    string    `json:"flow" msgpack:"flow"`
	Method  string    `json:"method" msgpack:"method"`
	Time    time.Time `json:"time" msgpack:"time"`
}

// ResetPayload is emitted when a bound flow is released.
type ResetPayload struct {
	Session string    `json:"session" msgpack:"session"`
	Flow    string    `json:"flow" msgpack:"flow"`
	Reason  string    `json:"reason" msgpack:"reason"`
	Time    time.Time `json:"time" msgpack:"time"`
}

// CurrentUserPayload carries the local player's raw entity id.
type CurrentUserPayload struct {
	UUID int64 `json:"uuid" msgpack:"uuid"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
