package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/events"
)

func testHandler(t *testing.T, encoding string) *MQTTHandler {
	t.Helper()
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.Encoding = encoding
	cfg.ClientID = "test"
	h, err := NewMQTTHandler(cfg, events.NewEventBus())
	require.NoError(t, err)
	return h
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.DefaultConfig().MQTT, events.NewEventBus())
	assert.Error(t, err)
}

func TestNewMQTTHandlerBadEncoding(t *testing.T) {
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.Encoding = "xml"
	_, err := NewMQTTHandler(cfg, events.NewEventBus())
	assert.Error(t, err)
}

func TestNewMQTTHandlerMissingCA(t *testing.T) {
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.UseTLS = true
	cfg.CAFile = "/nonexistent/ca.pem"
	_, err := NewMQTTHandler(cfg, events.NewEventBus())
	assert.Error(t, err)
}

func TestTopic(t *testing.T) {
	h := testHandler(t, config.EncodingJSON)
	assert.Equal(t, "starmeter/combat", h.Topic(TopicCombat))
	assert.Equal(t, "starmeter/session", h.Topic(TopicSession))
}

func sampleCombat() events.CombatEvent {
	return events.CombatEvent{
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		SourceID:  1,
		Source:    "Alice",
		Target:    "Slime",
		Skill:     "Slash",
		Amount:    420,
		IsCrit:    true,
		Extras:    []string{events.ExtraCrit},
	}
}

func TestQoS(t *testing.T) {
	tests := []struct {
		suffix string
		want   byte
	}{
		{TopicCombat, 0},
		{TopicStatus, 0},
		{TopicSession, 1},
		{TopicAdmin, 1},
	}
	for _, tt := range tests {
		t.Run(tt.suffix, func(t *testing.T) {
			assert.Equal(t, tt.want, QoS(tt.suffix))
		})
	}
}

func TestBuildMessageJSON(t *testing.T) {
	h := testHandler(t, config.EncodingJSON)
	now := time.Date(2025, 3, 1, 10, 0, 1, 0, time.UTC)

	data, err := h.encode(h.buildMessage("combat", sampleCombat(), now))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "combat", decoded["event"])
	assert.Equal(t, "2025-03-01T10:00:01Z", decoded["timestamp"])

	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "Alice", payload["source"])
	assert.Equal(t, float64(420), payload["amount"])
	assert.Equal(t, "non_melee", payload["swing"])
}

func TestBuildMessageMsgpack(t *testing.T) {
	h := testHandler(t, config.EncodingMsgpack)
	now := time.Date(2025, 3, 1, 10, 0, 1, 0, time.UTC)

	data, err := h.encode(h.buildMessage("flow_detected", events.DetectionPayload{Session: "s1", Flow: "a -> b"}, now))
	require.NoError(t, err)

	var decoded struct {
		Event   string                  `msgpack:"event"`
		Payload events.DetectionPayload `msgpack:"payload"`
	}
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, "flow_detected", decoded.Event)
	assert.Equal(t, "s1", decoded.Payload.Session)
	assert.Equal(t, "a -> b", decoded.Payload.Flow)
}

func TestPublishWhileDisconnectedIsDropped(t *testing.T) {
	h := testHandler(t, config.EncodingJSON)
	h.PublishShutdown()
	published, failed := h.Stats()
	assert.Zero(t, published)
	assert.Zero(t, failed)
}
