// Package telemetry publishes combat and session events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicCombat  = "combat"
	TopicStatus  = "status"
	TopicSession = "session"
	TopicAdmin   = "admin"
)

// Encoder turns a message into a publishable payload.
type Encoder func(v interface{}) ([]byte, error)

// NewEncoder returns the encoder for name, json or msgpack.
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", config.EncodingJSON:
		return json.Marshal, nil
	case config.EncodingMsgpack:
		return func(v interface{}) ([]byte, error) {
			return msgpack.Marshal(v)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported MQTT encoding %q", name)
	}
}

// Message is the envelope of every published payload.
type Message struct {
	Host      string      `json:"host" msgpack:"host"`
	Platform  string      `json:"platform" msgpack:"platform"`
	Event     string      `json:"event" msgpack:"event"`
	Timestamp string      `json:"timestamp" msgpack:"timestamp"`
	Payload   interface{} `json:"payload" msgpack:"payload"`
}

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	encode   Encoder
	sysInfo  util.SystemInfo

	published atomic.Uint64
	failed    atomic.Uint64

	logger zerolog.Logger
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	encode, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		encode:   encode,
		sysInfo:  sysInfo,
		logger:   log.With().Str("component", "mqtt").Logger(),
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("starmeter-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Start connects to the MQTT broker and publishes bus events until ctx ends.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Str("encoding", h.cfg.Encoding).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().
		Uint64("published", h.published.Load()).
		Uint64("failed", h.failed.Load()).
		Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventCombat, "mqtt.combat", h.onCombat)
	h.eventBus.Subscribe(events.EventStatus, "mqtt.status", h.onStatus)
	h.eventBus.Subscribe(events.EventDetected, "mqtt.detected", h.onDetected)
	h.eventBus.Subscribe(events.EventReset, "mqtt.reset", h.onReset)
}

// Topic joins the configured prefix and suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) publish(suffix, event string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.Topic(suffix)
	data, err := h.encode(h.buildMessage(event, payload, time.Now()))
	if err != nil {
		h.failed.Add(1)
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to encode MQTT message")
		return
	}

	token := h.client.Publish(topic, QoS(suffix), false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.failed.Add(1)
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
			return
		}
		h.published.Add(1)
	}()
}

// QoS returns the delivery level for a topic suffix. Combat records and the
// status lines derived from them are high rate and go out at most once;
// session and admin messages are acknowledged.
func QoS(suffix string) byte {
	switch suffix {
	case TopicCombat, TopicStatus:
		return 0
	default:
		return 1
	}
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}, now time.Time) Message {
	return Message{
		Host:      h.sysInfo.Hostname,
		Platform:  h.sysInfo.Platform,
		Event:     event,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

func (h *MQTTHandler) onCombat(_ context.Context, event events.Event) error {
	h.publish(TopicCombat, string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onStatus(_ context.Context, event events.Event) error {
	h.publish(TopicStatus, string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onDetected(_ context.Context, event events.Event) error {
	h.publish(TopicSession, string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onReset(_ context.Context, event events.Event) error {
	h.publish(TopicSession, string(event.Type), event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, "shutdown", nil)
}

// Stats returns how many messages were delivered and how many failed.
func (h *MQTTHandler) Stats() (published, failed uint64) {
	return h.published.Load(), h.failed.Load()
}
