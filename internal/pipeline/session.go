// Package pipeline binds the game flow and drives every segment through
// reassembly, frame parsing and payload interpretation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/detect"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/flow"
	"github.com/starmeter-project/starmeter/internal/game"
	"github.com/starmeter-project/starmeter/internal/protocol"
	"github.com/starmeter-project/starmeter/internal/reassembly"
	"github.com/starmeter-project/starmeter/internal/tables"
)

const (
	DefaultInactivityTimeout = 30 * time.Second
	DefaultInactivityCheck   = 5 * time.Second
)

// Sink receives everything the pipeline produces.
type Sink interface {
	game.Sink
	Detected(p events.DetectionPayload)
	Reset(p events.ResetPayload)
}

// Config tunes a Session.
type Config struct {
	InactivityTimeout time.Duration
	InactivityCheck   time.Duration
	// AllowRebind lets a signature on another flow replace the binding.
	AllowRebind bool
	Reassembly  reassembly.Options
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.InactivityCheck <= 0 {
		c.InactivityCheck = DefaultInactivityCheck
	}
	return c
}

// Session is the single owner of detection and reassembly state. One
// coarse mutex guards it; the capture goroutine and the inactivity timer
// are its only writers.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	detector *detect.Detector
	reasm    *reassembly.Reassembler
	parser   *protocol.Parser
	interp   *game.Interpreter
	sink     Sink

	bound        bool
	key          flow.Key
	method       string
	sessionID    string
	boundAt      time.Time
	lastActivity time.Time

	stats counters
	now   func() time.Time

	logger zerolog.Logger
}

type counters struct {
	segments    uint64
	reassembled uint64
	ignored     uint64
	detections  uint64
	resets      uint64
	inactivity  uint64
	frameErrors uint64
	panics      uint64
}

// NewSession wires a complete pipeline. dec may be shared with nothing
// else; sink must not be nil.
func NewSession(cfg Config, dir *entity.Directory, tbl *tables.Store, dec *protocol.Decompressor, sink Sink) *Session {
	s := &Session{
		cfg:      cfg.withDefaults(),
		detector: detect.New(),
		sink:     sink,
		now:      time.Now,
		logger:   log.With().Str("component", "session").Logger(),
	}
	s.interp = game.NewInterpreter(dir, tbl, sink)
	s.parser = protocol.NewParser(dec, s.interp.OnPayload, sink.Status)
	s.reasm = reassembly.New(s.parser.Parse, s.cfg.Reassembly)
	return s
}

// Interpreter exposes the payload interpreter for read-only accessors.
func (s *Session) Interpreter() *game.Interpreter { return s.interp }

// HandleSegment feeds one captured segment through the pipeline. It
// reports whether the segment belonged to the bound flow.
func (s *Session) HandleSegment(seg flow.Segment) (accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.stats.panics++
			s.statusLocked(fmt.Sprintf("Error processing packet: %v", r))
		}
	}()

	s.stats.segments++
	if len(seg.Payload) == 0 {
		return false
	}

	if !s.bound || (s.cfg.AllowRebind && !s.key.Same(seg.Key)) {
		if det, ok := s.detector.Detect(seg.Payload, seg.Key); ok {
			if !s.bound || det.Key != s.key {
				s.bindLocked(det)
			}
			// the signature packet itself is not part of the reassembled stream
			return true
		}
	}

	if !s.bound || !s.key.Same(seg.Key) {
		s.stats.ignored++
		return false
	}

	s.lastActivity = s.now()

	// only the server to client direction carries the container stream
	if seg.Key != s.key {
		return true
	}

	ts := seg.Timestamp
	if ts.IsZero() {
		ts = s.lastActivity
	}
	s.stats.reassembled++
	if err := s.reasm.AddSegment(seg.Seq, seg.Payload, ts); err != nil {
		s.stats.frameErrors++
		if errors.Is(err, reassembly.ErrInvalidLength) {
			s.statusLocked(fmt.Sprintf("Invalid Length!! %v - clearing reassembly buffer", err))
		} else {
			s.statusLocked(fmt.Sprintf("Reassembly error: %v", err))
		}
	}
	return true
}

func (s *Session) bindLocked(det detect.Detection) {
	if s.bound {
		s.releaseLocked("rebind")
	}
	s.reasm.Clear()

	now := s.now()
	s.bound = true
	s.key = det.Key
	s.method = det.Method
	s.sessionID = uuid.NewString()
	s.boundAt = now
	s.lastActivity = now
	s.stats.detections++

	s.logger.Info().
		Str("flow", det.Key.String()).
		Str("method", det.Method).
		Str("session", s.sessionID).
		Msg("Game flow detected")

	s.statusLocked(fmt.Sprintf("Got Scene Server Address by %s: %s", det.Method, det.Key))
	s.sink.Detected(events.DetectionPayload{
		Session: s.sessionID,
		Flow:    det.Key.String(),
		Method:  det.Method,
		Time:    now,
	})
}

// releaseLocked unbinds the flow and drops all reassembly state.
func (s *Session) releaseLocked(reason string) {
	prev := s.key
	session := s.sessionID

	s.reasm.Clear()
	s.bound = false
	s.key = flow.Key{}
	s.method = ""
	s.sessionID = ""
	s.lastActivity = time.Time{}
	s.stats.resets++

	if session == "" {
		return
	}
	s.logger.Info().Str("flow", prev.String()).Str("reason", reason).Msg("Game flow released")
	s.sink.Reset(events.ResetPayload{
		Session: session,
		Flow:    prev.String(),
		Reason:  reason,
		Time:    s.now(),
	})
}

// CheckInactivity releases the bound flow if it has been idle for the
// configured timeout. It reports whether a release happened.
func (s *Session) CheckInactivity(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound || s.lastActivity.IsZero() {
		return false
	}
	if now.Sub(s.lastActivity) < s.cfg.InactivityTimeout {
		return false
	}

	s.stats.inactivity++
	s.releaseLocked("inactivity")
	s.statusLocked(fmt.Sprintf("No packets received in %ds; cleared current server and TCP cache",
		int(s.cfg.InactivityTimeout.Seconds())))
	return true
}

// Run checks for inactivity until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.InactivityCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckInactivity(s.now())
		}
	}
}

// Reset drops the binding and all buffered stream state on operator request.
func (s *Session) Reset(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound {
		s.reasm.Clear()
		return
	}
	s.releaseLocked(reason)
	s.statusLocked("Cleared current server and TCP cache (" + reason + ")")
}

func (s *Session) statusLocked(msg string) {
	s.logger.Debug().Msg(msg)
	s.sink.Status(msg)
}
