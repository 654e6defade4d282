package pipeline

import (
	"time"

	"github.com/starmeter-project/starmeter/internal/game"
	"github.com/starmeter-project/starmeter/internal/protocol"
	"github.com/starmeter-project/starmeter/internal/reassembly"
)

// Counters summarises segment handling since start.
type Counters struct {
	Segments    uint64 `json:"segments"`
	Reassembled uint64 `json:"reassembled"`
	Ignored     uint64 `json:"ignored"`
	Detections  uint64 `json:"detections"`
	Resets      uint64 `json:"resets"`
	Inactivity  uint64 `json:"inactivity_resets"`
	FrameErrors uint64 `json:"frame_errors"`
	Panics      uint64 `json:"panics"`
}

// Status is a point-in-time copy of the session state.
type Status struct {
	Bound        bool                 `json:"bound"`
	Flow         string               `json:"flow,omitempty"`
	Method       string               `json:"method,omitempty"`
	Session      string               `json:"session,omitempty"`
	BoundAt      time.Time            `json:"bound_at,omitempty"`
	LastActivity time.Time            `json:"last_activity,omitempty"`
	CurrentUser  int64                `json:"current_user"`
	Counters     Counters             `json:"counters"`
	Reassembly   reassembly.Stats     `json:"reassembly"`
	Parser       protocol.ParserStats `json:"parser"`
	Interpreter  game.Stats           `json:"interpreter"`
}

// Snapshot returns the current session status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Bound:       s.bound,
		Method:      s.method,
		Session:     s.sessionID,
		CurrentUser: s.interp.CurrentUser(),
		Counters: Counters{
			Segments:    s.stats.segments,
			Reassembled: s.stats.reassembled,
			Ignored:     s.stats.ignored,
			Detections:  s.stats.detections,
			Resets:      s.stats.resets,
			Inactivity:  s.stats.inactivity,
			FrameErrors: s.stats.frameErrors,
			Panics:      s.stats.panics,
		},
		Reassembly:  s.reasm.Stats(),
		Parser:      s.parser.Stats(),
		Interpreter: s.interp.Stats(),
	}
	if s.bound {
		st.Flow = s.key.String()
		st.BoundAt = s.boundAt
		st.LastActivity = s.lastActivity
	}
	return st
}

// Uptime returns how long the current binding has lasted.
func (st Status) Uptime(now time.Time) time.Duration {
	if !st.Bound || st.BoundAt.IsZero() {
		return 0
	}
	return now.Sub(st.BoundAt)
}
