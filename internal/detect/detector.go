// Package detect recognises the TCP flow that carries the game protocol by
// matching byte signatures in early payloads.
package detect

import (
	"bytes"
	"encoding/binary"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/flow"
)

// Direction selects which view of the flow key gets bound on a match.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Matcher is one detection signature.
type Matcher struct {
	Name  string
	Bind  Direction
	Match func(payload []byte) bool
}

// Detection is the outcome of a successful match.
type Detection struct {
	Key    flow.Key
	Method string
}

var (
	serverNotifySig = []byte{0x00, 0x63, 0x33, 0x53, 0x42, 0x00}
	clientNotifySig = []byte{0x00, 0x06, 0x26, 0xad, 0x66, 0x00}

	loginReturnRef = []byte{
		0x00, 0x00, 0x00, 0x62, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x11, 0x45, 0x14, 0x00, 0x00, 0x00, 0x00, 0x0a, 0x4e,
		0x08, 0x01, 0x22, 0x24,
	}
)

const (
	loginReturnLen = 0x62
	frameSkip      = 10
	sigOffset      = 5
)

// DefaultMatchers returns the known signatures in evaluation order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: "FrameDown Notify", Bind: Forward, Match: frameMatcher(0x06, serverNotifySig)},
		{Name: "Login Return", Bind: Forward, Match: matchLoginReturn},
		{Name: "FrameUp Notify", Bind: Reverse, Match: frameMatcher(0x05, clientNotifySig)},
	}
}

// frameMatcher matches a container of the given frame type whose batched
// sub-records carry sig at a fixed offset.
func frameMatcher(frameType byte, sig []byte) func([]byte) bool {
	return func(p []byte) bool {
		if len(p) <= frameSkip || p[4] != 0x00 || p[5] != frameType {
			return false
		}
		return scanSubRecords(p[frameSkip:], sig)
	}
}

// scanSubRecords walks 4-byte length-prefixed records. The length counts its
// own prefix; a length that cannot make progress or overruns ends the scan.
func scanSubRecords(buf []byte, sig []byte) bool {
	for len(buf) > 4 {
		n := binary.BigEndian.Uint32(buf[:4])
		if n <= 4 || uint64(n) > uint64(len(buf)) {
			return false
		}
		body := buf[4:n]
		if len(body) >= sigOffset+len(sig) && bytes.Equal(body[sigOffset:sigOffset+len(sig)], sig) {
			return true
		}
		buf = buf[n:]
	}
	return false
}

func matchLoginReturn(p []byte) bool {
	if len(p) != loginReturnLen {
		return false
	}
	return bytes.Equal(p[0:10], loginReturnRef[0:10]) && bytes.Equal(p[14:20], loginReturnRef[14:20])
}

// Detector runs matchers in order; the first one that fires wins.
type Detector struct {
	matchers []Matcher
	logger   zerolog.Logger
}

// New creates a detector. With no matchers, DefaultMatchers is used.
func New(matchers ...Matcher) *Detector {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Detector{
		matchers: matchers,
		logger:   log.With().Str("component", "detect").Logger(),
	}
}

// Detect tests a payload observed on key.
func (d *Detector) Detect(payload []byte, key flow.Key) (Detection, bool) {
	for _, m := range d.matchers {
		if !m.Match(payload) {
			continue
		}
		bound := key
		if m.Bind == Reverse {
			bound = key.Reverse()
		}
		d.logger.Debug().Str("method", m.Name).Str("flow", bound.String()).Msg("Signature matched")
		return Detection{Key: bound, Method: m.Name}, true
	}
	return Detection{}, false
}

// Methods returns the names of the configured matchers.
func (d *Detector) Methods() []string {
	names := make([]string, len(d.matchers))
	for i, m := range d.matchers {
		names[i] = m.Name
	}
	return names
}
