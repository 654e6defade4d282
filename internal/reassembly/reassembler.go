// Package reassembly rebuilds the ordered byte stream of one TCP flow and
// cuts it into length-prefixed frames.
package reassembly

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxFrameSize   = 0x0FFFFF
	DefaultSegmentTimeout = 10 * time.Second
	DefaultMaxPending     = 4096

	lengthPrefix = 4
)

// ErrInvalidLength reports a frame header of zero or beyond the size bound.
// All reassembly state has been discarded when it is returned.
var ErrInvalidLength = errors.New("invalid frame length")

// Options tunes the reassembler. Zero values pick the defaults.
type Options struct {
	MaxFrameSize   uint32
	SegmentTimeout time.Duration
	MaxPending     int
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.SegmentTimeout <= 0 {
		o.SegmentTimeout = DefaultSegmentTimeout
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	return o
}

// Stats counts reassembler activity since creation.
type Stats struct {
	Frames        uint64 `json:"frames"`
	Bytes         uint64 `json:"bytes"`
	Resets        uint64 `json:"resets"`
	Timeouts      uint64 `json:"timeouts"`
	InvalidFrames uint64 `json:"invalid_frames"`
	Retransmits   uint64 `json:"retransmits"`
	Evictions     uint64 `json:"evictions"`
	Pending       int    `json:"pending"`
	Buffered      int    `json:"buffered"`
}

// Reassembler is not safe for concurrent use; the owner serialises calls.
type Reassembler struct {
	opts    Options
	onFrame func([]byte)

	segments   map[uint32][]byte
	buf        []byte
	nextSeq    uint32
	seeded     bool
	lastAppend time.Time

	stats  Stats
	logger zerolog.Logger
}

// New creates a reassembler that hands every complete frame, length prefix
// included, to onFrame in stream order.
func New(onFrame func([]byte), opts Options) *Reassembler {
	return &Reassembler{
		opts:     opts.withDefaults(),
		onFrame:  onFrame,
		segments: make(map[uint32][]byte),
		logger:   log.With().Str("component", "reassembly").Logger(),
	}
}

// AddSegment stores one TCP payload and delivers whatever frames became
// complete. now is the arrival time used for the stall timeout.
func (r *Reassembler) AddSegment(seq uint32, payload []byte, now time.Time) error {
	if len(payload) == 0 {
		return nil
	}

	if !r.lastAppend.IsZero() && now.Sub(r.lastAppend) > r.opts.SegmentTimeout {
		r.logger.Info().Dur("idle", now.Sub(r.lastAppend)).Msg("Reassembly stalled, clearing state")
		r.Clear()
		r.stats.Timeouts++
	}

	if !r.seeded && len(payload) > lengthPrefix &&
		binary.BigEndian.Uint32(payload[:lengthPrefix]) < r.opts.MaxFrameSize {
		r.seed(seq)
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	if !r.seeded {
		r.store(seq, data)
		r.lastAppend = now
		return nil
	}

	if s, d, ok := r.admit(seq, data); ok {
		r.store(s, d)
	}

	if !r.drain(now) {
		return nil
	}
	return r.extract()
}

// seed makes seq the stream origin and drops stored segments that now lie
// behind it.
func (r *Reassembler) seed(seq uint32) {
	r.nextSeq = seq
	r.seeded = true

	for s, d := range r.segments {
		delete(r.segments, s)
		if ns, nd, ok := r.admit(s, d); ok {
			r.segments[ns] = nd
		}
	}
}

// admit trims a segment against the cursor. Segments entirely behind it
// are retransmissions and are rejected.
func (r *Reassembler) admit(seq uint32, data []byte) (uint32, []byte, bool) {
	behind := int64(int32(r.nextSeq - seq))
	if behind <= 0 {
		return seq, data, true
	}
	if behind >= int64(len(data)) {
		r.stats.Retransmits++
		return 0, nil, false
	}
	return r.nextSeq, data[behind:], true
}

// store keeps the longer of two segments that start at the same seq.
func (r *Reassembler) store(seq uint32, data []byte) {
	if prev, ok := r.segments[seq]; ok && len(prev) >= len(data) {
		return
	}
	r.segments[seq] = data
	if len(r.segments) > r.opts.MaxPending {
		r.evict()
	}
}

// evict drops the segments farthest ahead of the cursor.
func (r *Reassembler) evict() {
	keys := make([]uint32, 0, len(r.segments))
	for k := range r.segments {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i]-r.nextSeq > keys[j]-r.nextSeq })
	excess := len(keys) - r.opts.MaxPending
	for i := 0; i < excess; i++ {
		delete(r.segments, keys[i])
		r.stats.Evictions++
	}
}

// drain moves contiguous segments into the frame buffer.
func (r *Reassembler) drain(now time.Time) bool {
	appended := false
	for {
		seg, ok := r.segments[r.nextSeq]
		if !ok && r.realign() {
			seg, ok = r.segments[r.nextSeq]
		}
		if !ok {
			break
		}
		delete(r.segments, r.nextSeq)
		r.buf = append(r.buf, seg...)
		r.nextSeq += uint32(len(seg))
		r.stats.Bytes += uint64(len(seg))
		r.lastAppend = now
		appended = true
	}
	return appended
}

// realign trims stored segments that start behind the cursor, so a segment
// overtaken by an overlapping one still delivers its tail. It reports
// whether a segment now starts at the cursor.
func (r *Reassembler) realign() bool {
	for seq, data := range r.segments {
		if int32(r.nextSeq-seq) <= 0 {
			continue
		}
		delete(r.segments, seq)
		if ns, nd, ok := r.admit(seq, data); ok {
			if prev, exists := r.segments[ns]; !exists || len(nd) > len(prev) {
				r.segments[ns] = nd
			}
		}
	}
	_, ok := r.segments[r.nextSeq]
	return ok
}

// extract cuts complete frames off the head of the buffer.
func (r *Reassembler) extract() error {
	for len(r.buf) >= lengthPrefix {
		size := binary.BigEndian.Uint32(r.buf[:lengthPrefix])
		if size == 0 || size > r.opts.MaxFrameSize {
			buffered := len(r.buf)
			r.Clear()
			r.stats.InvalidFrames++
			return fmt.Errorf("%w: size=%d buffered=%d", ErrInvalidLength, size, buffered)
		}
		if uint32(len(r.buf)) < size {
			return nil
		}

		frame := make([]byte, size)
		copy(frame, r.buf[:size])
		r.buf = r.buf[size:]
		r.stats.Frames++
		r.deliver(frame)
	}
	return nil
}

func (r *Reassembler) deliver(frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Int("size", len(frame)).Msg("Frame handler panicked")
		}
	}()
	if r.onFrame != nil {
		r.onFrame(frame)
	}
}

// Clear discards every pending segment and buffered byte and forgets the
// stream origin.
func (r *Reassembler) Clear() {
	r.segments = make(map[uint32][]byte)
	r.buf = nil
	r.nextSeq = 0
	r.seeded = false
	r.lastAppend = time.Time{}
	r.stats.Resets++
}

// Seeded reports whether a stream origin has been chosen.
func (r *Reassembler) Seeded() bool { return r.seeded }

// NextSeq returns the expected next sequence number.
func (r *Reassembler) NextSeq() uint32 { return r.nextSeq }

// Pending returns the number of stored out-of-order segments.
func (r *Reassembler) Pending() int { return len(r.segments) }

// Buffered returns the number of contiguous bytes awaiting a full frame.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Stats returns a copy of the counters.
func (r *Reassembler) Stats() Stats {
	s := r.stats
	s.Pending = len(r.segments)
	s.Buffered = len(r.buf)
	return s
}
