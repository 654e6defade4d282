package reassembly

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	frames [][]byte
}

func (c *collector) onFrame(b []byte) { c.frames = append(c.frames, b) }

func (c *collector) joined() []byte { return bytes.Join(c.frames, nil) }

// frame builds a length-prefixed frame of total size n with a recognisable body.
func frame(n int, fill byte) []byte {
	f := bytes.Repeat([]byte{fill}, n)
	binary.BigEndian.PutUint32(f[:4], uint32(n))
	return f
}

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestInOrderDelivery(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	stream := append(frame(10, 0xA1), frame(25, 0xB2)...)
	require.NoError(t, r.AddSegment(1000, stream[:7], t0))
	assert.Empty(t, c.frames)
	require.NoError(t, r.AddSegment(1007, stream[7:], t0))

	require.Len(t, c.frames, 2)
	assert.Equal(t, frame(10, 0xA1), c.frames[0])
	assert.Equal(t, frame(25, 0xB2), c.frames[1])
	assert.Zero(t, r.Buffered())
	assert.Equal(t, uint32(1000+35), r.NextSeq())
}

func TestOutOfOrderScenario(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	f := frame(40, 0x11)
	// seq 100 cannot seed: its first four bytes are not a plausible length
	binary.BigEndian.PutUint32(f[20:24], 0xFFFFFFFF)

	require.NoError(t, r.AddSegment(100, f[20:], t0))
	assert.False(t, r.Seeded())
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, r.AddSegment(80, f[:20], t0))
	assert.True(t, r.Seeded())

	require.Len(t, c.frames, 1)
	assert.Equal(t, f, c.frames[0])
	assert.Zero(t, r.Pending())
	assert.Zero(t, r.Buffered())
}

func TestOverlapOvertakenByCursor(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	stream := append(frame(20, 0x31), frame(20, 0x32)...)
	require.NoError(t, r.AddSegment(100, stream[0:5], t0))
	require.NoError(t, r.AddSegment(110, stream[10:30], t0))
	// repacketized retransmission covering the gap and part of 110..130
	require.NoError(t, r.AddSegment(105, stream[5:20], t0))

	require.Len(t, c.frames, 1)
	assert.Equal(t, uint32(130), r.NextSeq())
	assert.Zero(t, r.Pending())

	require.NoError(t, r.AddSegment(130, stream[30:40], t0))
	require.Len(t, c.frames, 2)
	assert.Equal(t, stream, c.joined())
	assert.Zero(t, r.Buffered())
}

func TestShorterDuplicateKeepsLongerSegment(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	stream := frame(30, 0x41)
	require.NoError(t, r.AddSegment(0, stream[0:6], t0))
	require.NoError(t, r.AddSegment(10, stream[10:30], t0))
	require.NoError(t, r.AddSegment(10, stream[10:15], t0))
	require.NoError(t, r.AddSegment(6, stream[6:10], t0))

	require.Len(t, c.frames, 1)
	assert.Equal(t, stream, c.frames[0])
}

func TestReorderingInvariance(t *testing.T) {
	var stream []byte
	for i := 0; i < 12; i++ {
		stream = append(stream, frame(8+i*3, byte(i))...)
	}

	type seg struct {
		seq  uint32
		data []byte
	}
	const base = uint32(0xFFFFFF00) // crosses the 32-bit wrap
	var segs []seg
	for off := 0; off < len(stream); off += 13 {
		end := off + 13
		if end > len(stream) {
			end = len(stream)
		}
		segs = append(segs, seg{seq: base + uint32(off), data: stream[off:end]})
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		c := &collector{}
		r := New(c.onFrame, Options{})

		// the origin segment arrives first so seeding is deterministic
		rest := append([]seg(nil), segs[1:]...)
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		require.NoError(t, r.AddSegment(segs[0].seq, segs[0].data, t0))
		for _, s := range rest {
			require.NoError(t, r.AddSegment(s.seq, s.data, t0))
		}

		assert.Equal(t, stream, c.joined(), "trial %d", trial)
		assert.Len(t, c.frames, 12)
	}
}

func TestInvalidLengthClearsState(t *testing.T) {
	tests := []struct {
		name   string
		header uint32
	}{
		{name: "zero", header: 0},
		{name: "above bound", header: DefaultMaxFrameSize + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{}
			r := New(c.onFrame, Options{})

			good := frame(8, 0x01)
			bad := make([]byte, 8)
			binary.BigEndian.PutUint32(bad, tt.header)

			// a pending segment far ahead must also be discarded
			require.NoError(t, r.AddSegment(5000, []byte{1, 2, 3}, t0))
			err := r.AddSegment(10, append(good, bad...), t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidLength))

			assert.Len(t, c.frames, 1)
			assert.False(t, r.Seeded())
			assert.Zero(t, r.Pending())
			assert.Zero(t, r.Buffered())
			assert.Equal(t, uint64(1), r.Stats().InvalidFrames)
		})
	}
}

func TestSeedRequiresPlausibleHeader(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	require.NoError(t, r.AddSegment(1, []byte{0x10, 0, 0, 0, 0}, t0))
	assert.False(t, r.Seeded())

	// four bytes is not enough to seed either
	require.NoError(t, r.AddSegment(9, []byte{0, 0, 0, 8}, t0))
	assert.False(t, r.Seeded())
	assert.Equal(t, 2, r.Pending())
}

func TestSegmentTimeoutClears(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{SegmentTimeout: 10 * time.Second})

	f := frame(30, 0x22)
	require.NoError(t, r.AddSegment(500, f[:10], t0))
	require.True(t, r.Seeded())

	// the tail arrives too late; the partial frame is gone
	require.NoError(t, r.AddSegment(510, f[10:], t0.Add(11*time.Second)))
	assert.Empty(t, c.frames)
	assert.Equal(t, uint64(1), r.Stats().Timeouts)
	assert.False(t, r.Seeded())
}

func TestRetransmissionsIgnored(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{})

	f := frame(20, 0x33)
	require.NoError(t, r.AddSegment(0, f[:12], t0))
	// duplicate of bytes already consumed
	require.NoError(t, r.AddSegment(0, f[:12], t0))
	// overlapping retransmission straddling the cursor
	require.NoError(t, r.AddSegment(8, f[8:], t0))

	require.Len(t, c.frames, 1)
	assert.Equal(t, f, c.frames[0])
	assert.Equal(t, uint64(1), r.Stats().Retransmits)
}

func TestPendingEviction(t *testing.T) {
	c := &collector{}
	r := New(c.onFrame, Options{MaxPending: 4})

	require.NoError(t, r.AddSegment(0, frame(100, 0)[:10], t0))
	for i := 0; i < 8; i++ {
		require.NoError(t, r.AddSegment(uint32(1000+i*10), []byte{1, 2, 3}, t0))
	}
	assert.Equal(t, 4, r.Pending())
	assert.Equal(t, uint64(4), r.Stats().Evictions)
}

func TestHandlerPanicDoesNotStopStream(t *testing.T) {
	calls := 0
	r := New(func([]byte) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	}, Options{})

	stream := append(frame(6, 1), frame(6, 2)...)
	require.NoError(t, r.AddSegment(0, stream, t0))
	assert.Equal(t, 2, calls)
}
