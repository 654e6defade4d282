package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatched struct {
	method  uint32
	payload []byte
}

type recorder struct {
	calls  []dispatched
	status []string
}

func (r *recorder) onNotify(m uint32, p []byte) {
	r.calls = append(r.calls, dispatched{method: m, payload: append([]byte(nil), p...)})
}

func (r *recorder) onStatus(s string) { r.status = append(r.status, s) }

func newTestParser(t *testing.T) (*Parser, *recorder) {
	t.Helper()
	dec, err := NewDecompressor(0)
	require.NoError(t, err)
	t.Cleanup(dec.Close)
	rec := &recorder{}
	return NewParser(dec, rec.onNotify, rec.onStatus), rec
}

func zstdCompress(t *testing.T) func([]byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	t.Cleanup(func() { enc.Close() })
	return func(b []byte) []byte { return enc.EncodeAll(b, nil) }
}

func TestParseSingleNotify(t *testing.T) {
	p, rec := newTestParser(t)

	p.Parse(EncodeNotify(0x2d, []byte("hello"), nil))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, uint32(0x2d), rec.calls[0].method)
	assert.Equal(t, []byte("hello"), rec.calls[0].payload)
	assert.Equal(t, uint64(1), p.Stats().Notifies)
}

func TestFrameDownWithTwoInnerFrames(t *testing.T) {
	p, rec := newTestParser(t)

	inner := append(EncodeNotify(0x06, []byte{1}, nil), EncodeNotify(0x2e, []byte{2}, nil)...)
	p.Parse(EncodeFrameDown(77, inner, nil))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, uint32(0x06), rec.calls[0].method)
	assert.Equal(t, uint32(0x2e), rec.calls[1].method)
}

func TestNestedOrderingPreserved(t *testing.T) {
	p, rec := newTestParser(t)

	deep := EncodeFrameDown(2, EncodeNotify(2, nil, nil), nil)
	inner := append(EncodeNotify(1, []byte{1}, nil), deep...)
	inner = append(inner, EncodeNotify(3, []byte{3}, nil)...)

	stream := append(EncodeFrameDown(1, inner, nil), EncodeNotify(4, []byte{4}, nil)...)
	p.Parse(stream)

	// the innermost notify has an empty payload but is still dispatched
	var methods []uint32
	for _, c := range rec.calls {
		methods = append(methods, c.method)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4}, methods)
}

func TestCompressedFrameDownAndNotify(t *testing.T) {
	p, rec := newTestParser(t)
	compress := zstdCompress(t)

	inner := append(EncodeNotify(0x15, []byte("compressed payload"), compress), EncodeNotify(0x2d, []byte("plain"), nil)...)
	p.Parse(EncodeFrameDown(9, inner, compress))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, []byte("compressed payload"), rec.calls[0].payload)
	assert.Equal(t, []byte("plain"), rec.calls[1].payload)
}

func TestCorruptCompressionDropsOnlyThatFrame(t *testing.T) {
	p, rec := newTestParser(t)

	bad := EncodeContainer(MsgFrameDown|CompressedFlag, append([]byte{0, 0, 0, 1}, []byte("not zstd at all")...))
	stream := append(bad, EncodeNotify(0x2d, []byte("after"), nil)...)
	p.Parse(stream)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, []byte("after"), rec.calls[0].payload)
	assert.Equal(t, uint64(1), p.Stats().DecodeErrors)
	assert.NotEmpty(t, rec.status)
}

func TestForeignServiceDropped(t *testing.T) {
	p, rec := newTestParser(t)

	body := binary.BigEndian.AppendUint64(nil, 0x1234)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint32(body, 0x2d)
	body = append(body, 0xAA)
	p.Parse(EncodeContainer(MsgNotify, body))

	assert.Empty(t, rec.calls)
	assert.Equal(t, uint64(1), p.Stats().ForeignService)
	assert.Empty(t, rec.status, "other services are not operator-visible")
}

func TestUnknownAndReturnTypesIgnored(t *testing.T) {
	p, rec := newTestParser(t)

	stream := EncodeContainer(MsgReturn, []byte{1, 2, 3})
	stream = append(stream, EncodeContainer(0x55, []byte{9})...)
	stream = append(stream, EncodeNotify(7, []byte{7}, nil)...)
	p.Parse(stream)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, uint64(1), p.Stats().Returns)
	assert.Equal(t, uint64(1), p.Stats().UnknownTypes)
}

func TestUndersizedContainerStopsStream(t *testing.T) {
	p, rec := newTestParser(t)

	stream := []byte{0, 0, 0, 5, 0, 2, 0}
	stream = append(stream, EncodeNotify(7, []byte{7}, nil)...)
	p.Parse(stream)

	assert.Empty(t, rec.calls)
	assert.Contains(t, rec.status, "Received invalid packet (size < 6)")
}

func TestNestingDepthBounded(t *testing.T) {
	p, rec := newTestParser(t)

	stream := EncodeNotify(1, []byte{1}, nil)
	for i := 0; i < MaxNestingDepth+2; i++ {
		stream = EncodeFrameDown(uint32(i), stream, nil)
	}
	p.Parse(stream)

	assert.Empty(t, rec.calls)
	assert.NotEmpty(t, rec.status)
}

func TestHandlerPanicContained(t *testing.T) {
	dec, err := NewDecompressor(0)
	require.NoError(t, err)
	defer dec.Close()

	calls := 0
	p := NewParser(dec, func(uint32, []byte) {
		calls++
		panic("handler failure")
	}, nil)

	stream := append(EncodeNotify(1, []byte{1}, nil), EncodeNotify(2, []byte{2}, nil)...)
	assert.NotPanics(t, func() { p.Parse(stream) })
	assert.Equal(t, 2, calls)
}

func TestDecodeNotifyErrors(t *testing.T) {
	_, err := DecodeNotify(make([]byte, 10), false, nil)
	assert.True(t, errors.Is(err, ErrShortNotify))

	body := binary.BigEndian.AppendUint64(nil, ExpectedServiceID)
	body = binary.BigEndian.AppendUint32(body, 5)
	body = binary.BigEndian.AppendUint32(body, 0x2e)
	body = append(body, 0xFF, 0xFE)

	n, err := DecodeNotify(body, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n.StubID)
	assert.Equal(t, uint32(0x2e), n.MethodID)
	assert.Equal(t, []byte{0xFF, 0xFE}, n.Payload)

	_, err = DecodeNotify(body, true, nil)
	assert.True(t, errors.Is(err, ErrDecompressionFailed))
}

func TestMsgTypeName(t *testing.T) {
	assert.Equal(t, "Notify", MsgTypeName(MsgNotify))
	assert.Equal(t, "FrameDown", MsgTypeName(MsgFrameDown))
	assert.Equal(t, "Unknown", MsgTypeName(0x7f))
}
