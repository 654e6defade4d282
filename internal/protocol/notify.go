package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortNotify         = errors.New("notify message too short")
	ErrUnexpectedService   = errors.New("unexpected notify service")
	ErrDecompressionFailed = errors.New("decompression failed")
)

// DecodeNotify parses the 16-byte notify header and returns the message with
// its payload decompressed when the container was flagged compressed.
// Messages for other services are rejected with ErrUnexpectedService.
func DecodeNotify(body []byte, compressed bool, dec *Decompressor) (Notify, error) {
	if len(body) < NotifyHeaderSize {
		return Notify{}, fmt.Errorf("%w: %d bytes", ErrShortNotify, len(body))
	}

	n := Notify{
		ServiceID: binary.BigEndian.Uint64(body[0:8]),
		StubID:    binary.BigEndian.Uint32(body[8:12]),
		MethodID:  binary.BigEndian.Uint32(body[12:16]),
	}
	if n.ServiceID != ExpectedServiceID {
		return n, fmt.Errorf("%w: 0x%X", ErrUnexpectedService, n.ServiceID)
	}

	payload := body[NotifyHeaderSize:]
	if compressed && len(payload) > 0 {
		if dec == nil {
			return n, fmt.Errorf("%w: no decoder", ErrDecompressionFailed)
		}
		out, err := dec.Decompress(payload)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		payload = out
	}
	n.Payload = payload
	return n, nil
}

// EncodeNotify builds a notify container, compressing the payload with enc
// when it is non-nil. It is the inverse of the parser path and is used to
// build fixtures and replay streams.
func EncodeNotify(methodID uint32, payload []byte, enc func([]byte) []byte) []byte {
	typ := MsgNotify
	if enc != nil {
		payload = enc(payload)
		typ |= CompressedFlag
	}
	body := make([]byte, 0, NotifyHeaderSize+len(payload))
	body = binary.BigEndian.AppendUint64(body, ExpectedServiceID)
	body = binary.BigEndian.AppendUint32(body, 0)
	body = binary.BigEndian.AppendUint32(body, methodID)
	body = append(body, payload...)
	return EncodeContainer(typ, body)
}

// EncodeFrameDown wraps an already-encoded container stream in a FrameDown.
func EncodeFrameDown(seq uint32, inner []byte, enc func([]byte) []byte) []byte {
	typ := MsgFrameDown
	if enc != nil {
		inner = enc(inner)
		typ |= CompressedFlag
	}
	body := binary.BigEndian.AppendUint32(make([]byte, 0, SequenceIDSize+len(inner)), seq)
	body = append(body, inner...)
	return EncodeContainer(typ, body)
}

// EncodeContainer prefixes a type field and body with their total length.
func EncodeContainer(typ uint16, body []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(HeaderSize+len(body)))
	out = binary.BigEndian.AppendUint16(out, typ)
	return append(out, body...)
}
