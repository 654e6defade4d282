package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NotifyHandler receives every accepted notify payload in stream order.
type NotifyHandler func(methodID uint32, payload []byte)

// StatusFunc receives operator-facing status lines.
type StatusFunc func(msg string)

// ParserStats counts parser activity.
type ParserStats struct {
	Containers     uint64 `json:"containers"`
	Notifies       uint64 `json:"notifies"`
	FrameDowns     uint64 `json:"frame_downs"`
	Returns        uint64 `json:"returns"`
	UnknownTypes   uint64 `json:"unknown_types"`
	ForeignService uint64 `json:"foreign_service"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Malformed      uint64 `json:"malformed"`
}

// Parser walks container streams, unpacking FrameDown batches through an
// explicit stack so nesting depth is bounded, and forwards notify payloads.
// It is not safe for concurrent use.
type Parser struct {
	onNotify NotifyHandler
	status   StatusFunc
	dec      *Decompressor
	stats    ParserStats
	logger   zerolog.Logger
}

type work struct {
	data  []byte
	depth int
}

// NewParser creates a parser. status may be nil.
func NewParser(dec *Decompressor, onNotify NotifyHandler, status StatusFunc) *Parser {
	return &Parser{
		onNotify: onNotify,
		status:   status,
		dec:      dec,
		logger:   log.With().Str("component", "frame_parser").Logger(),
	}
}

// Parse decodes every complete container in stream. A trailing partial
// container is ignored; the reassembler only hands over whole frames.
func (p *Parser) Parse(stream []byte) {
	stack := []work{{data: stream}}

	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		data := w.data

	containers:
		for len(data) >= LengthPrefixSize {
			size := binary.BigEndian.Uint32(data[:LengthPrefixSize])
			if size < HeaderSize {
				p.stats.Malformed++
				p.report("Received invalid packet (size < 6)")
				break
			}
			if uint64(size) > uint64(len(data)) {
				p.stats.Malformed++
				p.logger.Debug().Uint32("size", size).Int("available", len(data)).Msg("truncated container")
				break
			}

			typeField := binary.BigEndian.Uint16(data[LengthPrefixSize:HeaderSize])
			c := Container{
				Length:     size,
				Type:       typeField & typeMask,
				Compressed: typeField&CompressedFlag != 0,
				Body:       data[HeaderSize:size],
			}
			data = data[size:]
			p.stats.Containers++

			switch c.Type {
			case MsgNotify:
				p.handleNotify(c)
			case MsgReturn:
				p.stats.Returns++
			case MsgFrameDown:
				p.stats.FrameDowns++
				nested, ok := p.unpackFrameDown(c, w.depth)
				if !ok {
					continue
				}
				// resume the current stream after the nested one is done
				stack = append(stack, work{data: data, depth: w.depth}, work{data: nested, depth: w.depth + 1})
				break containers
			default:
				p.stats.UnknownTypes++
				p.logger.Debug().Uint16("type", c.Type).Msg("ignoring container type")
			}
		}
	}
}

func (p *Parser) unpackFrameDown(c Container, depth int) ([]byte, bool) {
	if len(c.Body) <= SequenceIDSize {
		return nil, false
	}
	if depth+1 > MaxNestingDepth {
		p.stats.Malformed++
		p.report(fmt.Sprintf("FrameDown nesting exceeds %d levels, dropping batch", MaxNestingDepth))
		return nil, false
	}

	nested := c.Body[SequenceIDSize:]
	if !c.Compressed {
		return nested, true
	}
	if p.dec == nil {
		p.stats.DecodeErrors++
		return nil, false
	}
	out, err := p.dec.Decompress(nested)
	if err != nil {
		p.stats.DecodeErrors++
		p.report(fmt.Sprintf("Failed to decompress FrameDown: %v", err))
		return nil, false
	}
	return out, true
}

func (p *Parser) handleNotify(c Container) {
	if len(c.Body) == 0 {
		return
	}
	n, err := DecodeNotify(c.Body, c.Compressed, p.dec)
	switch {
	case errors.Is(err, ErrUnexpectedService):
		p.stats.ForeignService++
		p.logger.Debug().Uint64("service_id", n.ServiceID).Msg("Skipping notify for other service")
		return
	case err != nil:
		p.stats.DecodeErrors++
		p.report(fmt.Sprintf("Notify decode failed: %v", err))
		return
	}

	p.stats.Notifies++
	p.dispatch(n)
}

func (p *Parser) dispatch(n Notify) {
	defer func() {
		if r := recover(); r != nil {
			p.report(fmt.Sprintf("Error handling notify method 0x%x: %v", n.MethodID, r))
		}
	}()
	if p.onNotify != nil {
		p.onNotify(n.MethodID, n.Payload)
	}
}

func (p *Parser) report(msg string) {
	p.logger.Warn().Msg(msg)
	if p.status != nil {
		p.status(msg)
	}
}

// Stats returns a copy of the counters.
func (p *Parser) Stats() ParserStats { return p.stats }
