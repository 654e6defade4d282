package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/flow"
)

// Handler consumes one decoded segment together with the frame it came
// from. Handlers run on the capture goroutine, one at a time.
type Handler func(seg flow.Segment, pkt gopacket.Packet)

// Stats counts frames seen by a Source.
type Stats struct {
	Packets    uint64 `json:"packets"`
	Segments   uint64 `json:"segments"`
	NotIPv4    uint64 `json:"not_ipv4"`
	NotTCP     uint64 `json:"not_tcp"`
	Fragmented uint64 `json:"fragmented"`
	Empty      uint64 `json:"empty"`
}

// Source delivers frames from a live handle or a capture file.
type Source struct {
	name     string
	packets  *gopacket.PacketSource
	linkType layers.LinkType
	closer   func()

	packetsSeen atomic.Uint64
	segments    atomic.Uint64
	notIPv4     atomic.Uint64
	notTCP      atomic.Uint64
	fragmented  atomic.Uint64
	empty       atomic.Uint64

	logger zerolog.Logger
}

// NewSource wraps any packet data source. closer, if set, runs once Run
// returns.
func NewSource(name string, data gopacket.PacketDataSource, linkType layers.LinkType, closer func()) *Source {
	return &Source{
		name:     name,
		packets:  gopacket.NewPacketSource(data, linkType),
		linkType: linkType,
		closer:   closer,
		logger:   log.With().Str("component", "capture").Str("source", name).Logger(),
	}
}

// Name identifies the device or file being read.
func (s *Source) Name() string { return s.name }

// LinkType is the link layer of the frames this source yields.
func (s *Source) LinkType() layers.LinkType { return s.linkType }

// Run reads frames until ctx is cancelled or the source is exhausted and
// hands every TCP segment with a payload to handle.
func (s *Source) Run(ctx context.Context, handle Handler) {
	if s.closer != nil {
		defer s.closer()
	}

	s.logger.Info().Msg("Capture started")
	packets := s.packets.Packets()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Capture stopped")
			return
		case pkt, ok := <-packets:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Info().Uint64("packets", s.packetsSeen.Load()).Msg("Capture source exhausted")
				}
				return
			}
			s.handle(pkt, handle)
		}
	}
}

func (s *Source) handle(pkt gopacket.Packet, handle Handler) {
	s.packetsSeen.Add(1)

	seg, err := Decode(pkt)
	switch {
	case err == nil:
		s.segments.Add(1)
		handle(seg, pkt)
	case errors.Is(err, ErrNotIPv4):
		s.notIPv4.Add(1)
	case errors.Is(err, ErrNotTCP):
		s.notTCP.Add(1)
	case errors.Is(err, ErrFragmented):
		s.fragmented.Add(1)
		s.logger.Debug().Msg("Skipping fragmented packet")
	case errors.Is(err, ErrNoPayload):
		s.empty.Add(1)
	}
}

// Stats returns the frame counters.
func (s *Source) Stats() Stats {
	return Stats{
		Packets:    s.packetsSeen.Load(),
		Segments:   s.segments.Load(),
		NotIPv4:    s.notIPv4.Load(),
		NotTCP:     s.notTCP.Load(),
		Fragmented: s.fragmented.Load(),
		Empty:      s.empty.Load(),
	}
}
