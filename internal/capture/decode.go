// Package capture turns link-layer frames into TCP segments for the
// pipeline. Frames come from a live interface or a recorded capture file.
package capture

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/starmeter-project/starmeter/internal/flow"
)

var (
	ErrNotIPv4    = errors.New("not an IPv4 packet")
	ErrNotTCP     = errors.New("not a TCP segment")
	ErrFragmented = errors.New("fragmented IPv4 packet")
	ErrNoPayload  = errors.New("empty TCP payload")
)

// Decode extracts the TCP segment carried by pkt. Fragments are rejected
// rather than reassembled.
func Decode(pkt gopacket.Packet) (flow.Segment, error) {
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || ip4 == nil {
		return flow.Segment{}, ErrNotIPv4
	}
	if ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset > 0 {
		return flow.Segment{}, ErrFragmented
	}

	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || tcp == nil {
		return flow.Segment{}, ErrNotTCP
	}
	if len(tcp.Payload) == 0 {
		return flow.Segment{}, ErrNoPayload
	}

	src, ok := addrFrom(ip4.SrcIP)
	if !ok {
		return flow.Segment{}, ErrNotIPv4
	}
	dst, ok := addrFrom(ip4.DstIP)
	if !ok {
		return flow.Segment{}, ErrNotIPv4
	}

	seg := flow.Segment{
		Key:     flow.NewKey(src, uint16(tcp.SrcPort), dst, uint16(tcp.DstPort)),
		Seq:     tcp.Seq,
		Payload: tcp.Payload,
	}
	if md := pkt.Metadata(); md != nil {
		seg.Timestamp = md.Timestamp
	}
	return seg, nil
}

func addrFrom(ip []byte) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
