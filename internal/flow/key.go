// Package flow identifies TCP flows observed on the wire.
package flow

import (
	"fmt"
	"net/netip"
)

// Key is one directional view of a TCP flow. Two keys describe the same
// flow when they are equal in either direction.
type Key struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// NewKey builds a key from raw addresses and ports.
func NewKey(src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16) Key {
	return Key{
		Src: netip.AddrPortFrom(src, srcPort),
		Dst: netip.AddrPortFrom(dst, dstPort),
	}
}

// Reverse returns the opposite direction of the flow.
func (k Key) Reverse() Key {
	return Key{Src: k.Dst, Dst: k.Src}
}

// Same reports whether other belongs to the same flow, in either direction.
func (k Key) Same(other Key) bool {
	return k == other || k == other.Reverse()
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return !k.Src.IsValid() && !k.Dst.IsValid()
}

// String formats the key as "src:port -> dst:port".
func (k Key) String() string {
	return fmt.Sprintf("%s -> %s", k.Src, k.Dst)
}
