package flow

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeySameInEitherDirection(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.2")
	b := netip.MustParseAddr("203.0.113.7")

	k := NewKey(a, 51000, b, 5003)
	assert.True(t, k.Same(k))
	assert.True(t, k.Same(k.Reverse()))
	assert.False(t, k.Same(NewKey(a, 51001, b, 5003)))
	assert.Equal(t, k, k.Reverse().Reverse())
}

func TestKeyString(t *testing.T) {
	k := NewKey(netip.MustParseAddr("10.0.0.2"), 51000, netip.MustParseAddr("203.0.113.7"), 5003)
	assert.Equal(t, "10.0.0.2:51000 -> 203.0.113.7:5003", k.String())
	assert.False(t, k.IsZero())
	assert.True(t, Key{}.IsZero())
}
