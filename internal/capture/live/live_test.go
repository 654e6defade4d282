package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSkipped(t *testing.T) {
	tests := []struct {
		name, desc string
		want       bool
	}{
		{"eth0", "", false},
		{"lo", "Loopback interface", true},
		{`\Device\NPF_{1234}`, "WAN Miniport (IP)", true},
		{`\Device\NPF_{5678}`, "Intel(R) Ethernet Connection", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipped(tt.name, tt.desc, DefaultSkipKeywords))
		})
	}

	assert.False(t, skipped("lo", "Loopback", []string{"", "  "}))
}
