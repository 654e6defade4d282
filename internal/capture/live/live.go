// Package live opens network interfaces through libpcap.
package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/capture"
)

// Options configures a live capture handle.
type Options struct {
	Device       string
	BPFFilter    string
	SnapLen      int
	Promiscuous  bool
	ReadTimeout  time.Duration
	BufferSize   int
	SkipKeywords []string
}

// DefaultSkipKeywords excludes virtual adapters that never carry game
// traffic.
var DefaultSkipKeywords = []string{"miniport", "loopback"}

// Open activates a handle on opts.Device, choosing a device with PickDevice
// when none is configured.
func Open(opts Options) (*capture.Source, error) {
	device := opts.Device
	if device == "" {
		picked, err := PickDevice(opts.SkipKeywords)
		if err != nil {
			return nil, err
		}
		device = picked
	}

	inactive, err := pcap.NewInactiveHandle(device)
	if err != nil {
		return nil, fmt.Errorf("pcap inactive handle %s: %w", device, err)
	}
	defer inactive.CleanUp()

	if opts.SnapLen > 0 {
		if err := inactive.SetSnapLen(opts.SnapLen); err != nil {
			return nil, fmt.Errorf("pcap snaplen: %w", err)
		}
	}
	if err := inactive.SetPromisc(opts.Promiscuous); err != nil {
		return nil, fmt.Errorf("pcap promiscuous: %w", err)
	}
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = pcap.BlockForever
	}
	if err := inactive.SetTimeout(timeout); err != nil {
		return nil, fmt.Errorf("pcap timeout: %w", err)
	}
	if opts.BufferSize > 0 {
		if err := inactive.SetBufferSize(opts.BufferSize); err != nil {
			return nil, fmt.Errorf("pcap buffer size: %w", err)
		}
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap activate %s: %w", device, err)
	}
	if opts.BPFFilter != "" {
		if err := h.SetBPFFilter(opts.BPFFilter); err != nil {
			h.Close()
			return nil, fmt.Errorf("pcap set filter %q: %w", opts.BPFFilter, err)
		}
	}

	log.Info().
		Str("component", "capture").
		Str("device", device).
		Str("filter", opts.BPFFilter).
		Msg("Opened capture device")

	return capture.NewSource(device, h, h.LinkType(), h.Close), nil
}

// PickDevice returns the first interface that has an address and whose name
// or description contains none of the skip keywords.
func PickDevice(skip []string) (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("failed to list capture devices: %w", err)
	}
	if skip == nil {
		skip = DefaultSkipKeywords
	}
	for _, d := range devs {
		if len(d.Addresses) == 0 || skipped(d.Name, d.Description, skip) {
			continue
		}
		return d.Name, nil
	}
	return "", fmt.Errorf("no usable capture device among %d interfaces", len(devs))
}

// Devices lists every interface libpcap can open.
func Devices() ([]pcap.Interface, error) {
	return pcap.FindAllDevs()
}

func skipped(name, description string, keywords []string) bool {
	name = strings.ToLower(name)
	description = strings.ToLower(description)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if strings.Contains(name, k) || strings.Contains(description, k) {
			return true
		}
	}
	return false
}
