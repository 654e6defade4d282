package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapng section header block type, as it appears on disk in either byte order.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// OpenFile opens a recorded capture for replay. Both classic pcap and
// pcapng files are accepted; the format is sniffed from the first block.
func OpenFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	r := bufio.NewReader(f)
	head, err := r.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header %s: %w", path, err)
	}

	var (
		data     gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if bytes.Equal(head, ngMagic) {
		ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcapng file %s: %w", path, err)
		}
		data, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(r)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcap file %s: %w", path, err)
		}
		data, linkType = pr, pr.LinkType()
	}

	return NewSource(path, data, linkType, func() { f.Close() }), nil
}
