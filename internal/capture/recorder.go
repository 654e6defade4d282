package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Recorder writes raw frames to a pcapng file for later replay with
// OpenFile.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	writer  *pcapgo.NgWriter
	path    string
	written uint64
}

// NewRecorder creates path and writes the pcapng section header.
func NewRecorder(path string, linkType layers.LinkType) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create record directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create record file %s: %w", path, err)
	}
	w, err := pcapgo.NewNgWriter(f, linkType)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start pcapng writer: %w", err)
	}
	return &Recorder{file: f, writer: w, path: path}, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// Write appends one frame.
func (r *Recorder) Write(pkt gopacket.Packet) error {
	ci := pkt.Metadata().CaptureInfo
	data := pkt.Data()
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(data)
	}
	if ci.Length == 0 {
		ci.Length = len(data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return os.ErrClosed
	}
	if err := r.writer.WritePacket(ci, data); err != nil {
		return err
	}
	r.written++
	return nil
}

// Written returns the number of frames recorded.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes buffered frames and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return nil
	}
	err := r.writer.Flush()
	r.writer = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
