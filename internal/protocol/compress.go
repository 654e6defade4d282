package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecodedSize caps the output of a single decompression.
const DefaultMaxDecodedSize = 16 << 20

// Decompressor wraps one reusable zstd decoder.
type Decompressor struct {
	mu      sync.Mutex
	decoder *zstd.Decoder
}

// NewDecompressor creates a decoder that refuses outputs above maxSize.
func NewDecompressor(maxSize uint64) (*Decompressor, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxDecodedSize
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Decompressor{decoder: dec}, nil
}

// Decompress decodes a complete zstd frame.
func (d *Decompressor) Decompress(src []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out, err := d.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// Close releases decoder resources.
func (d *Decompressor) Close() {
	d.decoder.Close()
}
