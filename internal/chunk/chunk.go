// Package chunk owns the object layout of a backup in a cloud target and the
// codec applied to chunk payloads.
package chunk

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
	"github.com/Chapsvision-dev/cloudbackupd/internal/provider"
)

// Compression names a payload encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Every stored object starts with one byte naming its encoding, so a reader
// never depends on the writer's configuration.
const (
	tagNone byte = 0
	tagZstd byte = 1
)

// ParseCompression accepts "", "none" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionNone:
		return CompressionNone, nil
	}
	return "", fmt.Errorf("%w: compression %q", model.ErrInvalidArgument, s)
}

// Codec encodes and decodes chunk payloads. It is safe for concurrent use.
type Codec struct {
	mode Compression
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func NewCodec(mode Compression) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{mode: mode, enc: enc, dec: dec}, nil
}

func (c *Codec) Mode() Compression { return c.mode }

// Encode returns the stored form of raw.
func (c *Codec) Encode(raw []byte) []byte {
	if c.mode == CompressionNone {
		out := make([]byte, 0, len(raw)+1)
		out = append(out, tagNone)
		return append(out, raw...)
	}
	return c.enc.EncodeAll(raw, []byte{tagZstd})
}

// Decode reverses Encode, whatever mode wrote the object.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty chunk object")
	}
	switch stored[0] {
	case tagNone:
		return stored[1:], nil
	case tagZstd:
		out, err := c.dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown chunk encoding %d", stored[0])
}

// Close releases the decoder's goroutines.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// JobPrefix is where every object of backup jobID lives.
func JobPrefix(volumeID, jobID string) string {
	return provider.JoinKey(volumeID, jobID) + "/"
}

// ObjectKey names chunk seq of a backup.
func ObjectKey(volumeID, jobID string, seq int) string {
	return provider.JoinKey(volumeID, jobID, fmt.Sprintf("chunk-%08d", seq))
}

// ManifestKey names the manifest written when a backup completes.
func ManifestKey(volumeID, jobID string) string {
	return provider.JoinKey(volumeID, jobID, "manifest.json")
}
