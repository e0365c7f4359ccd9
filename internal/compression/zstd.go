// Package compression frames response bodies for storage at rest.
//
// Every stored frame starts with a one-byte marker so that bodies which are
// already compressed (or too small to benefit) can be stored raw without
// being mistaken for zstd frames on the way back.
package compression

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	markerRaw  byte = 0
	markerZstd byte = 1

	// minSize is the smallest body worth compressing.
	minSize = 128
)

// Level selects the encoder speed/ratio trade-off.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 2
	LevelBetter  Level = 3
)

var errEmptyFrame = errors.New("compression: empty frame")

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(level Level, enabled bool) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

// Compress returns a marked frame. Bodies that do not shrink are stored raw.
func (c *Compressor) Compress(data []byte) []byte {
	if c.enabled && len(data) >= minSize {
		dst := make([]byte, 1, len(data)/2+1)
		dst[0] = markerZstd
		dst = c.encoder.EncodeAll(data, dst)
		if len(dst) < len(data)+1 {
			return dst
		}
	}

	out := make([]byte, len(data)+1)
	out[0] = markerRaw
	copy(out[1:], data)
	return out
}

// Decompress reverses Compress. The decoder is always available, so frames
// written with compression enabled stay readable after it is turned off.
func (c *Compressor) Decompress(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}

	switch frame[0] {
	case markerRaw:
		return frame[1:], nil
	case markerZstd:
		data, err := c.decoder.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode zstd frame: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("compression: unknown frame marker %#x", frame[0])
	}
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
