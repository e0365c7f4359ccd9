package compression

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorRoundTrip(t *testing.T) {
	t.Parallel()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	alreadyZstd := enc.EncodeAll(bytes.Repeat([]byte("x"), 4096), nil)
	require.NoError(t, enc.Close())

	tests := []struct {
		name    string
		enabled bool
		data    []byte
		wantZ   bool
	}{
		{name: "small stays raw", enabled: true, data: []byte("tiny"), wantZ: false},
		{name: "repetitive is compressed", enabled: true, data: bytes.Repeat([]byte("abc"), 1000), wantZ: true},
		{name: "disabled stays raw", enabled: false, data: bytes.Repeat([]byte("abc"), 1000), wantZ: false},
		{name: "zstd payload survives", enabled: true, data: alreadyZstd, wantZ: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCompressor(LevelDefault, tt.enabled)
			require.NoError(t, err)
			defer c.Close()

			frame := c.Compress(tt.data)
			assert.Equal(t, tt.wantZ, frame[0] == markerZstd)

			got, err := c.Decompress(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestCompressorReadsAfterDisable(t *testing.T) {
	t.Parallel()

	on, err := NewCompressor(LevelBetter, true)
	require.NoError(t, err)
	defer on.Close()
	data := bytes.Repeat([]byte("chapter "), 512)
	frame := on.Compress(data)

	off, err := NewCompressor(LevelDefault, false)
	require.NoError(t, err)
	defer off.Close()

	got, err := off.Decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressorBadFrame(t *testing.T) {
	t.Parallel()

	c, err := NewCompressor(LevelFastest, true)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil)
	assert.ErrorIs(t, err, errEmptyFrame)

	_, err = c.Decompress([]byte{7, 1, 2})
	assert.Error(t, err)

	_, err = c.Decompress([]byte{markerZstd, 1, 2, 3})
	assert.Error(t, err)
}
