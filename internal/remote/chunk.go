package remote

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	LayerTargetSize = 5 * 1024 * 1024  // 5MB target
	LayerSoftMax    = 10 * 1024 * 1024 // 10MB soft maximum
	digestLen       = 71               // "sha256:" (7) + hex (64)
)

// PackLayer packs objects into binary format: [digest 71B][length 8B][data]...
// Objects are written in digest order so equal sets pack to equal bytes.
func PackLayer(objects map[string][]byte) ([]byte, error) {
	digests := make([]string, 0, len(objects))
	for d := range objects {
		if len(d) > digestLen {
			return nil, fmt.Errorf("digest %q longer than %d bytes", d, digestLen)
		}
		digests = append(digests, d)
	}
	sort.Strings(digests)

	var buf bytes.Buffer
	digestBuf := make([]byte, digestLen)
	lenBuf := make([]byte, 8)

	for _, d := range digests {
		data := objects[d]

		// Fixed-size digest, zero padded
		clear(digestBuf)
		copy(digestBuf, d)
		buf.Write(digestBuf)

		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
		buf.Write(lenBuf)

		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// UnpackLayer reverses PackLayer.
func UnpackLayer(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	r := bytes.NewReader(data)
	digestBuf := make([]byte, digestLen)

	for r.Len() > 0 {
		if _, err := io.ReadFull(r, digestBuf); err != nil {
			return nil, fmt.Errorf("read digest: %w", err)
		}
		d := strings.TrimRight(string(digestBuf), "\x00")

		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read length: %w", err)
		}
		if length > uint64(r.Len()) {
			return nil, fmt.Errorf("object %s: length %d exceeds layer", d, length)
		}

		obj := make([]byte, length)
		if _, err := io.ReadFull(r, obj); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		result[d] = obj
	}

	return result, nil
}

// BuildLayerPlan groups object digests into layers of roughly
// LayerTargetSize. An object bigger than LayerSoftMax gets a layer of its own.
func BuildLayerPlan(sizes map[string]int64) [][]string {
	digests := make([]string, 0, len(sizes))
	for d := range sizes {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	var layers [][]string
	var current []string
	var size int64

	for _, d := range digests {
		n := sizes[d]
		if len(current) > 0 && (size >= LayerTargetSize || size+n > LayerSoftMax) {
			layers = append(layers, current)
			current, size = nil, 0
		}
		current = append(current, d)
		size += n
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}
