package glitter

import (
	"encoding/binary"
	"fmt"
)

// Multipart framing inside a single WebSocket binary message: each part is
// prefixed by its uvarint length. An empty message decodes to zero parts.

func EncodeParts(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += binary.MaxVarintLen64 + len(p)
	}
	buf := make([]byte, 0, n)
	var hdr [binary.MaxVarintLen64]byte
	for _, p := range parts {
		k := binary.PutUvarint(hdr[:], uint64(len(p)))
		buf = append(buf, hdr[:k]...)
		buf = append(buf, p...)
	}
	return buf
}

func DecodeParts(data []byte) ([][]byte, error) {
	var parts [][]byte
	for len(data) > 0 {
		size, k := binary.Uvarint(data)
		if k <= 0 {
			return nil, fmt.Errorf("truncated part header at offset from end %d", len(data))
		}
		data = data[k:]
		if size > uint64(len(data)) {
			return nil, fmt.Errorf("part length %d exceeds remaining %d bytes", size, len(data))
		}
		parts = append(parts, data[:size:size])
		data = data[size:]
	}
	return parts, nil
}
