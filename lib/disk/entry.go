package disk

import (
	"encoding/binary"
	"fmt"
)

// Objects are stored in the shard engines under
//
//	point (8 bytes, big endian) | key
//
// so that a cursor visits a shard in point order. The engine value is
//
//	version (8) | coordinate point (8) | column count (4) | per column: length (4) + data
//
// All integers are big endian.

const (
	pointSize  = 8
	headerSize = 8 + 8 + 4
)

func encodeKey(point uint64, key []byte) []byte {
	out := make([]byte, pointSize+len(key))
	binary.BigEndian.PutUint64(out, point)
	copy(out[pointSize:], key)
	return out
}

func decodeKey(raw []byte) (point uint64, key []byte, err error) {
	if len(raw) < pointSize {
		return 0, nil, fmt.Errorf("%w: engine key of %d bytes", ErrCorrupt, len(raw))
	}
	return binary.BigEndian.Uint64(raw), raw[pointSize:], nil
}

// columnsSize returns the encoded size of the value columns
func columnsSize(value [][]byte) int {
	size := 4
	for _, col := range value {
		size += 4 + len(col)
	}
	return size
}

func appendColumns(dst []byte, value [][]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(value)))
	for _, col := range value {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(col)))
		dst = append(dst, col...)
	}
	return dst
}

func readColumns(raw []byte) ([][]byte, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: missing column count", ErrCorrupt)
	}
	n := binary.BigEndian.Uint32(raw)
	raw = raw[4:]

	value := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, nil, fmt.Errorf("%w: missing length of column %d", ErrCorrupt, i)
		}
		l := binary.BigEndian.Uint32(raw)
		if uint64(len(raw)-4) < uint64(l) {
			return nil, nil, fmt.Errorf("%w: column %d truncated", ErrCorrupt, i)
		}
		value = append(value, raw[4:4+l])
		raw = raw[4+l:]
	}
	return value, raw, nil
}

func encodeValue(version, coord uint64, value [][]byte) []byte {
	out := make([]byte, 16, 16+columnsSize(value))
	binary.BigEndian.PutUint64(out[0:8], version)
	binary.BigEndian.PutUint64(out[8:16], coord)
	return appendColumns(out, value)
}

// decodeValue splits an engine value. The returned columns alias raw.
func decodeValue(raw []byte) (version, coord uint64, value [][]byte, err error) {
	if len(raw) < headerSize {
		return 0, 0, nil, fmt.Errorf("%w: engine value of %d bytes", ErrCorrupt, len(raw))
	}
	version = binary.BigEndian.Uint64(raw[0:8])
	coord = binary.BigEndian.Uint64(raw[8:16])
	value, _, err = readColumns(raw[16:])
	return version, coord, value, err
}

// entrySize is the number of bytes an object occupies in a shard
func entrySize(key []byte, value [][]byte) int64 {
	return int64(pointSize + len(key) + 16 + columnsSize(value))
}

// copyColumns deep copies value columns
func copyColumns(value [][]byte) [][]byte {
	out := make([][]byte, len(value))
	for i, col := range value {
		out[i] = append([]byte{}, col...)
	}
	return out
}
