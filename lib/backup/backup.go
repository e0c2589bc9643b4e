// Package backup streams the content of a disk into a compressed archive and
// replays such archives into a disk.
//
// An archive is a zstd stream of pebble record frames. The first frame is the
// header, every following frame is one write or deletion in the order the disk
// committed them. Replaying an archive keeps the original versions.
package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/cockroachdb/pebble/record"
	"github.com/klauspost/compress/zstd"
)

const magic = "hkv-backup/1"

var ErrNotABackup = errors.New("not a backup archive")

const (
	entryPut byte = iota + 1
	entryDel
)

// Source is a cursor over the entries to export. disk.RollingSnapshot implements it.
type Source interface {
	Valid() bool
	Next()
	Key() []byte
	Value() [][]byte
	Version() uint64
	HasValue() bool
	Err() error
}

// Target receives the entries of an archive.
type Target interface {
	Put(key []byte, value [][]byte, version uint64) error
	Del(key []byte) error
}

// Stats counts the entries of an archive
type Stats struct {
	Region  hyperspace.RegionID
	Puts    int
	Deletes int
}

// --------------------------------------------------------------------------
// Export
// --------------------------------------------------------------------------

// Export writes all entries of src to w until src is exhausted.
func Export(w io.Writer, region hyperspace.RegionID, src Source, level zstd.EncoderLevel) (Stats, error) {
	stats := Stats{Region: region}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return stats, err
	}
	rw := record.NewWriter(enc)

	if _, err := rw.WriteRecord(encodeHeader(region)); err != nil {
		enc.Close()
		return stats, fmt.Errorf("write backup header: %w", err)
	}

	var buf []byte
	for ; src.Valid(); src.Next() {
		op := entryDel
		if src.HasValue() {
			op = entryPut
		}
		buf = encodeEntry(buf[:0], op, src.Version(), src.Key(), src.Value())
		if _, err := rw.WriteRecord(buf); err != nil {
			enc.Close()
			return stats, fmt.Errorf("write backup entry: %w", err)
		}
		if op == entryPut {
			stats.Puts++
		} else {
			stats.Deletes++
		}
	}
	if err := src.Err(); err != nil {
		enc.Close()
		return stats, err
	}

	if err := rw.Close(); err != nil {
		enc.Close()
		return stats, err
	}
	return stats, enc.Close()
}

// --------------------------------------------------------------------------
// Import
// --------------------------------------------------------------------------

// Import replays the archive in r into dst. It returns the region the archive
// was taken from along with the entry counts.
func Import(r io.Reader, dst Target) (Stats, error) {
	var stats Stats

	dec, err := zstd.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrNotABackup, err)
	}
	defer dec.Close()
	rr := record.NewReader(dec, 0)

	header, err := nextRecord(rr)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrNotABackup, err)
	}
	if stats.Region, err = decodeHeader(header); err != nil {
		return stats, err
	}

	for {
		data, err := nextRecord(rr)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read backup entry %d: %w", stats.Puts+stats.Deletes, err)
		}

		op, version, key, value, err := decodeEntry(data)
		if err != nil {
			return stats, err
		}
		if op == entryDel {
			if err := dst.Del(key); err != nil {
				return stats, err
			}
			stats.Deletes++
			continue
		}
		if err := dst.Put(key, value, version); err != nil {
			return stats, err
		}
		stats.Puts++
	}
}

func nextRecord(rr *record.Reader) ([]byte, error) {
	r, err := rr.Next()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// header: magic | space u32 | subspace u16 | prefix u8 | mask u64
func encodeHeader(r hyperspace.RegionID) []byte {
	out := []byte(magic)
	out = binary.BigEndian.AppendUint32(out, r.Space)
	out = binary.BigEndian.AppendUint16(out, r.Subspace)
	out = append(out, r.Prefix)
	return binary.BigEndian.AppendUint64(out, r.Mask)
}

func decodeHeader(data []byte) (hyperspace.RegionID, error) {
	if len(data) != len(magic)+15 || string(data[:len(magic)]) != magic {
		return hyperspace.RegionID{}, ErrNotABackup
	}
	data = data[len(magic):]
	return hyperspace.RegionID{
		Space:    binary.BigEndian.Uint32(data[0:4]),
		Subspace: binary.BigEndian.Uint16(data[4:6]),
		Prefix:   data[6],
		Mask:     binary.BigEndian.Uint64(data[7:15]),
	}, nil
}

// entry: op u8 | version u64 | key | ncols u32 | cols, byte strings are uvarint length prefixed
func encodeEntry(dst []byte, op byte, version uint64, key []byte, value [][]byte) []byte {
	dst = append(dst, op)
	dst = binary.BigEndian.AppendUint64(dst, version)
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(value)))
	for _, col := range value {
		dst = binary.AppendUvarint(dst, uint64(len(col)))
		dst = append(dst, col...)
	}
	return dst
}

var errBadEntry = fmt.Errorf("%w: damaged entry", ErrNotABackup)

func decodeEntry(data []byte) (op byte, version uint64, key []byte, value [][]byte, err error) {
	if len(data) < 9 {
		return 0, 0, nil, nil, errBadEntry
	}
	op, version = data[0], binary.BigEndian.Uint64(data[1:9])
	if op != entryPut && op != entryDel {
		return 0, 0, nil, nil, errBadEntry
	}
	rest := data[9:]

	if key, rest, err = readBytes(rest); err != nil {
		return 0, 0, nil, nil, err
	}
	if len(rest) < 4 {
		return 0, 0, nil, nil, errBadEntry
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(n) > uint64(len(rest)) {
		return 0, 0, nil, nil, errBadEntry
	}
	value = make([][]byte, n)
	for i := range value {
		if value[i], rest, err = readBytes(rest); err != nil {
			return 0, 0, nil, nil, err
		}
	}
	return op, version, key, value, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, used := binary.Uvarint(b)
	if used <= 0 || uint64(len(b)-used) < n {
		return nil, nil, errBadEntry
	}
	b = b[used:]
	return b[:n:n], b[n:], nil
}
