package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble/record"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Log records
// --------------------------------------------------------------------------

type recordOp uint8

const (
	opPut recordOp = iota + 1
	opDel
)

// logRecord is one committed mutation. Records form a singly linked chain in commit order,
// next is written once when the following record is appended and never changes afterwards.
type logRecord struct {
	op      recordOp
	version uint64
	point   uint64
	key     []byte
	value   [][]byte

	next atomic.Pointer[logRecord]
}

// encode serializes a record with the format:
// 1 byte op, 8 bytes version, 8 bytes point, 4 bytes key length + key, columns
func (r *logRecord) encode() []byte {
	out := make([]byte, 17, 17+4+len(r.key)+columnsSize(r.value))
	out[0] = byte(r.op)
	binary.BigEndian.PutUint64(out[1:9], r.version)
	binary.BigEndian.PutUint64(out[9:17], r.point)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.key)))
	out = append(out, r.key...)
	return appendColumns(out, r.value)
}

func decodeRecord(data []byte) (*logRecord, error) {
	if len(data) < 21 {
		return nil, fmt.Errorf("%w: log record of %d bytes", ErrCorrupt, len(data))
	}
	r := &logRecord{
		op:      recordOp(data[0]),
		version: binary.BigEndian.Uint64(data[1:9]),
		point:   binary.BigEndian.Uint64(data[9:17]),
	}
	if r.op != opPut && r.op != opDel {
		return nil, fmt.Errorf("%w: unknown log record type %d", ErrCorrupt, r.op)
	}

	keyLen := binary.BigEndian.Uint32(data[17:21])
	if uint64(len(data)-21) < uint64(keyLen) {
		return nil, fmt.Errorf("%w: log record key truncated", ErrCorrupt)
	}
	r.key = data[21 : 21+keyLen]

	value, _, err := readColumns(data[21+keyLen:])
	if err != nil {
		return nil, err
	}
	r.value = value
	return r, nil
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

// wal is the bounded write ahead log of a disk.
//
// The chain starts with a sentinel. first points to the last retired record, every
// record after it still has to be folded into its shard. Readers walk the chain
// without locks, appends are serialized by mu so that the file order equals the
// chain order.
//
// Thread-safety: append is thread-safe. retire must only be called by the flusher.
type wal struct {
	mu   sync.Mutex
	tail *logRecord

	first   atomic.Pointer[logRecord]
	length  atomic.Int64
	max     int64
	pending *xsync.MapOf[string, *logRecord] // latest unretired record per key

	path string
	file *os.File
	w    *record.Writer
	sync bool
	log  logger.ILogger
}

// openWAL opens the log file at path and replays all intact records into the chain.
// An empty path keeps the log in memory only.
func openWAL(path string, max int, syncWrites bool, log logger.ILogger) (*wal, error) {
	sentinel := &logRecord{}
	l := &wal{
		tail:    sentinel,
		max:     int64(max),
		pending: xsync.NewMapOf[string, *logRecord](),
		path:    path,
		sync:    syncWrites,
		log:     log,
	}
	l.first.Store(sentinel)

	if path == "" {
		return l, nil
	}

	recovered, err := readLogFile(path, log)
	if err != nil {
		return nil, err
	}

	// rewrite the file so that a torn tail never sits in front of new records
	if err := l.rewrite(recovered); err != nil {
		return nil, err
	}
	for _, r := range recovered {
		l.link(r)
	}
	if len(recovered) > 0 {
		log.Infof("replayed %d log records from %s", len(recovered), path)
	}
	return l, nil
}

// readLogFile returns all records up to the first damaged one
func readLogFile(path string, log logger.ILogger) ([]*logRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "open log %s", path)
	}
	defer f.Close()

	var records []*logRecord
	rr := record.NewReader(f, 0)
	for {
		r, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warningf("log %s damaged after %d records, dropping the rest: %v", path, len(records), err)
			break
		}
		data, err := io.ReadAll(r)
		if err != nil {
			log.Warningf("log %s damaged after %d records, dropping the rest: %v", path, len(records), err)
			break
		}
		rec, err := decodeRecord(data)
		if err != nil {
			log.Warningf("log %s holds an undecodable record after %d records, dropping the rest: %v", path, len(records), err)
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// rewrite replaces the log file with the given records and keeps it open for appending.
// Appends always continue the writer that produced the file, so block boundaries stay intact.
func (l *wal) rewrite(records []*logRecord) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ioError(err, "create log %s", tmp)
	}
	w := record.NewWriter(f)
	for _, r := range records {
		if _, err := w.WriteRecord(r.encode()); err != nil {
			f.Close()
			return ioError(err, "write log %s", tmp)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ioError(err, "write log %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioError(err, "sync log %s", tmp)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		f.Close()
		return ioError(err, "replace log %s", l.path)
	}
	l.file, l.w = f, w
	return nil
}

// truncate empties the log file and starts a new writer
func (l *wal) truncate() error {
	if l.file != nil {
		_ = l.file.Close()
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		l.file, l.w = nil, nil
		return ioError(err, "truncate log %s", l.path)
	}
	l.file, l.w = f, record.NewWriter(f)
	return nil
}

// link appends r to the chain. Callers hold mu or own the wal exclusively.
func (l *wal) link(r *logRecord) {
	l.tail.next.Store(r)
	l.tail = r
	l.pending.Store(string(r.key), r)
	l.length.Add(1)
}

// append makes a record durable (as configured) and links it into the chain.
func (l *wal) append(r *logRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.length.Load() >= l.max {
		return ErrLogFull
	}

	if l.w != nil {
		if _, err := l.w.WriteRecord(r.encode()); err != nil {
			return ioError(err, "append to log %s", l.path)
		}
		if err := l.w.Flush(); err != nil {
			return ioError(err, "append to log %s", l.path)
		}
		if l.sync {
			if err := l.file.Sync(); err != nil {
				return ioError(err, "sync log %s", l.path)
			}
		}
	}

	l.link(r)
	return nil
}

// lookup returns the latest unretired record for key
func (l *wal) lookup(key []byte) (*logRecord, bool) {
	return l.pending.Load(string(key))
}

// oldest returns the oldest unretired record
func (l *wal) oldest() *logRecord {
	return l.first.Load().next.Load()
}

// retire marks r, which must be the oldest unretired record, as folded into its shard.
func (l *wal) retire(r *logRecord) {
	l.first.Store(r)
	l.length.Add(-1)
	l.pending.Compute(string(r.key), func(cur *logRecord, loaded bool) (*logRecord, bool) {
		// a newer record for the same key stays pending
		return cur, !loaded || cur == r
	})
}

// drained truncates the file once every record is retired.
func (l *wal) drained() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.first.Load() != l.tail || l.file == nil {
		return nil
	}
	return l.truncate()
}

func (l *wal) syncFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return ioError(err, "flush log %s", l.path)
	}
	if err := l.file.Sync(); err != nil {
		return ioError(err, "sync log %s", l.path)
	}
	return nil
}

func (l *wal) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.w.Flush(), l.file.Sync(), l.file.Close())
	l.file, l.w = nil, nil
	return err
}

// remove closes the log and deletes its file
func (l *wal) remove() error {
	err := l.close()
	if l.path != "" {
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}
