package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putRecord(key string, version uint64, cols ...string) *logRecord {
	value := make([][]byte, len(cols))
	for i, c := range cols {
		value[i] = []byte(c)
	}
	return &logRecord{op: opPut, version: version, point: version * 7, key: []byte(key), value: value}
}

func TestLogRecordEncoding(t *testing.T) {
	r := putRecord("key", 42, "a", "", "ccc")
	got, err := decodeRecord(r.encode())
	require.NoError(t, err)
	assert.Equal(t, r.op, got.op)
	assert.Equal(t, r.version, got.version)
	assert.Equal(t, r.point, got.point)
	assert.Equal(t, r.key, got.key)
	assert.Equal(t, r.value, got.value)

	_, err = decodeRecord([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)

	bad := r.encode()
	bad[0] = 9
	_, err = decodeRecord(bad)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLogChain(t *testing.T) {
	l, err := openWAL("", 3, false, logger.GetLogger("test"))
	require.NoError(t, err)

	a1, b, a2 := putRecord("a", 1), putRecord("b", 2), putRecord("a", 3)
	require.NoError(t, l.append(a1))
	require.NoError(t, l.append(b))
	require.NoError(t, l.append(a2))
	assert.ErrorIs(t, l.append(putRecord("c", 4)), ErrLogFull)

	got, ok := l.lookup([]byte("a"))
	require.True(t, ok)
	assert.Same(t, a2, got)

	require.Same(t, a1, l.oldest())
	l.retire(a1)
	// a newer record for "a" is still pending
	got, ok = l.lookup([]byte("a"))
	require.True(t, ok)
	assert.Same(t, a2, got)
	assert.EqualValues(t, 2, l.length.Load())

	require.NoError(t, l.append(putRecord("c", 4)))

	l.retire(l.oldest())
	_, ok = l.lookup([]byte("b"))
	assert.False(t, ok)

	l.retire(l.oldest())
	l.retire(l.oldest())
	assert.Nil(t, l.oldest())
	assert.EqualValues(t, 0, l.length.Load())
	require.NoError(t, l.drained())
}

func TestLogReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	l, err := openWAL(path, 0, true, logger.GetLogger("test"))
	require.NoError(t, err)

	require.NoError(t, l.append(putRecord("a", 1, "x")))
	require.NoError(t, l.append(putRecord("b", 2, "y")))
	require.NoError(t, l.append(&logRecord{op: opDel, point: 7, key: []byte("a")}))
	require.NoError(t, l.close())

	l, err = openWAL(path, 0, true, logger.GetLogger("test"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, l.length.Load())

	rec, ok := l.lookup([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, opDel, rec.op)

	// appending after a replay continues the same file
	require.NoError(t, l.append(putRecord("c", 3, "z")))
	require.NoError(t, l.close())

	l, err = openWAL(path, 0, true, logger.GetLogger("test"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, l.length.Load())
	require.NoError(t, l.close())
}

func TestLogDamagedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	l, err := openWAL(path, 0, false, logger.GetLogger("test"))
	require.NoError(t, err)
	require.NoError(t, l.append(putRecord("a", 1, "x")))
	require.NoError(t, l.append(putRecord("b", 2, "y")))
	require.NoError(t, l.close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("torn write without a valid checksum"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = openWAL(path, 0, false, logger.GetLogger("test"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, l.length.Load())
	require.NoError(t, l.close())
}

func TestLogTruncateWhenDrained(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	l, err := openWAL(path, 0, false, logger.GetLogger("test"))
	require.NoError(t, err)

	require.NoError(t, l.append(putRecord("a", 1, "x")))
	l.retire(l.oldest())
	require.NoError(t, l.drained())
	require.NoError(t, l.append(putRecord("b", 2, "y")))
	require.NoError(t, l.close())

	l, err = openWAL(path, 0, false, logger.GetLogger("test"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.length.Load())
	_, ok := l.lookup([]byte("b"))
	assert.True(t, ok)
	require.NoError(t, l.remove())
	assert.NoFileExists(t, path)
}
