package search

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/hyperkv/lib/datalayer"
	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

type message struct {
	from, to hyperspace.EntityID
	t        hyperspace.MsgType
	payload  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) Send(from, to hyperspace.EntityID, t hyperspace.MsgType, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message{from, to, t, append([]byte(nil), payload...)})
	return true
}

func (r *recorder) all() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

func (r *recorder) ofType(t hyperspace.MsgType) []message {
	var out []message
	for _, m := range r.all() {
		if m.t == t {
			out = append(out, m)
		}
	}
	return out
}

var (
	us     = hyperspace.EntityID{Region: hyperspace.RegionID{Space: 1, Subspace: 1}, Number: 1}
	leader = hyperspace.EntityID{Region: hyperspace.RegionID{Space: 1, Subspace: 0}, Number: 2}
	client = hyperspace.EntityID{Region: hyperspace.RegionID{Space: 99}, Number: 7}
)

func space(entities ...hyperspace.EntityID) hyperspace.Space {
	return hyperspace.Space{
		ID:        1,
		Name:      "kv",
		Dims:      3,
		Subspaces: [][]int{{0}, {1}},
		Entities:  entities,
	}
}

type fixture struct {
	data     *datalayer.DataLayer
	comm     *recorder
	searches *Searches
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	conf, err := hyperspace.NewStaticConfig(space(leader, us))
	require.NoError(t, err)

	data := datalayer.New("", conf, datalayer.WithDiskOptions(disk.WithShardCapacity(8, 1<<20)))
	t.Cleanup(func() { _ = data.Close() })
	require.NoError(t, data.Create(us.Region))

	comm := &recorder{}
	return &fixture{data: data, comm: comm, searches: New(conf, data, comm, opts...)}
}

func (f *fixture) put(t *testing.T, key, col1 string) {
	t.Helper()
	require.NoError(t, f.data.Put(us.Region, []byte(key), [][]byte{[]byte(col1), []byte("x")}, 1))
}

func equalsAt1(v string) *hyperspace.Search {
	return hyperspace.NewSearch(hyperspace.Any(), hyperspace.Equals([]byte(v)), hyperspace.Any())
}

// drain calls Next until the search reports done and returns the received keys
func (f *fixture) drain(t *testing.T, searchNum uint64) []string {
	t.Helper()
	var keys []string
	for i := 0; i < 1000; i++ {
		msgs := f.comm.all()
		last := msgs[len(msgs)-1]
		switch last.t {
		case hyperspace.RespSearchDone:
			_, code, err := hyperspace.UnpackSearchDone(last.payload)
			require.NoError(t, err)
			require.Equal(t, hyperspace.NetSuccess, code)
			return keys
		case hyperspace.RespSearchItem:
			_, key, _, err := hyperspace.UnpackSearchItem(last.payload)
			require.NoError(t, err)
			keys = append(keys, string(key))
		}
		f.searches.Next(us, client, searchNum, uint64(i+1))
	}
	t.Fatal("search did not finish")
	return nil
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSearchPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		col := "b"
		if i%3 == 0 {
			col = "a"
		}
		f.put(t, fmt.Sprint("key", i), col)
	}

	// writes still in the log are visible to a new search
	f.searches.Start(us, client, 1, 0, equalsAt1("a"))
	assert.Equal(t, 1, f.searches.Len())

	keys := f.drain(t, 1)
	assert.Len(t, keys, 10)
	for _, k := range keys {
		var i int
		_, err := fmt.Sscanf(k, "key%d", &i)
		require.NoError(t, err)
		assert.Zero(t, i%3, k)
	}
	assert.Equal(t, 0, f.searches.Len())

	for _, m := range f.comm.all() {
		assert.Equal(t, us, m.from)
		assert.Equal(t, client, m.to)
	}
}

func TestSearchNoMatch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "k", "a")

	f.searches.Start(us, client, 1, 42, equalsAt1("zzz"))

	msgs := f.comm.all()
	require.Len(t, msgs, 1)
	require.Equal(t, hyperspace.RespSearchDone, msgs[0].t)
	nonce, code, err := hyperspace.UnpackSearchDone(msgs[0].payload)
	require.NoError(t, err)
	assert.EqualValues(t, 42, nonce)
	assert.Equal(t, hyperspace.NetSuccess, code)
	assert.Equal(t, 0, f.searches.Len())
}

func TestSearchRangePredicate(t *testing.T) {
	f := newFixture(t)
	for _, c := range []string{"a", "b", "c", "d"} {
		f.put(t, "key-"+c, c)
	}

	terms := hyperspace.NewSearch(hyperspace.Any(), hyperspace.LessEqual([]byte("b")), hyperspace.Any())
	f.searches.Start(us, client, 1, 0, terms)
	assert.ElementsMatch(t, []string{"key-a", "key-b"}, f.drain(t, 1))
}

func TestSearchSnapshotConsistency(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.put(t, fmt.Sprint("old", i), "a")
	}

	f.searches.Start(us, client, 1, 0, equalsAt1("a"))

	// written after the start, enough to split the frozen shards
	for i := 0; i < 50; i++ {
		f.put(t, fmt.Sprint("new", i), "a")
	}
	_, err := f.data.Flush(us.Region, 0, false)
	require.NoError(t, err)

	keys := f.drain(t, 1)
	assert.ElementsMatch(t, []string{"old0", "old1", "old2", "old3", "old4"}, keys)
}

func TestSearchDuplicateStart(t *testing.T) {
	f := newFixture(t)
	f.put(t, "k1", "a")
	f.put(t, "k2", "a")

	f.searches.Start(us, client, 7, 0, equalsAt1("a"))
	require.Len(t, f.comm.all(), 1)

	f.searches.Start(us, client, 7, 1, equalsAt1("a"))
	assert.Len(t, f.comm.all(), 1)
	assert.Equal(t, 1, f.searches.Len())

	// same number from another client is a different search
	other := client
	other.Number++
	f.searches.Start(us, other, 7, 0, equalsAt1("a"))
	assert.Equal(t, 2, f.searches.Len())
}

func TestSearchStop(t *testing.T) {
	f := newFixture(t)
	f.put(t, "k1", "a")
	f.put(t, "k2", "a")

	f.searches.Start(us, client, 1, 0, equalsAt1("a"))
	require.Equal(t, 1, f.searches.Len())

	f.searches.Stop(us, client, 1)
	assert.Equal(t, 0, f.searches.Len())

	before := len(f.comm.all())
	f.searches.Next(us, client, 1, 5)
	f.searches.Stop(us, client, 1)
	assert.Len(t, f.comm.all(), before)
}

func TestSearchBadDimSpec(t *testing.T) {
	f := newFixture(t)
	f.put(t, "k", "a")

	f.searches.Start(us, client, 1, 0, hyperspace.NewSearch(hyperspace.Any(), hyperspace.Any()))
	assert.Empty(t, f.comm.all())
	assert.Equal(t, 0, f.searches.Len())

	f.searches.GroupKeyop(us, client, 9, hyperspace.NewSearch(hyperspace.Any()), hyperspace.ReqGroupDel, nil)
	msgs := f.comm.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, hyperspace.RespGroupDel, msgs[0].t)
	nonce, code, err := hyperspace.UnpackGroupResponse(msgs[0].payload)
	require.NoError(t, err)
	assert.EqualValues(t, 9, nonce)
	assert.Equal(t, hyperspace.NetBadDimSpec, code)
}

func TestSearchConcurrentNext(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.put(t, fmt.Sprint(i), "a")
	}
	f.searches.Start(us, client, 1, 0, equalsAt1("a"))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(nonce uint64) {
			defer wg.Done()
			f.searches.Next(us, client, 1, nonce)
		}(uint64(i + 1))
	}
	wg.Wait()

	items := f.comm.ofType(hyperspace.RespSearchItem)
	seen := make(map[string]bool)
	for _, m := range items {
		_, key, _, err := hyperspace.UnpackSearchItem(m.payload)
		require.NoError(t, err)
		assert.False(t, seen[string(key)], "key %q delivered twice", key)
		seen[string(key)] = true
	}
	assert.Len(t, seen, 20)
	assert.Len(t, f.comm.ofType(hyperspace.RespSearchDone), 1)
	assert.Equal(t, 0, f.searches.Len())
}

func TestGroupKeyop(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a1", "a")
	f.put(t, "b1", "b")
	f.put(t, "b2", "b")

	f.searches.GroupKeyop(us, client, 3, equalsAt1("b"), hyperspace.ReqGroupDel, []byte("checks"))

	forwarded := f.comm.ofType(hyperspace.ReqGroupDel)
	require.Len(t, forwarded, 2)
	var keys []string
	for _, m := range forwarded {
		assert.Equal(t, leader, m.to)
		nonce, key, remain, err := hyperspace.UnpackGroupKeyop(m.payload)
		require.NoError(t, err)
		assert.Zero(t, nonce)
		assert.Equal(t, "checks", string(remain))
		keys = append(keys, string(key))
	}
	assert.ElementsMatch(t, []string{"b1", "b2"}, keys)

	resp := f.comm.ofType(hyperspace.RespGroupDel)
	require.Len(t, resp, 1)
	assert.Equal(t, client, resp[0].to)
	nonce, code, err := hyperspace.UnpackGroupResponse(resp[0].payload)
	require.NoError(t, err)
	assert.EqualValues(t, 3, nonce)
	assert.Equal(t, hyperspace.NetSuccess, code)

	// nothing is registered for a group operation
	assert.Equal(t, 0, f.searches.Len())
}

func TestGroupKeyopWithoutLeader(t *testing.T) {
	f := newFixture(t)
	f.put(t, "b1", "b")

	// the new configuration has no replica of the key subspace
	conf, err := hyperspace.NewStaticConfig(space(us))
	require.NoError(t, err)
	f.searches.Reconfigure(conf)

	f.searches.GroupKeyop(us, client, 1, equalsAt1("b"), hyperspace.ReqGroupDel, nil)

	assert.Empty(t, f.comm.ofType(hyperspace.ReqGroupDel))
	resp := f.comm.ofType(hyperspace.RespGroupDel)
	require.Len(t, resp, 1)
	_, code, err := hyperspace.UnpackGroupResponse(resp[0].payload)
	require.NoError(t, err)
	assert.Equal(t, hyperspace.NetSuccess, code)
}

// --------------------------------------------------------------------------
// Flush failures
// --------------------------------------------------------------------------

type brokenData struct {
	flushes int
}

func (b *brokenData) Flush(hyperspace.RegionID, int, bool) (disk.ReturnCode, error) {
	b.flushes++
	return disk.IOError, errors.New("disk on fire")
}

func (b *brokenData) DoMandatoryIO(hyperspace.RegionID) (disk.ReturnCode, error) {
	return disk.DidNothing, nil
}

func (b *brokenData) MakeSnapshot(hyperspace.RegionID) (*disk.Snapshot, error) {
	return nil, errors.New("unreachable")
}

func TestSearchFlushExhausted(t *testing.T) {
	conf, err := hyperspace.NewStaticConfig(space(leader, us))
	require.NoError(t, err)
	data := &brokenData{}
	comm := &recorder{}
	s := New(conf, data, comm, WithMaxFlushAttempts(3), WithRetryInterval(time.Millisecond))

	s.Start(us, client, 1, 11, equalsAt1("a"))
	assert.Equal(t, 3, data.flushes)
	assert.Equal(t, 0, s.Len())

	msgs := comm.ofType(hyperspace.RespSearchDone)
	require.Len(t, msgs, 1)
	nonce, code, err := hyperspace.UnpackSearchDone(msgs[0].payload)
	require.NoError(t, err)
	assert.EqualValues(t, 11, nonce)
	assert.Equal(t, hyperspace.NetServerError, code)

	s.GroupKeyop(us, client, 12, equalsAt1("a"), hyperspace.ReqGroupDel, nil)
	resp := comm.ofType(hyperspace.RespGroupDel)
	require.Len(t, resp, 1)
	_, code, err = hyperspace.UnpackGroupResponse(resp[0].payload)
	require.NoError(t, err)
	assert.Equal(t, hyperspace.NetServerError, code)

	assert.ErrorIs(t, s.flush(us.Region), ErrFlushExhausted)
}

// countingData counts the flushes reaching the datalayer
type countingData struct {
	*datalayer.DataLayer
	flushes int
}

func (c *countingData) Flush(region hyperspace.RegionID, maxRecords int, sync bool) (disk.ReturnCode, error) {
	c.flushes++
	return c.DataLayer.Flush(region, maxRecords, sync)
}

func TestSearchUnknownRegionFailsFast(t *testing.T) {
	f := newFixture(t)
	data := &countingData{DataLayer: f.data}
	s := New(mustConfig(t), data, f.comm, WithMaxFlushAttempts(8), WithRetryInterval(time.Hour))

	// the key subspace is configured but this node does not serve it
	stranger := hyperspace.EntityID{Region: leader.Region, Number: 1}
	s.Start(stranger, client, 1, 5, equalsAt1("a"))
	assert.Equal(t, 1, data.flushes)
	assert.Equal(t, 0, s.Len())

	msgs := f.comm.ofType(hyperspace.RespSearchDone)
	require.Len(t, msgs, 1)
	_, code, err := hyperspace.UnpackSearchDone(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, hyperspace.NetServerError, code)

	err = s.flush(stranger.Region)
	assert.ErrorIs(t, err, datalayer.ErrUnknownRegion)
	assert.NotErrorIs(t, err, ErrFlushExhausted)
	assert.Equal(t, 2, data.flushes)
}

func mustConfig(t *testing.T) *hyperspace.StaticConfig {
	t.Helper()
	conf, err := hyperspace.NewStaticConfig(space(leader, us))
	require.NoError(t, err)
	return conf
}
