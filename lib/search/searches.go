package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hyperkv/lib/datalayer"
	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var ErrFlushExhausted = errors.New("region could not be flushed")

// Comm delivers responses and forwarded requests to other entities.
// Send reports whether the message was handed to the transport.
type Comm interface {
	Send(from, to hyperspace.EntityID, t hyperspace.MsgType, payload []byte) bool
}

// DataLayer is the storage the searches run against.
type DataLayer interface {
	Flush(region hyperspace.RegionID, maxRecords int, sync bool) (disk.ReturnCode, error)
	DoMandatoryIO(region hyperspace.RegionID) (disk.ReturnCode, error)
	MakeSnapshot(region hyperspace.RegionID) (*disk.Snapshot, error)
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type config struct {
	maxFlushAttempts int
	retryInterval    time.Duration
	log              logger.ILogger
}

type Option func(*config)

// WithMaxFlushAttempts bounds the rounds spent making a region's log visible to a new search
func WithMaxFlushAttempts(n int) Option {
	return func(c *config) { c.maxFlushAttempts = n }
}

// WithRetryInterval sets the pause between failed flush rounds
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retryInterval = d }
}

func WithLogger(l logger.ILogger) Option {
	return func(c *config) { c.log = l }
}

// --------------------------------------------------------------------------
// Searches
// --------------------------------------------------------------------------

type configRef struct {
	hyperspace.Configuration
}

// Searches is the table of paused searches of a node.
//
// A search is started with Start, which answers with the first match, and continued
// with one Next per further match. Every call sends exactly one response: a
// RespSearchItem or a final RespSearchDone, after which the search is gone.
// Malformed and stale requests are dropped without response.
//
// Thread-safety: All methods are safe for concurrent use.
type Searches struct {
	cfg   config
	log   logger.ILogger
	conf  atomic.Pointer[configRef]
	data  DataLayer
	comm  Comm
	table *xsync.MapOf[SearchID, *state]
}

// New creates an empty search table
func New(conf hyperspace.Configuration, data DataLayer, comm Comm, opts ...Option) *Searches {
	cfg := config{
		maxFlushAttempts: 32,
		retryInterval:    10 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.GetLogger("search")
	}

	s := &Searches{
		cfg:   cfg,
		log:   cfg.log,
		data:  data,
		comm:  comm,
		table: xsync.NewMapOf[SearchID, *state](),
	}
	s.conf.Store(&configRef{conf})
	return s
}

// Reconfigure replaces the configuration used by subsequent operations
func (s *Searches) Reconfigure(conf hyperspace.Configuration) {
	s.conf.Store(&configRef{conf})
}

// Len returns the number of registered searches
func (s *Searches) Len() int {
	return s.table.Size()
}

// Start registers a search over the region of us and sends its first result.
func (s *Searches) Start(us, client hyperspace.EntityID, searchNum, nonce uint64, terms hyperspace.Terms) {
	id := SearchID{Region: us.Region, Client: client, SearchNum: searchNum}
	if _, exists := s.table.Load(id); exists {
		droppedDuplicate.Inc()
		s.log.Infof("dropping start of %s: search already running", id)
		return
	}

	conf := s.conf.Load()
	if dims, ok := conf.Dimensions(us.Region.Space); !ok || dims != terms.Size() {
		droppedBadDimSpec.Inc()
		s.log.Infof("dropping start of %s: %d terms do not fit space %d", id, terms.Size(), us.Region.Space)
		return
	}
	hasher, ok := conf.DiskHasher(us.Region)
	if !ok {
		s.log.Errorf("no hasher for %s, failing search %s", us.Region, id)
		s.sendDone(us, client, nonce, hyperspace.NetServerError)
		return
	}

	if err := s.flush(us.Region); err != nil {
		s.log.Errorf("failing search %s: %v", id, err)
		s.sendDone(us, client, nonce, hyperspace.NetServerError)
		return
	}

	coord := hasher.Hash(terms)
	snap, err := s.data.MakeSnapshot(us.Region)
	if err != nil {
		s.log.Errorf("failing search %s: %v", id, err)
		s.sendDone(us, client, nonce, hyperspace.NetServerError)
		return
	}

	st := newState(id, terms, coord, snap)
	if _, loaded := s.table.LoadOrStore(id, st); loaded {
		// lost a race with a concurrent start of the same search
		_ = st.release()
		droppedDuplicate.Inc()
		s.log.Infof("dropping start of %s: search already running", id)
		return
	}
	startedTotal.Inc()
	s.log.Debugf("started search %s with %s", id, coord)

	s.Next(us, client, searchNum, nonce)
}

// Next sends the next result of a search, or RespSearchDone if there is none.
func (s *Searches) Next(us, client hyperspace.EntityID, searchNum, nonce uint64) {
	id := SearchID{Region: us.Region, Client: client, SearchNum: searchNum}
	st := s.acquire(id)
	if st == nil {
		droppedUnknown.Inc()
		s.log.Infof("dropping next of %s: no such search", id)
		return
	}
	defer st.release()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.done {
		return
	}

	if st.seek() {
		msg := hyperspace.PackSearchItem(nonce, st.snap.Key(), st.snap.Value())
		st.snap.Next()
		itemsTotal.Inc()
		s.send(us, client, hyperspace.RespSearchItem, msg)
		return
	}

	code := hyperspace.NetSuccess
	if err := st.snap.Err(); err != nil {
		s.log.Errorf("search %s aborted: %v", id, err)
		code = hyperspace.NetServerError
	}
	st.done = true
	s.remove(id, st)
	doneTotal.Inc()
	s.sendDone(us, client, nonce, code)
}

// Stop removes a search. Stopping an unknown search does nothing.
func (s *Searches) Stop(us, client hyperspace.EntityID, searchNum uint64) {
	id := SearchID{Region: us.Region, Client: client, SearchNum: searchNum}
	st, ok := s.table.LoadAndDelete(id)
	if !ok {
		return
	}
	st.mu.Lock()
	st.done = true
	st.mu.Unlock()
	_ = st.release()
	s.log.Debugf("stopped search %s", id)
}

// GroupKeyop forwards reqType with remain for every key of the region of us that
// matches terms to the key's point leader and answers with one RespGroupDel.
func (s *Searches) GroupKeyop(us, client hyperspace.EntityID, nonce uint64, terms hyperspace.Terms, reqType hyperspace.MsgType, remain []byte) {
	groupKeyopTotal.Inc()
	conf := s.conf.Load()

	if dims, ok := conf.Dimensions(us.Region.Space); !ok || dims != terms.Size() {
		droppedBadDimSpec.Inc()
		s.log.Infof("rejecting group %s from %s: %d terms do not fit space %d", reqType, client, terms.Size(), us.Region.Space)
		s.send(us, client, hyperspace.RespGroupDel, hyperspace.PackGroupResponse(nonce, hyperspace.NetBadDimSpec))
		return
	}
	hasher, ok := conf.DiskHasher(us.Region)
	if !ok {
		s.log.Errorf("no hasher for %s, failing group %s", us.Region, reqType)
		s.send(us, client, hyperspace.RespGroupDel, hyperspace.PackGroupResponse(nonce, hyperspace.NetServerError))
		return
	}

	code := s.groupKeyop(us, conf, hasher.Hash(terms), terms, reqType, remain)
	s.send(us, client, hyperspace.RespGroupDel, hyperspace.PackGroupResponse(nonce, code))
}

func (s *Searches) groupKeyop(us hyperspace.EntityID, conf hyperspace.Configuration, coord hyperspace.Coordinate, terms hyperspace.Terms, reqType hyperspace.MsgType, remain []byte) hyperspace.NetReturnCode {
	if err := s.flush(us.Region); err != nil {
		s.log.Errorf("failing group %s on %s: %v", reqType, us.Region, err)
		return hyperspace.NetServerError
	}
	snap, err := s.data.MakeSnapshot(us.Region)
	if err != nil {
		s.log.Errorf("failing group %s on %s: %v", reqType, us.Region, err)
		return hyperspace.NetServerError
	}
	defer snap.Release()

	forwarded := 0
	for ; snap.Valid(); snap.Next() {
		if !matches(coord, terms, snap) {
			continue
		}
		leader, ok := conf.PointLeader(us.Region.Space, snap.Key())
		if !ok {
			groupOrphans.Inc()
			s.log.Errorf("key %q of space %d has no point leader, skipping it", snap.Key(), us.Region.Space)
			continue
		}
		s.send(us, leader, reqType, hyperspace.PackGroupKeyop(snap.Key(), remain))
		groupForwarded.Inc()
		forwarded++
	}
	if err := snap.Err(); err != nil {
		s.log.Errorf("group %s on %s aborted after %d key(s): %v", reqType, us.Region, forwarded, err)
		return hyperspace.NetServerError
	}
	s.log.Debugf("group %s on %s forwarded %d key(s)", reqType, us.Region, forwarded)
	return hyperspace.NetSuccess
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// acquire looks up a search and retains it atomically with respect to removal
func (s *Searches) acquire(id SearchID) *state {
	st, _ := s.table.Compute(id, func(old *state, loaded bool) (*state, bool) {
		if loaded {
			old.retain()
		}
		return old, !loaded
	})
	return st
}

// remove deregisters st unless the ID was reused in the meantime
func (s *Searches) remove(id SearchID, st *state) {
	removed := false
	s.table.Compute(id, func(old *state, loaded bool) (*state, bool) {
		removed = loaded && old == st
		return old, !loaded || removed
	})
	if removed {
		_ = st.release()
	}
}

// flush makes all writes of region visible to the next snapshot. Full shards are
// handled by mandatory I/O right away, failures are retried at the rate of the
// retry interval until the attempts are used up. A region that is not served or
// already closed fails at once.
func (s *Searches) flush(region hyperspace.RegionID) error {
	limiter := rate.NewLimiter(rate.Every(s.cfg.retryInterval), 1)
	var lastErr error

	for attempt := 0; attempt < s.cfg.maxFlushAttempts; attempt++ {
		rc, err := s.data.Flush(region, 0, false)
		switch {
		case permanent(err):
			flushFailures.Inc()
			return fmt.Errorf("flush %s: %w", region, err)
		case err != nil:
			lastErr = err
			flushFailures.Inc()
			s.log.Warningf("flush of %s failed (attempt %d): %v", region, attempt+1, err)
		case rc == disk.Success || rc == disk.DidNothing:
			return nil
		case rc.Full():
			_, err := s.data.DoMandatoryIO(region)
			if err == nil {
				continue
			}
			lastErr = err
			flushFailures.Inc()
			s.log.Warningf("mandatory I/O on %s failed (attempt %d): %v", region, attempt+1, err)
		default:
			lastErr = fmt.Errorf("flush returned %s", rc)
		}
		_ = limiter.Wait(context.Background())
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrFlushExhausted, region, s.cfg.maxFlushAttempts, lastErr)
}

// permanent reports errors that retrying cannot resolve
func permanent(err error) bool {
	return errors.Is(err, datalayer.ErrUnknownRegion) || errors.Is(err, disk.ErrClosed) || errors.Is(err, datalayer.ErrClosed)
}

func (s *Searches) send(from, to hyperspace.EntityID, t hyperspace.MsgType, payload []byte) {
	if !s.comm.Send(from, to, t, payload) {
		s.log.Warningf("could not send %s from %s to %s", t, from, to)
	}
}

func (s *Searches) sendDone(us, client hyperspace.EntityID, nonce uint64, code hyperspace.NetReturnCode) {
	s.send(us, client, hyperspace.RespSearchDone, hyperspace.PackSearchDone(nonce, code))
}
