package datalayer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/hyperkv/lib/disk"
	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnknownRegion = errors.New("region is not served by this node")
	ErrRegionExists  = errors.New("region is already served by this node")
	ErrNoHasher      = errors.New("configuration has no hasher for region")
	ErrLogStuck      = errors.New("log could not be drained")
	ErrClosed        = errors.New("datalayer is closed")
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type config struct {
	diskOptions      []disk.Option
	maxFlushAttempts int
	log              logger.ILogger
}

type Option func(*config)

// WithDiskOptions passes options to every disk the datalayer opens
func WithDiskOptions(opts ...disk.Option) Option {
	return func(c *config) { c.diskOptions = append(c.diskOptions, opts...) }
}

// WithMaxFlushAttempts bounds the flush rounds a write waits for when the log is full
func WithMaxFlushAttempts(n int) Option {
	return func(c *config) { c.maxFlushAttempts = n }
}

func WithLogger(l logger.ILogger) Option {
	return func(c *config) { c.log = l }
}

// --------------------------------------------------------------------------
// DataLayer
// --------------------------------------------------------------------------

type configRef struct {
	hyperspace.Configuration
}

// DataLayer holds one Disk per region served by this node.
//
// Regions live in <dir>/<space>-<subspace>-<prefix>-<mask>. An empty dir keeps
// all disks in memory.
//
// Thread-safety: All methods are safe for concurrent use. Create, Drop and
// Reconfigure are serialized.
type DataLayer struct {
	dir   string
	cfg   config
	log   logger.ILogger
	conf  atomic.Pointer[configRef]
	disks *xsync.MapOf[hyperspace.RegionID, *disk.Disk]

	mu     sync.Mutex // serializes changes of the region table
	closed atomic.Bool
}

// New creates an empty datalayer. Regions are opened with Create or Reconfigure.
func New(dir string, conf hyperspace.Configuration, opts ...Option) *DataLayer {
	cfg := config{maxFlushAttempts: 64}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.GetLogger("datalayer")
	}

	dl := &DataLayer{
		dir:   dir,
		cfg:   cfg,
		log:   cfg.log,
		disks: xsync.NewMapOf[hyperspace.RegionID, *disk.Disk](),
	}
	dl.conf.Store(&configRef{conf})
	return dl
}

func regionDirName(r hyperspace.RegionID) string {
	return fmt.Sprintf("%d-%d-%02d-%016x", r.Space, r.Subspace, r.Prefix, r.Mask)
}

func (dl *DataLayer) regionDir(r hyperspace.RegionID) string {
	if dl.dir == "" {
		return ""
	}
	return filepath.Join(dl.dir, regionDirName(r))
}

// Create opens (or recovers) the disk of a region.
func (dl *DataLayer) Create(region hyperspace.RegionID) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.createLocked(region)
}

func (dl *DataLayer) createLocked(region hyperspace.RegionID) error {
	if dl.closed.Load() {
		return ErrClosed
	}
	if _, exists := dl.disks.Load(region); exists {
		return fmt.Errorf("%w: %s", ErrRegionExists, region)
	}
	hasher, ok := dl.conf.Load().DiskHasher(region)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHasher, region)
	}

	d, err := disk.Open(dl.regionDir(region), region, hasher, dl.cfg.diskOptions...)
	if err != nil {
		return fmt.Errorf("open disk for %s: %w", region, err)
	}
	dl.disks.Store(region, d)
	return nil
}

// Drop removes a region and all of its data.
func (dl *DataLayer) Drop(region hyperspace.RegionID) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.dropLocked(region)
}

func (dl *DataLayer) dropLocked(region hyperspace.RegionID) error {
	d, ok := dl.disks.LoadAndDelete(region)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	if err := d.Drop(); err != nil {
		return err
	}
	if dir := dl.regionDir(region); dir != "" {
		// shards still held by snapshots are removed with their last release
		_ = os.Remove(dir)
	}
	return nil
}

// Reconfigure installs a new configuration and adjusts the served regions:
// regions missing from the table are created, regions no longer listed are dropped.
func (dl *DataLayer) Reconfigure(conf hyperspace.Configuration, regions []hyperspace.RegionID) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.conf.Store(&configRef{conf})

	keep := make(map[hyperspace.RegionID]struct{}, len(regions))
	for _, r := range regions {
		keep[r] = struct{}{}
	}

	var errs []error
	for _, r := range dl.Regions() {
		if _, ok := keep[r]; ok {
			continue
		}
		dl.log.Infof("dropping retired region %s", r)
		if err := dl.dropLocked(r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range regions {
		if _, ok := dl.disks.Load(r); ok {
			continue
		}
		dl.log.Infof("creating region %s", r)
		if err := dl.createLocked(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Regions returns the served regions in a stable order
func (dl *DataLayer) Regions() []hyperspace.RegionID {
	var regions []hyperspace.RegionID
	dl.disks.Range(func(r hyperspace.RegionID, _ *disk.Disk) bool {
		regions = append(regions, r)
		return true
	})
	sort.Slice(regions, func(i, j int) bool {
		a, b := regions[i], regions[j]
		if a.Space != b.Space {
			return a.Space < b.Space
		}
		if a.Subspace != b.Subspace {
			return a.Subspace < b.Subspace
		}
		if a.Lower() != b.Lower() {
			return a.Lower() < b.Lower()
		}
		return a.Prefix < b.Prefix
	})
	return regions
}

// Disk returns the disk of a region
func (dl *DataLayer) Disk(region hyperspace.RegionID) (*disk.Disk, error) {
	if dl.closed.Load() {
		return nil, ErrClosed
	}
	d, ok := dl.disks.Load(region)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return d, nil
}

// --------------------------------------------------------------------------
// Point operations
// --------------------------------------------------------------------------

func (dl *DataLayer) Get(region hyperspace.RegionID, key []byte) ([][]byte, uint64, error) {
	d, err := dl.Disk(region)
	if err != nil {
		return nil, 0, err
	}
	return d.Get(key)
}

// Put writes an object. A full log is drained before the write is retried.
func (dl *DataLayer) Put(region hyperspace.RegionID, key []byte, value [][]byte, version uint64) error {
	d, err := dl.Disk(region)
	if err != nil {
		return err
	}
	return dl.retry(d, func() error { return d.Put(key, value, version) })
}

// Del removes an object. A full log is drained before the delete is retried.
func (dl *DataLayer) Del(region hyperspace.RegionID, key []byte) error {
	d, err := dl.Disk(region)
	if err != nil {
		return err
	}
	return dl.retry(d, func() error { return d.Del(key) })
}

func (dl *DataLayer) retry(d *disk.Disk, op func() error) error {
	for attempt := 0; attempt < dl.cfg.maxFlushAttempts; attempt++ {
		err := op()
		if !errors.Is(err, disk.ErrLogFull) {
			return err
		}

		rc, err := d.Flush(0, false)
		if err != nil {
			dl.log.Warningf("draining the log of %s failed: %v", d.Region(), err)
			continue
		}
		if rc.Full() {
			if _, err := d.DoMandatoryIO(); err != nil {
				dl.log.Warningf("mandatory I/O for %s failed: %v", d.Region(), err)
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrLogStuck, d.Region(), dl.cfg.maxFlushAttempts)
}

// --------------------------------------------------------------------------
// Region operations
// --------------------------------------------------------------------------

func (dl *DataLayer) Flush(region hyperspace.RegionID, maxRecords int, sync bool) (disk.ReturnCode, error) {
	d, err := dl.Disk(region)
	if err != nil {
		return disk.Missing, err
	}
	return d.Flush(maxRecords, sync)
}

func (dl *DataLayer) DoMandatoryIO(region hyperspace.RegionID) (disk.ReturnCode, error) {
	d, err := dl.Disk(region)
	if err != nil {
		return disk.Missing, err
	}
	return d.DoMandatoryIO()
}

func (dl *DataLayer) MakeSnapshot(region hyperspace.RegionID) (*disk.Snapshot, error) {
	d, err := dl.Disk(region)
	if err != nil {
		return nil, err
	}
	return d.MakeSnapshot()
}

func (dl *DataLayer) MakeRollingSnapshot(region hyperspace.RegionID) (*disk.RollingSnapshot, error) {
	d, err := dl.Disk(region)
	if err != nil {
		return nil, err
	}
	return d.MakeRollingSnapshot()
}

// Close closes all disks. Unflushed writes are replayed when a region is created again.
func (dl *DataLayer) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.closed.Swap(true) {
		return ErrClosed
	}

	var errs []error
	dl.disks.Range(func(r hyperspace.RegionID, d *disk.Disk) bool {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r, err))
		}
		dl.disks.Delete(r)
		return true
	})
	return errors.Join(errs...)
}
