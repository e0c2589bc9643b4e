package disk

import (
	"math"

	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// ----------------------------------------------------------------------------
// Balance statistics
// ----------------------------------------------------------------------------

// Balance summarizes how evenly objects are spread over the shards of a disk.
type Balance struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
	// Quality is 1 for a perfectly even spread and approaches 0 for a skewed one
	Quality float64 `json:"quality"`
}

func newBalance(counts []float64) Balance {
	if len(counts) == 0 {
		return Balance{}
	}

	b := Balance{Min: counts[0], Max: counts[0]}
	var sum float64
	for _, v := range counts {
		sum += v
		b.Min = math.Min(b.Min, v)
		b.Max = math.Max(b.Max, v)
	}
	b.Mean = sum / float64(len(counts))

	var squares float64
	for _, v := range counts {
		squares += (v - b.Mean) * (v - b.Mean)
	}
	b.StdDeviation = math.Sqrt(squares / float64(len(counts)))

	b.MinMaxRatio = 1
	if b.Max > 0 {
		b.MinMaxRatio = b.Min / b.Max
	}

	var cv float64
	if b.Mean > 0 {
		cv = b.StdDeviation / b.Mean
	}
	b.Quality = (1-math.Min(1, cv))*0.5 + b.MinMaxRatio*0.5
	return b
}

// Info describes the state of a disk.
type Info struct {
	Region     hyperspace.RegionID `json:"region"`
	Keys       int                 `json:"keys"`
	LogRecords int64               `json:"log_records"`
	PendingIO  int                 `json:"pending_io"`
	Shards     []ShardInfo         `json:"shards"`
	Balance    Balance             `json:"balance"`
}

// Info returns the occupancy of all shards and the log.
func (d *Disk) Info() (Info, error) {
	if d.closed.Load() {
		return Info{}, ErrClosed
	}

	d.mu.RLock()
	shards := d.shardList()
	d.mu.RUnlock()

	info := Info{
		Region:     d.region,
		Keys:       d.index.Size(),
		LogRecords: d.wal.length.Load(),
		PendingIO:  d.needsIO.size(),
		Shards:     make([]ShardInfo, 0, len(shards)),
	}
	counts := make([]float64, 0, len(shards))
	for _, s := range shards {
		si := s.info()
		info.Shards = append(info.Shards, si)
		counts = append(counts, float64(si.Entries))
	}
	info.Balance = newBalance(counts)
	return info, nil
}
