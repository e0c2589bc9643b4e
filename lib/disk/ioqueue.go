package disk

import (
	"container/heap"
	"strconv"
	"sync"

	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

// ioItem is a shard waiting for mandatory I/O
type ioItem struct {
	region hyperspace.RegionID
	seq    uint64 // order in which the shard reported being full
	index  int    // index in the heap, maintained by the heap package
}

func (i *ioItem) String() string {
	return "{Region: " + i.region.String() + ", Seq: " + strconv.FormatUint(i.seq, 10) + "}"
}

// ioQueue holds the shards that reported DataFull or SearchFull.
// It combines a heap (oldest report first) with a map, so a shard that reports
// again keeps its place instead of being queued twice.
//
// Thread-safety: the queue methods lock mu, the heap.Interface methods expect it to be held.
type ioQueue struct {
	mu      sync.Mutex
	items   []*ioItem
	byShard map[hyperspace.RegionID]*ioItem
	seq     uint64
}

func newIOQueue() *ioQueue {
	return &ioQueue{
		byShard: make(map[hyperspace.RegionID]*ioItem),
	}
}

// heap.Interface, callers hold mu

func (q *ioQueue) Len() int { return len(q.items) }

func (q *ioQueue) Less(i, j int) bool {
	return q.items[i].seq < q.items[j].seq
}

func (q *ioQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *ioQueue) Push(x interface{}) {
	it := x.(*ioItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byShard[it.region] = it
}

func (q *ioQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	q.items = old[:n-1]
	delete(q.byShard, it.region)
	return it
}

// add queues a shard. A shard that is already queued keeps its position.
func (q *ioQueue) add(region hyperspace.RegionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byShard[region]; exists {
		return
	}
	q.seq++
	heap.Push(q, &ioItem{region: region, seq: q.seq})
}

// pop removes the shard that has been waiting the longest
func (q *ioQueue) pop() (hyperspace.RegionID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return hyperspace.RegionID{}, false
	}
	return heap.Pop(q).(*ioItem).region, true
}

// remove drops a shard from the queue, e.g. after it was split or dropped
func (q *ioQueue) remove(region hyperspace.RegionID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, exists := q.byShard[region]
	if !exists {
		return false
	}
	heap.Remove(q, it.index)
	return true
}

func (q *ioQueue) contains(region hyperspace.RegionID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.byShard[region]
	return exists
}

func (q *ioQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
