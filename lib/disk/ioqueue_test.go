package disk

import (
	"testing"

	"github.com/ValentinKolb/hyperkv/lib/hyperspace"
)

func testRegion(prefix uint8, mask uint64) hyperspace.RegionID {
	return hyperspace.RegionID{Space: 1, Prefix: prefix, Mask: mask}
}

// TestIOQueueOrder tests that shards come out in the order they reported being full
func TestIOQueueOrder(t *testing.T) {
	q := newIOQueue()

	a := testRegion(1, 0)
	b := testRegion(1, 1<<63)
	c := testRegion(2, 1<<62)

	q.add(b)
	q.add(a)
	q.add(c)

	if q.size() != 3 {
		t.Fatalf("Queue should hold 3 shards, but holds %d", q.size())
	}

	for i, want := range []hyperspace.RegionID{b, a, c} {
		got, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: queue unexpectedly empty", i)
		}
		if got != want {
			t.Errorf("pop %d: expected %s, got %s", i, want, got)
		}
	}

	if _, ok := q.pop(); ok {
		t.Error("pop on an empty queue should fail")
	}
}

// TestIOQueueDuplicate tests that a shard reporting twice keeps its first position
func TestIOQueueDuplicate(t *testing.T) {
	q := newIOQueue()

	a := testRegion(1, 0)
	b := testRegion(1, 1<<63)

	q.add(a)
	q.add(b)
	q.add(a)

	if q.size() != 2 {
		t.Fatalf("Queue should hold 2 shards, but holds %d", q.size())
	}
	if got, _ := q.pop(); got != a {
		t.Errorf("Expected %s first, got %s", a, got)
	}
}

// TestIOQueueRemove tests removing shards from the middle of the queue
func TestIOQueueRemove(t *testing.T) {
	q := newIOQueue()

	regions := []hyperspace.RegionID{
		testRegion(2, 0),
		testRegion(2, 1<<62),
		testRegion(2, 2<<62),
		testRegion(2, 3<<62),
	}
	for _, r := range regions {
		q.add(r)
	}

	if !q.remove(regions[1]) {
		t.Fatal("remove should report the queued shard")
	}
	if q.remove(regions[1]) {
		t.Error("removing twice should report false")
	}
	if q.contains(regions[1]) {
		t.Error("removed shard is still queued")
	}

	for _, want := range []hyperspace.RegionID{regions[0], regions[2], regions[3]} {
		got, ok := q.pop()
		if !ok || got != want {
			t.Errorf("Expected %s, got %s (ok=%v)", want, got, ok)
		}
	}
}

// TestIOQueueReAdd tests that a popped shard can be queued again at the end
func TestIOQueueReAdd(t *testing.T) {
	q := newIOQueue()
	a := testRegion(1, 0)
	b := testRegion(1, 1<<63)

	q.add(a)
	q.add(b)
	q.pop()
	q.add(a)

	if got, _ := q.pop(); got != b {
		t.Errorf("Expected %s, got %s", b, got)
	}
	if got, _ := q.pop(); got != a {
		t.Errorf("Expected %s, got %s", a, got)
	}
}
