package hyperspace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionBounds(t *testing.T) {
	whole := RegionID{Space: 1}
	assert.Equal(t, uint64(0), whole.Lower())
	assert.Equal(t, ^uint64(0), whole.Upper())
	assert.True(t, whole.Contains(0))
	assert.True(t, whole.Contains(^uint64(0)))

	low, high, ok := whole.Split()
	require.True(t, ok)
	assert.Equal(t, uint8(1), low.Prefix)
	assert.Equal(t, uint64(0), low.Lower())
	assert.Equal(t, uint64(1<<63-1), low.Upper())
	assert.Equal(t, uint64(1<<63), high.Lower())
	assert.Equal(t, ^uint64(0), high.Upper())
	assert.False(t, low.Overlaps(high))
	assert.True(t, whole.Overlaps(high))

	// the children partition the parent: every point lands in exactly one child
	for _, p := range []uint64{0, 1, 1<<63 - 1, 1 << 63, ^uint64(0), 0xdeadbeef12345678} {
		assert.NotEqual(t, low.Contains(p), high.Contains(p), "point %#x", p)
	}

	full := RegionID{Prefix: 64, Mask: 42}
	_, _, ok = full.Split()
	assert.False(t, ok)
	assert.True(t, full.Contains(42))
	assert.False(t, full.Contains(43))
}

func TestRegionSplitRepeated(t *testing.T) {
	regions := []RegionID{{}}
	for round := 0; round < 4; round++ {
		var next []RegionID
		for _, r := range regions {
			low, high, ok := r.Split()
			require.True(t, ok)
			assert.Equal(t, r.Lower(), low.Lower())
			assert.Equal(t, r.Upper(), high.Upper())
			assert.Equal(t, low.Upper()+1, high.Lower())
			next = append(next, low, high)
		}
		regions = next
	}
	assert.Len(t, regions, 16)
	assert.Equal(t, ^uint64(0), regions[15].Upper())
}

func TestCoordinateIntersects(t *testing.T) {
	h := NewHasher(3, 0)
	obj := h.Coordinate([]byte("a"), [][]byte{[]byte("1"), []byte("x")})
	assert.Equal(t, ^uint64(0), obj.Mask)

	open := h.Hash(NewSearch(Any(), Any(), Any()))
	assert.Equal(t, uint64(0), open.Mask)
	assert.True(t, open.Intersects(obj))

	hit := h.Hash(NewSearch(Any(), Equals([]byte("1")), Any()))
	assert.NotZero(t, hit.Mask)
	assert.True(t, hit.Intersects(obj))

	miss := h.Hash(NewSearch(Equals([]byte("b")), Equals([]byte("1")), Any()))
	assert.False(t, miss.Intersects(obj))

	// range terms never constrain the coordinate
	ranged := h.Hash(NewSearch(GreaterEqual([]byte("z")), Any(), Any()))
	assert.Equal(t, uint64(0), ranged.Mask)
}

func TestHasherPoint(t *testing.T) {
	keyOnly := NewHasher(2, 0)
	assert.False(t, keyOnly.HashesValue())
	assert.Equal(t,
		keyOnly.Point([]byte("k"), [][]byte{[]byte("1")}),
		keyOnly.Point([]byte("k"), [][]byte{[]byte("2")}))

	byValue := NewHasher(2, 1)
	assert.True(t, byValue.HashesValue())
	assert.NotEqual(t,
		byValue.Point([]byte("k"), [][]byte{[]byte("1")}),
		byValue.Point([]byte("k"), [][]byte{[]byte("2")}))

	assert.Panics(t, func() { NewHasher(2, 2) })
}

func TestSearchMatches(t *testing.T) {
	s := NewSearch(Any(), Equals([]byte("1")), LessEqual([]byte("m")))
	assert.Equal(t, 3, s.Size())
	assert.True(t, s.Matches([]byte("a"), [][]byte{[]byte("1"), []byte("b")}))
	assert.False(t, s.Matches([]byte("a"), [][]byte{[]byte("2"), []byte("b")}))
	assert.False(t, s.Matches([]byte("a"), [][]byte{[]byte("1"), []byte("z")}))

	arg, ok := s.Equality(1)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), arg)
	_, ok = s.Equality(2)
	assert.False(t, ok)

	assert.False(t, NewSearch(Term{Pred: PredFail}).Matches(nil, nil))
}

func TestParseSearch(t *testing.T) {
	s, err := ParseSearch(3, []string{"1=10", "2>=b", "0<=k"})
	require.NoError(t, err)
	assert.Equal(t, PredLessEqual, s.Term(0).Pred)
	assert.Equal(t, PredEquals, s.Term(1).Pred)
	assert.Equal(t, []byte("10"), s.Term(1).Arg)
	assert.Equal(t, PredGreaterEqual, s.Term(2).Pred)

	for _, bad := range []string{"=1", "x=1", "5=1", "1~1"} {
		_, err := ParseSearch(3, []string{bad})
		assert.ErrorIs(t, err, ErrBadExpression, bad)
	}
}

func TestStaticConfig(t *testing.T) {
	whole := RegionID{Space: 7}
	low, high, _ := whole.Split()
	cfg, err := NewStaticConfig(Space{
		ID:        7,
		Dims:      2,
		Subspaces: [][]int{{0}, {1}},
		Entities: []EntityID{
			{Region: low},
			{Region: high},
			{Region: RegionID{Space: 7, Subspace: 1}},
		},
	})
	require.NoError(t, err)

	dims, ok := cfg.Dimensions(7)
	assert.True(t, ok)
	assert.Equal(t, 2, dims)
	_, ok = cfg.Dimensions(8)
	assert.False(t, ok)

	h, ok := cfg.DiskHasher(RegionID{Space: 7, Subspace: 1})
	require.True(t, ok)
	assert.Equal(t, []int{1}, h.Attributes())

	for i := 0; i < 32; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		leader, ok := cfg.PointLeader(7, key)
		require.True(t, ok)
		assert.Equal(t, uint16(0), leader.Region.Subspace)
		assert.True(t, leader.Region.Contains(NewHasher(2, 0).Point(key, nil)))
	}

	assert.Len(t, cfg.Regions(7), 3)

	_, err = NewStaticConfig(Space{ID: 1, Dims: 2, Subspaces: [][]int{{1}}})
	assert.Error(t, err)
}

func TestPacking(t *testing.T) {
	msg := PackSearchItem(9, []byte("key"), [][]byte{[]byte("v1"), {}})
	nonce, key, value, err := UnpackSearchItem(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), nonce)
	assert.Equal(t, []byte("key"), key)
	assert.Equal(t, [][]byte{[]byte("v1"), {}}, value)

	_, _, _, err = UnpackSearchItem(msg[:len(msg)-1])
	assert.ErrorIs(t, err, ErrShortMessage)

	nonce, code, err := UnpackGroupResponse(PackGroupResponse(3, NetBadDimSpec))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
	assert.Equal(t, NetBadDimSpec, code)

	nonce, key, remain, err := UnpackGroupKeyop(PackGroupKeyop([]byte("k"), []byte("rest")))
	require.NoError(t, err)
	assert.Zero(t, nonce)
	assert.Equal(t, []byte("k"), key)
	assert.Equal(t, []byte("rest"), remain)
}
