package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMinOnEmpty(t *testing.T) {
	h := New(2)
	assert.Nil(t, h.ExtractMin())
}

// TestSequence mirrors scenario S1 from spec.md: insert a descending run
// of values and confirm ExtractMin yields them in ascending order.
func TestSequence(t *testing.T) {
	h := New(2)
	values := []int64{100, 80, 70, 60, 50, 40, 30, 20, 10}
	elems := make([]*Elem, len(values))
	for i, v := range values {
		elems[i] = &Elem{Value: v}
		h.Insert(elems[i])
	}

	want := []int64{10, 20, 30, 40, 50, 60, 70, 80, 100}
	for _, w := range want {
		got := h.ExtractMin()
		require.NotNil(t, got)
		assert.Equal(t, w, got.Value)
	}
	assert.Nil(t, h.ExtractMin())
}

// TestRemoval mirrors scenario S2: insert 1..9 (in the order elem1..elem9,
// each with its own value n*10 descending so elem1 is largest) and run
// an interleaved sequence of Remove/ExtractMin calls.
func TestRemoval(t *testing.T) {
	h := New(2)
	e := make([]*Elem, 10) // 1-indexed, e[0] unused
	for i := 1; i <= 9; i++ {
		e[i] = &Elem{Value: int64(10 * (10 - i))} // e1=90 .. e9=10
		h.Insert(e[i])
	}

	assert.Same(t, e[7], h.Remove(e[7]))
	assert.Same(t, e[9], h.Remove(e[9]))
	assert.Same(t, e[8], h.ExtractMin())
	assert.Same(t, e[2], h.Remove(e[2]))
	assert.Nil(t, h.Remove(e[2])) // already extracted
	assert.Nil(t, h.Remove(e[8])) // already extracted
	assert.Same(t, e[5], h.Remove(e[5]))
	assert.Same(t, e[6], h.Remove(e[6]))
	assert.Same(t, e[1], h.Remove(e[1]))
	assert.Same(t, e[4], h.ExtractMin())
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	h := New(2)
	e1 := &Elem{Value: 5}
	e2 := &Elem{Value: 1}
	e3 := &Elem{Value: 9}
	h.Insert(e1)
	h.Insert(e2)
	h.Insert(e3)
	require.Equal(t, 3, h.Len())

	assert.Same(t, e2, h.Remove(e2))
	assert.Equal(t, 2, h.Len())
	assert.True(t, heapOrdered(t, h))

	h.Insert(e2)
	assert.Equal(t, 3, h.Len())
	assert.True(t, heapOrdered(t, h))
}

// TestDoubleInsertIsNoOp: inserting an element already owned by a heap is
// a silent no-op, per spec.md §4.1.
func TestDoubleInsertIsNoOp(t *testing.T) {
	h := New(2)
	e := &Elem{Value: 1}
	h.Insert(e)
	h.Insert(e) // no-op, e already belongs to h
	assert.Equal(t, 1, h.Len())
}

func TestUpdateRespectsDirectionFlag(t *testing.T) {
	h := New(2)
	e1 := &Elem{Value: 10}
	e2 := &Elem{Value: 20}
	h.Insert(e1)
	h.Insert(e2)

	// e1's value is shrinking (10 -> 5), which is a shiftUp move. A caller
	// that only expects a shiftDown move (ExpectDown) should see it ignored.
	h.Update(e1, 5, UpdateFlagExpectDown)
	assert.Equal(t, int64(10), e1.Value)

	// Unrestricted, the same update applies.
	h.Update(e1, 1, UpdateFlagNone)
	assert.Equal(t, int64(1), e1.Value)
	assert.Same(t, e1, h.ExtractMin())
}

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	h := New(2)
	var elems []*Elem
	for i := 0; i < 100; i++ {
		e := &Elem{Value: int64(100 - i)}
		elems = append(elems, e)
		h.Insert(e)
	}
	require.Equal(t, 100, h.Len())
	assert.True(t, heapOrdered(t, h))

	prev := int64(-1 << 62)
	for h.Len() > 0 {
		m := h.ExtractMin()
		assert.GreaterOrEqual(t, m.Value, prev)
		prev = m.Value
	}
}

// heapOrdered walks the internal array and checks the heap-order
// invariant from spec.md §8 property 1.
func heapOrdered(t *testing.T, h *Heap) bool {
	t.Helper()
	for i := uint32(1); i < h.freeIndex; i++ {
		left := i * 2
		right := left + 1
		if left < h.freeIndex && h.elems[i].Value > h.elems[left].Value {
			return false
		}
		if right < h.freeIndex && h.elems[i].Value > h.elems[right].Value {
			return false
		}
	}
	return true
}
