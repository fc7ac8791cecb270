// Package heap implements the min-heap used to order deadline-keyed
// entries for the timer services (TimeoutTask/IdleTask).
package heap

// Elem is a single entry in a Heap. Callers embed Elem (or hold one) in
// the payload they want ordered by deadline. An Elem belongs to at most
// one Heap at a time; owner is nil when it isn't enqueued anywhere.
//
// The C++ original (CFCore/Heap.cpp) gives HeapElem a raw back-pointer to
// its owning Heap. That aliasing is harmless in single-threaded C++ but
// is a footgun once ported verbatim, so here the back-pointer is a plain
// field guarded by the same invariant the original relied on informally:
// callers only touch an Elem while holding whatever lock protects its
// Heap (the timer thread's heap mutex, see timer.Thread).
type Elem struct {
	Value SInt64
	owner *Heap
	index uint32
	// Payload is opaque to the heap; set by the caller.
	Payload any
}

// SInt64 mirrors the C++ signed 64-bit deadline type the original heap
// is keyed on (milliseconds or microseconds, depending on caller).
type SInt64 = int64

// InHeap reports whether e currently belongs to any Heap.
func (e *Elem) InHeap() bool { return e.owner != nil }

// Heap is a 1-indexed binary min-heap over *Elem, keyed by Elem.Value.
// Index 0 is an unused sentinel, matching the original array layout.
type Heap struct {
	elems     []*Elem
	freeIndex uint32
}

// UpdateFlag restricts Update to a single direction of movement, mirroring
// the original's heapUpdateFlagExpectDown / heapUpdateFlagExpectUp.
type UpdateFlag uint32

const (
	// UpdateFlagNone allows Update to move the element in either direction.
	UpdateFlagNone UpdateFlag = 0
	// UpdateFlagExpectDown ignores the update if it would move the
	// element up (i.e. the caller expected the new value to be larger).
	UpdateFlagExpectDown UpdateFlag = 1 << 0
	// UpdateFlagExpectUp ignores the update if it would move the element
	// down (i.e. the caller expected the new value to be smaller).
	UpdateFlagExpectUp UpdateFlag = 1 << 1
)

// New returns a Heap with room for at least startSize elements (minimum 2).
func New(startSize uint32) *Heap {
	if startSize < 2 {
		startSize = 2
	}
	return &Heap{
		elems:     make([]*Elem, startSize+1), // index 0 unused
		freeIndex: 1,
	}
}

// Len returns the number of elements currently in the heap.
func (h *Heap) Len() int { return int(h.freeIndex - 1) }

// Insert adds e to the heap. If e already belongs to a heap (any heap),
// Insert does nothing — same fail-silent contract as the original, the
// caller is responsible for not double-inserting.
func (h *Heap) Insert(e *Elem) {
	if e == nil || e.owner != nil {
		return
	}

	if int(h.freeIndex) >= len(h.elems) {
		grown := make([]*Elem, len(h.elems)*2)
		copy(grown, h.elems[:h.freeIndex])
		h.elems = grown
	}

	h.elems[h.freeIndex] = e
	e.index = h.freeIndex
	h.shiftUp(h.freeIndex)
	e.owner = h
	h.freeIndex++
}

// Peek returns the minimum-value element without removing it, or nil if
// the heap is empty.
func (h *Heap) Peek() *Elem {
	if h.freeIndex <= 1 {
		return nil
	}
	return h.elems[1]
}

// ExtractMin removes and returns the minimum-value element, or nil if the
// heap is empty.
func (h *Heap) ExtractMin() *Elem {
	if h.freeIndex <= 1 {
		return nil
	}
	return h.extract(1)
}

// Remove extracts e from the heap, locating it through the array index
// the heap keeps in e (no scan). Returns nil if e is not a member of this
// heap.
func (h *Heap) Remove(e *Elem) *Elem {
	if e == nil || e.owner != h || h.freeIndex <= 1 {
		return nil
	}
	return h.extract(e.index)
}

// Update changes e's key and relocates it to restore heap order. flag
// may restrict the update to one direction; an update that would move
// the opposite direction is ignored (the original's sanity guard against
// callers that got the direction wrong).
func (h *Heap) Update(e *Elem, newValue SInt64, flag UpdateFlag) {
	if e == nil || e.owner != h || h.freeIndex <= 1 {
		return
	}

	switch {
	case newValue < e.Value:
		if flag&UpdateFlagExpectDown != 0 {
			return
		}
		e.Value = newValue
		h.shiftUp(e.index)
	case newValue > e.Value:
		if flag&UpdateFlagExpectUp != 0 {
			return
		}
		e.Value = newValue
		h.shiftDown(e.index)
	}
}

func (h *Heap) extract(index uint32) *Elem {
	victim := h.elems[index]
	victim.owner = nil

	last := h.freeIndex - 1
	h.elems[index] = h.elems[last]
	if h.elems[index] != nil {
		h.elems[index].index = index
	}
	h.elems[last] = nil
	h.freeIndex--

	if index < h.freeIndex {
		h.shiftDown(index)
		h.shiftUp(index)
	}
	return victim
}

func (h *Heap) shiftUp(index uint32) {
	for index > 1 {
		parent := index >> 1
		if h.elems[index].Value < h.elems[parent].Value {
			h.swap(index, parent)
			index = parent
		} else {
			break
		}
	}
}

func (h *Heap) shiftDown(index uint32) {
	for index < h.freeIndex {
		smallest := index
		left := index * 2
		if left < h.freeIndex && h.elems[left].Value < h.elems[smallest].Value {
			smallest = left
		}
		right := left + 1
		if right < h.freeIndex && h.elems[right].Value < h.elems[smallest].Value {
			smallest = right
		}
		if smallest == index {
			break
		}
		h.swap(index, smallest)
		index = smallest
	}
}

func (h *Heap) swap(i, j uint32) {
	h.elems[i], h.elems[j] = h.elems[j], h.elems[i]
	h.elems[i].index = i
	h.elems[j].index = j
}
