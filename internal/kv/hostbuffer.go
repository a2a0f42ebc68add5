package kv

import (
	"fmt"
	"sync"
)

// HostBuffer is the fixed-capacity pool of host-memory slots keyed by
// sequence id. It is filled during prefill (swap-out) and drained during
// decode (swap-in); its capacity is the single control variable that bounds
// how often the engine transitions between layouts. A long prompt may cost
// several slots; the entry is still keyed and exchanged as one block.
//
// The buffer stores only neutral blocks. It never sees a layout: callers
// place and extract layout-specific shards themselves and report arrivals so
// the buffer can tell a partially written slot from a complete one.
type HostBuffer struct {
	mu       sync.Mutex
	capacity int
	used     int
	slots    map[string]*slot
}

type slot struct {
	block     *Block
	cost      int
	arrived   int
	expected  int
	cancelled bool
}

// NewHostBuffer creates a buffer with the given slot capacity.
func NewHostBuffer(capacity int) *HostBuffer {
	if capacity < 1 {
		panic(fmt.Sprintf("kv: host buffer capacity must be >= 1, got %d", capacity))
	}
	return &HostBuffer{
		capacity: capacity,
		slots:    make(map[string]*slot, capacity),
	}
}

// Reserve claims cost slots for a sequence and returns its neutral block.
// The scheduler is responsible for never reserving past capacity; doing so
// is a scheduling bug, not a recoverable condition.
func (h *HostBuffer) Reserve(seqID string, tokens int, shape Shape, expectedShards, cost int) *Block {
	if cost < 1 {
		cost = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sweepLocked()
	if _, ok := h.slots[seqID]; ok {
		panic(fmt.Sprintf("kv: slot for sequence %s already reserved", seqID))
	}
	if h.used+cost > h.capacity {
		panic(fmt.Sprintf("kv: host buffer over capacity (%d/%d slots, reserving %d)", h.used, h.capacity, cost))
	}
	b := NewBlock(seqID, tokens, shape)
	h.slots[seqID] = &slot{block: b, cost: cost, expected: expectedShards}
	h.used += cost
	return b
}

// ShardArrived records that one device finished writing its shard into the
// sequence's slot. It returns true once the slot holds the complete block.
func (h *HostBuffer) ShardArrived(seqID string) (complete bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.slots[seqID]
	if !ok {
		return false, fmt.Errorf("kv: no slot for sequence %s", seqID)
	}
	s.arrived++
	if s.arrived > s.expected {
		return false, fmt.Errorf("kv: sequence %s: %d shard arrivals for %d expected", seqID, s.arrived, s.expected)
	}
	return s.arrived == s.expected, nil
}

// Pending returns the slot's block while it is still being filled, for
// devices placing their shards. Each device writes a disjoint region, so
// this needs no further locking on the block itself.
func (h *HostBuffer) Pending(seqID string) (*Block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[seqID]
	if !ok || s.cancelled {
		return nil, false
	}
	return s.block, true
}

// Block returns the neutral block for a sequence, or false if the slot does
// not exist or is still being filled.
func (h *HostBuffer) Block(seqID string) (*Block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.slots[seqID]
	if !ok || s.cancelled || s.arrived < s.expected {
		return nil, false
	}
	return s.block, true
}

// Release frees a sequence's slots after its block has been swapped in.
func (h *HostBuffer) Release(seqID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.slots[seqID]; ok {
		h.used -= s.cost
		delete(h.slots, seqID)
	}
}

// Cancel marks a slot for lazy reclamation. The slot keeps its storage until
// the next free-slot scan; other slots are unaffected.
func (h *HostBuffer) Cancel(seqID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.slots[seqID]; ok {
		s.cancelled = true
	}
}

// Occupancy reports used and total slots. Cancelled slots are swept first,
// so a slot freed by cancellation is reported free from the first occupancy
// check after the cancel.
func (h *HostBuffer) Occupancy() (used, capacity int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked()
	return h.used, h.capacity
}

// Free reports how many slots are available for new reservations.
func (h *HostBuffer) Free() int {
	used, capacity := h.Occupancy()
	return capacity - used
}

// Drained reports whether no slots remain, cancelled or otherwise.
func (h *HostBuffer) Drained() bool {
	used, _ := h.Occupancy()
	return used == 0
}

func (h *HostBuffer) sweepLocked() {
	for id, s := range h.slots {
		if s.cancelled {
			h.used -= s.cost
			delete(h.slots, id)
		}
	}
}
