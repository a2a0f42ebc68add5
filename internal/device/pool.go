package device

import (
	"fmt"
	"sync"

	"github.com/samcharles93/duplex/internal/kv"
)

// Pool tracks the device-memory KV slots of one worker. Capacity is counted
// in sequences; device memory is scarcer than host memory, so slots freed by
// finished or cancelled sequences are released synchronously, not lazily.
type Pool struct {
	mu       sync.Mutex
	capacity int
	shards   map[string]*kv.Shard
}

func NewPool(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		shards:   make(map[string]*kv.Shard, capacity),
	}
}

// Alloc claims a slot and registers the sequence's device-resident shard.
func (p *Pool) Alloc(seqID string, s *kv.Shard) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.shards[seqID]; ok {
		return fmt.Errorf("device: sequence %s already resident", seqID)
	}
	if len(p.shards) >= p.capacity {
		return fmt.Errorf("device: kv pool full (%d slots)", p.capacity)
	}
	p.shards[seqID] = s
	return nil
}

// Shard returns the resident shard for a sequence.
func (p *Pool) Shard(seqID string) (*kv.Shard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[seqID]
	return s, ok
}

// Free releases a sequence's slot immediately.
func (p *Pool) Free(seqID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.shards, seqID)
}

// Occupancy reports used and total slots.
func (p *Pool) Occupancy() (used, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shards), p.capacity
}

// FreeSlots reports how many sequences can still be made resident.
func (p *Pool) FreeSlots() int {
	used, capacity := p.Occupancy()
	return capacity - used
}
