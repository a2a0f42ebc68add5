package device

import (
	"context"
	"fmt"
)

// Staging is the pinned intermediate buffer for device->host copies. The
// host KV buffer lives in a general-purpose pool that cannot be page-locked,
// yet async device copies must originate from pinned memory, so swap-out
// takes two hops: device -> staging (async, overlapped with compute), then
// staging -> host buffer (plain host-side copy).
//
// The region is a fixed arena of equal segments handed out to in-flight
// copies; Acquire blocks when all segments are busy, which back-pressures
// swap-out instead of growing the pinned footprint.
type Staging struct {
	arena    []float32
	segment  int
	free     chan int
	unpinned bool
}

// NewStaging allocates and pins an arena of segments*segmentFloats float32
// values. On platforms without mlock support the arena is left unpinned and
// the overlap guarantee degrades to best effort.
func NewStaging(segments, segmentFloats int) (*Staging, error) {
	if segments < 1 || segmentFloats < 1 {
		return nil, fmt.Errorf("device: staging needs >= 1 segment of >= 1 floats, got %d x %d", segments, segmentFloats)
	}
	s := &Staging{
		arena:   make([]float32, segments*segmentFloats),
		segment: segmentFloats,
		free:    make(chan int, segments),
	}
	if err := pinMemory(s.arena); err != nil {
		s.unpinned = true
	}
	for i := 0; i < segments; i++ {
		s.free <- i
	}
	return s, nil
}

// Pinned reports whether the arena is actually page-locked.
func (s *Staging) Pinned() bool {
	return !s.unpinned
}

// Acquire hands out one segment, blocking until a segment is free or the
// context ends. The release function must be called exactly once.
func (s *Staging) Acquire(ctx context.Context, floats int) (seg []float32, release func(), err error) {
	if floats > s.segment {
		return nil, nil, fmt.Errorf("device: shard of %d floats exceeds staging segment of %d", floats, s.segment)
	}
	select {
	case i := <-s.free:
		off := i * s.segment
		return s.arena[off : off+floats], func() { s.free <- i }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close unpins the arena.
func (s *Staging) Close() error {
	if s.unpinned {
		return nil
	}
	return unpinMemory(s.arena)
}
