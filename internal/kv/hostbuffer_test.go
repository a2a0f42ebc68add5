package kv

import "testing"

var testShape = Shape{Layers: 2, Heads: 4, HeadDim: 8}

func TestHostBufferReserveAndRelease(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(2)
	h.Reserve("a", 3, testShape, 1, 1)
	h.Reserve("b", 5, testShape, 1, 1)

	used, capacity := h.Occupancy()
	if used != 2 || capacity != 2 {
		t.Fatalf("Occupancy() = %d/%d, want 2/2", used, capacity)
	}

	h.Release("a")
	if h.Free() != 1 {
		t.Fatalf("Free() = %d after release, want 1", h.Free())
	}
}

func TestHostBufferOverCapacityPanics(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(1)
	h.Reserve("a", 1, testShape, 1, 1)

	defer func() {
		if recover() == nil {
			t.Fatal("Reserve past capacity did not panic")
		}
	}()
	h.Reserve("b", 1, testShape, 1, 1)
}

func TestHostBufferShardCounting(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(1)
	h.Reserve("a", 2, testShape, 3, 1)

	if _, ok := h.Block("a"); ok {
		t.Fatal("Block() returned an incomplete slot")
	}
	for i := 0; i < 2; i++ {
		complete, err := h.ShardArrived("a")
		if err != nil {
			t.Fatalf("ShardArrived: %v", err)
		}
		if complete {
			t.Fatalf("slot complete after %d of 3 shards", i+1)
		}
	}
	complete, err := h.ShardArrived("a")
	if err != nil {
		t.Fatalf("ShardArrived: %v", err)
	}
	if !complete {
		t.Fatal("slot not complete after all shards arrived")
	}
	if _, ok := h.Block("a"); !ok {
		t.Fatal("Block() missing after completion")
	}

	if _, err := h.ShardArrived("a"); err == nil {
		t.Fatal("extra shard arrival not rejected")
	}
}

func TestHostBufferCancelIsLazy(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(2)
	h.Reserve("doomed", 2, testShape, 2, 1)
	blk := h.Reserve("kept", 2, testShape, 1, 1)
	blk.Keys[0][0] = 42
	if _, err := h.ShardArrived("kept"); err != nil {
		t.Fatalf("ShardArrived: %v", err)
	}

	// Partial write, then cancellation mid-prefill.
	if _, err := h.ShardArrived("doomed"); err != nil {
		t.Fatalf("ShardArrived: %v", err)
	}
	h.Cancel("doomed")

	used, _ := h.Occupancy()
	if used != 1 {
		t.Fatalf("Occupancy() = %d after cancel, want 1", used)
	}

	got, ok := h.Block("kept")
	if !ok || got.Keys[0][0] != 42 {
		t.Fatal("surviving slot's data disturbed by cancellation sweep")
	}
}

func TestHostBufferMultiSlotCost(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(4)
	h.Reserve("long", 2048, testShape, 1, 3)
	if h.Free() != 1 {
		t.Fatalf("Free() = %d after 3-slot reservation, want 1", h.Free())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("2-slot reservation into 1 free slot did not panic")
		}
	}()
	h.Reserve("next", 1024, testShape, 1, 2)
}

func TestHostBufferDrained(t *testing.T) {
	t.Parallel()

	h := NewHostBuffer(1)
	if !h.Drained() {
		t.Fatal("empty buffer not drained")
	}
	h.Reserve("a", 1, testShape, 1, 1)
	if h.Drained() {
		t.Fatal("occupied buffer reported drained")
	}
	h.Release("a")
	if !h.Drained() {
		t.Fatal("released buffer not drained")
	}
}
