// Package device runs one worker per accelerator: a compute loop fed by a
// task queue, a device-side KV pool, and a background prefetcher that
// overlaps host/device transfers with compute.
package device

import (
	"context"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
)

// Phase tags a batch with the execution phase it belongs to.
type Phase int

const (
	PhasePrefill Phase = iota
	PhaseDecode
)

func (p Phase) String() string {
	if p == PhasePrefill {
		return "prefill"
	}
	return "decode"
}

// Batch is one forward pass worth of work: an ordered set of sequence ids,
// the phase it executes under, and a micro-batch index for pipeline-parallel
// layouts. Batches are created by the scheduler each step and discarded by
// workers after completion.
type Batch struct {
	ID         int
	Phase      Phase
	Layout     layout.Layout
	MicroBatch int
	SeqIDs     []string

	// Tokens holds the new token ids each sequence contributes to this pass:
	// the full prompt for prefill, a single token for decode.
	Tokens map[string][]int

	// KVOut, for prefill batches, maps each sequence to the device-resident
	// shard buffer the kernel writes key/value tensors into. The buffers are
	// owned by the worker's pool, never by the kernel.
	KVOut map[string]*kv.Shard
}

// Logits is the raw output distribution for one sequence, opaque to this
// core beyond picking the next token.
type Logits []float32

// Kernel is the compute collaborator. Implementations own the numeric work;
// this core only routes batches, weights and KV buffers to them.
type Kernel interface {
	Forward(ctx context.Context, batch Batch, l layout.Layout, w Weights) (map[string]Logits, error)
}

// Weights is a device's resident parameter shard, tagged with the layout it
// was materialized for. A worker refuses batches whose layout does not match
// the tag; the resharding coordinator is the only writer.
type Weights struct {
	Layout layout.Layout
	Blob   []byte
}

// Handle tracks an asynchronous copy issued through a Transfer.
type Handle interface {
	Await(ctx context.Context) error
}

// Transfer is the device/host copy primitive collaborator.
type Transfer interface {
	Copy(ctx context.Context, dst, src []float32, async bool) (Handle, error)
}

// MemcpyTransfer is the in-process reference Transfer: a plain copy, run on
// a separate goroutine when async. Benchmarks and tests run against it.
type MemcpyTransfer struct{}

type doneHandle chan error

func (h doneHandle) Await(ctx context.Context) error {
	select {
	case err := <-h:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (MemcpyTransfer) Copy(_ context.Context, dst, src []float32, async bool) (Handle, error) {
	h := make(doneHandle, 1)
	if async {
		go func() {
			copy(dst, src)
			h <- nil
		}()
		return h, nil
	}
	copy(dst, src)
	h <- nil
	return h, nil
}
