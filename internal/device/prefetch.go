package device

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/reshard"
)

// PrefetchDone is posted back to the scheduler once this worker holds its
// sub-shard of a sequence's KV block in device memory.
type PrefetchDone struct {
	Worker int
	SeqID  string
	Err    error
}

// Prefetcher is the per-worker background half of the transfer pipeline for
// swap-in. It runs independently of the compute loop: the scheduler enqueues
// a sequence id whenever device KV capacity frees up, the prefetcher copies
// the shard the worker's position under the current layout needs, and posts
// the id back. If it falls behind, decode batches are simply smaller for a
// few steps; nothing blocks and nothing deadlocks.
type Prefetcher struct {
	worker  *Worker
	limiter *rate.Limiter
	reqs    chan string
	done    chan<- PrefetchDone
}

// NewPrefetcher wires a prefetcher to its worker. limiter paces the
// host-side reads so staged copies do not contend with the copies the
// compute loop depends on; nil means unpaced.
func NewPrefetcher(w *Worker, depth int, done chan<- PrefetchDone, limiter *rate.Limiter) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	return &Prefetcher{
		worker:  w,
		limiter: limiter,
		reqs:    make(chan string, depth),
		done:    done,
	}
}

// Request enqueues a swap-in. It never blocks the caller: a full queue drops
// the request and the scheduler re-issues it on a later step.
func (p *Prefetcher) Request(seqID string) bool {
	select {
	case p.reqs <- seqID:
		return true
	default:
		return false
	}
}

// Run processes prefetch requests until the context ends.
func (p *Prefetcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seqID := <-p.reqs:
			err := p.fetch(ctx, seqID)
			select {
			case p.done <- PrefetchDone{Worker: p.worker.id, SeqID: seqID, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Prefetcher) fetch(ctx context.Context, seqID string) error {
	w := p.worker

	w.mu.Lock()
	if !w.haveW {
		w.mu.Unlock()
		return fmt.Errorf("worker %d: prefetch before weights resident", w.id)
	}
	l := w.weights.Layout
	w.mu.Unlock()

	block, ok := w.buffer.Block(seqID)
	if !ok {
		return fmt.Errorf("worker %d: no complete host block for sequence %s", w.id, seqID)
	}

	staged := reshard.ExtractShard(block, l, l.PositionOf(w.id))

	if p.limiter != nil {
		if err := p.limiter.WaitN(ctx, staged.Floats()); err != nil {
			return err
		}
	}

	dst := kv.NewShard(seqID, staged.Tokens, staged.HeadDim, staged.LayerLo, staged.LayerHi, staged.HeadLo, staged.HeadHi)
	for i := range staged.Keys {
		h, err := w.transfer.Copy(ctx, dst.Keys[i], staged.Keys[i], false)
		if err != nil {
			return fmt.Errorf("swap-in keys layer %d: %w", staged.LayerLo+i, err)
		}
		if err := h.Await(ctx); err != nil {
			return err
		}
		h, err = w.transfer.Copy(ctx, dst.Values[i], staged.Values[i], false)
		if err != nil {
			return fmt.Errorf("swap-in values layer %d: %w", staged.LayerLo+i, err)
		}
		if err := h.Await(ctx); err != nil {
			return err
		}
	}

	return w.pool.Alloc(seqID, dst)
}
