package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
	"github.com/samcharles93/duplex/internal/logger"
	"github.com/samcharles93/duplex/internal/reshard"
)

// Completion is posted to the scheduler after a worker finishes (or fails) a
// batch.
type Completion struct {
	Worker int
	Batch  Batch
	Tokens map[string]int

	// Err is a whole-batch failure, scoped by the scheduler to the batch's
	// sequences.
	Err error
}

// SwapOutDone is posted when one device's shard of a sequence's KV block has
// landed in the host buffer. Complete is set on the arrival that finishes
// the block.
type SwapOutDone struct {
	Worker   int
	SeqID    string
	Complete bool
	Err      error
}

// Worker owns one accelerator. It executes one shard of one layout at a
// time: batches arrive on a bounded task queue, completions and swap-out
// events flow back to the scheduler over channels. The worker never touches
// scheduler state directly.
type Worker struct {
	id       int
	shape    kv.Shape
	kernel   Kernel
	transfer Transfer
	staging  *Staging
	buffer   *kv.HostBuffer
	pool     *Pool
	log      logger.Logger

	tasks       chan Batch
	completions chan<- Completion
	swapouts    chan<- SwapOutDone

	mu      sync.Mutex
	weights Weights
	haveW   bool

	// Pick chooses the next token from a logits vector. Defaults to argmax.
	Pick func(Logits) int

	swapWG sync.WaitGroup
}

// WorkerConfig collects the collaborators a worker needs.
type WorkerConfig struct {
	ID          int
	Shape       kv.Shape
	Kernel      Kernel
	Transfer    Transfer
	Staging     *Staging
	Buffer      *kv.HostBuffer
	KVCapacity  int
	TaskDepth   int
	Completions chan<- Completion
	SwapOuts    chan<- SwapOutDone
	Log         logger.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	depth := cfg.TaskDepth
	if depth < 1 {
		depth = 1
	}
	return &Worker{
		id:          cfg.ID,
		shape:       cfg.Shape,
		kernel:      cfg.Kernel,
		transfer:    cfg.Transfer,
		staging:     cfg.Staging,
		buffer:      cfg.Buffer,
		pool:        NewPool(cfg.KVCapacity),
		log:         log.With("worker", cfg.ID),
		tasks:       make(chan Batch, depth),
		completions: cfg.Completions,
		swapouts:    cfg.SwapOuts,
		Pick:        argmax,
	}
}

// ID implements reshard.Device.
func (w *Worker) ID() int { return w.id }

// InstallWeights replaces the worker's resident shard. Only the resharding
// coordinator calls this, and only while batch issuance is stalled.
func (w *Worker) InstallWeights(_ context.Context, l layout.Layout, blob []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights = Weights{Layout: l, Blob: blob}
	w.haveW = true
	return nil
}

// Pool exposes the worker's device KV pool. The scheduler reads occupancy
// from it and frees slots for cancelled sequences; allocation stays inside
// the worker and its prefetcher.
func (w *Worker) Pool() *Pool { return w.pool }

// Submit enqueues a batch instruction.
func (w *Worker) Submit(ctx context.Context, b Batch) error {
	select {
	case w.tasks <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the compute loop. It blocks only on the task queue and on kernel
// completion; swap-out copies run on their own goroutines so compute for the
// next batch overlaps the device->host hop.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.swapWG.Wait()
			return
		case b := <-w.tasks:
			w.execute(ctx, b)
		}
	}
}

func (w *Worker) execute(ctx context.Context, b Batch) {
	weights, err := w.residentWeights(b.Layout)
	if err != nil {
		w.post(ctx, Completion{Worker: w.id, Batch: b, Err: err})
		return
	}

	if b.Phase == PhasePrefill {
		if err := w.allocPrefillKV(&b); err != nil {
			w.post(ctx, Completion{Worker: w.id, Batch: b, Err: err})
			return
		}
	} else {
		w.attachDecodeKV(&b)
	}

	logits, err := w.kernel.Forward(ctx, b, b.Layout, weights)
	if err != nil {
		w.post(ctx, Completion{Worker: w.id, Batch: b, Err: fmt.Errorf("kernel: %w", err)})
		return
	}

	tokens := make(map[string]int, len(logits))
	for id, lg := range logits {
		tokens[id] = w.Pick(lg)
	}

	if b.Phase == PhasePrefill {
		for _, id := range b.SeqIDs {
			shard := b.KVOut[id]
			w.swapWG.Add(1)
			go w.swapOut(ctx, b.Layout, id, shard)
		}
	}

	w.post(ctx, Completion{Worker: w.id, Batch: b, Tokens: tokens})
}

func (w *Worker) residentWeights(l layout.Layout) (Weights, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.haveW {
		return Weights{}, fmt.Errorf("worker %d: no weights resident", w.id)
	}
	if w.weights.Layout != l {
		return Weights{}, fmt.Errorf("worker %d: resident weights are for %s, batch wants %s", w.id, w.weights.Layout, l)
	}
	return w.weights, nil
}

func (w *Worker) allocPrefillKV(b *Batch) error {
	p := b.Layout.PositionOf(w.id)
	layerLo, layerHi := b.Layout.LayerRange(p.Stage, w.shape.Layers)
	headLo, headHi := b.Layout.HeadRange(p.Rank, w.shape.Heads)

	b.KVOut = make(map[string]*kv.Shard, len(b.SeqIDs))
	for _, id := range b.SeqIDs {
		s := kv.NewShard(id, len(b.Tokens[id]), w.shape.HeadDim, layerLo, layerHi, headLo, headHi)
		if err := w.pool.Alloc(id, s); err != nil {
			return err
		}
		b.KVOut[id] = s
	}
	return nil
}

func (w *Worker) attachDecodeKV(b *Batch) {
	b.KVOut = make(map[string]*kv.Shard, len(b.SeqIDs))
	for _, id := range b.SeqIDs {
		if s, ok := w.pool.Shard(id); ok {
			b.KVOut[id] = s
		}
	}
}

// swapOut moves one sequence's device shard into the host buffer: an async
// device->staging copy per layer tensor, then a host-side placement into the
// neutral block. The device slot is freed once the data is staged.
func (w *Worker) swapOut(ctx context.Context, l layout.Layout, seqID string, s *kv.Shard) {
	defer w.swapWG.Done()

	err := w.stageAndPlace(ctx, l, seqID, s)
	var complete bool
	if err == nil {
		complete, err = w.buffer.ShardArrived(seqID)
	}
	w.pool.Free(seqID)

	select {
	case w.swapouts <- SwapOutDone{Worker: w.id, SeqID: seqID, Complete: complete, Err: err}:
	case <-ctx.Done():
	}
}

func (w *Worker) stageAndPlace(ctx context.Context, l layout.Layout, seqID string, s *kv.Shard) error {
	seg, release, err := w.staging.Acquire(ctx, s.Floats())
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}
	defer release()

	staged := &kv.Shard{
		SeqID:   s.SeqID,
		Tokens:  s.Tokens,
		LayerLo: s.LayerLo,
		LayerHi: s.LayerHi,
		HeadLo:  s.HeadLo,
		HeadHi:  s.HeadHi,
		HeadDim: s.HeadDim,
		Keys:    make([][]float32, len(s.Keys)),
		Values:  make([][]float32, len(s.Values)),
	}

	per := (s.HeadHi - s.HeadLo) * s.Tokens * s.HeadDim
	handles := make([]Handle, 0, 2*len(s.Keys))
	off := 0
	for i := range s.Keys {
		staged.Keys[i] = seg[off : off+per]
		h, err := w.transfer.Copy(ctx, staged.Keys[i], s.Keys[i], true)
		if err != nil {
			return fmt.Errorf("stage keys layer %d: %w", s.LayerLo+i, err)
		}
		handles = append(handles, h)
		off += per

		staged.Values[i] = seg[off : off+per]
		h, err = w.transfer.Copy(ctx, staged.Values[i], s.Values[i], true)
		if err != nil {
			return fmt.Errorf("stage values layer %d: %w", s.LayerLo+i, err)
		}
		handles = append(handles, h)
		off += per
	}
	for _, h := range handles {
		if err := h.Await(ctx); err != nil {
			return fmt.Errorf("stage copy: %w", err)
		}
	}

	block, ok := w.buffer.Pending(seqID)
	if !ok {
		return fmt.Errorf("no host slot reserved for sequence %s", seqID)
	}
	return reshard.PlaceShard(block, l, l.PositionOf(w.id), staged)
}

func (w *Worker) post(ctx context.Context, c Completion) {
	select {
	case w.completions <- c:
	case <-ctx.Done():
	}
}

func argmax(lg Logits) int {
	best := 0
	for i, v := range lg {
		if v > lg[best] {
			best = i
		}
	}
	return best
}
