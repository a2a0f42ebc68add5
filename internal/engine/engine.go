// Package engine is the control plane: it owns every sequence, forms
// batches, runs the prefill/decode phase machine and decides when the
// cluster re-shards between the two layouts.
//
// Concurrency model: one scheduler goroutine, one compute goroutine per
// worker, one prefetcher goroutine per worker. Every cross-component
// interaction is a message over a bounded channel; the scheduler blocks
// only in its select.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/samcharles93/duplex/internal/device"
	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/logger"
	"github.com/samcharles93/duplex/internal/reshard"
)

type phase int

const (
	phasePrefilling phase = iota
	phaseDecoding
)

func (p phase) String() string {
	if p == phasePrefilling {
		return "prefilling"
	}
	return "decoding"
}

// Status is the engine's externally visible state.
type Status struct {
	Phase        string  `json:"phase"`
	HostUsed     int     `json:"host_kv_used"`
	HostCapacity int     `json:"host_kv_capacity"`
	Metrics      Metrics `json:"metrics"`
}

// Engine ties the scheduler to its workers, prefetchers, host buffer and
// resharding coordinator.
type Engine struct {
	cfg   Config
	log   logger.Logger
	store *resultStore

	buffer      *kv.HostBuffer
	staging     *device.Staging
	workers     []*device.Worker
	prefetchers []*device.Prefetcher
	coord       *reshard.Coordinator

	completions  chan device.Completion
	swapouts     chan device.SwapOutDone
	prefetchDone chan device.PrefetchDone
	submits      chan *submitReq
	cancels      chan *cancelReq
	events       chan Event

	// SwapInNext picks which host-resident sequence is swapped in next,
	// given the ready queue in admission order. The default takes the
	// front (FIFO). Set before Run.
	SwapInNext func(ready []string) int

	counters  counters
	phaseName atomic.Value // string
	halted    atomic.Bool
	exchanges atomic.Int64 // in-flight swap-out/swap-in operations
}

type submitReq struct {
	seq   *Sequence
	reply chan error
}

type cancelReq struct {
	seqID string
	reply chan error
}

// New builds an engine from its startup configuration and collaborators.
// The configuration is immutable after this point.
func New(cfg Config, kernel device.Kernel, transfer device.Transfer, weights reshard.WeightStore, log logger.Logger) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	n := cfg.LayoutPrefill.Devices()

	staging, err := device.NewStaging(cfg.StagingSegments, cfg.StagingSegmentFloats)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		log:          log.WithGroup("engine"),
		store:        newResultStore(),
		buffer:       kv.NewHostBuffer(cfg.HostSlots),
		staging:      staging,
		completions:  make(chan device.Completion, 4*n),
		swapouts:     make(chan device.SwapOutDone, 4*n),
		prefetchDone: make(chan device.PrefetchDone, 4*n),
		submits:      make(chan *submitReq, 16),
		cancels:      make(chan *cancelReq, 16),
		events:       make(chan Event, cfg.EventBacklog),
	}
	e.phaseName.Store(phasePrefilling.String())
	e.SwapInNext = func([]string) int { return 0 }

	var limiter *rate.Limiter
	if cfg.PrefetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PrefetchRate), 2*cfg.StagingSegmentFloats)
	}

	devs := make([]reshard.Device, n)
	e.workers = make([]*device.Worker, n)
	e.prefetchers = make([]*device.Prefetcher, n)
	for i := 0; i < n; i++ {
		w := device.NewWorker(device.WorkerConfig{
			ID:          i,
			Shape:       cfg.Shape,
			Kernel:      kernel,
			Transfer:    transfer,
			Staging:     staging,
			Buffer:      e.buffer,
			KVCapacity:  cfg.DeviceKVCapacity,
			TaskDepth:   cfg.LayoutPrefill.MicroBatches() + cfg.LayoutDecode.MicroBatches(),
			Completions: e.completions,
			SwapOuts:    e.swapouts,
			Log:         log,
		})
		e.workers[i] = w
		devs[i] = w
		// Depth matches the device KV budget, so a prefetch request issued
		// against a free device slot always finds queue room.
		e.prefetchers[i] = device.NewPrefetcher(w, cfg.DeviceKVCapacity, e.prefetchDone, limiter)
	}

	coord, err := reshard.NewCoordinator(weights, devs, cfg.LayoutPrefill, cfg.LayoutDecode, log)
	if err != nil {
		return nil, err
	}
	coord.Quiesce = func(context.Context) error {
		if n := e.exchanges.Load(); n != 0 {
			return fmt.Errorf("%d KV exchanges still in flight", n)
		}
		return nil
	}
	e.coord = coord

	return e, nil
}

// Submit admits a new sequence. A prompt whose KV footprint alone exceeds
// the host buffer capacity is rejected with ErrCapacityExceeded and no
// sequence is created.
func (e *Engine) Submit(ctx context.Context, prompt []int, maxOutput int) (string, error) {
	if e.halted.Load() {
		return "", ErrHalted
	}
	if len(prompt) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	if maxOutput < 1 {
		return "", fmt.Errorf("max_output_tokens must be >= 1, got %d", maxOutput)
	}
	cost := e.cfg.slotCost(len(prompt))
	if cost > e.cfg.HostSlots {
		e.counters.rejected.Add(1)
		return "", fmt.Errorf("%w: prompt needs %d slots, buffer holds %d", ErrCapacityExceeded, cost, e.cfg.HostSlots)
	}

	seq := &Sequence{
		ID:        uuid.NewString(),
		Prompt:    append([]int(nil), prompt...),
		MaxOutput: maxOutput,
		State:     StatePrefillPending,
		Slots:     cost,
	}
	req := &submitReq{seq: seq, reply: make(chan error, 1)}
	select {
	case e.submits <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case err := <-req.reply:
		if err != nil {
			return "", err
		}
		return seq.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Poll returns the sequence's tokens so far. Non-blocking.
func (e *Engine) Poll(seqID string) (Snapshot, error) {
	if s, ok := e.store.get(seqID); ok {
		return s, nil
	}
	return Snapshot{}, ErrUnknownSequence
}

// Cancel stops a sequence. Device KV is reclaimed synchronously, host
// buffer slots lazily on the next free-slot scan.
func (e *Engine) Cancel(ctx context.Context, seqID string) error {
	if e.halted.Load() {
		return ErrHalted
	}
	req := &cancelReq{seqID: seqID, reply: make(chan error, 1)}
	select {
	case e.cancels <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the current phase, host buffer occupancy and counters.
func (e *Engine) Status() Status {
	used, capacity := e.buffer.Occupancy()
	return Status{
		Phase:        e.phaseName.Load().(string),
		HostUsed:     used,
		HostCapacity: capacity,
		Metrics:      e.counters.snapshot(),
	}
}

// Run starts the workers, prefetchers and the scheduler loop. It returns
// when the context ends, or with a ReshardError on a fatal transition
// failure.
func (e *Engine) Run(ctx context.Context) error {
	defer e.staging.Close()
	defer close(e.events)
	defer e.halted.Store(true)

	if err := e.coord.Prepare(ctx, e.cfg.LayoutPrefill); err != nil {
		return &ReshardError{From: e.cfg.LayoutPrefill, To: e.cfg.LayoutPrefill, Err: err}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := range e.workers {
		go e.workers[i].Run(wctx)
		go e.prefetchers[i].Run(wctx)
	}

	return e.schedule(ctx)
}
