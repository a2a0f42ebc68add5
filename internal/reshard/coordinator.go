package reshard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/duplex/internal/layout"
	"github.com/samcharles93/duplex/internal/logger"
)

// WeightStore is the canonical host copy of model parameters, kept in a
// layout-independent form. Shards are materialized on demand; the coordinator
// never migrates weights peer-to-peer.
type WeightStore interface {
	// LoadShard returns the parameter slice a device needs for its position
	// under the given layout.
	LoadShard(ctx context.Context, l layout.Layout, device int) ([]byte, error)
}

// Device is the surface a worker exposes to the coordinator. Installing
// weights replaces the worker's resident shard and tags it with the layout it
// belongs to.
type Device interface {
	ID() int
	InstallWeights(ctx context.Context, l layout.Layout, blob []byte) error
}

// Coordinator reloads weight shards for a new layout across all devices.
// KV blocks cross layouts through the host buffer: swap-out under the old
// layout leaves neutral blocks behind, swap-in under the new layout extracts
// the sub-shards each device's new position needs, so the KV half of a
// transition is the quiesce step plus the buffer contents already in place.
type Coordinator struct {
	store   WeightStore
	devices []Device
	log     logger.Logger

	// Quiesce, when set, blocks until all in-flight KV exchanges have
	// completed. The engine wires this to its transfer completion counters;
	// Reshard never starts the weight phase while an exchange is pending.
	Quiesce func(ctx context.Context) error
}

// NewCoordinator validates that the two layouts are mutually re-shardable
// and returns a coordinator over the given devices. A data-parallel mismatch
// is a fatal configuration error, surfaced here at startup.
func NewCoordinator(store WeightStore, devices []Device, prefill, decode layout.Layout, log logger.Logger) (*Coordinator, error) {
	if err := layout.ValidatePair(prefill, decode); err != nil {
		return nil, err
	}
	if len(devices) != prefill.Devices() {
		return nil, fmt.Errorf("reshard: %d devices for layouts spanning %d", len(devices), prefill.Devices())
	}
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{store: store, devices: devices, log: log}, nil
}

// Reshard transforms the cluster's resident weights from one layout to the
// other. It holds exclusive access to weight state for its duration and is
// the only operation that stalls the whole pipeline; the scheduler amortizes
// it by transitioning once per buffer fill/drain cycle.
//
// A partial failure leaves device state inconsistent, so any error here is
// fatal to the engine instance. No retry is attempted.
func (c *Coordinator) Reshard(ctx context.Context, from, to layout.Layout) error {
	if from.DataParallel != to.DataParallel {
		return fmt.Errorf("reshard: data_parallel degree changed from %d to %d", from.DataParallel, to.DataParallel)
	}

	start := time.Now()
	c.log.Info("reshard starting", "from", from.String(), "to", to.String())

	if c.Quiesce != nil {
		if err := c.Quiesce(ctx); err != nil {
			return fmt.Errorf("reshard: waiting for in-flight exchanges: %w", err)
		}
	}

	if err := c.loadAll(ctx, to); err != nil {
		return fmt.Errorf("reshard %s -> %s: %w", from, to, err)
	}

	c.log.Info("reshard complete", "from", from.String(), "to", to.String(), "duration", time.Since(start))
	return nil
}

// Prepare materializes the initial weight shards for a layout before the
// engine issues its first batch. No quiesce: nothing is in flight yet.
func (c *Coordinator) Prepare(ctx context.Context, l layout.Layout) error {
	if err := c.loadAll(ctx, l); err != nil {
		return fmt.Errorf("prepare %s: %w", l, err)
	}
	return nil
}

func (c *Coordinator) loadAll(ctx context.Context, l layout.Layout) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range c.devices {
		g.Go(func() error {
			blob, err := c.store.LoadShard(gctx, l, dev.ID())
			if err != nil {
				return fmt.Errorf("load shard for device %d: %w", dev.ID(), err)
			}
			if err := dev.InstallWeights(gctx, l, blob); err != nil {
				return fmt.Errorf("install shard on device %d: %w", dev.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
