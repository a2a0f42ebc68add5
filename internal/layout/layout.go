// Package layout describes how a model replica is partitioned across devices.
//
// A Layout is an immutable descriptor of the three parallelism degrees. The
// engine keeps two of them alive at a time, one tuned for prefill and one for
// decode, and every component branches on the descriptor's fields rather than
// on type identity.
package layout

import "fmt"

// Layout is a device-parallelization descriptor. Values are set once at
// startup and never mutated.
type Layout struct {
	TensorParallel   int `yaml:"tensor_parallel" json:"tensor_parallel"`
	PipelineParallel int `yaml:"pipeline_parallel" json:"pipeline_parallel"`
	DataParallel     int `yaml:"data_parallel" json:"data_parallel"`
}

// Devices returns the number of devices one model replica occupies.
func (l Layout) Devices() int {
	return l.TensorParallel * l.PipelineParallel
}

func (l Layout) String() string {
	return fmt.Sprintf("tp%d/pp%d/dp%d", l.TensorParallel, l.PipelineParallel, l.DataParallel)
}

// Validate checks that every degree is at least one.
func (l Layout) Validate() error {
	if l.TensorParallel < 1 {
		return fmt.Errorf("tensor_parallel must be >= 1, got %d", l.TensorParallel)
	}
	if l.PipelineParallel < 1 {
		return fmt.Errorf("pipeline_parallel must be >= 1, got %d", l.PipelineParallel)
	}
	if l.DataParallel < 1 {
		return fmt.Errorf("data_parallel must be >= 1, got %d", l.DataParallel)
	}
	return nil
}

// ValidatePair checks that two layouts can be re-sharded between at runtime.
// Only tensor and pipeline degree may differ; the data-parallel degree is
// fixed for the engine's lifetime, so a mismatch is a configuration error.
func ValidatePair(prefill, decode Layout) error {
	if err := prefill.Validate(); err != nil {
		return fmt.Errorf("prefill layout: %w", err)
	}
	if err := decode.Validate(); err != nil {
		return fmt.Errorf("decode layout: %w", err)
	}
	if prefill.DataParallel != decode.DataParallel {
		return fmt.Errorf("data_parallel degree must match between layouts: prefill %d, decode %d",
			prefill.DataParallel, decode.DataParallel)
	}
	if prefill.Devices() != decode.Devices() {
		return fmt.Errorf("layouts must span the same device count: prefill %d, decode %d",
			prefill.Devices(), decode.Devices())
	}
	return nil
}

// Position identifies a device's slot within a layout.
type Position struct {
	Stage int // pipeline stage, 0-based
	Rank  int // tensor-parallel rank within the stage, 0-based
}

// PositionOf maps a flat device index to its pipeline stage and tensor rank.
// Devices are numbered stage-major: devices [0, tp) form stage 0, and so on.
func (l Layout) PositionOf(device int) Position {
	return Position{
		Stage: device / l.TensorParallel,
		Rank:  device % l.TensorParallel,
	}
}

// DeviceAt is the inverse of PositionOf.
func (l Layout) DeviceAt(p Position) int {
	return p.Stage*l.TensorParallel + p.Rank
}

// HeadRange returns the half-open range of attention heads a tensor rank
// owns. Heads are split as evenly as possible; the first (heads % tp) ranks
// hold one extra head.
func (l Layout) HeadRange(rank, heads int) (lo, hi int) {
	base := heads / l.TensorParallel
	extra := heads % l.TensorParallel
	lo = rank*base + min(rank, extra)
	hi = lo + base
	if rank < extra {
		hi++
	}
	return lo, hi
}

// LayerRange returns the half-open range of transformer layers a pipeline
// stage owns, splitting layers as evenly as possible.
func (l Layout) LayerRange(stage, layers int) (lo, hi int) {
	base := layers / l.PipelineParallel
	extra := layers % l.PipelineParallel
	lo = stage*base + min(stage, extra)
	hi = lo + base
	if stage < extra {
		hi++
	}
	return lo, hi
}

// MicroBatches returns how many micro-batches a global batch is split into
// under this layout. One per pipeline stage keeps the pipe full without
// over-fragmenting the batch.
func (l Layout) MicroBatches() int {
	return l.PipelineParallel
}
