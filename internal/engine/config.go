package engine

import (
	"fmt"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
)

// Config is the engine's startup configuration. It is validated once and
// immutable thereafter; there are no runtime knobs.
type Config struct {
	LayoutPrefill layout.Layout `yaml:"layout_prefill" json:"layout_prefill"`
	LayoutDecode  layout.Layout `yaml:"layout_decode" json:"layout_decode"`

	Shape kv.Shape `yaml:"kv_shape" json:"kv_shape"`

	// HostSlots is the host KV buffer capacity in sequence slots.
	HostSlots int `yaml:"host_kv_buffer_capacity" json:"host_kv_buffer_capacity"`

	// DeviceKVCapacity is the per-worker device KV budget in sequences.
	DeviceKVCapacity int `yaml:"device_kv_capacity" json:"device_kv_capacity"`

	// TokensPerSlot sets how many prompt tokens fit one host slot. A prompt
	// costs ceil(len/TokensPerSlot) slots; one that alone exceeds HostSlots
	// is rejected at admission.
	TokensPerSlot int `yaml:"tokens_per_slot" json:"tokens_per_slot"`

	// StagingSegments and StagingSegmentFloats size the pinned staging
	// buffer for device->host copies.
	StagingSegments      int `yaml:"staging_segments" json:"staging_segments"`
	StagingSegmentFloats int `yaml:"staging_segment_floats" json:"staging_segment_floats"`

	// PrefetchRate paces host-side swap-in reads in float32 values per
	// second; zero means unpaced.
	PrefetchRate float64 `yaml:"prefetch_rate" json:"prefetch_rate"`

	// EventBacklog sizes the notification channel. Slow consumers lose
	// events rather than stalling the scheduler.
	EventBacklog int `yaml:"event_backlog" json:"event_backlog"`
}

// WithDefaults fills unset tuning fields. Layouts and capacities have no
// defaults; they must be configured.
func (c Config) WithDefaults() Config {
	if c.TokensPerSlot == 0 {
		c.TokensPerSlot = 512
	}
	if c.StagingSegments == 0 {
		c.StagingSegments = 2 * c.LayoutPrefill.Devices()
	}
	if c.StagingSegmentFloats == 0 && c.LayoutPrefill.TensorParallel > 0 && c.LayoutPrefill.PipelineParallel > 0 {
		c.StagingSegmentFloats = c.maxPrefillShardFloats()
	}
	if c.EventBacklog == 0 {
		c.EventBacklog = 128
	}
	return c
}

func (c Config) Validate() error {
	if err := layout.ValidatePair(c.LayoutPrefill, c.LayoutDecode); err != nil {
		return err
	}
	if err := c.Shape.Validate(); err != nil {
		return err
	}
	if c.HostSlots < 1 {
		return fmt.Errorf("host_kv_buffer_capacity must be >= 1, got %d", c.HostSlots)
	}
	if c.DeviceKVCapacity < 1 {
		return fmt.Errorf("device_kv_capacity must be >= 1, got %d", c.DeviceKVCapacity)
	}
	if c.TokensPerSlot < 1 {
		return fmt.Errorf("tokens_per_slot must be >= 1, got %d", c.TokensPerSlot)
	}
	if c.StagingSegments < 1 || c.StagingSegmentFloats < 1 {
		return fmt.Errorf("staging buffer must have >= 1 segment of >= 1 floats")
	}
	// Anything admission accepts must survive swap-out: a segment has to
	// hold the largest shard a device can stage.
	if max := c.maxPrefillShardFloats(); c.StagingSegmentFloats < max {
		return fmt.Errorf("staging_segment_floats is %d, largest admissible per-device shard is %d", c.StagingSegmentFloats, max)
	}
	return nil
}

// maxPrefillShardFloats is the largest per-device KV shard swap-out ever
// stages: the prefill layout's biggest layer and head share, over a prompt
// filling the whole host buffer, keys plus values.
func (c Config) maxPrefillShardFloats() int {
	layers := ceilDiv(c.Shape.Layers, c.LayoutPrefill.PipelineParallel)
	heads := ceilDiv(c.Shape.Heads, c.LayoutPrefill.TensorParallel)
	return 2 * layers * heads * c.HostSlots * c.TokensPerSlot * c.Shape.HeadDim
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// slotCost is a prompt's host buffer footprint in slots.
func (c Config) slotCost(promptTokens int) int {
	return (promptTokens + c.TokensPerSlot - 1) / c.TokensPerSlot
}
