// Package reshard transforms resident weights and KV state between the
// engine's two parallelization layouts. The host buffer stores only neutral
// blocks; all split/merge logic for layout-specific shards lives here.
package reshard

import (
	"fmt"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
)

// ExtractShard copies the sub-tensor a device at position p under layout l
// holds out of a neutral block: the layers of its pipeline stage and the
// head range of its tensor rank. Head-major block storage makes each
// per-layer copy a single contiguous slice.
func ExtractShard(b *kv.Block, l layout.Layout, p layout.Position) *kv.Shard {
	layerLo, layerHi := l.LayerRange(p.Stage, b.Shape.Layers)
	headLo, headHi := l.HeadRange(p.Rank, b.Shape.Heads)

	s := &kv.Shard{
		SeqID:   b.SeqID,
		Tokens:  b.Tokens,
		LayerLo: layerLo,
		LayerHi: layerHi,
		HeadLo:  headLo,
		HeadHi:  headHi,
		HeadDim: b.Shape.HeadDim,
		Keys:    make([][]float32, layerHi-layerLo),
		Values:  make([][]float32, layerHi-layerLo),
	}
	for i := 0; i < layerHi-layerLo; i++ {
		src := b.HeadSlice(b.Keys[layerLo+i], headLo, headHi)
		s.Keys[i] = append([]float32(nil), src...)
		src = b.HeadSlice(b.Values[layerLo+i], headLo, headHi)
		s.Values[i] = append([]float32(nil), src...)
	}
	return s
}

// PlaceShard writes a device's shard into a neutral block at the offsets its
// position under layout l dictates. Devices write disjoint regions, so
// concurrent placement into one block needs no further coordination.
func PlaceShard(b *kv.Block, l layout.Layout, p layout.Position, s *kv.Shard) error {
	layerLo, layerHi := l.LayerRange(p.Stage, b.Shape.Layers)
	headLo, headHi := l.HeadRange(p.Rank, b.Shape.Heads)
	if s.LayerLo != layerLo || s.LayerHi != layerHi || s.HeadLo != headLo || s.HeadHi != headHi {
		return fmt.Errorf("reshard: shard %s covers layers [%d,%d) heads [%d,%d), position wants layers [%d,%d) heads [%d,%d)",
			s.SeqID, s.LayerLo, s.LayerHi, s.HeadLo, s.HeadHi, layerLo, layerHi, headLo, headHi)
	}
	if s.Tokens != b.Tokens {
		return fmt.Errorf("reshard: shard %s has %d tokens, block has %d", s.SeqID, s.Tokens, b.Tokens)
	}
	for i := 0; i < layerHi-layerLo; i++ {
		copy(b.HeadSlice(b.Keys[layerLo+i], headLo, headHi), s.Keys[i])
		copy(b.HeadSlice(b.Values[layerLo+i], headLo, headHi), s.Values[i])
	}
	return nil
}

// SplitBlock extracts the shard for every device of a layout, in device
// order.
func SplitBlock(b *kv.Block, l layout.Layout) []*kv.Shard {
	shards := make([]*kv.Shard, l.Devices())
	for d := range shards {
		shards[d] = ExtractShard(b, l, l.PositionOf(d))
	}
	return shards
}

// MergeShards assembles a neutral block from one shard per device of a
// layout.
func MergeShards(seqID string, tokens int, shape kv.Shape, l layout.Layout, shards []*kv.Shard) (*kv.Block, error) {
	if len(shards) != l.Devices() {
		return nil, fmt.Errorf("reshard: %d shards for layout %s with %d devices", len(shards), l, l.Devices())
	}
	b := kv.NewBlock(seqID, tokens, shape)
	for d, s := range shards {
		if err := PlaceShard(b, l, l.PositionOf(d), s); err != nil {
			return nil, err
		}
	}
	return b, nil
}
