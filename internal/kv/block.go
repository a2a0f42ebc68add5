// Package kv holds the key/value cache data model: per-sequence blocks in
// their layout-independent host form, and the fixed-capacity host buffer
// that serves as the exchange point between parallelization layouts.
package kv

import "fmt"

// Shape describes the attention geometry a block is sized for. It is fixed
// per model and shared by every block the engine creates.
type Shape struct {
	Layers  int `yaml:"layers" json:"layers"`
	Heads   int `yaml:"heads" json:"heads"`
	HeadDim int `yaml:"head_dim" json:"head_dim"`
}

func (s Shape) Validate() error {
	if s.Layers < 1 || s.Heads < 1 || s.HeadDim < 1 {
		return fmt.Errorf("invalid kv shape %+v: all dimensions must be >= 1", s)
	}
	return nil
}

// Block is one sequence's cached key/value tensors in neutral, layout
// independent form. Per layer, keys and values are stored head-major
// (heads, tokens, headDim) so that a tensor-parallel rank's head range is a
// single contiguous slice. That choice is fixed: sharding splits along the
// head dimension, and head-major storage avoids strided copies during
// exchange.
type Block struct {
	SeqID  string
	Tokens int
	Shape  Shape

	// Keys[l] and Values[l] each hold Shape.Heads*Tokens*Shape.HeadDim
	// float32 values for layer l.
	Keys   [][]float32
	Values [][]float32
}

// NewBlock allocates a zeroed block for a sequence of the given length.
func NewBlock(seqID string, tokens int, shape Shape) *Block {
	per := shape.Heads * tokens * shape.HeadDim
	keys := make([][]float32, shape.Layers)
	values := make([][]float32, shape.Layers)
	for l := range keys {
		keys[l] = make([]float32, per)
		values[l] = make([]float32, per)
	}
	return &Block{
		SeqID:  seqID,
		Tokens: tokens,
		Shape:  shape,
		Keys:   keys,
		Values: values,
	}
}

// HeadSlice returns the contiguous sub-slice of a head-major layer tensor
// covering heads [lo, hi).
func (b *Block) HeadSlice(data []float32, lo, hi int) []float32 {
	stride := b.Tokens * b.Shape.HeadDim
	return data[lo*stride : hi*stride]
}

// Shard is the slice of a block one device holds under a particular layout:
// the layers of its pipeline stage and the head range of its tensor rank,
// contiguous per layer.
type Shard struct {
	SeqID  string
	Tokens int

	LayerLo, LayerHi int // half-open layer range (pipeline stage)
	HeadLo, HeadHi   int // half-open head range (tensor rank)
	HeadDim          int

	// Keys[i] and Values[i] correspond to absolute layer LayerLo+i.
	Keys   [][]float32
	Values [][]float32
}

// Floats returns the number of float32 values the shard occupies, counting
// both keys and values.
func (s *Shard) Floats() int {
	layers := s.LayerHi - s.LayerLo
	heads := s.HeadHi - s.HeadLo
	return 2 * layers * heads * s.Tokens * s.HeadDim
}

// NewShard allocates a zeroed shard covering the given layer and head
// ranges.
func NewShard(seqID string, tokens, headDim, layerLo, layerHi, headLo, headHi int) *Shard {
	layers := layerHi - layerLo
	per := (headHi - headLo) * tokens * headDim
	s := &Shard{
		SeqID:   seqID,
		Tokens:  tokens,
		LayerLo: layerLo,
		LayerHi: layerHi,
		HeadLo:  headLo,
		HeadHi:  headHi,
		HeadDim: headDim,
		Keys:    make([][]float32, layers),
		Values:  make([][]float32, layers),
	}
	for i := range s.Keys {
		s.Keys[i] = make([]float32, per)
		s.Values[i] = make([]float32, per)
	}
	return s
}
