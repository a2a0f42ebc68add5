package device

import (
	"context"
	"hash/fnv"

	"github.com/samcharles93/duplex/internal/kv"
	"github.com/samcharles93/duplex/internal/layout"
)

// SimKernel is a deterministic stand-in for the compute collaborator, used
// by benchmarks and tests. For prefill batches it fills the device KV shard
// with values addressed by absolute tensor coordinates, so the same sequence
// produces the same neutral block regardless of which layout computed it.
// Logits favour a token derived from the sequence id, giving a repeatable
// output stream.
type SimKernel struct {
	Vocab int
}

func (k *SimKernel) Forward(_ context.Context, b Batch, _ layout.Layout, _ Weights) (map[string]Logits, error) {
	vocab := k.Vocab
	if vocab < 2 {
		vocab = 32
	}

	out := make(map[string]Logits, len(b.SeqIDs))
	for _, id := range b.SeqIDs {
		if b.Phase == PhasePrefill {
			if s := b.KVOut[id]; s != nil {
				fillShard(seqHash(id), s)
			}
		}
		lg := make(Logits, vocab)
		lg[int(seqHash(id)%uint64(vocab))] = 1
		out[id] = lg
	}
	return out, nil
}

func seqHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// fillShard writes values that are a pure function of (sequence, layer,
// head, token, dim), independent of the layout that produced the shard.
func fillShard(seed uint64, s *kv.Shard) {
	stride := s.Tokens * s.HeadDim
	for i := range s.Keys {
		abs := s.LayerLo + i
		for h := s.HeadLo; h < s.HeadHi; h++ {
			base := (h - s.HeadLo) * stride
			for j := 0; j < stride; j++ {
				v := float32((seed%977)+uint64(abs*31+h*7)) + float32(j)/1024
				s.Keys[i][base+j] = v
				s.Values[i][base+j] = -v
			}
		}
	}
}
