package reshard

import (
	"context"
	"fmt"

	"github.com/samcharles93/duplex/internal/layout"
)

// SimStore is an in-memory WeightStore over a synthetic canonical blob,
// used by the serve and bench commands and by tests. Each device gets the
// contiguous slice its position index owns; the content is deterministic,
// so two loads for the same (layout, device) always match.
type SimStore struct {
	blob []byte
}

// NewSimStore builds a store over size bytes of repeating pattern.
func NewSimStore(size int) *SimStore {
	if size < 1 {
		size = 1
	}
	blob := make([]byte, size)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	return &SimStore{blob: blob}
}

func (s *SimStore) LoadShard(_ context.Context, l layout.Layout, device int) ([]byte, error) {
	n := l.Devices()
	if device < 0 || device >= n {
		return nil, fmt.Errorf("device %d out of range for %s", device, l)
	}
	per := len(s.blob) / n
	if per == 0 {
		per = 1
	}
	lo := device * per
	hi := lo + per
	if lo >= len(s.blob) {
		lo, hi = 0, per
	}
	if hi > len(s.blob) {
		hi = len(s.blob)
	}
	return append([]byte(nil), s.blob[lo:hi]...), nil
}
