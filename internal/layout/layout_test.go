package layout

import "testing"

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		l       Layout
		wantErr bool
	}{
		{name: "valid", l: Layout{TensorParallel: 4, PipelineParallel: 2, DataParallel: 1}},
		{name: "single device", l: Layout{TensorParallel: 1, PipelineParallel: 1, DataParallel: 1}},
		{name: "zero tp", l: Layout{TensorParallel: 0, PipelineParallel: 1, DataParallel: 1}, wantErr: true},
		{name: "zero pp", l: Layout{TensorParallel: 2, PipelineParallel: 0, DataParallel: 1}, wantErr: true},
		{name: "negative dp", l: Layout{TensorParallel: 2, PipelineParallel: 1, DataParallel: -1}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.l.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePair(t *testing.T) {
	t.Parallel()

	prefill := Layout{TensorParallel: 4, PipelineParallel: 2, DataParallel: 1}
	decode := Layout{TensorParallel: 2, PipelineParallel: 4, DataParallel: 1}
	if err := ValidatePair(prefill, decode); err != nil {
		t.Fatalf("ValidatePair() = %v, want nil", err)
	}

	badDP := Layout{TensorParallel: 2, PipelineParallel: 4, DataParallel: 2}
	if err := ValidatePair(prefill, badDP); err == nil {
		t.Fatal("ValidatePair() accepted mismatched data_parallel degrees")
	}

	badCount := Layout{TensorParallel: 2, PipelineParallel: 2, DataParallel: 1}
	if err := ValidatePair(prefill, badCount); err == nil {
		t.Fatal("ValidatePair() accepted mismatched device counts")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()

	l := Layout{TensorParallel: 4, PipelineParallel: 2, DataParallel: 1}
	for d := 0; d < l.Devices(); d++ {
		p := l.PositionOf(d)
		if got := l.DeviceAt(p); got != d {
			t.Fatalf("DeviceAt(PositionOf(%d)) = %d", d, got)
		}
		if p.Stage < 0 || p.Stage >= l.PipelineParallel {
			t.Fatalf("device %d: stage %d out of range", d, p.Stage)
		}
		if p.Rank < 0 || p.Rank >= l.TensorParallel {
			t.Fatalf("device %d: rank %d out of range", d, p.Rank)
		}
	}
}

func TestHeadRangePartition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		tp    int
		heads int
	}{
		{name: "even split", tp: 4, heads: 32},
		{name: "uneven split", tp: 3, heads: 32},
		{name: "one head per rank", tp: 8, heads: 8},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := Layout{TensorParallel: tc.tp, PipelineParallel: 1, DataParallel: 1}
			prev := 0
			for r := 0; r < tc.tp; r++ {
				lo, hi := l.HeadRange(r, tc.heads)
				if lo != prev {
					t.Fatalf("rank %d: range starts at %d, want %d", r, lo, prev)
				}
				if hi <= lo {
					t.Fatalf("rank %d: empty range [%d,%d)", r, lo, hi)
				}
				prev = hi
			}
			if prev != tc.heads {
				t.Fatalf("ranges cover %d heads, want %d", prev, tc.heads)
			}
		})
	}
}

func TestLayerRangePartition(t *testing.T) {
	t.Parallel()

	l := Layout{TensorParallel: 1, PipelineParallel: 3, DataParallel: 1}
	const layers = 26
	prev := 0
	for s := 0; s < l.PipelineParallel; s++ {
		lo, hi := l.LayerRange(s, layers)
		if lo != prev {
			t.Fatalf("stage %d: range starts at %d, want %d", s, lo, prev)
		}
		prev = hi
	}
	if prev != layers {
		t.Fatalf("stages cover %d layers, want %d", prev, layers)
	}
}
