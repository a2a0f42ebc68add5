package engine

import "sync/atomic"

// Metrics is a point-in-time snapshot of the engine's counters.
type Metrics struct {
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Batches   uint64 `json:"batches"`
	Reshards  uint64 `json:"reshards"`
	SwapOuts  uint64 `json:"swap_outs"`
	SwapIns   uint64 `json:"swap_ins"`
	Finished  uint64 `json:"finished"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

type counters struct {
	admitted  atomic.Uint64
	rejected  atomic.Uint64
	batches   atomic.Uint64
	reshards  atomic.Uint64
	swapOuts  atomic.Uint64
	swapIns   atomic.Uint64
	finished  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		Admitted:  c.admitted.Load(),
		Rejected:  c.rejected.Load(),
		Batches:   c.batches.Load(),
		Reshards:  c.reshards.Load(),
		SwapOuts:  c.swapOuts.Load(),
		SwapIns:   c.swapIns.Load(),
		Finished:  c.finished.Load(),
		Failed:    c.failed.Load(),
		Cancelled: c.cancelled.Load(),
	}
}
