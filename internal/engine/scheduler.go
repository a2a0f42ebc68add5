package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/samcharles93/duplex/internal/device"
	"github.com/samcharles93/duplex/internal/layout"
)

// schedState is the scheduler goroutine's private world. Nothing in here is
// touched from any other goroutine; all mutation happens between select
// iterations.
type schedState struct {
	phase phase

	seqs    map[string]*Sequence
	nextIdx int
	order   map[string]int // admission order, fairness basis for swap-in

	pending   []*Sequence // prefill-pending, FIFO by admission
	hostReady []string    // complete host blocks awaiting swap-in, FIFO
	decoding  map[string]*Sequence

	inflight    map[int]*batchState
	nextBatchID int
	prefetching map[string]*prefetchState
}

type batchState struct {
	phase  device.Phase
	seqIDs []string
	remain int
	tokens map[string]int
	err    error
}

// prefetchState counts per-worker arrivals for one swap-in. The entry
// stays until every worker has reported, even after an error, so device
// slot reclamation never races a still-installing worker.
type prefetchState struct {
	arrived int
	err     error
}

func (e *Engine) schedule(ctx context.Context) error {
	st := &schedState{
		phase:       phasePrefilling,
		seqs:        make(map[string]*Sequence),
		order:       make(map[string]int),
		decoding:    make(map[string]*Sequence),
		inflight:    make(map[int]*batchState),
		prefetching: make(map[string]*prefetchState),
	}

	for {
		// Drain all available work before blocking: a phase transition
		// unlocks follow-up actions (prefetches, the first batch of the new
		// phase) that no channel event will ever announce.
		for {
			advanced, err := e.step(ctx, st)
			if err != nil {
				e.fatal(st, err)
				return err
			}
			if !advanced {
				break
			}
		}
		e.checkBudgets()

		select {
		case <-ctx.Done():
			return nil
		case r := <-e.submits:
			e.admit(st, r)
		case r := <-e.cancels:
			e.cancel(st, r)
		case c := <-e.completions:
			e.onCompletion(st, c)
		case d := <-e.swapouts:
			e.onSwapOut(st, d)
		case d := <-e.prefetchDone:
			e.onPrefetchDone(st, d)
		}
	}
}

// step issues new work, or transitions the phase machine once the current
// phase has nothing left to do. Batches form only when none are in flight,
// so every decision sees a settled picture. It reports whether it made
// progress; the caller re-runs it until it does not.
func (e *Engine) step(ctx context.Context, st *schedState) (bool, error) {
	if len(st.inflight) > 0 {
		return false, nil
	}

	switch st.phase {
	case phasePrefilling:
		if e.exchanges.Load() > 0 {
			return false, nil // swap-outs still in flight
		}
		batch := e.formPrefillBatch(st)
		if len(batch) > 0 {
			e.issue(ctx, st, device.PhasePrefill, e.cfg.LayoutPrefill, batch)
			return true, nil
		}
		// Leave prefill only when nothing admissible fits the buffer or no
		// prefill-pending sequence remains; this bounds reshard calls to one
		// per buffer fill cycle.
		if len(st.hostReady) > 0 {
			return true, e.transition(ctx, st, phaseDecoding)
		}
	case phaseDecoding:
		issued := e.issuePrefetches(st)
		if len(st.decoding) > 0 {
			e.issue(ctx, st, device.PhaseDecode, e.cfg.LayoutDecode, e.decodeBatch(st))
			return true, nil
		}
		if len(st.prefetching) > 0 || len(st.hostReady) > 0 {
			return issued, nil // swap-ins will refill the decode set
		}
		// Buffer drained, or every decoding sequence finished.
		if e.buffer.Drained() && e.exchanges.Load() == 0 {
			return true, e.transition(ctx, st, phasePrefilling)
		}
		return issued, nil
	}
	return false, nil
}

// formPrefillBatch greedily packs prefill-pending sequences into the free
// host buffer slots, in admission order. A sequence that alone would
// overflow the remaining capacity is skipped and stays pending.
func (e *Engine) formPrefillBatch(st *schedState) []*Sequence {
	free := e.buffer.Free()
	var batch []*Sequence
	var rest []*Sequence
	for _, s := range st.pending {
		if len(batch) < e.cfg.DeviceKVCapacity && s.Slots <= free {
			free -= s.Slots
			batch = append(batch, s)
		} else {
			rest = append(rest, s)
		}
	}
	st.pending = rest

	n := len(e.workers)
	for _, s := range batch {
		e.buffer.Reserve(s.ID, len(s.Prompt), e.cfg.Shape, n, s.Slots)
		s.State = StatePrefilling
		s.Location = LocationInTransit
		// One swap-out arrival per device is owed from this point on.
		e.exchanges.Add(int64(n))
		e.store.update(s)
	}
	return batch
}

func (e *Engine) decodeBatch(st *schedState) []*Sequence {
	batch := make([]*Sequence, 0, len(st.decoding))
	for _, s := range st.decoding {
		batch = append(batch, s)
	}
	sort.Slice(batch, func(i, j int) bool {
		return st.order[batch[i].ID] < st.order[batch[j].ID]
	})
	return batch
}

// issue splits the sequence set into one chunk per micro-batch index and
// hands every chunk to every worker.
func (e *Engine) issue(ctx context.Context, st *schedState, ph device.Phase, l layout.Layout, seqs []*Sequence) {
	for mi, chunk := range chunkSeqs(seqs, l.MicroBatches()) {
		id := st.nextBatchID
		st.nextBatchID++

		b := device.Batch{
			ID:         id,
			Phase:      ph,
			Layout:     l,
			MicroBatch: mi,
			SeqIDs:     make([]string, 0, len(chunk)),
			Tokens:     make(map[string][]int, len(chunk)),
		}
		for _, s := range chunk {
			b.SeqIDs = append(b.SeqIDs, s.ID)
			if ph == device.PhasePrefill {
				b.Tokens[s.ID] = s.Prompt
			} else {
				b.Tokens[s.ID] = lastToken(s)
			}
		}

		st.inflight[id] = &batchState{
			phase:  ph,
			seqIDs: b.SeqIDs,
			remain: len(e.workers),
		}
		for _, w := range e.workers {
			if err := w.Submit(ctx, b); err != nil {
				return // context ended; the loop will observe it
			}
		}
	}
}

func (e *Engine) onCompletion(st *schedState, c device.Completion) {
	bs, ok := st.inflight[c.Batch.ID]
	if !ok {
		return
	}
	bs.remain--
	if c.Err != nil {
		if bs.err == nil {
			bs.err = &KernelError{SeqIDs: bs.seqIDs, Err: c.Err}
		}
		if bs.phase == device.PhasePrefill {
			// This worker launched no swap-outs; settle its share now.
			e.exchanges.Add(-int64(len(bs.seqIDs)))
			for _, id := range bs.seqIDs {
				if s, ok := st.seqs[id]; ok {
					s.swapoutsDone++
				}
			}
		}
	}
	if bs.tokens == nil && len(c.Tokens) > 0 {
		bs.tokens = c.Tokens
	}
	if bs.remain > 0 {
		return
	}
	delete(st.inflight, c.Batch.ID)
	e.counters.batches.Add(1)

	if bs.err != nil {
		for _, id := range bs.seqIDs {
			e.fail(st, id, bs.err)
		}
		return
	}

	for _, id := range bs.seqIDs {
		s, ok := st.seqs[id]
		if !ok || s.finished() {
			continue
		}
		// The prefill pass already yields the first token, so the bound is
		// checked after every append; a max_output_tokens=1 sequence never
		// reaches decode.
		s.Output = append(s.Output, bs.tokens[id])
		if len(s.Output) >= s.MaxOutput {
			e.finish(st, s)
			continue
		}
		e.store.update(s)
	}
}

// onSwapOut tracks one device's shard landing in the host buffer. A
// sequence becomes decode-eligible only after every device's shard has
// arrived; the counter is explicit, never inferred from timing.
func (e *Engine) onSwapOut(st *schedState, d device.SwapOutDone) {
	s, ok := st.seqs[d.SeqID]
	if !ok || s.swapoutsDone >= len(e.workers) {
		return
	}
	s.swapoutsDone++
	e.exchanges.Add(-1)

	if s.finished() {
		return // cancelled mid-flight, arrivals drain silently
	}
	if d.Err != nil {
		e.fail(st, d.SeqID, &TransferError{SeqID: d.SeqID, Err: d.Err})
		return
	}
	if s.State != StatePrefilling || s.swapoutsDone < len(e.workers) {
		return
	}
	e.counters.swapOuts.Add(1)
	s.State = StateDecodePending
	s.Location = LocationHost
	st.hostReady = append(st.hostReady, s.ID)
	e.store.update(s)
}

// issuePrefetches fills freed device KV capacity from the host buffer,
// FIFO by admission order. Each swap-in fans out to every worker. It
// reports whether any swap-in was started.
func (e *Engine) issuePrefetches(st *schedState) bool {
	issued := false
	for len(st.hostReady) > 0 && e.deviceFree(st) > 0 {
		idx := e.SwapInNext(st.hostReady)
		if idx < 0 || idx >= len(st.hostReady) {
			idx = 0
		}
		id := st.hostReady[idx]
		st.hostReady = append(st.hostReady[:idx], st.hostReady[idx+1:]...)
		s, ok := st.seqs[id]
		if !ok || s.finished() {
			e.buffer.Cancel(id)
			continue
		}
		st.prefetching[id] = &prefetchState{}
		s.Location = LocationInTransit
		e.exchanges.Add(int64(len(e.prefetchers)))
		for _, p := range e.prefetchers {
			p.Request(id)
		}
		e.counters.swapIns.Add(1)
		issued = true
	}
	return issued
}

func (e *Engine) deviceFree(st *schedState) int {
	return e.cfg.DeviceKVCapacity - len(st.decoding) - len(st.prefetching)
}

func (e *Engine) onPrefetchDone(st *schedState, d device.PrefetchDone) {
	ps, ok := st.prefetching[d.SeqID]
	if !ok {
		return
	}
	ps.arrived++
	e.exchanges.Add(-1)
	if d.Err != nil && ps.err == nil {
		ps.err = &TransferError{SeqID: d.SeqID, Err: d.Err}
	}
	if ps.arrived < len(e.workers) {
		return
	}
	delete(st.prefetching, d.SeqID)
	e.buffer.Release(d.SeqID)

	s := st.seqs[d.SeqID]
	if ps.err != nil {
		e.freeDeviceSlots(d.SeqID)
		e.fail(st, d.SeqID, ps.err)
		return
	}
	if s == nil || s.finished() {
		e.freeDeviceSlots(d.SeqID)
		return
	}
	s.State = StateDecoding
	s.Location = LocationDevice
	st.decoding[s.ID] = s
	e.store.update(s)
}

// transition runs the layout change. It is the only place the whole
// pipeline stalls: batch issuance stops, the coordinator re-shards, and
// work resumes in the target phase. A failure here is fatal to the
// instance.
func (e *Engine) transition(ctx context.Context, st *schedState, to phase) error {
	from, target := e.cfg.LayoutPrefill, e.cfg.LayoutDecode
	if to == phasePrefilling {
		from, target = e.cfg.LayoutDecode, e.cfg.LayoutPrefill
	}

	if err := e.coord.Reshard(ctx, from, target); err != nil {
		return &ReshardError{From: from, To: target, Err: err}
	}
	e.counters.reshards.Add(1)

	st.phase = to
	e.phaseName.Store(to.String())
	e.publish(Event{Kind: EventPhaseChange, Phase: to.String()})
	e.log.Info("phase transition", "phase", to.String(), "layout", target.String())
	return nil
}

func (e *Engine) admit(st *schedState, r *submitReq) {
	s := r.seq
	st.seqs[s.ID] = s
	st.order[s.ID] = st.nextIdx
	st.nextIdx++
	st.pending = append(st.pending, s)
	e.store.update(s)
	e.counters.admitted.Add(1)
	r.reply <- nil
}

func (e *Engine) cancel(st *schedState, r *cancelReq) {
	s, ok := st.seqs[r.seqID]
	if !ok {
		r.reply <- ErrUnknownSequence
		return
	}
	if s.finished() {
		r.reply <- nil
		return
	}
	s.cancelled = true

	switch s.State {
	case StatePrefillPending:
		st.pending = removeSeq(st.pending, s.ID)
	case StatePrefilling, StateDecodePending:
		// Host slot freed lazily on the next occupancy scan; in-flight
		// swap-out arrivals drain through onSwapOut.
		e.buffer.Cancel(s.ID)
		st.hostReady = removeID(st.hostReady, s.ID)
	case StateDecoding:
		// Device capacity is scarce: reclaim synchronously.
		e.freeDeviceSlots(s.ID)
		delete(st.decoding, s.ID)
	}
	if _, inflight := st.prefetching[s.ID]; inflight {
		// Device shards are freed once the last worker arrival lands.
		e.buffer.Cancel(s.ID)
	}

	s.State = StateFinished
	s.Location = LocationNone
	e.store.update(s)
	e.counters.cancelled.Add(1)
	e.publish(Event{Kind: EventSeqFinished, SeqID: s.ID})
	r.reply <- nil
}

func (e *Engine) finish(st *schedState, s *Sequence) {
	s.State = StateFinished
	s.Location = LocationNone
	e.freeDeviceSlots(s.ID)
	delete(st.decoding, s.ID)
	// A sequence that hits its bound at prefill still owns a host slot for
	// the swap-out in flight; its arrivals drain through onSwapOut.
	e.buffer.Cancel(s.ID)
	e.store.update(s)
	e.counters.finished.Add(1)
	e.publish(Event{Kind: EventSeqFinished, SeqID: s.ID})
}

// fail scopes a failure to one sequence: its resources are reclaimed and
// every other sequence keeps running.
func (e *Engine) fail(st *schedState, seqID string, err error) {
	s, ok := st.seqs[seqID]
	if !ok || s.finished() {
		return
	}
	if s.State == StateDecoding {
		delete(st.decoding, seqID)
	}
	// A prefill-phase failure leaves KV allocated but no swap-out running to
	// free it, so slots are reclaimed here regardless of state.
	e.freeDeviceSlots(seqID)
	s.State = StateFailed
	s.Location = LocationNone
	s.Err = err
	e.buffer.Cancel(seqID)
	st.hostReady = removeID(st.hostReady, seqID)
	e.store.update(s)
	e.counters.failed.Add(1)
	e.publish(Event{Kind: EventSeqFailed, SeqID: seqID, Error: err.Error()})
	e.log.Warn("sequence failed", "sequence", seqID, "error", err)
}

// fatal halts the whole instance: a partial re-shard leaves device state
// inconsistent, so every live sequence fails and admission closes.
func (e *Engine) fatal(st *schedState, err error) {
	e.halted.Store(true)
	for _, s := range st.seqs {
		if !s.finished() {
			s.State = StateFailed
			s.Err = err
			e.store.update(s)
			e.publish(Event{Kind: EventSeqFailed, SeqID: s.ID, Error: err.Error()})
		}
	}
	e.log.Error("engine halted", "error", err)
}

// checkBudgets asserts the device capacity invariant after every event.
// The host buffer enforces its own budget internally.
func (e *Engine) checkBudgets() {
	for _, w := range e.workers {
		used, capacity := w.Pool().Occupancy()
		if used > capacity {
			panic(fmt.Sprintf("engine: worker %d device kv over budget: %d/%d", w.ID(), used, capacity))
		}
	}
}

func (e *Engine) freeDeviceSlots(seqID string) {
	for _, w := range e.workers {
		w.Pool().Free(seqID)
	}
}

func lastToken(s *Sequence) []int {
	if len(s.Output) > 0 {
		return []int{s.Output[len(s.Output)-1]}
	}
	return []int{s.Prompt[len(s.Prompt)-1]}
}

func chunkSeqs(seqs []*Sequence, n int) [][]*Sequence {
	if n < 2 || len(seqs) <= 1 {
		return [][]*Sequence{seqs}
	}
	if n > len(seqs) {
		n = len(seqs)
	}
	chunks := make([][]*Sequence, 0, n)
	size := (len(seqs) + n - 1) / n
	for i := 0; i < len(seqs); i += size {
		end := min(i+size, len(seqs))
		chunks = append(chunks, seqs[i:end])
	}
	return chunks
}

func removeSeq(list []*Sequence, id string) []*Sequence {
	out := list[:0]
	for _, s := range list {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
