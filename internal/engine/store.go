package engine

import "sync"

// Snapshot is the externally visible view of a sequence, safe to hand out
// while the scheduler keeps mutating its own copy.
type Snapshot struct {
	SeqID    string `json:"sequence_id"`
	Tokens   []int  `json:"tokens_so_far"`
	State    string `json:"state"`
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
}

// resultStore decouples non-blocking Poll from the scheduler: the scheduler
// is the single writer, callers read snapshots under a shared lock.
type resultStore struct {
	mu sync.RWMutex
	m  map[string]Snapshot
}

func newResultStore() *resultStore {
	return &resultStore{m: make(map[string]Snapshot)}
}

func (r *resultStore) update(s *Sequence) {
	snap := Snapshot{
		SeqID:    s.ID,
		Tokens:   append([]int(nil), s.Output...),
		State:    s.State.String(),
		Finished: s.finished(),
	}
	if s.Err != nil {
		snap.Error = s.Err.Error()
	}
	r.mu.Lock()
	r.m[s.ID] = snap
	r.mu.Unlock()
}

func (r *resultStore) get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	return s, ok
}
