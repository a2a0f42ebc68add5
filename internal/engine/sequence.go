package engine

// State is a sequence's phase membership.
type State int

const (
	StatePrefillPending State = iota
	StatePrefilling
	StateDecodePending
	StateDecoding
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrefillPending:
		return "prefill-pending"
	case StatePrefilling:
		return "prefilling"
	case StateDecodePending:
		return "decode-pending"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	default:
		return "failed"
	}
}

// Location tracks where a sequence's KV block physically lives. A block is
// resident in exactly one place at a time.
type Location int

const (
	LocationNone Location = iota
	LocationDevice
	LocationHost
	LocationInTransit
)

// Sequence is one in-flight generation request. The scheduler owns it
// exclusively; workers only ever see its id. Output is append-only.
type Sequence struct {
	ID        string
	Prompt    []int
	Output    []int
	MaxOutput int

	State    State
	Location Location
	Slots    int // host buffer footprint

	Err error

	// scheduler-internal swap-out arrival counter
	swapoutsDone int
	cancelled    bool
}

func (s *Sequence) finished() bool {
	return s.State == StateFinished || s.State == StateFailed
}
