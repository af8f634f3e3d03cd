package protocol

import "fmt"

// State is the state of one transfer.
type State int32

const (
	Idle State = iota
	Announced
	Negotiating
	Transferring
	Committing
	Committed
	Rejected
	Failed
)

var stateNames = [...]string{
	Idle:         "IDLE",
	Announced:    "ANNOUNCED",
	Negotiating:  "NEGOTIATING",
	Transferring: "TRANSFERRING",
	Committing:   "COMMITTING",
	Committed:    "COMMITTED",
	Rejected:     "REJECTED",
	Failed:       "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal tells whether a transfer in state s is over.
func (s State) Terminal() bool {
	return s == Committed || s == Rejected || s == Failed
}

// Role is a peer's part in a transfer.
type Role int

const (
	// Sink is the side that fetches a revision and commits it.
	Sink Role = iota
	// Source is the side that has the revision and serves it.
	Source
)

func (r Role) String() string {
	if r == Sink {
		return "sink"
	}
	return "source"
}
