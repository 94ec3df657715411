// internal/domain/session/status.go
package session

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusMissed    Status = "MISSED"
)

var sessionTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusCancelled, StatusMissed},
	StatusActive:    {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusMissed:    {},
}

// Valid reports whether s is one of the declared states.
func (s Status) Valid() bool {
	_, ok := sessionTransitions[s]
	return ok
}

// CanTransitionTo reports whether the transition table allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AcceptsSubmissions is false for sessions that will never produce a result.
func (s Status) AcceptsSubmissions() bool {
	return s != StatusCancelled && s != StatusMissed
}

// RoundStatus is the lifecycle state of a Round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "PENDING"
	RoundActive    RoundStatus = "ACTIVE"
	RoundCompleted RoundStatus = "COMPLETED"
	RoundFinalized RoundStatus = "FINALIZED"
	RoundCancelled RoundStatus = "CANCELLED"
)

var roundTransitions = map[RoundStatus][]RoundStatus{
	RoundPending:   {RoundActive, RoundCancelled},
	RoundActive:    {RoundCompleted, RoundCancelled},
	RoundCompleted: {RoundFinalized},
	RoundFinalized: {},
	RoundCancelled: {},
}

func (s RoundStatus) Valid() bool {
	_, ok := roundTransitions[s]
	return ok
}

func (s RoundStatus) CanTransitionTo(to RoundStatus) bool {
	for _, allowed := range roundTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Closed is true once the round no longer collects live scans.
func (s RoundStatus) Closed() bool {
	return s == RoundCompleted || s == RoundFinalized
}

// Terminal is true when no further lifecycle step is expected except
// finalization of a Completed round.
func (s RoundStatus) Terminal() bool {
	return s == RoundCompleted || s == RoundFinalized || s == RoundCancelled
}

// ConsensusState tracks whether a closed round has a usable RoundTrack.
type ConsensusState string

const (
	ConsensusNotComputed  ConsensusState = "NOT_COMPUTED"
	ConsensusComputed     ConsensusState = "COMPUTED"
	ConsensusInconclusive ConsensusState = "INCONCLUSIVE"
)
