package experiment

import "fmt"

type State int

const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateCompleting
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateCompleting:
		return "completing"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome says how a session ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeStopped     Outcome = "stopped"
	OutcomeSoftStopped Outcome = "soft_stopped"
	OutcomeAborted     Outcome = "aborted"
)
