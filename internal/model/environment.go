package model

import "time"

// Environment lifecycle state constants.
const (
	StateRequested    = "requested"
	StateQueued       = "queued"
	StateProvisioning = "provisioning"
	StateRunning      = "running"
	StateSuspended    = "suspended"
	StateTerminating  = "terminating"
	StateTerminated   = "terminated"
	StateFailed       = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
// Terminal states (terminated, failed) have no outgoing edges. Termination is
// reachable from every non-terminal state; failure only from the states where
// the engine can still be holding work in flight.
var validTransitions = map[string]map[string]bool{
	StateRequested: {
		StateQueued:      true,
		StateTerminating: true,
	},
	StateQueued: {
		StateProvisioning: true,
		StateTerminating:  true,
		StateFailed:       true,
	},
	StateProvisioning: {
		StateRunning:     true,
		StateTerminating: true,
		StateFailed:      true,
	},
	StateRunning: {
		StateSuspended:   true,
		StateTerminating: true,
	},
	StateSuspended: {
		StateRunning:     true,
		StateTerminating: true,
	},
	StateTerminating: {
		StateTerminated: true,
		StateFailed:     true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether the given state is terminal. A terminal
// environment never transitions again and its reservation has been released.
func TerminalState(state string) bool {
	return state == StateTerminated || state == StateFailed
}

// Environment is the mutable unit of work tracked by the engine. Exactly one
// record exists per ID, and the state machine is its only writer. Handles are
// opaque tokens returned by the runtime and streaming adapters and are owned
// exclusively by this record.
type Environment struct {
	ID            string               `json:"id"`
	Spec          EnvironmentSpec      `json:"spec"`
	State         string               `json:"state"`
	Adapter       string               `json:"adapter,omitempty"`
	ReservationID string               `json:"reservation_id,omitempty"`
	Host          string               `json:"host,omitempty"`
	RuntimeHandle string               `json:"runtime_handle,omitempty"`
	SessionToken  string               `json:"session_token,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	Retries       int                  `json:"retries"`
	StateTimes    map[string]time.Time `json:"state_times"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Reservation is a claim against one host's capacity, backing one environment.
// It is created at admission and released exactly once, on terminal state
// entry or on admission rejection.
type Reservation struct {
	ID        string    `json:"id"`
	EnvID     string    `json:"environment_id"`
	Host      string    `json:"host"`
	CPU       int       `json:"cpu"`
	MemoryMB  int       `json:"memory_mb"`
	DiskGB    int       `json:"disk_gb"`
	GPU       int       `json:"gpu"`
	CreatedAt time.Time `json:"created_at"`
}
