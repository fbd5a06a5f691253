package model

import "time"

// Actor constants identify what caused a state transition.
const (
	ActorScheduler = "scheduler"
	ActorAdapter   = "adapter"
	ActorUser      = "user"
)

// Event is an append-only record of one committed state transition. Seq is
// the global cursor subscribers resume from; EnvSeq increases monotonically
// per environment so subscribers can apply events idempotently.
type Event struct {
	Seq       int64     `json:"seq"`
	EnvID     string    `json:"environment_id"`
	EnvSeq    int       `json:"env_seq"`
	From      string    `json:"from_state"`
	To        string    `json:"to_state"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
