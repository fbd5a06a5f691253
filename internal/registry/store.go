// Package registry is the durable, concurrency-safe store of environment
// records, their reservations, and the append-only event log. Its
// compare-and-swap primitive is the sole mutation path for environment state,
// which is what serializes concurrent transition attempts per record.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
)

// ErrNotFound is returned when an environment is not found.
var ErrNotFound = errors.New("environment not found")

// ErrConflict is returned when a compare-and-swap's expected state does not
// match the record's current state. The caller must re-read the record and
// retry its intent against the actual state, never ignore the conflict.
var ErrConflict = errors.New("state conflict")

// ErrInvalidTransition is returned when a swap names a transition the
// lifecycle table does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// Mutator adjusts an environment record inside a successful swap, before the
// record is written. It runs at most once.
type Mutator func(env *model.Environment)

// ListFilter selects environments for List. Zero fields match everything.
type ListFilter struct {
	Owner  string
	State  string
	Limit  int
	Offset int
}

// Stats holds aggregate environment statistics.
type Stats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByAdapter map[string]int `json:"count_by_adapter"`
	Events         int64          `json:"events"`
}

// Store defines the persistence operations for environments, reservations,
// and the event log.
//
// CompareAndSwapState transitions an environment from expected to next in one
// transaction: the record is updated and exactly one event row is appended,
// so a committed transition and its event are never separated by a crash.
// When expected equals next the swap persists mutator changes (handles, retry
// counters) without appending an event. It fails with ErrConflict when the
// current state differs from expected, with ErrInvalidTransition when the
// lifecycle table forbids the edge, and with ErrNotFound for unknown ids. The
// returned event is nil for same-state swaps.
type Store interface {
	CreateEnvironment(ctx context.Context, env *model.Environment) error
	GetEnvironment(ctx context.Context, id string) (*model.Environment, error)
	ListEnvironments(ctx context.Context, f ListFilter) ([]*model.Environment, int, error)
	CompareAndSwapState(ctx context.Context, id, expected, next, actor, detail string, mutate Mutator) (*model.Environment, *model.Event, error)
	DeleteTerminalEnvironments(ctx context.Context, cutoff time.Time) (int64, error)

	SaveReservation(ctx context.Context, res model.Reservation) error
	DeleteReservation(ctx context.Context, id string) error
	ListReservations(ctx context.Context) ([]model.Reservation, error)

	EventsAfter(ctx context.Context, envID string, afterSeq int64, limit int) ([]model.Event, error)
	EventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, upToSeq int64) (int64, error)

	GetStats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
