// Package adapter defines the boundary contracts between the engine and the
// runtime, sandbox, and streaming subsystems. The engine owns the opaque
// handles these interfaces return and never inspects them.
package adapter

import (
	"context"

	"github.com/willynikes2/GenOS/internal/model"
)

// Instance status values reported by Runtime.Status.
const (
	StatusReady   = "ready"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Runtime provisions and controls environment instances. Calls taking a
// handle are idempotent: repeating a call with the same handle after a
// timeout must not create a second instance.
type Runtime interface {
	// Create allocates an instance for the spec inside the reservation and
	// returns its handle. The instance is not running until Start.
	Create(ctx context.Context, spec model.EnvironmentSpec, res model.Reservation) (string, error)

	// Start boots the instance.
	Start(ctx context.Context, handle string) error

	// Pause freezes the instance, keeping its state recoverable by Resume.
	Pause(ctx context.Context, handle string) error

	// Resume unfreezes a paused instance.
	Resume(ctx context.Context, handle string) error

	// Terminate destroys the instance. Terminating an already-destroyed
	// handle is a no-op.
	Terminate(ctx context.Context, handle string) error

	// Status reports ready, pending, or failed for the instance.
	Status(ctx context.Context, handle string) (string, error)
}

// Sandbox applies network isolation policy to an instance.
type Sandbox interface {
	ApplyPolicy(ctx context.Context, handle string, p Policy) error
	RevokePolicy(ctx context.Context, handle string) error
}

// Streaming attaches remote display sessions to an instance.
type Streaming interface {
	// Attach opens a display session and returns its token.
	Attach(ctx context.Context, handle string) (string, error)

	// Detach closes the session. Detaching an unknown token is a no-op.
	Detach(ctx context.Context, sessionToken string) error
}

// Set groups the three subsystem adapters for one runtime variant.
type Set struct {
	Runtime   Runtime
	Sandbox   Sandbox
	Streaming Streaming
}

// Policy is the sandbox isolation policy derived from a spec's network mode.
type Policy struct {
	NetworkMode  string
	AllowEgress  bool
	AllowIngress bool
}

// PolicyFor maps a network mode to its isolation policy. Isolated
// environments get no connectivity, filtered ones get outbound only, and
// open ones get both directions.
func PolicyFor(networkMode string) Policy {
	switch networkMode {
	case model.NetworkOpen:
		return Policy{NetworkMode: networkMode, AllowEgress: true, AllowIngress: true}
	case model.NetworkFiltered:
		return Policy{NetworkMode: networkMode, AllowEgress: true}
	default:
		return Policy{NetworkMode: model.NetworkIsolated}
	}
}
