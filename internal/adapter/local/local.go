// Package local provides in-process adapters for development and tests.
// Instances are records in memory, and the streaming adapter hands out
// display ports from a bounded pool the way a real gateway would.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/model"
)

// Display ports handed out to attached sessions.
const (
	basePort  = 5900
	portCount = 100
)

// ErrNoPorts is returned by Attach when the display port pool is empty.
var ErrNoPorts = errors.New("no streaming ports available")

const (
	instanceCreated = "created"
	instanceRunning = "running"
	instancePaused  = "paused"
)

type instance struct {
	state  string
	spec   model.EnvironmentSpec
	policy *adapter.Policy
}

type session struct {
	handle string
	port   int
}

// Adapters implements the runtime, sandbox, and streaming contracts against
// in-process state. Safe for concurrent use.
type Adapters struct {
	mu        sync.Mutex
	instances map[string]*instance
	sessions  map[string]session
	freePorts []int
}

var (
	_ adapter.Runtime   = (*Adapters)(nil)
	_ adapter.Sandbox   = (*Adapters)(nil)
	_ adapter.Streaming = (*Adapters)(nil)
)

// New creates local adapters with a full display port pool.
func New() *Adapters {
	ports := make([]int, portCount)
	for i := range ports {
		ports[i] = basePort + i
	}
	return &Adapters{
		instances: make(map[string]*instance),
		sessions:  make(map[string]session),
		freePorts: ports,
	}
}

// Set returns the three adapter roles backed by this instance.
func (a *Adapters) Set() adapter.Set {
	return adapter.Set{Runtime: a, Sandbox: a, Streaming: a}
}

// Create allocates an in-memory instance and returns its handle.
func (a *Adapters) Create(ctx context.Context, spec model.EnvironmentSpec, _ model.Reservation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := "local-" + uuid.NewString()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instances[handle] = &instance{state: instanceCreated, spec: spec}
	return handle, nil
}

// Start boots the instance. Starting a running instance is a no-op.
func (a *Adapters) Start(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok {
		return fmt.Errorf("unknown instance %q", handle)
	}
	inst.state = instanceRunning
	return nil
}

// Pause freezes a running instance.
func (a *Adapters) Pause(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok {
		return fmt.Errorf("unknown instance %q", handle)
	}
	inst.state = instancePaused
	return nil
}

// Resume unfreezes a paused instance.
func (a *Adapters) Resume(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok {
		return fmt.Errorf("unknown instance %q", handle)
	}
	inst.state = instanceRunning
	return nil
}

// Terminate destroys the instance along with any attached sessions.
// Unknown handles are a no-op.
func (a *Adapters) Terminate(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.instances, handle)
	for token, s := range a.sessions {
		if s.handle == handle {
			a.freePorts = append(a.freePorts, s.port)
			delete(a.sessions, token)
		}
	}
	return nil
}

// Status reports pending until the instance is started, ready while it is
// running or paused, and failed for unknown handles.
func (a *Adapters) Status(ctx context.Context, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok {
		return adapter.StatusFailed, nil
	}
	if inst.state == instanceCreated {
		return adapter.StatusPending, nil
	}
	return adapter.StatusReady, nil
}

// ApplyPolicy records the isolation policy on the instance.
func (a *Adapters) ApplyPolicy(ctx context.Context, handle string, p adapter.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok {
		return fmt.Errorf("unknown instance %q", handle)
	}
	inst.policy = &p
	return nil
}

// RevokePolicy clears the instance's policy. Unknown handles are a no-op.
func (a *Adapters) RevokePolicy(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if inst, ok := a.instances[handle]; ok {
		inst.policy = nil
	}
	return nil
}

// Attach opens a display session on the instance and returns its token.
func (a *Adapters) Attach(ctx context.Context, handle string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.instances[handle]; !ok {
		return "", fmt.Errorf("unknown instance %q", handle)
	}
	if len(a.freePorts) == 0 {
		return "", ErrNoPorts
	}

	port := a.freePorts[len(a.freePorts)-1]
	a.freePorts = a.freePorts[:len(a.freePorts)-1]
	token := uuid.NewString()
	a.sessions[token] = session{handle: handle, port: port}
	return token, nil
}

// Detach closes the session and returns its port to the pool. Unknown tokens
// are a no-op.
func (a *Adapters) Detach(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		a.freePorts = append(a.freePorts, s.port)
		delete(a.sessions, token)
	}
	return nil
}

// SessionPort returns the display port behind a session token.
func (a *Adapters) SessionPort(token string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	return s.port, ok
}

// ActiveSessions returns the number of attached sessions.
func (a *Adapters) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// AvailablePorts returns the number of unallocated display ports.
func (a *Adapters) AvailablePorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.freePorts)
}

// Policy returns the isolation policy applied to the instance, if any.
func (a *Adapters) Policy(handle string) (adapter.Policy, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[handle]
	if !ok || inst.policy == nil {
		return adapter.Policy{}, false
	}
	return *inst.policy, true
}
