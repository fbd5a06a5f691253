package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

// Suspend freezes a running environment. Its reservation stays held so a
// resume never races other admissions for the capacity. Suspending a
// suspended environment is a no-op; one still provisioning has its task
// cancelled and ends failed, since there is no paused half-provisioned state
// to land in.
func (e *Engine) Suspend(ctx context.Context, id string) (*model.Environment, error) {
	env, err := e.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}

	switch env.State {
	case model.StateSuspended:
		return env, nil
	case model.StateProvisioning:
		if !e.cancelProvision(id, errSuspendRequested) {
			// No task owns the record, so nothing else will settle it.
			e.failProvisioning(env, "provisioning cancelled by suspend")
		}
		return env, nil
	case model.StateRunning:
	default:
		return nil, fmt.Errorf("%w: environment %s is %s, not running", registry.ErrConflict, id, env.State)
	}

	set, ok := e.adapters.Get(env.Adapter)
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", env.Adapter)
	}
	if err := e.call(ctx, adapter.SubsystemRuntime, "pause", func(c context.Context) error {
		return set.Runtime.Pause(c, env.RuntimeHandle)
	}); err != nil {
		return nil, err
	}

	suspended, err := e.swap(ctx, id, model.StateRunning, model.StateSuspended, model.ActorUser, "suspended", nil)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			if cur, gerr := e.store.GetEnvironment(ctx, id); gerr == nil && cur.State == model.StateSuspended {
				return cur, nil
			}
		}
		return nil, err
	}
	e.logger.Info("environment suspended", "environment_id", id)
	return suspended, nil
}

// Resume unfreezes a suspended environment. If its capacity was reclaimed
// while suspended, re-admission runs first; without free capacity the resume
// fails with ErrNoCapacity and the environment stays suspended.
func (e *Engine) Resume(ctx context.Context, id string) (*model.Environment, error) {
	env, err := e.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}

	switch env.State {
	case model.StateRunning:
		return env, nil
	case model.StateSuspended:
	default:
		return nil, fmt.Errorf("%w: environment %s is %s, not suspended", registry.ErrConflict, id, env.State)
	}

	if env.ReservationID == "" {
		env, err = e.readmit(ctx, env)
		if err != nil {
			return nil, err
		}
	}

	set, ok := e.adapters.Get(env.Adapter)
	if !ok {
		return nil, fmt.Errorf("runtime %q is not registered", env.Adapter)
	}
	if err := e.call(ctx, adapter.SubsystemRuntime, "resume", func(c context.Context) error {
		return set.Runtime.Resume(c, env.RuntimeHandle)
	}); err != nil {
		return nil, err
	}

	resumed, err := e.swap(ctx, id, model.StateSuspended, model.StateRunning, model.ActorUser, "resumed", nil)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			if cur, gerr := e.store.GetEnvironment(ctx, id); gerr == nil && cur.State == model.StateRunning {
				return cur, nil
			}
		}
		return nil, err
	}
	e.logger.Info("environment resumed", "environment_id", id)
	return resumed, nil
}

// readmit reacquires capacity for a suspended environment whose reservation
// was reclaimed. Resume is synchronous, so parking in the wait queue is not
// an option: the request either fits now or the resume fails.
func (e *Engine) readmit(ctx context.Context, env *model.Environment) (*model.Environment, error) {
	decision, err := e.scheduler.Admit(env.ID, env.Spec)
	if err != nil {
		return nil, fmt.Errorf("%w for %s", ErrNoCapacity, env.ID)
	}
	if decision.Queued {
		e.scheduler.Forget(env.ID)
		return nil, fmt.Errorf("%w for %s", ErrNoCapacity, env.ID)
	}

	if err := e.store.SaveReservation(ctx, decision.Reservation); err != nil {
		e.scheduler.Release(decision.Reservation.ID)
		return nil, fmt.Errorf("save reservation: %w", err)
	}
	updated, err := e.swap(ctx, env.ID, model.StateSuspended, model.StateSuspended, model.ActorScheduler, "", func(m *model.Environment) {
		m.ReservationID = decision.Reservation.ID
		m.Host = decision.Reservation.Host
	})
	if err != nil {
		e.scheduler.Release(decision.Reservation.ID)
		if derr := e.store.DeleteReservation(context.Background(), decision.Reservation.ID); derr != nil {
			e.logger.Error("failed to delete unbound reservation", "reservation_id", decision.Reservation.ID, "error", derr)
		}
		return nil, err
	}
	e.logger.Info("suspended environment re-admitted",
		"environment_id", env.ID,
		"host", decision.Reservation.Host,
	)
	return updated, nil
}

// Terminate begins the termination of an environment. It is idempotent:
// repeated calls while cleanup is in flight join the first sequence, and
// terminating a terminal environment returns the record unchanged.
func (e *Engine) Terminate(ctx context.Context, id string) (*model.Environment, error) {
	env, err := e.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.TerminalState(env.State) || env.State == model.StateTerminating {
		return env, nil
	}

	// A provisioning task in flight is told to stop; the terminating claim
	// below keeps it from re-acquiring the record.
	e.cancelProvision(id, errTerminateRequested)

	for {
		claimed, err := e.swap(ctx, id, env.State, model.StateTerminating, model.ActorUser, "termination requested", nil)
		if err == nil {
			env = claimed
			break
		}
		if !errors.Is(err, registry.ErrConflict) {
			return nil, err
		}
		// Lost the claim race. Re-read and converge on whoever won.
		env, err = e.store.GetEnvironment(ctx, id)
		if err != nil {
			return nil, err
		}
		if model.TerminalState(env.State) || env.State == model.StateTerminating {
			return env, nil
		}
	}

	e.logger.Info("environment terminating", "environment_id", id)
	e.beginCleanup(env)
	return env, nil
}

// beginCleanup launches the background cleanup task for a terminating
// environment, once.
func (e *Engine) beginCleanup(env *model.Environment) {
	e.mu.Lock()
	if e.cleanups[env.ID] {
		e.mu.Unlock()
		return
	}
	e.cleanups[env.ID] = true
	e.mu.Unlock()

	envCopy := *env
	tasksInFlight.Inc()
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer tasksInFlight.Dec()
		defer e.clearCleanup(envCopy.ID)
		e.cleanup(&envCopy)
	}()
}

func (e *Engine) clearCleanup(id string) {
	e.mu.Lock()
	delete(e.cleanups, id)
	e.mu.Unlock()
}

// cleanup releases an environment's real resources: streaming session,
// sandbox policy, then the instance itself. Only a failed instance teardown
// marks the record failed; sessions and policies die with the instance
// anyway, so their failures are logged and skipped. The reservation is
// released after the terminal transition in both outcomes.
func (e *Engine) cleanup(env *model.Environment) {
	ctx := context.Background()

	// Drop any waitlist entry so a grant never lands on a dying record.
	e.scheduler.Forget(env.ID)

	var teardownErr error
	if env.RuntimeHandle != "" {
		set, ok := e.adapters.Get(env.Adapter)
		if !ok {
			teardownErr = fmt.Errorf("runtime %q is not registered", env.Adapter)
		} else {
			if env.SessionToken != "" {
				err := e.call(ctx, adapter.SubsystemStreaming, "detach", func(c context.Context) error {
					return set.Streaming.Detach(c, env.SessionToken)
				})
				if err != nil {
					e.logger.Warn("session detach failed", "environment_id", env.ID, "error", err)
				}
			}
			err := e.call(ctx, adapter.SubsystemSandbox, "revoke_policy", func(c context.Context) error {
				return set.Sandbox.RevokePolicy(c, env.RuntimeHandle)
			})
			if err != nil {
				e.logger.Warn("policy revoke failed", "environment_id", env.ID, "error", err)
			}
			teardownErr = e.call(ctx, adapter.SubsystemRuntime, "terminate", func(c context.Context) error {
				return set.Runtime.Terminate(c, env.RuntimeHandle)
			})
		}
	}

	if teardownErr != nil {
		msg := "cleanup failed: " + teardownErr.Error()
		failed, err := e.swap(ctx, env.ID, model.StateTerminating, model.StateFailed, model.ActorAdapter, msg, func(m *model.Environment) {
			m.LastError = msg
		})
		if err != nil {
			e.logger.Error("failed to record termination failure", "environment_id", env.ID, "error", err)
			return
		}
		e.logger.Error("environment cleanup failed", "environment_id", env.ID, "error", teardownErr)
		e.releaseCapacity(failed)
		e.retryTeardown(failed)
		return
	}

	terminated, err := e.swap(ctx, env.ID, model.StateTerminating, model.StateTerminated, model.ActorAdapter, "resources released", nil)
	if err != nil {
		e.logger.Error("failed to record termination", "environment_id", env.ID, "error", err)
		return
	}
	e.releaseCapacity(terminated)
	e.logger.Info("environment terminated", "environment_id", env.ID)
}

// retryTeardown keeps retrying a failed instance teardown in the background.
// A leaked instance holds real host resources, so teardown outlives the
// record's failed transition. Retries are bounded; exhausting them is logged
// loudly for operator attention.
func (e *Engine) retryTeardown(env *model.Environment) {
	set, ok := e.adapters.Get(env.Adapter)
	if !ok || env.RuntimeHandle == "" {
		return
	}
	id, handle := env.ID, env.RuntimeHandle
	tasksInFlight.Inc()
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer tasksInFlight.Dec()
		for attempt := 1; attempt <= e.opts.CleanupRetryAttempts; attempt++ {
			select {
			case <-time.After(e.opts.CleanupRetryInterval):
			case <-e.stopc:
				e.logger.Warn("instance teardown interrupted by shutdown", "environment_id", id, "handle", handle)
				return
			}
			cleanupRetriesTotal.Inc()
			err := e.call(context.Background(), adapter.SubsystemRuntime, "terminate", func(c context.Context) error {
				return set.Runtime.Terminate(c, handle)
			})
			if err == nil {
				e.logger.Info("instance teardown confirmed", "environment_id", id, "attempt", attempt)
				return
			}
			e.logger.Warn("instance teardown retry failed",
				"environment_id", id,
				"attempt", attempt,
				"error", err,
			)
		}
		e.logger.Error("instance teardown abandoned, resources may be leaked",
			"environment_id", id,
			"handle", handle,
			"attempts", e.opts.CleanupRetryAttempts,
		)
	}()
}
