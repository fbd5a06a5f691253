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

// Provisioning cancellation causes. The cause decides what happens to the
// record after the task unwinds.
var (
	errSuspendRequested   = errors.New("suspend requested")
	errTerminateRequested = errors.New("terminate requested")
	errShutdown           = errors.New("engine shutting down")
)

// errRecordLost aborts a provisioning task when another actor took the
// environment record mid-flight. The new owner handles all cleanup.
var errRecordLost = errors.New("environment record changed hands")

// startProvisioning launches the background provisioning task for an admitted
// environment. A task already in flight for the same environment is left
// alone. The task operates on a copy of the record to avoid data races with
// the caller.
func (e *Engine) startProvisioning(env *model.Environment) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, inFlight := e.provisions[env.ID]; inFlight {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	e.provisions[env.ID] = cancel
	e.mu.Unlock()

	envCopy := *env
	tasksInFlight.Inc()
	e.tasks.Go(func() {
		defer tasksInFlight.Dec()
		defer e.clearProvision(envCopy.ID)
		e.provision(ctx, &envCopy)
	})
}

// cancelProvision cancels an in-flight provisioning task with the given
// cause. It reports whether a task was found.
func (e *Engine) cancelProvision(id string, cause error) bool {
	e.mu.Lock()
	cancel, ok := e.provisions[id]
	e.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func (e *Engine) clearProvision(id string) {
	e.mu.Lock()
	delete(e.provisions, id)
	e.mu.Unlock()
}

// provision drives one environment from granted capacity to running: create,
// start, wait for ready, apply policy, attach streaming. Transient adapter
// failures are retried with exponential backoff up to the attempt budget;
// fatal ones fail the environment immediately. A cancelled task settles the
// record according to the cancellation cause.
func (e *Engine) provision(ctx context.Context, env *model.Environment) {
	begin := time.Now()

	set, ok := e.adapters.Get(env.Adapter)
	if !ok {
		e.failProvisioning(env, fmt.Sprintf("runtime %q is not registered", env.Adapter))
		return
	}

	// Recovery re-enters with the record already in provisioning.
	if env.State == model.StateQueued {
		entered, err := e.swap(context.Background(), env.ID, model.StateQueued, model.StateProvisioning, model.ActorScheduler, "capacity granted on "+env.Host, nil)
		if err != nil {
			e.logger.Info("provisioning not entered", "environment_id", env.ID, "error", err)
			return
		}
		env = entered
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxProvisionAttempts; attempt++ {
		err := e.provisionAttempt(ctx, env, set)
		if err == nil {
			provisionSeconds.Observe(time.Since(begin).Seconds())
			e.logger.Info("environment running",
				"environment_id", env.ID,
				"host", env.Host,
				"attempts", attempt,
				"elapsed", time.Since(begin).Round(time.Millisecond),
			)
			return
		}
		if errors.Is(err, context.Canceled) {
			e.settleCancelled(env, context.Cause(ctx))
			return
		}
		if errors.Is(err, errRecordLost) {
			return
		}

		lastErr = err
		if adapter.IsFatal(err) {
			break
		}
		e.logger.Warn("provisioning attempt failed",
			"environment_id", env.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == e.opts.MaxProvisionAttempts {
			break
		}
		provisionRetriesTotal.Inc()
		if e.noteRetry(env, attempt, err) != nil {
			return
		}
		if !e.sleepBackoff(ctx, attempt) {
			e.settleCancelled(env, context.Cause(ctx))
			return
		}
	}

	e.failProvisioning(env, lastErr.Error())
}

// provisionAttempt runs one pass of the provisioning sequence. The runtime
// handle is persisted as soon as it exists so a crash cannot orphan the
// instance, and the running transition carries the session token. Later
// attempts reuse the persisted handle; the adapter contract makes repeating
// a call with the same handle safe.
func (e *Engine) provisionAttempt(ctx context.Context, env *model.Environment, set adapter.Set) error {
	if env.RuntimeHandle == "" {
		var handle string
		err := e.call(ctx, adapter.SubsystemRuntime, "create", func(c context.Context) error {
			var cerr error
			handle, cerr = set.Runtime.Create(c, env.Spec, reservationFor(env))
			return cerr
		})
		if err != nil {
			return err
		}

		updated, err := e.swap(context.Background(), env.ID, model.StateProvisioning, model.StateProvisioning, model.ActorAdapter, "", func(m *model.Environment) {
			m.RuntimeHandle = handle
		})
		if err != nil {
			// The record changed hands before the handle landed; the
			// instance must not leak.
			env.RuntimeHandle = handle
			e.destroyInstance(env)
			return errRecordLost
		}
		*env = *updated
	}

	if err := e.call(ctx, adapter.SubsystemRuntime, "start", func(c context.Context) error {
		return set.Runtime.Start(c, env.RuntimeHandle)
	}); err != nil {
		return err
	}

	if err := e.waitReady(ctx, set.Runtime, env.RuntimeHandle); err != nil {
		return err
	}

	if err := e.call(ctx, adapter.SubsystemSandbox, "apply_policy", func(c context.Context) error {
		return set.Sandbox.ApplyPolicy(c, env.RuntimeHandle, adapter.PolicyFor(env.Spec.NetworkMode))
	}); err != nil {
		return err
	}

	var token string
	if err := e.call(ctx, adapter.SubsystemStreaming, "attach", func(c context.Context) error {
		var aerr error
		token, aerr = set.Streaming.Attach(c, env.RuntimeHandle)
		return aerr
	}); err != nil {
		return err
	}

	updated, err := e.swap(context.Background(), env.ID, model.StateProvisioning, model.StateRunning, model.ActorAdapter, "instance ready, streaming attached", func(m *model.Environment) {
		m.SessionToken = token
		m.LastError = ""
	})
	if err != nil {
		e.detachSession(set, token)
		return errRecordLost
	}
	*env = *updated
	return nil
}

// waitReady polls the runtime until the instance reports ready. A failed
// report is fatal; missing the ready deadline counts as a timeout so the
// attempt is retried.
func (e *Engine) waitReady(ctx context.Context, rt adapter.Runtime, handle string) error {
	deadline := time.Now().Add(e.opts.ReadyTimeout)
	for {
		var status string
		err := e.call(ctx, adapter.SubsystemRuntime, "status", func(c context.Context) error {
			var serr error
			status, serr = rt.Status(c, handle)
			return serr
		})
		if err != nil {
			return err
		}
		switch status {
		case adapter.StatusReady:
			return nil
		case adapter.StatusFailed:
			return adapter.Fatal(adapter.SubsystemRuntime, "status", errors.New("instance reported failed"))
		}
		if time.Now().After(deadline) {
			return adapter.Wrap(adapter.SubsystemRuntime, "wait_ready", context.DeadlineExceeded)
		}
		select {
		case <-time.After(e.opts.ReadyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// noteRetry persists the retry counter and the attempt's error without
// leaving provisioning. A swap failure means the record changed hands and
// the task must stop.
func (e *Engine) noteRetry(env *model.Environment, attempt int, attemptErr error) error {
	updated, err := e.swap(context.Background(), env.ID, model.StateProvisioning, model.StateProvisioning, model.ActorAdapter, "", func(m *model.Environment) {
		m.Retries = attempt
		m.LastError = attemptErr.Error()
	})
	if err != nil {
		e.logger.Info("retry bookkeeping lost the record", "environment_id", env.ID, "error", err)
		return err
	}
	*env = *updated
	return nil
}

// sleepBackoff waits out the exponential backoff delay before the next
// attempt. It reports false when the task was cancelled during the wait.
func (e *Engine) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := e.opts.RetryBackoffBase << (attempt - 1)
	if delay > e.opts.RetryBackoffMax {
		delay = e.opts.RetryBackoffMax
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// settleCancelled reacts to a cancelled provisioning task according to its
// cause. Suspension fails the record and frees its capacity since a half
// provisioned environment has nothing worth pausing. Termination and
// shutdown leave the record: the termination flow owns its cleanup, and an
// interrupted record is recovered at next start.
func (e *Engine) settleCancelled(env *model.Environment, cause error) {
	switch {
	case errors.Is(cause, errSuspendRequested):
		e.failProvisioning(env, "provisioning cancelled by suspend")
	case errors.Is(cause, errTerminateRequested), errors.Is(cause, errShutdown):
	default:
		e.logger.Warn("provisioning cancelled", "environment_id", env.ID, "cause", cause)
	}
}

// failProvisioning moves an environment to failed, frees its capacity, and
// tears down whatever the attempts left behind.
func (e *Engine) failProvisioning(env *model.Environment, msg string) {
	failed, err := e.swap(context.Background(), env.ID, env.State, model.StateFailed, model.ActorAdapter, msg, func(m *model.Environment) {
		m.LastError = msg
	})
	if err != nil {
		if !errors.Is(err, registry.ErrConflict) && !errors.Is(err, registry.ErrNotFound) {
			e.logger.Error("failed to record provisioning failure", "environment_id", env.ID, "error", err)
		}
		return
	}
	e.logger.Warn("environment failed", "environment_id", env.ID, "error", msg)
	e.releaseCapacity(failed)
	if failed.RuntimeHandle != "" {
		e.destroyInstance(failed)
	}
}

// destroyInstance tears down an environment's instance in the background.
// Failures are logged; terminating an already destroyed handle is a no-op,
// so a later retry cannot double-free.
func (e *Engine) destroyInstance(env *model.Environment) {
	set, ok := e.adapters.Get(env.Adapter)
	if !ok || env.RuntimeHandle == "" {
		return
	}
	id, handle := env.ID, env.RuntimeHandle
	tasksInFlight.Inc()
	e.tasks.Go(func() {
		defer tasksInFlight.Dec()
		err := e.call(context.Background(), adapter.SubsystemRuntime, "terminate", func(c context.Context) error {
			return set.Runtime.Terminate(c, handle)
		})
		if err != nil {
			e.logger.Error("instance teardown failed", "environment_id", id, "handle", handle, "error", err)
		}
	})
}

// detachSession closes a streaming session that no longer has a record to
// live on.
func (e *Engine) detachSession(set adapter.Set, token string) {
	if token == "" {
		return
	}
	err := e.call(context.Background(), adapter.SubsystemStreaming, "detach", func(c context.Context) error {
		return set.Streaming.Detach(c, token)
	})
	if err != nil {
		e.logger.Warn("session detach failed", "token", token, "error", err)
	}
}

// reservationFor rebuilds an environment's reservation from its record. A
// reservation's dimensions always equal the spec's request, so only the id
// and host need storage.
func reservationFor(env *model.Environment) model.Reservation {
	return model.Reservation{
		ID:       env.ReservationID,
		EnvID:    env.ID,
		Host:     env.Host,
		CPU:      env.Spec.Resources.CPU,
		MemoryMB: env.Spec.Resources.MemoryMB,
		DiskGB:   env.Spec.Resources.DiskGB,
		GPU:      env.Spec.Resources.GPUUnits(),
	}
}
