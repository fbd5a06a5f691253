package engine

import (
	"context"
	"fmt"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

// recoverPageSize bounds each recovery listing query.
const recoverPageSize = 500

// Recover reconciles persisted state with reality after a restart. The
// capacity pool is rebuilt from stored reservations, environments caught
// mid-transition are resumed or failed based on their instance's actual
// status, and interrupted terminations run their cleanup again. Running and
// suspended environments are left untouched: their records are stable and
// their instances stay out of the engine's hands until the next user request.
func (e *Engine) Recover(ctx context.Context) error {
	envs, err := e.listAll(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Environment, len(envs))
	for _, env := range envs {
		byID[env.ID] = env
	}

	reservations, err := e.store.ListReservations(ctx)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, res := range reservations {
		env, ok := byID[res.EnvID]
		if !ok || model.TerminalState(env.State) {
			// Released from the pool before the crash, but the row's
			// deletion never landed.
			if err := e.store.DeleteReservation(ctx, res.ID); err != nil {
				e.logger.Error("failed to delete stale reservation", "reservation_id", res.ID, "error", err)
			}
			continue
		}
		if err := e.scheduler.Restore(res); err != nil {
			e.logger.Error("failed to restore reservation",
				"reservation_id", res.ID,
				"environment_id", res.EnvID,
				"error", err,
			)
		}
	}

	var recovered int
	for _, env := range envs {
		switch env.State {
		case model.StateRequested:
			e.recoverRequested(ctx, env)
		case model.StateQueued:
			e.recoverQueued(ctx, env)
		case model.StateProvisioning:
			e.recoverProvisioning(ctx, env)
		case model.StateTerminating:
			e.beginCleanup(env)
		default:
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovery complete",
			"environments", recovered,
			"reservations", len(reservations),
		)
	}
	return nil
}

func (e *Engine) listAll(ctx context.Context) ([]*model.Environment, error) {
	var all []*model.Environment
	for offset := 0; ; offset += recoverPageSize {
		page, _, err := e.store.ListEnvironments(ctx, registry.ListFilter{Limit: recoverPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list environments: %w", err)
		}
		all = append(all, page...)
		if len(page) < recoverPageSize {
			return all, nil
		}
	}
}

// recoverRequested finishes a submission that crashed between the record
// insert and the queued transition.
func (e *Engine) recoverRequested(ctx context.Context, env *model.Environment) {
	queued, err := e.swap(ctx, env.ID, model.StateRequested, model.StateQueued, model.ActorScheduler, "validation passed", nil)
	if err != nil {
		e.logger.Error("failed to queue recovered environment", "environment_id", env.ID, "error", err)
		return
	}
	if _, err := e.admit(ctx, queued); err != nil {
		e.logger.Warn("recovered environment not admitted", "environment_id", env.ID, "error", err)
	}
}

// recoverQueued re-enters a queued environment. One already holding capacity
// resumes provisioning directly; the wait queue itself is in-memory only, so
// the rest go through admission again.
func (e *Engine) recoverQueued(ctx context.Context, env *model.Environment) {
	if env.ReservationID != "" {
		if env.Spec.WantsAutoStart() {
			e.startProvisioning(env)
		}
		return
	}
	if _, err := e.admit(ctx, env); err != nil {
		e.logger.Warn("recovered environment not admitted", "environment_id", env.ID, "error", err)
	}
}

// recoverProvisioning re-evaluates an environment that crashed mid-provision.
// With no instance on record the work is redone from the held capacity; a
// dead instance fails the record; a live one re-enters the provisioning
// sequence, which is safe because adapter calls are idempotent per handle.
func (e *Engine) recoverProvisioning(ctx context.Context, env *model.Environment) {
	if env.RuntimeHandle == "" {
		e.startProvisioning(env)
		return
	}

	set, ok := e.adapters.Get(env.Adapter)
	if !ok {
		e.failProvisioning(env, fmt.Sprintf("runtime %q is not registered", env.Adapter))
		return
	}
	var status string
	err := e.call(ctx, adapter.SubsystemRuntime, "status", func(c context.Context) error {
		var serr error
		status, serr = set.Runtime.Status(c, env.RuntimeHandle)
		return serr
	})
	if err != nil {
		e.failProvisioning(env, "instance status after restart: "+err.Error())
		return
	}
	if status == adapter.StatusFailed {
		e.failProvisioning(env, "instance did not survive the restart")
		return
	}
	e.startProvisioning(env)
}
