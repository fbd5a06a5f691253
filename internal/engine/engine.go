package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/willynikes2/GenOS/internal/adapter"
	"github.com/willynikes2/GenOS/internal/bus"
	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
	"github.com/willynikes2/GenOS/internal/sched"
	"github.com/willynikes2/GenOS/internal/validate"
)

// Engine defaults. Options fields left zero select these.
const (
	DefaultAdapterCallTimeout   = 30 * time.Second
	DefaultReadyTimeout         = 2 * time.Minute
	DefaultReadyPollInterval    = 500 * time.Millisecond
	DefaultMaxProvisionAttempts = 3
	DefaultRetryBackoffBase     = 1 * time.Second
	DefaultRetryBackoffMax      = 30 * time.Second
	DefaultCleanupRetryInterval = 5 * time.Second
	DefaultCleanupRetryAttempts = 5
	DefaultReaperInterval       = 10 * time.Minute
	DefaultRetainTerminal       = 24 * time.Hour
)

// ErrNoCapacity rejects a resume when the capacity a suspended environment
// once held cannot be reacquired immediately.
var ErrNoCapacity = errors.New("no free capacity")

// Options tune engine behavior. Zero values select defaults.
type Options struct {
	// AdapterCallTimeout bounds every individual adapter call.
	AdapterCallTimeout time.Duration

	// ReadyTimeout bounds how long a started instance may take to report
	// ready before the attempt counts as timed out.
	ReadyTimeout time.Duration

	// ReadyPollInterval is the status poll cadence while waiting for ready.
	ReadyPollInterval time.Duration

	// MaxProvisionAttempts bounds provisioning attempts per environment.
	MaxProvisionAttempts int

	// RetryBackoffBase and RetryBackoffMax shape the exponential delay
	// between provisioning attempts.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// CleanupRetryInterval and CleanupRetryAttempts bound the background
	// teardown retries after a failed termination.
	CleanupRetryInterval time.Duration
	CleanupRetryAttempts int

	// ReaperInterval is how often terminal records past retention are
	// pruned; RetainTerminal is how long they are kept.
	ReaperInterval time.Duration
	RetainTerminal time.Duration
}

func (o Options) withDefaults() Options {
	if o.AdapterCallTimeout <= 0 {
		o.AdapterCallTimeout = DefaultAdapterCallTimeout
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.ReadyPollInterval <= 0 {
		o.ReadyPollInterval = DefaultReadyPollInterval
	}
	if o.MaxProvisionAttempts <= 0 {
		o.MaxProvisionAttempts = DefaultMaxProvisionAttempts
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if o.CleanupRetryInterval <= 0 {
		o.CleanupRetryInterval = DefaultCleanupRetryInterval
	}
	if o.CleanupRetryAttempts <= 0 {
		o.CleanupRetryAttempts = DefaultCleanupRetryAttempts
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = DefaultReaperInterval
	}
	if o.RetainTerminal <= 0 {
		o.RetainTerminal = DefaultRetainTerminal
	}
	return o
}

// Engine orchestrates the environment lifecycle across the registry, the
// scheduler, and the adapter subsystems.
type Engine struct {
	store     registry.Store
	catalog   *catalog.Catalog
	scheduler *sched.Scheduler
	adapters  *adapter.Registry
	bus       *bus.Bus
	logger    *slog.Logger
	opts      Options

	tasks sync.WaitGroup
	stopc chan struct{}

	mu         sync.Mutex
	provisions map[string]context.CancelCauseFunc
	cleanups   map[string]bool
	closed     bool
}

// NewEngine composes an engine over its collaborators.
func NewEngine(store registry.Store, cat *catalog.Catalog, scheduler *sched.Scheduler, adapters *adapter.Registry, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		store:      store,
		catalog:    cat,
		scheduler:  scheduler,
		adapters:   adapters,
		bus:        eventBus,
		logger:     logger,
		opts:       opts.withDefaults(),
		stopc:      make(chan struct{}),
		provisions: make(map[string]context.CancelCauseFunc),
		cleanups:   make(map[string]bool),
	}
}

// Run consumes scheduler grants and expiries and prunes terminal records
// past retention. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeGrants(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeExpiries(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runReaper(ctx)
	}()
	wg.Wait()
}

// Close cancels in-flight provisioning tasks and waits for all background
// tasks to settle. Interrupted environments stay mid-transition in the store;
// the next start recovers them.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.tasks.Wait()
		return
	}
	e.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.provisions))
	for _, cancel := range e.provisions {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	close(e.stopc)
	for _, cancel := range cancels {
		cancel(errShutdown)
	}
	e.tasks.Wait()
}

// Submit validates a spec, records the environment, and runs admission. The
// returned record reflects the outcome: provisioning already underway, parked
// in the wait queue, or failed on rejection, in which case the record is
// returned together with sched.ErrResourceExhausted.
func (e *Engine) Submit(ctx context.Context, spec model.EnvironmentSpec) (*model.Environment, error) {
	validated, err := validate.Spec(e.catalog, spec)
	if err != nil {
		return nil, err
	}

	variant, _, err := e.adapters.Resolve(validated)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime: %w", err)
	}

	now := time.Now().UTC()
	env := &model.Environment{
		ID:         model.NewID(),
		Spec:       validated,
		State:      model.StateRequested,
		Adapter:    variant,
		StateTimes: map[string]time.Time{model.StateRequested: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	submissionsTotal.Inc()
	e.logger.Info("environment submitted",
		"environment_id", env.ID,
		"owner", validated.Owner,
		"base_image", validated.BaseImage,
		"adapter", variant,
	)

	env, err = e.swap(ctx, env.ID, model.StateRequested, model.StateQueued, model.ActorScheduler, "validation passed", nil)
	if err != nil {
		return nil, fmt.Errorf("queue environment: %w", err)
	}

	return e.admit(ctx, env)
}

// Start begins provisioning an environment that was submitted with auto
// start disabled. Starting one already provisioning or running is a no-op.
func (e *Engine) Start(ctx context.Context, id string) (*model.Environment, error) {
	env, err := e.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}

	switch env.State {
	case model.StateQueued:
		if env.ReservationID == "" {
			return nil, fmt.Errorf("%w: environment %s is still waiting for capacity", registry.ErrConflict, id)
		}
		e.startProvisioning(env)
		return env, nil
	case model.StateProvisioning, model.StateRunning:
		return env, nil
	default:
		return nil, fmt.Errorf("%w: environment %s is %s, not startable", registry.ErrConflict, id, env.State)
	}
}

// admit runs one admission attempt for a queued environment. Rejection is
// recorded on the environment before the backpressure error is returned, so
// the record always explains its own failure.
func (e *Engine) admit(ctx context.Context, env *model.Environment) (*model.Environment, error) {
	decision, err := e.scheduler.Admit(env.ID, env.Spec)
	if err != nil {
		detail := "admission rejected: " + err.Error()
		failed, ferr := e.swap(ctx, env.ID, model.StateQueued, model.StateFailed, model.ActorScheduler, detail, func(m *model.Environment) {
			m.LastError = detail
		})
		if ferr != nil {
			e.logger.Error("failed to record admission rejection", "environment_id", env.ID, "error", ferr)
			return env, err
		}
		return failed, err
	}

	if decision.Queued {
		e.logger.Info("environment waiting for capacity",
			"environment_id", env.ID,
			"priority", env.Spec.Priority,
			"position", decision.Position,
		)
		return env, nil
	}

	bound, err := e.bindReservation(ctx, env.ID, decision.Reservation)
	if err != nil {
		return nil, err
	}
	if bound.Spec.WantsAutoStart() {
		e.startProvisioning(bound)
	}
	return bound, nil
}

// bindReservation persists a granted reservation and stamps it onto the
// environment record. The capacity goes back to the pool when the record can
// no longer accept it.
func (e *Engine) bindReservation(ctx context.Context, envID string, res model.Reservation) (*model.Environment, error) {
	if err := e.store.SaveReservation(ctx, res); err != nil {
		e.scheduler.Release(res.ID)
		return nil, fmt.Errorf("save reservation: %w", err)
	}

	env, err := e.swap(ctx, envID, model.StateQueued, model.StateQueued, model.ActorScheduler, "", func(m *model.Environment) {
		m.ReservationID = res.ID
		m.Host = res.Host
	})
	if err != nil {
		e.scheduler.Release(res.ID)
		if derr := e.store.DeleteReservation(context.Background(), res.ID); derr != nil {
			e.logger.Error("failed to delete unbound reservation", "reservation_id", res.ID, "error", derr)
		}
		return nil, fmt.Errorf("bind reservation: %w", err)
	}
	return env, nil
}

// swap commits one state transition through the registry and publishes its
// event. Same-state swaps persist record changes without an event.
func (e *Engine) swap(ctx context.Context, id, expected, next, actor, detail string, mutate registry.Mutator) (*model.Environment, error) {
	env, ev, err := e.store.CompareAndSwapState(ctx, id, expected, next, actor, detail, mutate)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		e.bus.Publish(*ev)
		transitionsTotal.WithLabelValues(ev.To).Inc()
	}
	return env, nil
}

// call runs one adapter operation under the per-call timeout and classifies
// its error.
func (e *Engine) call(ctx context.Context, subsystem, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.opts.AdapterCallTimeout)
	defer cancel()
	return adapter.Wrap(subsystem, op, fn(cctx))
}

// releaseCapacity returns an environment's reservation to the pool and
// deletes its row. Environments holding none are a no-op.
func (e *Engine) releaseCapacity(env *model.Environment) {
	if env.ReservationID == "" {
		return
	}
	e.scheduler.Release(env.ReservationID)
	if err := e.store.DeleteReservation(context.Background(), env.ReservationID); err != nil {
		e.logger.Error("failed to delete reservation",
			"environment_id", env.ID,
			"reservation_id", env.ReservationID,
			"error", err,
		)
	}
}

// consumeGrants turns scheduler grants for formerly queued environments into
// provisioning tasks.
func (e *Engine) consumeGrants(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case g := <-e.scheduler.Grants():
			env, err := e.bindReservation(ctx, g.EnvID, g.Reservation)
			if err != nil {
				e.logger.Warn("grant not bound", "environment_id", g.EnvID, "error", err)
				continue
			}
			e.logger.Info("queued environment granted capacity",
				"environment_id", g.EnvID,
				"host", g.Reservation.Host,
			)
			if env.Spec.WantsAutoStart() {
				e.startProvisioning(env)
			}
		}
	}
}

// consumeExpiries fails environments whose queue wait budget elapsed before
// capacity became available.
func (e *Engine) consumeExpiries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case exp := <-e.scheduler.Expiries():
			detail := fmt.Sprintf("no capacity within the wait budget (waited %s)", exp.Waited.Round(time.Second))
			_, err := e.swap(ctx, exp.EnvID, model.StateQueued, model.StateFailed, model.ActorScheduler, detail, func(m *model.Environment) {
				m.LastError = detail
			})
			if err != nil && !errors.Is(err, registry.ErrConflict) && !errors.Is(err, registry.ErrNotFound) {
				e.logger.Error("failed to expire environment", "environment_id", exp.EnvID, "error", err)
			}
		}
	}
}

// runReaper periodically deletes terminal records older than the retention
// window.
func (e *Engine) runReaper(ctx context.Context) {
	ticker := time.NewTicker(e.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := e.store.DeleteTerminalEnvironments(ctx, now.Add(-e.opts.RetainTerminal))
			if err != nil {
				e.logger.Error("terminal record pruning failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("terminal records pruned", "count", n)
			}
		}
	}
}
