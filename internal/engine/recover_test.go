package engine_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

type seedOpts struct {
	state   string // lifecycle state to leave the record in
	reserve bool   // persist and bind a reservation on host-a
	handle  string // runtime handle to record
	token   string // session token to record
}

// seedEnvironment walks a fresh record through the store's transition chain
// to the wanted state, imitating what a running engine would have persisted
// before a crash.
func seedEnvironment(t *testing.T, s registry.Store, opts seedOpts) *model.Environment {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	env := &model.Environment{
		ID:         model.NewID(),
		Spec:       testSpec(),
		State:      model.StateRequested,
		Adapter:    model.RuntimeFirecracker,
		StateTimes: map[string]time.Time{model.StateRequested: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if opts.state == model.StateRequested {
		return env
	}

	step := func(from, to, actor, detail string, mutate registry.Mutator) {
		t.Helper()
		var err error
		env, _, err = s.CompareAndSwapState(ctx, env.ID, from, to, actor, detail, mutate)
		if err != nil {
			t.Fatalf("seed %s to %s: %v", from, to, err)
		}
	}

	step(model.StateRequested, model.StateQueued, model.ActorScheduler, "validation passed", nil)
	if opts.reserve {
		res := model.Reservation{
			ID:        "res-" + env.ID,
			EnvID:     env.ID,
			Host:      "host-a",
			CPU:       env.Spec.Resources.CPU,
			MemoryMB:  env.Spec.Resources.MemoryMB,
			DiskGB:    env.Spec.Resources.DiskGB,
			CreatedAt: now,
		}
		if err := s.SaveReservation(ctx, res); err != nil {
			t.Fatalf("SaveReservation: %v", err)
		}
		step(model.StateQueued, model.StateQueued, model.ActorScheduler, "capacity reserved on host-a", func(m *model.Environment) {
			m.ReservationID = res.ID
			m.Host = res.Host
		})
	}
	if opts.state == model.StateQueued {
		return env
	}

	step(model.StateQueued, model.StateProvisioning, model.ActorScheduler, "capacity granted on host-a", func(m *model.Environment) {
		m.RuntimeHandle = opts.handle
	})
	if opts.state == model.StateProvisioning {
		return env
	}
	if opts.state == model.StateTerminating && opts.token == "" {
		step(model.StateProvisioning, model.StateTerminating, model.ActorUser, "termination requested", nil)
		return env
	}

	step(model.StateProvisioning, model.StateRunning, model.ActorAdapter, "instance ready, streaming attached", func(m *model.Environment) {
		m.SessionToken = opts.token
	})
	switch opts.state {
	case model.StateRunning:
		return env
	case model.StateSuspended:
		step(model.StateRunning, model.StateSuspended, model.ActorUser, "suspended", nil)
		return env
	case model.StateTerminating:
		step(model.StateRunning, model.StateTerminating, model.ActorUser, "termination requested", nil)
		return env
	case model.StateTerminated:
		step(model.StateRunning, model.StateTerminating, model.ActorUser, "termination requested", nil)
		step(model.StateTerminating, model.StateTerminated, model.ActorAdapter, "resources released", nil)
		return env
	}
	t.Fatalf("unsupported seed state %q", opts.state)
	return nil
}

// seedStore opens a store on a fresh path for pre-crash seeding. The caller
// closes it before a rig reopens the same file.
func seedStore(t *testing.T) (registry.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "genos.db")
	store, err := registry.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store, dbPath
}

func TestRecoverProvisioningWithLiveInstance(t *testing.T) {
	store, dbPath := seedStore(t)
	env := seedEnvironment(t, store, seedOpts{state: model.StateProvisioning, reserve: true, handle: "inst-live"})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	rig.fake.addHandle("inst-live")

	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	running := waitForState(t, rig.store, env.ID, model.StateRunning, 5*time.Second)
	if running.SessionToken != "session-inst-live" {
		t.Errorf("session token = %q", running.SessionToken)
	}
	if running.ReservationID != "res-"+env.ID {
		t.Errorf("reservation = %q, want the pre-crash one", running.ReservationID)
	}
	calls := rig.fake.snapshot()
	if calls.Creates != 0 {
		t.Errorf("create calls = %d, want 0 for a surviving instance", calls.Creates)
	}
	if calls.Starts != 1 {
		t.Errorf("start calls = %d, want 1", calls.Starts)
	}
	if got := reservationCount(t, rig.store); got != 1 {
		t.Errorf("reservations = %d, want 1", got)
	}
}

func TestRecoverProvisioningDeadInstanceFails(t *testing.T) {
	store, dbPath := seedStore(t)
	env := seedEnvironment(t, store, seedOpts{state: model.StateProvisioning, reserve: true, handle: "inst-dead"})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	failed := waitForState(t, rig.store, env.ID, model.StateFailed, 5*time.Second)
	if !strings.Contains(failed.LastError, "did not survive") {
		t.Errorf("last error = %q", failed.LastError)
	}
	if got := rig.fake.snapshot().Creates; got != 0 {
		t.Errorf("create calls = %d, want 0", got)
	}
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"dead environment's reservation was not released")
	waitFor(t, func() bool { return rig.fake.snapshot().Terminates >= 1 },
		"dead instance handle was not torn down")
}

func TestRecoverProvisioningWithoutHandleRedoes(t *testing.T) {
	store, dbPath := seedStore(t)
	env := seedEnvironment(t, store, seedOpts{state: model.StateProvisioning, reserve: true})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	waitForState(t, rig.store, env.ID, model.StateRunning, 5*time.Second)
	if got := rig.fake.snapshot().Creates; got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}
}

func TestRecoverTerminatingFinishesCleanup(t *testing.T) {
	store, dbPath := seedStore(t)
	env := seedEnvironment(t, store, seedOpts{state: model.StateTerminating, reserve: true, handle: "inst-doomed"})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	rig.fake.addHandle("inst-doomed")

	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	waitForState(t, rig.store, env.ID, model.StateTerminated, 5*time.Second)
	calls := rig.fake.snapshot()
	if calls.Terminates != 1 {
		t.Errorf("terminate calls = %d, want 1", calls.Terminates)
	}
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"terminating environment's reservation was not released")
}

func TestRecoverRequestedResumesFromValidation(t *testing.T) {
	store, dbPath := seedStore(t)
	env := seedEnvironment(t, store, seedOpts{state: model.StateRequested})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	running := waitForState(t, rig.store, env.ID, model.StateRunning, 5*time.Second)
	if running.ReservationID == "" {
		t.Error("recovered environment was not admitted")
	}
	if got := rig.fake.snapshot().Creates; got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}
}

func TestRecoverQueued(t *testing.T) {
	store, dbPath := seedStore(t)
	held := seedEnvironment(t, store, seedOpts{state: model.StateQueued, reserve: true})
	waiting := seedEnvironment(t, store, seedOpts{state: model.StateQueued})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// The holder provisions on its pre-crash reservation; the waiter goes
	// through admission again and binds a fresh one.
	got := waitForState(t, rig.store, held.ID, model.StateRunning, 5*time.Second)
	if got.ReservationID != "res-"+held.ID {
		t.Errorf("held reservation = %q, want the pre-crash one", got.ReservationID)
	}
	readmitted := waitForState(t, rig.store, waiting.ID, model.StateRunning, 5*time.Second)
	if readmitted.ReservationID == "" || readmitted.ReservationID == "res-"+waiting.ID {
		t.Errorf("waiting reservation = %q, want a fresh one", readmitted.ReservationID)
	}
}

func TestRecoverDeletesStaleReservations(t *testing.T) {
	store, dbPath := seedStore(t)
	done := seedEnvironment(t, store, seedOpts{state: model.StateTerminated, reserve: true, handle: "inst-gone", token: "session-gone"})
	orphan := model.Reservation{ID: "res-orphan", EnvID: "env-vanished", Host: "host-a", CPU: 1, MemoryMB: 512, DiskGB: 5}
	if err := store.SaveReservation(context.Background(), orphan); err != nil {
		t.Fatalf("SaveReservation: %v", err)
	}
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := reservationCount(t, rig.store); got != 0 {
		t.Errorf("reservations = %d, want 0 after pruning", got)
	}
	env, err := rig.store.GetEnvironment(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if env.State != model.StateTerminated {
		t.Errorf("terminated environment state = %q", env.State)
	}
	if calls := rig.fake.snapshot(); calls != (fakeCalls{}) {
		t.Errorf("adapters were called during reservation pruning: %+v", calls)
	}
}

func TestRecoverLeavesSettledStatesAlone(t *testing.T) {
	store, dbPath := seedStore(t)
	running := seedEnvironment(t, store, seedOpts{state: model.StateRunning, reserve: true, handle: "inst-run", token: "session-run"})
	suspended := seedEnvironment(t, store, seedOpts{state: model.StateSuspended, reserve: true, handle: "inst-sus", token: "session-sus"})
	store.Close()

	rig := newTestRig(t, rigConfig{dbPath: dbPath})
	rig.fake.addHandle("inst-run")
	rig.fake.addHandle("inst-sus")

	if err := rig.eng.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	for id, want := range map[string]string{running.ID: model.StateRunning, suspended.ID: model.StateSuspended} {
		env, err := rig.store.GetEnvironment(context.Background(), id)
		if err != nil {
			t.Fatalf("GetEnvironment: %v", err)
		}
		if env.State != want {
			t.Errorf("environment %s state = %q, want %q", id, env.State, want)
		}
	}
	if calls := rig.fake.snapshot(); calls != (fakeCalls{}) {
		t.Errorf("adapters were called for settled environments: %+v", calls)
	}
	if got := reservationCount(t, rig.store); got != 2 {
		t.Errorf("reservations = %d, want 2 kept", got)
	}

	// The restored pool still accounts for the settled environments: a
	// fresh full-size submission must queue rather than admit.
	spec := testSpec()
	spec.Resources = model.Resources{CPU: 8, MemoryMB: 16384, DiskGB: 200}
	parked, err := rig.eng.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if parked.State != model.StateQueued || parked.ReservationID != "" {
		t.Errorf("full-size submission = %q with reservation %q, want queued without capacity", parked.State, parked.ReservationID)
	}
}
