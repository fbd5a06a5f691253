package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/engine"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

func submitRunning(t *testing.T, rig *testRig) *model.Environment {
	t.Helper()
	env, err := rig.eng.Submit(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return waitForState(t, rig.store, env.ID, model.StateRunning, 5*time.Second)
}

func TestSuspendAndResume(t *testing.T) {
	rig := newTestRig(t, rigConfig{})
	env := submitRunning(t, rig)

	suspended, err := rig.eng.Suspend(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if suspended.State != model.StateSuspended {
		t.Fatalf("state = %q, want suspended", suspended.State)
	}
	if got := rig.fake.snapshot().Pauses; got != 1 {
		t.Errorf("pause calls = %d, want 1", got)
	}

	// Capacity stays reserved while suspended.
	if got := reservationCount(t, rig.store); got != 1 {
		t.Errorf("reservations while suspended = %d, want 1", got)
	}

	// Suspending again is a no-op.
	again, err := rig.eng.Suspend(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("second Suspend: %v", err)
	}
	if again.State != model.StateSuspended {
		t.Errorf("second suspend state = %q", again.State)
	}
	if got := rig.fake.snapshot().Pauses; got != 1 {
		t.Errorf("pause calls after duplicate suspend = %d, want 1", got)
	}

	resumed, err := rig.eng.Resume(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.State != model.StateRunning {
		t.Fatalf("resumed state = %q, want running", resumed.State)
	}
	if resumed.ReservationID != env.ReservationID {
		t.Errorf("reservation changed across suspend: %q vs %q", resumed.ReservationID, env.ReservationID)
	}
	calls := rig.fake.snapshot()
	if calls.Resumes != 1 {
		t.Errorf("resume calls = %d, want 1", calls.Resumes)
	}

	// Resuming a running environment is a no-op.
	if _, err := rig.eng.Resume(context.Background(), env.ID); err != nil {
		t.Errorf("Resume on running environment: %v", err)
	}
	if got := rig.fake.snapshot().Resumes; got != 1 {
		t.Errorf("resume calls after duplicate resume = %d, want 1", got)
	}
}

func TestSuspendWhileProvisioningCancelsAndFails(t *testing.T) {
	rig := newTestRig(t, rigConfig{})
	rig.fake.createBlock = make(chan struct{})

	env, err := rig.eng.Submit(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, rig.store, env.ID, model.StateProvisioning, 5*time.Second)

	if _, err := rig.eng.Suspend(context.Background(), env.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	failed := waitForState(t, rig.store, env.ID, model.StateFailed, 5*time.Second)
	if !strings.Contains(failed.LastError, "suspend") {
		t.Errorf("last error = %q", failed.LastError)
	}
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"reservation was not released after cancelled provisioning")
	if got := rig.fake.snapshot().Pauses; got != 0 {
		t.Errorf("pause calls = %d, want 0 for a cancelled provision", got)
	}
}

func TestSuspendResumeConflicts(t *testing.T) {
	rig := newTestRig(t, rigConfig{})

	off := false
	spec := testSpec()
	spec.AutoStart = &off
	env, err := rig.eng.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := rig.eng.Suspend(context.Background(), env.ID); !errors.Is(err, registry.ErrConflict) {
		t.Errorf("Suspend on queued environment error = %v, want conflict", err)
	}
	if _, err := rig.eng.Resume(context.Background(), env.ID); !errors.Is(err, registry.ErrConflict) {
		t.Errorf("Resume on queued environment error = %v, want conflict", err)
	}
	if _, err := rig.eng.Suspend(context.Background(), "env-missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Suspend on unknown environment error = %v, want not found", err)
	}
	if _, err := rig.eng.Terminate(context.Background(), "env-missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Terminate on unknown environment error = %v, want not found", err)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	rig := newTestRig(t, rigConfig{})
	env := submitRunning(t, rig)

	// Concurrent duplicate triggers collapse into one termination.
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rig.eng.Terminate(context.Background(), env.ID)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Terminate[%d]: %v", i, err)
		}
	}

	waitForState(t, rig.store, env.ID, model.StateTerminated, 5*time.Second)

	calls := rig.fake.snapshot()
	if calls.Terminates != 1 {
		t.Errorf("terminate calls = %d, want 1", calls.Terminates)
	}
	if calls.Detaches != 1 {
		t.Errorf("detach calls = %d, want 1", calls.Detaches)
	}
	if calls.Revokes != 1 {
		t.Errorf("revoke calls = %d, want 1", calls.Revokes)
	}
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"reservation was not released after termination")

	// Terminating a terminated environment stays a no-op.
	done, err := rig.eng.Terminate(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Terminate after terminal: %v", err)
	}
	if done.State != model.StateTerminated {
		t.Errorf("state = %q", done.State)
	}
	if got := rig.fake.snapshot().Terminates; got != 1 {
		t.Errorf("terminate calls after terminal re-request = %d, want 1", got)
	}
}

func TestTerminateQueuedSkipsAdapters(t *testing.T) {
	rig := newTestRig(t, rigConfig{
		hosts: []catalog.Host{{Name: "host-a", CPU: 2, MemoryMB: 4096, DiskGB: 40}},
	})

	first := submitRunning(t, rig)

	second, err := rig.eng.Submit(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if second.State != model.StateQueued {
		t.Fatalf("second state = %q, want queued", second.State)
	}

	if _, err := rig.eng.Terminate(context.Background(), second.ID); err != nil {
		t.Fatalf("Terminate queued: %v", err)
	}
	waitForState(t, rig.store, second.ID, model.StateTerminated, 5*time.Second)

	calls := rig.fake.snapshot()
	if calls.Creates != 1 {
		t.Errorf("create calls = %d, want 1 (queued environment never provisioned)", calls.Creates)
	}
	if calls.Terminates != 0 {
		t.Errorf("terminate calls = %d, want 0 without an instance", calls.Terminates)
	}

	// The first environment is untouched.
	if env, _ := rig.store.GetEnvironment(context.Background(), first.ID); env.State != model.StateRunning {
		t.Errorf("first environment state = %q, want running", env.State)
	}
}

func TestTerminationCleanupFailureMarksFailedThenRetries(t *testing.T) {
	rig := newTestRig(t, rigConfig{})
	env := submitRunning(t, rig)

	rig.fake.mu.Lock()
	rig.fake.termErrs = []error{errors.New("vmm did not exit")}
	rig.fake.mu.Unlock()

	if _, err := rig.eng.Terminate(context.Background(), env.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	failed := waitForState(t, rig.store, env.ID, model.StateFailed, 5*time.Second)
	if !strings.Contains(failed.LastError, "cleanup failed") {
		t.Errorf("last error = %q", failed.LastError)
	}
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"reservation was not released after failed cleanup")

	// The background retry tears the instance down on its second try.
	waitFor(t, func() bool { return rig.fake.snapshot().Terminates >= 2 },
		"teardown was not retried after the failed cleanup")
}

func TestResumeReadmitsWhenCapacityWasFreed(t *testing.T) {
	rig := newTestRig(t, rigConfig{
		hosts: []catalog.Host{{Name: "host-a", CPU: 2, MemoryMB: 4096, DiskGB: 40}},
	})
	env := submitRunning(t, rig)

	if _, err := rig.eng.Suspend(context.Background(), env.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// Operator reclaims the suspended environment's capacity out of band.
	rig.scheduler.Release(env.ReservationID)
	if err := rig.store.DeleteReservation(context.Background(), env.ReservationID); err != nil {
		t.Fatalf("DeleteReservation: %v", err)
	}
	_, _, err := rig.store.CompareAndSwapState(context.Background(), env.ID,
		model.StateSuspended, model.StateSuspended, model.ActorUser, "capacity reclaimed",
		func(e *model.Environment) {
			e.ReservationID = ""
			e.Host = ""
		})
	if err != nil {
		t.Fatalf("CompareAndSwapState: %v", err)
	}

	// Another environment takes the freed slot.
	other := submitRunning(t, rig)

	if _, err := rig.eng.Resume(context.Background(), env.ID); !errors.Is(err, engine.ErrNoCapacity) {
		t.Fatalf("Resume without capacity error = %v, want no capacity", err)
	}
	still, err := rig.store.GetEnvironment(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("GetEnvironment: %v", err)
	}
	if still.State != model.StateSuspended {
		t.Fatalf("state after refused resume = %q, want suspended", still.State)
	}

	// Once the slot frees up, resume re-admits and restarts the instance.
	if _, err := rig.eng.Terminate(context.Background(), other.ID); err != nil {
		t.Fatalf("Terminate other: %v", err)
	}
	waitForState(t, rig.store, other.ID, model.StateTerminated, 5*time.Second)
	waitFor(t, func() bool { return reservationCount(t, rig.store) == 0 },
		"terminated environment's capacity was not returned")

	resumed, err := rig.eng.Resume(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Resume after capacity freed: %v", err)
	}
	if resumed.State != model.StateRunning {
		t.Errorf("resumed state = %q, want running", resumed.State)
	}
	if resumed.ReservationID == "" || resumed.ReservationID == env.ReservationID {
		t.Errorf("resume did not bind a fresh reservation: %q", resumed.ReservationID)
	}
	if got := rig.fake.snapshot().Resumes; got != 1 {
		t.Errorf("resume calls = %d, want 1", got)
	}
}
