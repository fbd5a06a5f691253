package sched_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/sched"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, hosts []catalog.Host, opts sched.Options) *sched.Scheduler {
	t.Helper()
	s := sched.NewScheduler(sched.NewPool(hosts), discardLogger(), opts)
	t.Cleanup(s.Close)
	return s
}

func singleHost(cpu, memMB int) []catalog.Host {
	return []catalog.Host{{Name: "only", CPU: cpu, MemoryMB: memMB, DiskGB: 100}}
}

func spec(cpu, memMB int, priority string) model.EnvironmentSpec {
	return model.EnvironmentSpec{
		BaseImage: "ubuntu-22.04",
		Resources: model.Resources{CPU: cpu, MemoryMB: memMB, DiskGB: 10},
		Priority:  priority,
	}
}

// recvGrant waits for a grant with a timeout.
func recvGrant(t *testing.T, s *sched.Scheduler) sched.Grant {
	t.Helper()
	select {
	case g := <-s.Grants():
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for grant")
		return sched.Grant{}
	}
}

func TestAdmitImmediate(t *testing.T) {
	s := newTestScheduler(t, singleHost(8, 8192), sched.Options{})

	d, err := s.Admit("env-1", spec(2, 2048, model.PriorityNormal))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Admitted {
		t.Fatal("Admitted = false, want true")
	}
	if d.Reservation.Host != "only" {
		t.Errorf("host = %q, want only", d.Reservation.Host)
	}
	if d.Reservation.EnvID != "env-1" {
		t.Errorf("reservation env = %q, want env-1", d.Reservation.EnvID)
	}
}

func TestAdmitQueuesWhenNoCapacity(t *testing.T) {
	s := newTestScheduler(t, singleHost(4, 4096), sched.Options{})

	if _, err := s.Admit("env-1", spec(4, 4096, model.PriorityNormal)); err != nil {
		t.Fatalf("Admit env-1: %v", err)
	}

	d, err := s.Admit("env-2", spec(1, 512, model.PriorityNormal))
	if err != nil {
		t.Fatalf("Admit env-2: %v", err)
	}
	if d.Admitted || !d.Queued {
		t.Fatalf("decision = %+v, want queued", d)
	}
	if d.Position != 1 {
		t.Errorf("position = %d, want 1", d.Position)
	}
	if depths := s.QueueDepths(); depths[model.PriorityNormal] != 1 {
		t.Errorf("normal queue depth = %d, want 1", depths[model.PriorityNormal])
	}
}

func TestAdmitRejectsWhenQueueFull(t *testing.T) {
	s := newTestScheduler(t, singleHost(1, 1024), sched.Options{QueueCapacity: 1})

	if _, err := s.Admit("env-1", spec(1, 1024, model.PriorityNormal)); err != nil {
		t.Fatalf("Admit env-1: %v", err)
	}
	if _, err := s.Admit("env-2", spec(1, 512, model.PriorityNormal)); err != nil {
		t.Fatalf("Admit env-2: %v", err)
	}

	_, err := s.Admit("env-3", spec(1, 512, model.PriorityNormal))
	if !errors.Is(err, sched.ErrResourceExhausted) {
		t.Fatalf("Admit env-3 error = %v, want ErrResourceExhausted", err)
	}

	// A different priority class still has room.
	d, err := s.Admit("env-4", spec(1, 512, model.PriorityHigh))
	if err != nil {
		t.Fatalf("Admit env-4: %v", err)
	}
	if !d.Queued {
		t.Errorf("decision = %+v, want queued", d)
	}
}

func TestReleaseGrantsQueuedFIFO(t *testing.T) {
	s := newTestScheduler(t, singleHost(2, 2048), sched.Options{})

	first, err := s.Admit("env-1", spec(2, 2048, model.PriorityNormal))
	if err != nil || !first.Admitted {
		t.Fatalf("Admit env-1 = %+v, %v", first, err)
	}
	for _, id := range []string{"env-2", "env-3"} {
		d, err := s.Admit(id, spec(2, 2048, model.PriorityNormal))
		if err != nil || !d.Queued {
			t.Fatalf("Admit %s = %+v, %v", id, d, err)
		}
	}

	if !s.Release(first.Reservation.ID) {
		t.Fatal("Release = false, want true")
	}

	g := recvGrant(t, s)
	if g.EnvID != "env-2" {
		t.Errorf("granted %q first, want env-2 (FIFO)", g.EnvID)
	}

	if !s.Release(g.Reservation.ID) {
		t.Fatal("second Release = false, want true")
	}
	g = recvGrant(t, s)
	if g.EnvID != "env-3" {
		t.Errorf("granted %q second, want env-3", g.EnvID)
	}
}

func TestHigherPriorityDrainsFirst(t *testing.T) {
	s := newTestScheduler(t, singleHost(2, 2048), sched.Options{})

	holder, err := s.Admit("holder", spec(2, 2048, model.PriorityNormal))
	if err != nil || !holder.Admitted {
		t.Fatalf("Admit holder = %+v, %v", holder, err)
	}

	// Low priority waits ahead of high priority in wall-clock order.
	if d, err := s.Admit("low-1", spec(2, 2048, model.PriorityLow)); err != nil || !d.Queued {
		t.Fatalf("Admit low-1 = %+v, %v", d, err)
	}
	if d, err := s.Admit("high-1", spec(2, 2048, model.PriorityHigh)); err != nil || !d.Queued {
		t.Fatalf("Admit high-1 = %+v, %v", d, err)
	}

	s.Release(holder.Reservation.ID)

	g := recvGrant(t, s)
	if g.EnvID != "high-1" {
		t.Errorf("granted %q, want high-1 to drain before low-1", g.EnvID)
	}
}

func TestLowerClassUsesLeftoverCapacity(t *testing.T) {
	s := newTestScheduler(t, singleHost(4, 4096), sched.Options{})

	holder1, err := s.Admit("holder-1", spec(2, 2048, model.PriorityNormal))
	if err != nil || !holder1.Admitted {
		t.Fatalf("Admit holder-1 = %+v, %v", holder1, err)
	}
	holder2, err := s.Admit("holder-2", spec(2, 2048, model.PriorityNormal))
	if err != nil || !holder2.Admitted {
		t.Fatalf("Admit holder-2 = %+v, %v", holder2, err)
	}

	// The high-class head needs the whole host; releasing one holder frees
	// only half. The small low-class request behind it should still receive
	// the leftover rather than waiting behind a blocked higher class.
	if d, err := s.Admit("high-big", spec(4, 4096, model.PriorityHigh)); err != nil || !d.Queued {
		t.Fatalf("Admit high-big = %+v, %v", d, err)
	}
	if d, err := s.Admit("low-small", spec(1, 512, model.PriorityLow)); err != nil || !d.Queued {
		t.Fatalf("Admit low-small = %+v, %v", d, err)
	}

	s.Release(holder1.Reservation.ID)

	g := recvGrant(t, s)
	if g.EnvID != "low-small" {
		t.Errorf("granted %q, want low-small", g.EnvID)
	}
	if depths := s.QueueDepths(); depths[model.PriorityHigh] != 1 {
		t.Errorf("high queue depth = %d, want high-big still waiting", depths[model.PriorityHigh])
	}
}

func TestRacingAdmissionsForLastUnit(t *testing.T) {
	s := newTestScheduler(t, singleHost(1, 1024), sched.Options{})

	var wg sync.WaitGroup
	results := make([]sched.Decision, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Admit("env-"+string(rune('a'+i)), spec(1, 1024, model.PriorityNormal))
		}(i)
	}
	wg.Wait()

	admitted := 0
	queued := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Admit[%d]: %v", i, errs[i])
		}
		if results[i].Admitted {
			admitted++
		}
		if results[i].Queued {
			queued++
		}
	}
	if admitted != 1 {
		t.Errorf("admitted = %d, want exactly 1", admitted)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want exactly 1", queued)
	}
}

func TestSweepExpiresQueuedRequests(t *testing.T) {
	s := newTestScheduler(t, singleHost(1, 1024), sched.Options{WaitBudget: time.Hour})

	if _, err := s.Admit("holder", spec(1, 1024, model.PriorityNormal)); err != nil {
		t.Fatalf("Admit holder: %v", err)
	}
	if d, err := s.Admit("waiter", spec(1, 1024, model.PriorityNormal)); err != nil || !d.Queued {
		t.Fatalf("Admit waiter = %+v, %v", d, err)
	}

	// Before the budget elapses nothing expires.
	if n := s.Sweep(time.Now().UTC()); n != 0 {
		t.Errorf("Sweep before budget = %d, want 0", n)
	}

	if n := s.Sweep(time.Now().UTC().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Sweep after budget = %d, want 1", n)
	}

	select {
	case e := <-s.Expiries():
		if e.EnvID != "waiter" {
			t.Errorf("expired %q, want waiter", e.EnvID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry")
	}

	if depths := s.QueueDepths(); depths[model.PriorityNormal] != 0 {
		t.Errorf("queue depth after expiry = %d, want 0", depths[model.PriorityNormal])
	}
}

func TestForgetRemovesQueuedRequest(t *testing.T) {
	s := newTestScheduler(t, singleHost(1, 1024), sched.Options{})

	if _, err := s.Admit("holder", spec(1, 1024, model.PriorityNormal)); err != nil {
		t.Fatalf("Admit holder: %v", err)
	}
	if d, err := s.Admit("waiter", spec(1, 512, model.PriorityNormal)); err != nil || !d.Queued {
		t.Fatalf("Admit waiter = %+v, %v", d, err)
	}

	if !s.Forget("waiter") {
		t.Error("Forget = false, want true")
	}
	if s.Forget("waiter") {
		t.Error("second Forget = true, want false")
	}
	if depths := s.QueueDepths(); depths[model.PriorityNormal] != 0 {
		t.Errorf("queue depth after Forget = %d, want 0", depths[model.PriorityNormal])
	}
}
