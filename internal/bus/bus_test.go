package bus_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/willynikes2/GenOS/internal/bus"
	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

func newTestBus(t *testing.T) (*bus.Bus, *registry.SQLiteStore) {
	t.Helper()
	store, err := registry.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(store, logger)
	t.Cleanup(b.Close)
	return b, store
}

func createEnvironment(t *testing.T, store *registry.SQLiteStore) string {
	t.Helper()
	now := time.Now().UTC()
	env := &model.Environment{
		ID:    model.NewID(),
		State: model.StateRequested,
		Spec: model.EnvironmentSpec{
			BaseImage: "ubuntu-22.04",
			Resources: model.Resources{CPU: 1, MemoryMB: 512, DiskGB: 10},
			Owner:     "alice",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	return env.ID
}

// commit performs a state transition and publishes the committed event, the
// write-ahead order the engine uses.
func commit(t *testing.T, store *registry.SQLiteStore, b *bus.Bus, id, from, to string) model.Event {
	t.Helper()
	_, ev, err := store.CompareAndSwapState(context.Background(), id, from, to, model.ActorScheduler, "", nil)
	if err != nil {
		t.Fatalf("CompareAndSwapState %s->%s: %v", from, to, err)
	}
	b.Publish(*ev)
	return *ev
}

func recvEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.Event{}
}

func TestSubscriberReplaysCommittedEvents(t *testing.T) {
	b, store := newTestBus(t)
	id := createEnvironment(t, store)

	commit(t, store, b, id, model.StateRequested, model.StateQueued)
	commit(t, store, b, id, model.StateQueued, model.StateProvisioning)
	commit(t, store, b, id, model.StateProvisioning, model.StateRunning)

	// Subscribing after the fact replays everything from the cursor.
	sub := b.Subscribe(context.Background(), "", 0)
	defer sub.Close()

	wantTo := []string{model.StateQueued, model.StateProvisioning, model.StateRunning}
	for i, want := range wantTo {
		ev := recvEvent(t, sub.Events())
		if ev.To != want {
			t.Errorf("event[%d].To = %q, want %q", i, ev.To, want)
		}
		if ev.EnvSeq != i+1 {
			t.Errorf("event[%d].EnvSeq = %d, want %d", i, ev.EnvSeq, i+1)
		}
	}
}

func TestLiveDeliveryAfterPublish(t *testing.T) {
	b, store := newTestBus(t)
	id := createEnvironment(t, store)

	sub := b.Subscribe(context.Background(), "", 0)
	defer sub.Close()

	commit(t, store, b, id, model.StateRequested, model.StateQueued)

	ev := recvEvent(t, sub.Events())
	if ev.EnvID != id {
		t.Errorf("EnvID = %q, want %q", ev.EnvID, id)
	}
	if ev.From != model.StateRequested || ev.To != model.StateQueued {
		t.Errorf("transition = %s->%s, want requested->queued", ev.From, ev.To)
	}
}

func TestCursorSkipsDeliveredEvents(t *testing.T) {
	b, store := newTestBus(t)
	id := createEnvironment(t, store)

	commit(t, store, b, id, model.StateRequested, model.StateQueued)
	second := commit(t, store, b, id, model.StateQueued, model.StateProvisioning)
	third := commit(t, store, b, id, model.StateProvisioning, model.StateRunning)

	sub := b.Subscribe(context.Background(), "", second.Seq)
	defer sub.Close()

	ev := recvEvent(t, sub.Events())
	if ev.Seq != third.Seq {
		t.Errorf("Seq = %d, want %d", ev.Seq, third.Seq)
	}

	select {
	case extra := <-sub.Events():
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnvironmentFilter(t *testing.T) {
	b, store := newTestBus(t)
	a := createEnvironment(t, store)
	other := createEnvironment(t, store)

	sub := b.Subscribe(context.Background(), a, 0)
	defer sub.Close()

	commit(t, store, b, other, model.StateRequested, model.StateQueued)
	commit(t, store, b, a, model.StateRequested, model.StateQueued)

	ev := recvEvent(t, sub.Events())
	if ev.EnvID != a {
		t.Errorf("EnvID = %q, want %q", ev.EnvID, a)
	}

	select {
	case extra := <-sub.Events():
		t.Errorf("unexpected event for other environment: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoEventLostWhileSubscriberPaused(t *testing.T) {
	b, store := newTestBus(t)
	id := createEnvironment(t, store)

	sub := b.Subscribe(context.Background(), "", 0)
	defer sub.Close()

	// Publish a burst without reading anything.
	steps := [][2]string{
		{model.StateRequested, model.StateQueued},
		{model.StateQueued, model.StateProvisioning},
		{model.StateProvisioning, model.StateRunning},
		{model.StateRunning, model.StateSuspended},
		{model.StateSuspended, model.StateRunning},
	}
	for _, st := range steps {
		commit(t, store, b, id, st[0], st[1])
	}

	// Every event is still there, in commit order.
	var last int64
	for i := range steps {
		ev := recvEvent(t, sub.Events())
		if ev.Seq <= last {
			t.Errorf("event[%d].Seq = %d, want > %d", i, ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestResubscribeResumesFromCursor(t *testing.T) {
	b, store := newTestBus(t)
	id := createEnvironment(t, store)

	commit(t, store, b, id, model.StateRequested, model.StateQueued)

	sub := b.Subscribe(context.Background(), "", 0)
	first := recvEvent(t, sub.Events())
	sub.Close()

	// Events committed while disconnected.
	commit(t, store, b, id, model.StateQueued, model.StateProvisioning)
	commit(t, store, b, id, model.StateProvisioning, model.StateRunning)

	resumed := b.Subscribe(context.Background(), "", first.Seq)
	defer resumed.Close()

	ev := recvEvent(t, resumed.Events())
	if ev.To != model.StateProvisioning {
		t.Errorf("first resumed event To = %q, want %q", ev.To, model.StateProvisioning)
	}
	ev = recvEvent(t, resumed.Events())
	if ev.To != model.StateRunning {
		t.Errorf("second resumed event To = %q, want %q", ev.To, model.StateRunning)
	}
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	b, _ := newTestBus(t)

	sub := b.Subscribe(context.Background(), "", 0)
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestBusCloseStopsSubscribers(t *testing.T) {
	b, _ := newTestBus(t)

	sub := b.Subscribe(context.Background(), "", 0)
	b.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel after bus Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after bus Close")
	}

	// Late subscribers get a closed channel.
	late := b.Subscribe(context.Background(), "", 0)
	if _, ok := <-late.Events(); ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestContextCancelStopsSubscription(t *testing.T) {
	b, _ := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "", 0)
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
