package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/willynikes2/GenOS/internal/model"
)

func TestEnvironmentEventsHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	env := submitEnvironment(t, ts, `{"base_image":"ubuntu-22.04","runtime":"local","owner":"alice"}`)
	awaitState(t, ts, env.ID, model.StateRunning)

	resp, err := http.Get(ts.URL + "/v1/environments/" + env.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var hist environmentEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if hist.EnvironmentID != env.ID {
		t.Errorf("environment_id = %q, want %q", hist.EnvironmentID, env.ID)
	}
	if len(hist.Events) != 3 {
		t.Fatalf("events count = %d, want 3: %+v", len(hist.Events), hist.Events)
	}

	wantTo := []string{model.StateQueued, model.StateProvisioning, model.StateRunning}
	for i, ev := range hist.Events {
		if ev.To != wantTo[i] {
			t.Errorf("event[%d].To = %q, want %q", i, ev.To, wantTo[i])
		}
		if ev.EnvSeq != i+1 {
			t.Errorf("event[%d].EnvSeq = %d, want %d", i, ev.EnvSeq, i+1)
		}
	}
}

func TestEnvironmentEventsAfterCursor(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	env := submitEnvironment(t, ts, `{"base_image":"ubuntu-22.04","runtime":"local","owner":"alice"}`)
	awaitState(t, ts, env.ID, model.StateRunning)

	full, err := http.Get(ts.URL + "/v1/environments/" + env.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	var hist environmentEventsResponse
	json.NewDecoder(full.Body).Decode(&hist)
	full.Body.Close()
	if len(hist.Events) == 0 {
		t.Fatal("no events recorded")
	}

	cursor := hist.Events[0].Seq
	resp, err := http.Get(ts.URL + "/v1/environments/" + env.ID + "/events?after=" + strconv.FormatInt(cursor, 10))
	if err != nil {
		t.Fatalf("GET events after cursor: %v", err)
	}
	defer resp.Body.Close()

	var rest environmentEventsResponse
	json.NewDecoder(resp.Body).Decode(&rest)

	if len(rest.Events) != len(hist.Events)-1 {
		t.Fatalf("events after cursor = %d, want %d", len(rest.Events), len(hist.Events)-1)
	}
	if len(rest.Events) > 0 && rest.Events[0].Seq <= cursor {
		t.Errorf("first event seq = %d, want > %d", rest.Events[0].Seq, cursor)
	}
}

func TestEnvironmentEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/environments/nonexistent/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFollowsTransitions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	env := submitEnvironment(t, ts, `{"base_image":"ubuntu-22.04","runtime":"local","owner":"alice"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events?environment_id="+env.ID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// The subscription replays from the cursor, so frames for transitions
	// that happened before the request still arrive.
	events := readSSETransitions(t, resp.Body, func(ev model.Event) bool {
		return ev.To == model.StateRunning
	})

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	wantTo := []string{model.StateQueued, model.StateProvisioning, model.StateRunning}
	for i, ev := range events {
		if ev.To != wantTo[i] {
			t.Errorf("event[%d].To = %q, want %q", i, ev.To, wantTo[i])
		}
		if ev.EnvID != env.ID {
			t.Errorf("event[%d].EnvID = %q, want %q", i, ev.EnvID, env.ID)
		}
	}
}

func TestStreamEventsResumesFromLastEventID(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	env := submitEnvironment(t, ts, `{"base_image":"ubuntu-22.04","runtime":"local","owner":"alice"}`)
	awaitState(t, ts, env.ID, model.StateRunning)

	// Fetch history to learn the first frame's id, then reconnect the way a
	// browser would: Last-Event-ID set to the last frame it saw.
	full, err := http.Get(ts.URL + "/v1/environments/" + env.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	var hist environmentEventsResponse
	json.NewDecoder(full.Body).Decode(&hist)
	full.Body.Close()
	if len(hist.Events) != 3 {
		t.Fatalf("events count = %d, want 3", len(hist.Events))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events?environment_id="+env.ID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Last-Event-ID", strconv.FormatInt(hist.Events[0].Seq, 10))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	events := readSSETransitions(t, resp.Body, func(ev model.Event) bool {
		return ev.To == model.StateRunning
	})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (replay after cursor): %+v", len(events), events)
	}
	if events[0].To != model.StateProvisioning {
		t.Errorf("event[0].To = %q, want %q", events[0].To, model.StateProvisioning)
	}
}

// readSSETransitions parses "id:"/"data:" frames off the stream until done
// returns true, then stops reading. Closing the body afterwards unblocks the
// handler's next write.
func readSSETransitions(t *testing.T, body io.Reader, done func(model.Event) bool) []model.Event {
	t.Helper()

	var events []model.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("unmarshal SSE frame %q: %v", data, err)
		}
		events = append(events, ev)
		if done(ev) {
			return events
		}
	}
	t.Fatalf("stream ended before condition was met: %+v", events)
	return nil
}
