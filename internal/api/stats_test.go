package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/willynikes2/GenOS/internal/model"
	"github.com/willynikes2/GenOS/internal/registry"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats registry.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.Events != 0 {
		t.Errorf("events = %d, want 0", stats.Events)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Three parked submissions and one that runs to completion.
	for i := 0; i < 3; i++ {
		submitEnvironment(t, ts, `{"base_image":"ubuntu-22.04","runtime":"local","owner":"alice","auto_start":false}`)
	}
	env := submitEnvironment(t, ts, `{"base_image":"fedora-39","runtime":"local","owner":"bob"}`)
	awaitState(t, ts, env.ID, model.StateRunning)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats registry.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.CountByState[model.StateQueued] != 3 {
		t.Errorf("count_by_state[queued] = %d, want 3", stats.CountByState[model.StateQueued])
	}
	if stats.CountByState[model.StateRunning] != 1 {
		t.Errorf("count_by_state[running] = %d, want 1", stats.CountByState[model.StateRunning])
	}
	if stats.CountByAdapter[model.RuntimeLocal] != 4 {
		t.Errorf("count_by_adapter[local] = %d, want 4", stats.CountByAdapter[model.RuntimeLocal])
	}
	// requested→queued for all four, plus provisioning and running for one.
	if stats.Events < 6 {
		t.Errorf("events = %d, want at least 6", stats.Events)
	}
}
