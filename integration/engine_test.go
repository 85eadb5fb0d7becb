// Package integration holds end-to-end checks that run against a live
// engine deployment (Postgres, Redis, Kafka, and the engine process).
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type statusResponse struct {
	Running        bool   `json:"running"`
	OpenPositions  int    `json:"open_positions"`
	PriceCacheSize int    `json:"price_cache_size"`
	StartedAt      string `json:"started_at"`
}

type triggerResponse struct {
	Action string `json:"action"`
	Price  string `json:"price"`
}

func engineURL() string {
	if v := os.Getenv("ENGINE_URL"); v != "" {
		return v
	}
	return "http://localhost:8086"
}

func waitForEngine(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(engineURL() + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("engine did not become healthy at %s", engineURL())
}

func TestEngineStatusFlow(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	waitForEngine(t)

	resp, err := http.Get(engineURL() + "/api/v1/engine/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from status, got %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatalf("expected a running engine, got %+v", status)
	}
	if status.PriceCacheSize == 0 {
		t.Fatalf("price cache is empty; is the price feed seeded?")
	}
}

func TestEngineStopAndStart(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	waitForEngine(t)

	post := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Post(engineURL()+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		return resp
	}

	resp := post("/api/v1/engine/stop")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from stop, got %d", resp.StatusCode)
	}

	resp = post("/api/v1/engine/start")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d", resp.StatusCode)
	}

	statusResp, err := http.Get(engineURL() + "/api/v1/engine/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer statusResp.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatalf("engine did not restart")
	}
}

func TestEngineTriggerValidation(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	waitForEngine(t)

	body, _ := json.Marshal(map[string]string{"user_id": "not-a-uuid"})
	resp, err := http.Post(engineURL()+"/api/v1/engine/test/trigger", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("trigger request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 400 for malformed trigger, got %d: %s", resp.StatusCode, raw)
	}
}

func TestMetricsExposed(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	waitForEngine(t)

	resp, err := http.Get(engineURL() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, metric := range []string{"engine_ticks_total", "engine_price_cache_symbols"} {
		if !bytes.Contains(raw, []byte(metric)) {
			t.Fatalf("metrics output missing %s", metric)
		}
	}
}
