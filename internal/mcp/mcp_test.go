package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/chainhammer/pkg/types"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1234, "-1,234"},
		{float64(100000), "100,000"},
		{55.04, "55.0"},
		{uint64(500), "500"},
		{"x", "x"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.in); got != tt.want {
			t.Errorf("formatNumber(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatExperiment(t *testing.T) {
	raw, _ := json.Marshal(types.ExperimentResponse{
		Record: map[string]any{
			"send": map[string]any{"block_last": 500.0, "num_txs": 1000.0, "sample_txs_successful": true},
			"tps":  map[string]any{"peak_tps_average": 55.0, "final_tps_average": 30.0},
		},
		Run: types.RunState{Status: types.StatusSending, Strategy: "pool", Count: 1000, Sent: 400},
	})

	out := formatExperiment(raw)
	for _, want := range []string{"### send", "### tps", "num_txs:", "1,000", "sample_txs_successful: yes", "sending", "400"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "### node") {
		t.Errorf("absent section rendered:\n%s", out)
	}
}

func TestFormatExperimentEmpty(t *testing.T) {
	raw, _ := json.Marshal(types.ExperimentResponse{Record: map[string]any{}, Run: types.RunState{Status: types.StatusIdle}})
	out := formatExperiment(raw)
	if !strings.Contains(out, "No experiment record yet.") {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(out, "Strategy") {
		t.Errorf("idle run should not list run details:\n%s", out)
	}
}

func TestFormatHistory(t *testing.T) {
	raw := []byte(`{"experiments":[{"id":"abc","startedAt":"2026-05-01T10:00:00Z","blockFirst":496,"blockLast":500,
		"numTxs":1000,"sampleSuccessful":true,"peakTpsAverage":55,"finalTpsAverage":30}],"total":1,"limit":10,"offset":0}`)
	out := formatHistory(raw)
	for _, want := range []string{"### abc", "496..500", "55.0 TPS", "30.0 TPS", "Sample OK:", "2026-05-01 10:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if out := formatHistory([]byte(`{"experiments":[],"total":0}`)); !strings.Contains(out, "No experiments found.") {
		t.Errorf("empty output = %s", out)
	}
}

func TestFormatExperimentDetail(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	d := types.ExperimentDetail{
		ExperimentSummary: types.ExperimentSummary{ID: "abc", StartedAt: start, FinishedAt: start.Add(90 * time.Second)},
	}
	for i := range 35 {
		d.Samples = append(d.Samples, types.TpsSample{Block: uint64(100 + i), TPSAverage: float64(i)})
	}
	raw, _ := json.Marshal(d)

	out := formatExperimentDetail(raw)
	for _, want := range []string{"Experiment: abc", "1m30s", "TPS Series", "... and 5 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatHealth(t *testing.T) {
	raw, _ := json.Marshal(types.HealthResponse{Status: "unhealthy", RPCAddress: "http://node:8545", Error: "connection refused"})
	out := formatHealth(raw)
	for _, want := range []string{"UNHEALTHY", "http://node:8545", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestClient(t *testing.T) {
	var gotBody types.RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/experiment":
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
			}
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &gotBody)
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"status":"started"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
		case r.Method == http.MethodDelete:
			w.Write([]byte(`{"deleted":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := c.Post(ctx, "/v1/experiment", types.RunRequest{Count: 10, Strategy: "pool"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotBody.Count != 10 || gotBody.Strategy != "pool" {
		t.Errorf("server saw %+v", gotBody)
	}

	raw, err := c.Get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("Get error = %v, want HTTP 503", err)
	}
	if !strings.Contains(string(raw), "unhealthy") {
		t.Errorf("error body not returned: %s", raw)
	}

	if _, err := c.Delete(ctx, "/v1/history/abc"); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "/missing"); err == nil {
		t.Error("expected 404 error")
	}
}
