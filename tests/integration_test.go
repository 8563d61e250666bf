package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agent-toollease/internal/api"
	"agent-toollease/internal/config"
	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/registry"
	"agent-toollease/internal/session"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

const testAPIKey = "integration-test-key"

func toolWhitelist() []registry.ToolDefinition {
	return []registry.ToolDefinition{
		{
			ID:      "echo",
			Command: "/bin/echo",
			Args: []registry.ArgSpec{
				{Name: "text", Type: registry.ArgString, Required: true},
			},
			MaxDurationSeconds:  10,
			PricePerMinuteCents: 60,
		},
		{
			ID:      "run",
			Command: "/bin/sh",
			Args: []registry.ArgSpec{
				{Name: "flag", Type: registry.ArgString, Required: true},
				{Name: "script", Type: registry.ArgString, Required: true},
			},
			MaxDurationSeconds:  10,
			PricePerMinuteCents: 120,
		},
		{
			ID:      "sleepy",
			Command: "/bin/sleep",
			Args: []registry.ArgSpec{
				{Name: "seconds", Type: registry.ArgNumber, Required: true},
			},
			MaxDurationSeconds:  1,
			PricePerMinuteCents: 60,
		},
		{
			ID:      "read-file",
			Command: "/bin/cat",
			Args: []registry.ArgSpec{
				{Name: "file", Type: registry.ArgFilePath, Required: true},
			},
			MaxDurationSeconds:  10,
			PricePerMinuteCents: 60,
		},
	}
}

// newTestServer wires the full stack — real subprocess engine, in-memory
// store, metering, settlement — behind the production middleware chain.
func newTestServer(t testing.TB) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{testAPIKey}
	cfg.Security.RateLimitRPS = 10000
	cfg.Security.RateLimitBurst = 10000

	reg, err := registry.New(toolWhitelist())
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	backend := engine.NewProcessEngine(16, "", 0)
	t.Cleanup(func() { backend.Close() })

	workspaces, err := engine.NewWorkspaceManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	calc, err := settle.NewCalculator(settle.DefaultPolicy(), st.Settlements())
	if err != nil {
		t.Fatal(err)
	}

	metrics := monitor.NewMetrics()
	mgr := session.NewManager(session.Deps{
		Registry:   reg,
		Backend:    backend,
		Store:      st,
		Ledger:     ledger.New(st.Sessions()),
		Calculator: calc,
		Workspaces: workspaces,
		Metrics:    metrics,
		Tracer:     monitor.NewTracer(),
		Detector:   monitor.NewAbuseDetector(),
	})

	ts := httptest.NewServer(api.NewServer(cfg, mgr, st, metrics).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// call issues an authenticated request and returns the response with its
// body already read.
func call(t testing.TB, ts *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func unmarshal[T any](t testing.TB, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return v
}

func newActiveSession(t testing.TB, ts *httptest.Server, provider string, budget int64) *store.Session {
	t.Helper()

	resp, data := call(t, ts, http.MethodPost, "/sessions", api.CreateSessionRequest{
		AgentID:              "agent-e2e",
		ProviderID:           provider,
		BudgetAllowanceCents: budget,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d, body %s", resp.StatusCode, data)
	}
	sess := unmarshal[*store.Session](t, data)

	resp, data = call(t, ts, http.MethodPatch, "/sessions/"+sess.ID, api.SessionActionRequest{Action: "start"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start session: status %d, body %s", resp.StatusCode, data)
	}
	return sess
}

// runTool executes a tool and polls until the execution is terminal.
func runTool(t testing.TB, ts *httptest.Server, sessionID, toolID string, args map[string]any) *store.Execution {
	t.Helper()

	resp, data := call(t, ts, http.MethodPost, "/sessions/"+sessionID+"/execute", api.ExecuteRequest{
		ToolID: toolID,
		Args:   args,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute: status %d, body %s", resp.StatusCode, data)
	}
	accepted := unmarshal[api.ExecuteResponse](t, data)

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, data = call(t, ts, http.MethodGet, "/sessions/"+sessionID+"/executions/"+accepted.ExecutionID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get execution: status %d, body %s", resp.StatusCode, data)
		}
		exec := unmarshal[*store.Execution](t, data)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return nil
}

func TestFullSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	sess := newActiveSession(t, ts, "provider-lifecycle", 1000)

	exec := runTool(t, ts, sess.ID, "run", map[string]any{
		"flag":   "-c",
		"script": "sleep 0.1; echo rented compute",
	})
	if exec.Status != store.ExecCompleted {
		t.Fatalf("execution status = %s (detail %q)", exec.Status, exec.ErrorDetail)
	}
	if exec.Stdout != "rented compute\n" {
		t.Errorf("Stdout = %q", exec.Stdout)
	}
	if exec.CostCents < 1 {
		t.Errorf("CostCents = %d, want >= 1", exec.CostCents)
	}

	resp, data := call(t, ts, http.MethodPatch, "/sessions/"+sess.ID, api.SessionActionRequest{Action: "end"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d, body %s", resp.StatusCode, data)
	}
	ended := unmarshal[api.EndSessionResponse](t, data)
	if ended.Session.Status != store.SessionCompleted {
		t.Fatalf("status after end = %s", ended.Session.Status)
	}
	if ended.Session.ConsumedCents != exec.CostCents {
		t.Errorf("ConsumedCents = %d, want %d", ended.Session.ConsumedCents, exec.CostCents)
	}

	resp, data = call(t, ts, http.MethodPost, "/payments", api.PaymentRequest{SessionID: sess.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("payment: status %d, body %s", resp.StatusCode, data)
	}
	rec := unmarshal[*store.Settlement](t, data)

	if sum := rec.ProviderCents + rec.PlatformCents + rec.ReserveCents; sum != rec.TotalCents {
		t.Errorf("split leaks: %d+%d+%d != %d",
			rec.ProviderCents, rec.PlatformCents, rec.ReserveCents, rec.TotalCents)
	}
	if rec.TotalCents != ended.Session.ConsumedCents {
		t.Errorf("settled total = %d, want consumed %d", rec.TotalCents, ended.Session.ConsumedCents)
	}

	// Settlement is once per session, full stop.
	resp, data = call(t, ts, http.MethodPost, "/payments", api.PaymentRequest{SessionID: sess.ID})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second payment: status %d, want 400", resp.StatusCode)
	}
	errResp := unmarshal[api.ErrorResponse](t, data)
	if errResp.Code != "ALREADY_SETTLED" {
		t.Errorf("code = %q, want ALREADY_SETTLED", errResp.Code)
	}

	resp, data = call(t, ts, http.MethodGet, "/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: status %d", resp.StatusCode)
	}
	detail := unmarshal[api.SessionDetail](t, data)
	if detail.Session.Status != store.SessionSettled {
		t.Errorf("final status = %s, want settled", detail.Session.Status)
	}
}

func TestAuthEnforcement(t *testing.T) {
	ts := newTestServer(t)

	get := func(path, key string) int {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/tools", ""); got != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", got)
	}
	if got := get("/tools", "wrong-key"); got != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", got)
	}
	if got := get("/tools", testAPIKey); got != http.StatusOK {
		t.Errorf("valid key: status %d, want 200", got)
	}

	// Health and metrics are reachable without credentials.
	if got := get("/health", ""); got != http.StatusOK {
		t.Errorf("health without key: status %d, want 200", got)
	}
	if got := get("/metrics", ""); got != http.StatusOK {
		t.Errorf("metrics without key: status %d, want 200", got)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	// Without a client-supplied ID the server generates one.
	resp, _ := call(t, ts, http.MethodGet, "/tools", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	// A client-supplied ID is echoed back.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/tools", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Request-ID", "test-id-123")
	resp2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "test-id-123" {
		t.Errorf("echoed request ID = %q, want test-id-123", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := call(t, ts, http.MethodDelete, "/tools", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /tools: status %d, want 405", resp.StatusCode)
	}
}
