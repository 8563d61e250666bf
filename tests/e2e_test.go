package tests

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"agent-toollease/internal/api"
	"agent-toollease/internal/store"
)

// TestE2E drives real tool subprocesses through the full HTTP surface: one
// rented session, a sequence of invocations, and the billed outcome of each.
func TestE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ts := newTestServer(t)
	sess := newActiveSession(t, ts, "provider-e2e", 10000)

	tests := []struct {
		name       string
		tool       string
		args       map[string]any
		wantStatus store.ExecStatus
		wantExit   int
		wantOutput string // substring expected in stdout
		wantStderr string // substring expected in stderr (empty = don't check)
	}{
		{
			name:       "echo_hello",
			tool:       "echo",
			args:       map[string]any{"text": "Hello from a rented tool!"},
			wantStatus: store.ExecCompleted,
			wantExit:   0,
			wantOutput: "Hello from a rented tool!",
		},
		{
			name:       "shell_arithmetic",
			tool:       "run",
			args:       map[string]any{"flag": "-c", "script": "echo $((40 + 2))"},
			wantStatus: store.ExecCompleted,
			wantExit:   0,
			wantOutput: "42",
		},
		{
			name:       "nonzero_exit_is_failed",
			tool:       "run",
			args:       map[string]any{"flag": "-c", "script": "exit 3"},
			wantStatus: store.ExecFailed,
			wantExit:   3,
		},
		{
			name:       "stderr_captured",
			tool:       "run",
			args:       map[string]any{"flag": "-c", "script": "echo oops >&2; exit 1"},
			wantStatus: store.ExecFailed,
			wantExit:   1,
			wantStderr: "oops",
		},
		{
			name:       "workspace_is_writable",
			tool:       "run",
			args:       map[string]any{"flag": "-c", "script": "echo persisted > note.txt && cat note.txt"},
			wantStatus: store.ExecCompleted,
			wantExit:   0,
			wantOutput: "persisted",
		},
		{
			name:       "workspace_survives_between_invocations",
			tool:       "read-file",
			args:       map[string]any{"file": "note.txt"},
			wantStatus: store.ExecCompleted,
			wantExit:   0,
			wantOutput: "persisted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := runTool(t, ts, sess.ID, tt.tool, tt.args)

			if exec.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (detail %q, stderr %q)",
					exec.Status, tt.wantStatus, exec.ErrorDetail, exec.Stderr)
			}
			if exec.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", exec.ExitCode, tt.wantExit)
			}
			if tt.wantOutput != "" && !strings.Contains(exec.Stdout, tt.wantOutput) {
				t.Errorf("stdout %q does not contain %q", exec.Stdout, tt.wantOutput)
			}
			if tt.wantStderr != "" && !strings.Contains(exec.Stderr, tt.wantStderr) {
				t.Errorf("stderr %q does not contain %q", exec.Stderr, tt.wantStderr)
			}
		})
	}

	// Failed runs consumed provider time too — everything terminal is billed.
	resp, data := call(t, ts, http.MethodGet, "/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: status %d", resp.StatusCode)
	}
	detail := unmarshal[api.SessionDetail](t, data)
	if len(detail.Executions) != len(tests) {
		t.Errorf("recorded executions = %d, want %d", len(detail.Executions), len(tests))
	}
	var billed int64
	for _, e := range detail.Executions {
		billed += e.CostCents
	}
	if detail.Session.ConsumedCents != billed {
		t.Errorf("ConsumedCents = %d, want sum of execution costs %d",
			detail.Session.ConsumedCents, billed)
	}
}

// TestE2ETimeout proves the wall-clock limit is a hard stop: the tool asks
// for 30 seconds, the whitelist allows 1, and the agent is billed for 1.
func TestE2ETimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ts := newTestServer(t)
	sess := newActiveSession(t, ts, "provider-timeout", 10000)

	start := time.Now()
	exec := runTool(t, ts, sess.ID, "sleepy", map[string]any{"seconds": 30})
	elapsed := time.Since(start)

	if exec.Status != store.ExecTimeout {
		t.Fatalf("status = %s, want timeout", exec.Status)
	}
	if exec.DurationMS != 1000 {
		t.Errorf("billed duration = %dms, want the 1000ms cap", exec.DurationMS)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout not enforced: terminal after %s", elapsed)
	}
}

// TestE2EWorkspaceIsolation runs two sessions side by side: files written in
// one workspace are invisible to the other.
func TestE2EWorkspaceIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ts := newTestServer(t)
	sessA := newActiveSession(t, ts, "provider-a", 10000)
	sessB := newActiveSession(t, ts, "provider-b", 10000)

	write := runTool(t, ts, sessA.ID, "run", map[string]any{
		"flag":   "-c",
		"script": "echo secret > private.txt",
	})
	if write.Status != store.ExecCompleted {
		t.Fatalf("write in session A: %s", write.Status)
	}

	read := runTool(t, ts, sessB.ID, "read-file", map[string]any{"file": "private.txt"})
	if read.Status != store.ExecFailed {
		t.Fatalf("session B read of A's file: status = %s, want failed (stdout %q)",
			read.Status, read.Stdout)
	}
}

// TestE2EConcurrentSessions exercises parallel sessions against distinct
// providers; each bills independently.
func TestE2EConcurrentSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ts := newTestServer(t)

	providers := []string{"provider-c1", "provider-c2", "provider-c3"}
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(provider string) {
			defer wg.Done()
			sess := newActiveSession(t, ts, provider, 10000)
			exec := runTool(t, ts, sess.ID, "run", map[string]any{
				"flag":   "-c",
				"script": "sleep 0.2; echo " + provider,
			})
			if exec.Status != store.ExecCompleted {
				t.Errorf("%s: status = %s", provider, exec.Status)
				return
			}
			if !strings.Contains(exec.Stdout, provider) {
				t.Errorf("%s: stdout = %q", provider, exec.Stdout)
			}
		}(p)
	}
	wg.Wait()
}
