package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/registry"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

func testRegistry(t *testing.T, tools ...registry.ToolDefinition) *registry.Registry {
	t.Helper()
	if len(tools) == 0 {
		tools = []registry.ToolDefinition{
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
				PricePerMinuteCents: 60,
			},
		}
	}
	r, err := registry.New(tools)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestManager(t *testing.T, reg *registry.Registry) (*Manager, store.Store) {
	t.Helper()

	st := store.NewMemory()
	backend := engine.NewProcessEngine(8, "", 0)
	t.Cleanup(func() { backend.Close() })

	workspaces, err := engine.NewWorkspaceManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	calc, err := settle.NewCalculator(settle.DefaultPolicy(), st.Settlements())
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(Deps{
		Registry:   reg,
		Backend:    backend,
		Store:      st,
		Ledger:     ledger.New(st.Sessions()),
		Calculator: calc,
		Workspaces: workspaces,
		Metrics:    monitor.NewMetrics(),
		Tracer:     monitor.NewTracer(),
		Detector:   monitor.NewAbuseDetector(),
	})
	return mgr, st
}

func activeSession(t *testing.T, mgr *Manager, budget int64) *store.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := mgr.Create(ctx, "agent-1", "provider-1", budget)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Start(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	return sess
}

func waitTerminal(t *testing.T, mgr *Manager, sessionID, execID string) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := mgr.GetExecution(context.Background(), sessionID, execID)
		if err != nil {
			t.Fatal(err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return nil
}

func TestLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "agent-1", "provider-1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionPending {
		t.Errorf("status after create = %s, want pending", sess.Status)
	}

	sess, err = mgr.Start(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionActive || sess.StartedAt == nil {
		t.Errorf("status after start = %s, started_at = %v", sess.Status, sess.StartedAt)
	}

	sess, summary, err := mgr.End(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionCompleted || sess.EndedAt == nil {
		t.Errorf("status after end = %s", sess.Status)
	}
	if summary.TotalCents != sess.ConsumedCents {
		t.Errorf("preview total = %d, want %d", summary.TotalCents, sess.ConsumedCents)
	}

	rec, err := mgr.Settle(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != sess.ID {
		t.Errorf("settlement session = %q", rec.SessionID)
	}

	got, _, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionSettled || got.SettledAt == nil {
		t.Errorf("status after settle = %s", got.Status)
	}
}

func TestEndOnPendingFailsWithStateError(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "agent-1", "provider-1", 1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := mgr.End(ctx, sess.ID); !errors.Is(err, ErrState) {
		t.Fatalf("End() on pending error = %v, want ErrState", err)
	}

	got, _, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionPending {
		t.Errorf("status = %s after rejected end, want pending", got.Status)
	}
}

func TestOnlyForwardTransitions(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	if _, err := mgr.Start(ctx, sess.ID); !errors.Is(err, ErrState) {
		t.Errorf("second Start() error = %v, want ErrState", err)
	}
	if _, err := mgr.Settle(ctx, sess.ID); !errors.Is(err, ErrState) {
		t.Errorf("Settle() on active error = %v, want ErrState", err)
	}
}

func TestSettleTwiceFailsWithAlreadySettled(t *testing.T) {
	mgr, st := newTestManager(t, testRegistry(t))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	if _, _, err := mgr.End(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	first, err := mgr.Settle(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Settle(ctx, sess.ID); !errors.Is(err, settle.ErrAlreadySettled) {
		t.Fatalf("second Settle() error = %v, want ErrAlreadySettled", err)
	}

	stored, err := st.Settlements().GetBySession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != first.ID {
		t.Error("second Settle() replaced the settlement record")
	}
}

func TestProviderBusy(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "agent-1", "provider-1", 1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Create(ctx, "agent-2", "provider-1", 1000); !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("second Create() error = %v, want ErrProviderBusy", err)
	}

	// A different provider is unaffected.
	if _, err := mgr.Create(ctx, "agent-2", "provider-2", 1000); err != nil {
		t.Fatalf("Create() for other provider error = %v", err)
	}

	// Ending the session releases the provider.
	if _, err := mgr.Start(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := mgr.End(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, "agent-3", "provider-1", 1000); err != nil {
		t.Errorf("Create() after end error = %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "", "provider-1", 100); !errors.Is(err, ErrValidation) {
		t.Errorf("empty agent error = %v, want ErrValidation", err)
	}
	if _, err := mgr.Create(ctx, "agent-1", "provider-1", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("zero budget error = %v, want ErrValidation", err)
	}
	if _, err := mgr.Create(ctx, "agent-1", "provider-1", -5); !errors.Is(err, ErrValidation) {
		t.Errorf("negative budget error = %v, want ErrValidation", err)
	}
}

func TestExecuteBillsEffectiveTime(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	exec, remaining, err := mgr.Execute(ctx, sess.ID, "run", map[string]any{
		"flag":   "-c",
		"script": "sleep 0.1; echo done",
	})
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 1000 {
		t.Errorf("remaining at acceptance = %d, want 1000 (nothing debited yet)", remaining)
	}

	final := waitTerminal(t, mgr, sess.ID, exec.ID)
	if final.Status != store.ExecCompleted {
		t.Fatalf("Status = %s (detail %q)", final.Status, final.ErrorDetail)
	}
	if final.Stdout != "done\n" {
		t.Errorf("Stdout = %q", final.Stdout)
	}
	if final.DurationMS < 100 {
		t.Errorf("DurationMS = %d, want >= 100", final.DurationMS)
	}
	if final.CostCents < 1 {
		t.Errorf("CostCents = %d, want >= 1", final.CostCents)
	}

	// End waits for the debit, so totals are frozen and consistent.
	ended, _, err := mgr.End(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.ConsumedCents != final.CostCents {
		t.Errorf("ConsumedCents = %d, want %d", ended.ConsumedCents, final.CostCents)
	}
	if ended.EffectiveTimeMS != final.DurationMS {
		t.Errorf("EffectiveTimeMS = %d, want %d", ended.EffectiveTimeMS, final.DurationMS)
	}
}

func TestExecuteOnPendingSessionFails(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()

	sess, err := mgr.Create(ctx, "agent-1", "provider-1", 1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := mgr.Execute(ctx, sess.ID, "echo", map[string]any{"text": "hi"}); !errors.Is(err, ErrState) {
		t.Errorf("Execute() on pending error = %v, want ErrState", err)
	}
}

func TestExecuteUnknownToolAndBadArgs(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	if _, _, err := mgr.Execute(ctx, sess.ID, "rm-rf", nil); !errors.Is(err, registry.ErrUnknownTool) {
		t.Errorf("unknown tool error = %v", err)
	}
	if _, _, err := mgr.Execute(ctx, sess.ID, "echo", map[string]any{"nope": 1}); !errors.Is(err, registry.ErrInvalidArgs) {
		t.Errorf("bad args error = %v", err)
	}
}

// A projected cost beyond the remaining budget is rejected pre-flight: no
// execution record, no process.
func TestExecutePreflightRejection(t *testing.T) {
	expensive := registry.ToolDefinition{
		ID:                  "expensive",
		Command:             "/bin/echo",
		MaxDurationSeconds:  60,
		PricePerMinuteCents: 6000, // worst case 6000 cents per run
	}
	mgr, st := newTestManager(t, testRegistry(t, expensive))
	ctx := context.Background()
	sess := activeSession(t, mgr, 100)

	_, _, err := mgr.Execute(ctx, sess.ID, "expensive", nil)
	if !errors.Is(err, ledger.ErrBudgetExhausted) {
		t.Fatalf("Execute() error = %v, want ErrBudgetExhausted", err)
	}

	if n, _ := st.Executions().Count(ctx); n != 0 {
		t.Errorf("execution records = %d, want 0 — rejection must precede any spawn", n)
	}
	got, _, _ := mgr.Get(ctx, sess.ID)
	if got.ConsumedCents != 0 {
		t.Errorf("ConsumedCents = %d after rejection, want 0", got.ConsumedCents)
	}
}

// Two concurrent executions, each affordable alone but not jointly: exactly
// one runs, the other fails with BudgetExhausted after the first's debit.
func TestConcurrentExecutesOneSuccessOneRejection(t *testing.T) {
	tool := registry.ToolDefinition{
		ID:      "slow",
		Command: "/bin/sh",
		Args: []registry.ArgSpec{
			{Name: "flag", Type: registry.ArgString, Required: true},
			{Name: "script", Type: registry.ArgString, Required: true},
		},
		MaxDurationSeconds:  2,
		PricePerMinuteCents: 3000, // projected: 100 cents per run
	}
	mgr, _ := newTestManager(t, testRegistry(t, tool))
	ctx := context.Background()
	sess := activeSession(t, mgr, 150)

	args := map[string]any{"flag": "-c", "script": "sleep 1.1"}

	var wg sync.WaitGroup
	results := make([]error, 2)
	execIDs := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, _, err := mgr.Execute(ctx, sess.ID, "slow", args)
			results[i] = err
			if exec != nil {
				execIDs[i] = exec.ID
			}
		}(i)
	}
	wg.Wait()

	var successes, budgetFails int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
			waitTerminal(t, mgr, sess.ID, execIDs[i])
		case errors.Is(err, ledger.ErrBudgetExhausted):
			budgetFails++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || budgetFails != 1 {
		t.Errorf("got %d successes and %d budget rejections, want exactly 1 and 1", successes, budgetFails)
	}

	got, _, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsumedCents > got.BudgetCents {
		t.Errorf("consumed %d exceeds budget %d", got.ConsumedCents, got.BudgetCents)
	}
}

// Timeout bills the capped limit, not the actual sleep.
func TestTimeoutBillsCappedDuration(t *testing.T) {
	tool := registry.ToolDefinition{
		ID:      "sleepy",
		Command: "/bin/sleep",
		Args: []registry.ArgSpec{
			{Name: "seconds", Type: registry.ArgNumber, Required: true},
		},
		MaxDurationSeconds:  1,
		PricePerMinuteCents: 60,
	}
	mgr, _ := newTestManager(t, testRegistry(t, tool))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	exec, _, err := mgr.Execute(ctx, sess.ID, "sleepy", map[string]any{"seconds": 5})
	if err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, mgr, sess.ID, exec.ID)
	if final.Status != store.ExecTimeout {
		t.Fatalf("Status = %s, want timeout", final.Status)
	}
	if final.DurationMS != 1000 {
		t.Errorf("DurationMS = %d, want the 1000ms cap", final.DurationMS)
	}
	if final.CostCents != 1 {
		t.Errorf("CostCents = %d, want 1 (one second at 60/min)", final.CostCents)
	}

	got, _, _ := mgr.Get(ctx, sess.ID)
	if got.ConsumedCents != 1 || got.EffectiveTimeMS != 1000 {
		t.Errorf("consumed = %d, effective = %dms; want 1 and 1000", got.ConsumedCents, got.EffectiveTimeMS)
	}
}

func TestSpawnFailureIsRecordedWithoutRunning(t *testing.T) {
	tool := registry.ToolDefinition{
		ID:                  "ghost",
		Command:             "/nonexistent/ghost-binary",
		MaxDurationSeconds:  5,
		PricePerMinuteCents: 60,
	}
	mgr, _ := newTestManager(t, testRegistry(t, tool))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	exec, _, err := mgr.Execute(ctx, sess.ID, "ghost", nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.ExecFailed {
		t.Fatalf("status at acceptance = %q, want failed", exec.Status)
	}
	if exec.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil for a process that never spawned", exec.StartedAt)
	}
	if exec.CompletedAt == nil {
		t.Error("CompletedAt not set on spawn failure")
	}

	stored, err := mgr.GetExecution(ctx, sess.ID, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.ExecFailed || stored.StartedAt != nil {
		t.Errorf("stored record Status = %q, StartedAt = %v; want failed with nil StartedAt",
			stored.Status, stored.StartedAt)
	}
	if stored.CostCents != 0 {
		t.Errorf("CostCents = %d, want 0", stored.CostCents)
	}

	got, _, _ := mgr.Get(ctx, sess.ID)
	if got.ConsumedCents != 0 || got.EffectiveTimeMS != 0 {
		t.Errorf("consumed = %d, effective = %dms; want 0 and 0", got.ConsumedCents, got.EffectiveTimeMS)
	}

	// The session lock is released; a normal execution still goes through.
	next, _, err := mgr.Execute(ctx, sess.ID, "ghost", nil)
	if err != nil {
		t.Fatalf("second execute after spawn failure: %v", err)
	}
	if next.Status != store.ExecFailed {
		t.Errorf("second execute status = %q, want failed", next.Status)
	}
}

func TestGetExecutionScopedToSession(t *testing.T) {
	mgr, _ := newTestManager(t, testRegistry(t))
	ctx := context.Background()
	sess := activeSession(t, mgr, 1000)

	exec, _, err := mgr.Execute(ctx, sess.ID, "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, mgr, sess.ID, exec.ID)

	if _, err := mgr.GetExecution(ctx, "other-session", exec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-session GetExecution error = %v, want ErrNotFound", err)
	}
}
