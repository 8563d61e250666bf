package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/registry"
	"agent-toollease/internal/settle"
)

func benchTool(b testing.TB) (*registry.ToolDefinition, registry.Args) {
	b.Helper()
	reg, err := registry.New([]registry.ToolDefinition{
		{
			ID:      "echo",
			Command: "/bin/echo",
			Args: []registry.ArgSpec{
				{Name: "text", Type: registry.ArgString, Required: true},
			},
			MaxDurationSeconds:  10,
			PricePerMinuteCents: 60,
		},
	})
	if err != nil {
		b.Fatal(err)
	}
	tool, err := reg.Lookup("echo")
	if err != nil {
		b.Fatal(err)
	}
	args, err := reg.ValidateArgs(tool, map[string]any{"text": "hello"})
	if err != nil {
		b.Fatal(err)
	}
	return tool, args
}

func BenchmarkProcessExecution(b *testing.B) {
	tool, args := benchTool(b)

	backend := engine.NewProcessEngine(100, "", 0)
	defer backend.Close()
	workspace := b.TempDir()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, err := backend.Start(ctx, engine.StartRequest{
			ExecutionID: fmt.Sprintf("bench-%d", i),
			SessionID:   "bench-session",
			Tool:        tool,
			Args:        args,
			Workspace:   workspace,
		})
		if err != nil {
			b.Fatalf("start failed: %v", err)
		}
		<-h.Done()
	}
}

func BenchmarkConcurrentExecutions(b *testing.B) {
	tool, args := benchTool(b)

	backend := engine.NewProcessEngine(200, "", 0)
	defer backend.Close()
	workspace := b.TempDir()
	ctx := context.Background()

	for _, conc := range []int{10, 50} {
		b.Run(fmt.Sprintf("concurrent_%d", conc), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				wg.Add(conc)
				for j := 0; j < conc; j++ {
					go func(n int) {
						defer wg.Done()
						h, err := backend.Start(ctx, engine.StartRequest{
							ExecutionID: fmt.Sprintf("bench-%d-%d", i, n),
							SessionID:   "bench-session",
							Tool:        tool,
							Args:        args,
							Workspace:   workspace,
						})
						if err == nil {
							<-h.Done()
						}
					}(j)
				}
				wg.Wait()
			}
		})
	}
}

func BenchmarkCost(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ledger.Cost(50, int64(i%600000))
	}
}

func BenchmarkSettlementSplit(b *testing.B) {
	policy := settle.DefaultPolicy()
	for i := 0; i < b.N; i++ {
		settle.Split(policy, int64(i%100000))
	}
}

func BenchmarkAbuseDetector(b *testing.B) {
	detector := monitor.NewAbuseDetector()

	cases := []struct {
		name string
		args []string
	}{
		{"benign", []string{"report.txt", "--count"}},
		{"suspicious", []string{"/proc/self/root/etc/shadow"}},
		{"metadata", []string{"http://169.254.169.254/latest/meta-data/"}},
	}

	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				detector.AnalyzeArgs("bench-session", tc.args)
			}
		})
	}
}

// TestStartupLatency keeps an eye on the acceptance-to-terminal overhead for
// a trivial tool. Subprocess spawn should stay well under a second.
func TestStartupLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency test in short mode")
	}

	tool, args := benchTool(t)

	backend := engine.NewProcessEngine(10, "", 0)
	defer backend.Close()
	workspace := t.TempDir()
	ctx := context.Background()

	const iterations = 5
	var total time.Duration
	for i := 0; i < iterations; i++ {
		start := time.Now()
		h, err := backend.Start(ctx, engine.StartRequest{
			ExecutionID: fmt.Sprintf("latency-%d", i),
			SessionID:   "latency-session",
			Tool:        tool,
			Args:        args,
			Workspace:   workspace,
		})
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		<-h.Done()
		total += time.Since(start)

		if out := h.Outcome(); out.ExitCode != 0 {
			t.Fatalf("non-zero exit code: %d", out.ExitCode)
		}
	}

	avg := total / iterations
	t.Logf("average acceptance-to-terminal latency: %s", avg)
	if avg > 2*time.Second {
		t.Errorf("average latency too high: %s", avg)
	}
}
