package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"agent-toollease/internal/store"
)

const defaultExecPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// terminationGrace is how long a timed-out process gets between SIGTERM and
// SIGKILL.
const terminationGrace = 2 * time.Second

// ProcessEngine runs tools as direct child processes with a restricted
// environment, the session workspace as working directory, and best-effort
// rlimit caps. The hard guarantee is the wall-clock timeout.
type ProcessEngine struct {
	sem       chan struct{} // concurrency limiter
	active    atomic.Int64
	execPath  string
	maxOutput int
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

func NewProcessEngine(maxConcurrent int, execPath string, maxOutput int) *ProcessEngine {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	if execPath == "" {
		execPath = defaultExecPath
	}
	if maxOutput < 1 {
		maxOutput = 1 << 20
	}
	return &ProcessEngine{
		sem:       make(chan struct{}, maxConcurrent),
		execPath:  execPath,
		maxOutput: maxOutput,
	}
}

// Start launches the tool and returns immediately. Spawn failures (binary
// not found, permission denied) produce a handle that is already terminal
// with status failed; they never pass through running.
func (e *ProcessEngine) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, &ExecError{ExecID: req.ExecutionID, Op: "validate", Err: err}
	}

	argv, err := buildArgv(req.Tool, req.Args, req.Workspace)
	if err != nil {
		return nil, &ExecError{ExecID: req.ExecutionID, Op: "build_argv", Err: err}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &ExecError{ExecID: req.ExecutionID, Op: "acquire_slot", Err: ErrEngineClosed}
	}
	e.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &ExecError{ExecID: req.ExecutionID, Op: "acquire_slot", Err: ctx.Err()}
	}

	h := newHandle(req.ExecutionID, req.SessionID, req.Tool.ID, e.maxOutput)
	timeout := time.Duration(req.Tool.MaxDurationSeconds) * time.Second

	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("session_id", req.SessionID).
		Str("tool_id", req.Tool.ID).
		Logger()

	cmd := exec.Command(req.Tool.Command, argv...) // #nosec G204 -- command comes from the static whitelist
	cmd.Dir = req.Workspace
	cmd.Env = restrictedEnv(e.execPath, req.Workspace)
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	// Own process group so the timeout can take children down with the tool.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		<-e.sem
		logger.Warn().Err(err).Str("command", req.Tool.Command).Msg("tool process failed to spawn")
		if h.claimTerminal() {
			h.finish(Outcome{
				Status:   store.ExecFailed,
				ExitCode: -1,
				Detail:   fmt.Sprintf("%s: %s", ErrSpawn, err),
			})
		}
		return h, nil
	}

	h.markStarted(start)
	pid := cmd.Process.Pid
	applyProcessLimits(pid, req.Tool, logger)
	logger.Info().Int("pid", pid).Msg("tool process started")

	waitDone := make(chan struct{})

	timer := time.AfterFunc(timeout, func() {
		if !h.claimTerminal() {
			return
		}
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, killing process group")
		// Billed time is capped at the limit; the overrun is not charged.
		h.finish(Outcome{
			Status:     store.ExecTimeout,
			ExitCode:   -1,
			DurationMS: timeout.Milliseconds(),
			Detail:     fmt.Sprintf("%s: execution exceeded the %s limit", ErrTimeout, timeout),
		})
		killGroup(pid, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(terminationGrace):
			logger.Warn().Msg("process survived SIGTERM grace period, sending SIGKILL")
			killGroup(pid, syscall.SIGKILL)
		}
	})

	e.active.Add(1)
	e.wg.Add(1)
	go func() {
		defer func() {
			e.active.Add(-1)
			e.wg.Done()
			<-e.sem
		}()

		waitErr := cmd.Wait()
		close(waitDone)
		timer.Stop()

		if !h.claimTerminal() {
			return // timeout won the race; this exit is a no-op
		}

		elapsed := time.Since(start)
		outcome := Outcome{
			ExitCode:   cmd.ProcessState.ExitCode(),
			DurationMS: elapsed.Milliseconds(),
		}
		switch {
		case waitErr == nil:
			outcome.Status = store.ExecCompleted
		default:
			outcome.Status = store.ExecFailed
			outcome.Detail = failureDetail(waitErr, h.stderr.String())
		}

		logger.Info().
			Str("status", string(outcome.Status)).
			Int("exit_code", outcome.ExitCode).
			Dur("duration", elapsed).
			Msg("tool process exited")

		h.finish(outcome)
	}()

	return h, nil
}

// ActiveCount returns the number of currently running executions.
func (e *ProcessEngine) ActiveCount() int64 {
	return e.active.Load()
}

// Close stops accepting executions and waits for active ones to finish.
func (e *ProcessEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// restrictedEnv is the only environment a tool process sees: an explicit
// PATH, HOME repointed into the workspace, and nothing inherited from the
// provider process.
func restrictedEnv(execPath, workspace string) []string {
	return []string{
		"PATH=" + execPath,
		"HOME=" + workspace,
		"LANG=C.UTF-8",
		"TOOLLEASE_WORKSPACE=" + workspace,
	}
}

func failureDetail(waitErr error, stderr string) string {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		return waitErr.Error()
	}
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return detail
}

func killGroup(pid int, sig syscall.Signal) {
	// Negative pid targets the whole process group.
	_ = syscall.Kill(-pid, sig)
}
