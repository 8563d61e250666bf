package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"agent-toollease/internal/config"
	"agent-toollease/internal/store"
)

// containerWorkspace is where the session workspace is mounted inside tool
// containers.
const containerWorkspace = "/workspace"

// ContainerdEngine runs tools inside containerd containers with the session
// workspace bind-mounted. Same contract as the subprocess engine; the extra
// isolation is for providers exposing tools they trust less.
type ContainerdEngine struct {
	client    *containerdClient
	image     string
	sem       chan struct{}
	active    atomic.Int64
	maxOutput int
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

func newContainerdEngine(ctx context.Context, cfg *config.Config) (*ContainerdEngine, error) {
	client, err := newContainerdClient(ctx, cfg.Engine.Containerd.Socket, cfg.Engine.Containerd.Namespace)
	if err != nil {
		return nil, err
	}

	maxConcurrent := cfg.Engine.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	maxOutput := cfg.Engine.MaxOutputBytes
	if maxOutput < 1 {
		maxOutput = 1 << 20
	}

	return &ContainerdEngine{
		client:    client,
		image:     cfg.Engine.Containerd.Image,
		sem:       make(chan struct{}, maxConcurrent),
		maxOutput: maxOutput,
	}, nil
}

// Start validates the request synchronously, then performs container setup
// and execution in the background. Setup failures (image pull, container
// create, task start) surface as a terminal failed outcome, matching the
// subprocess engine's spawn-failure semantics.
func (e *ContainerdEngine) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, &ExecError{ExecID: req.ExecutionID, Op: "validate", Err: err}
	}

	// File paths resolve against the in-container mount point.
	argv, err := buildArgv(req.Tool, req.Args, containerWorkspace)
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

	e.active.Add(1)
	e.wg.Add(1)
	go func() {
		defer func() {
			e.active.Add(-1)
			e.wg.Done()
			<-e.sem
		}()
		e.run(req, argv, h)
	}()

	return h, nil
}

func (e *ContainerdEngine) run(req StartRequest, argv []string, h *Handle) {
	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("session_id", req.SessionID).
		Str("tool_id", req.Tool.ID).
		Logger()

	timeout := time.Duration(req.Tool.MaxDurationSeconds) * time.Second
	// Setup gets its own allowance on top of the tool's run budget.
	setupCtx, cancel := context.WithTimeout(context.Background(), timeout+time.Minute)
	defer cancel()

	fail := func(op string, err error) {
		logger.Warn().Err(err).Str("op", op).Msg("container execution failed to start")
		if h.claimTerminal() {
			h.finish(Outcome{
				Status:   store.ExecFailed,
				ExitCode: -1,
				Detail:   fmt.Sprintf("%s: %s: %s", ErrSpawn, op, err),
			})
		}
	}

	image, err := e.client.pullImage(setupCtx, e.image)
	if err != nil {
		fail("pull_image", err)
		return
	}

	nsCtx := e.client.withNamespace(setupCtx)
	containerID := "toollease-" + req.ExecutionID

	processArgs := append([]string{req.Tool.Command}, argv...)
	container, err := e.client.raw().NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(processArgs...),
			oci.WithProcessCwd(containerWorkspace),
			oci.WithHostname("toollease"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				hardenSpec(s)
				applyOCILimits(s, req.Tool.Limits)
				s.Mounts = append(s.Mounts, workspaceMount(req.Workspace))
				s.Process.Env = restrictedEnv(defaultExecPath, containerWorkspace)
				return nil
			},
		),
	)
	if err != nil {
		fail("create_container", err)
		return
	}
	defer func() {
		if cleanErr := e.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, h.stdout, h.stderr)),
	)
	if err != nil {
		fail("create_task", err)
		return
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		fail("task_wait", err)
		return
	}

	start := time.Now()
	if err := task.Start(nsCtx); err != nil {
		fail("task_start", err)
		return
	}
	h.markStarted(start)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exitCh:
		if !h.claimTerminal() {
			return
		}
		elapsed := time.Since(start)
		exitCode := int(status.ExitCode())
		outcome := Outcome{
			ExitCode:   exitCode,
			DurationMS: elapsed.Milliseconds(),
		}
		if exitCode == 0 {
			outcome.Status = store.ExecCompleted
		} else {
			outcome.Status = store.ExecFailed
			outcome.Detail = failureDetail(fmt.Errorf("exit status %d", exitCode), h.stderr.String())
		}
		logger.Info().
			Str("status", string(outcome.Status)).
			Int("exit_code", exitCode).
			Dur("duration", elapsed).
			Msg("container task exited")
		h.finish(outcome)

	case <-timer.C:
		if !h.claimTerminal() {
			return
		}
		logger.Warn().Dur("timeout", timeout).Msg("execution timed out, killing task")
		h.finish(Outcome{
			Status:     store.ExecTimeout,
			ExitCode:   -1,
			DurationMS: timeout.Milliseconds(),
			Detail:     fmt.Sprintf("%s: execution exceeded the %s limit", ErrTimeout, timeout),
		})
		if err := task.Kill(context.Background(), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh
	}
}

func (e *ContainerdEngine) cleanupContainer(ctx context.Context, container containerd.Container) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = e.client.withNamespace(cleanupCtx)

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// ActiveCount returns the number of currently running executions.
func (e *ContainerdEngine) ActiveCount() int64 {
	return e.active.Load()
}

// Close stops accepting executions, waits for active ones, and disconnects.
func (e *ContainerdEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return e.client.close()
}
