package engine

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"agent-toollease/internal/store"
)

// Outcome is the observable state of one execution. For a running execution
// it carries the output captured so far; once terminal, all fields are
// final.
type Outcome struct {
	Status     store.ExecStatus
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64 // billed wall-clock time, capped at the tool's limit
	Detail     string
}

// Handle tracks one in-flight execution. Exactly one terminal write happens
// per handle: whichever of normal exit, spawn failure, or the timeout timer
// claims the terminal flag first wins, and the losers are no-ops. Done is
// closed after the terminal outcome is recorded.
type Handle struct {
	ExecID    string
	SessionID string
	ToolID    string

	terminal atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	outcome   Outcome

	stdout *capBuffer
	stderr *capBuffer
}

func newHandle(execID, sessionID, toolID string, maxOutput int) *Handle {
	return &Handle{
		ExecID:    execID,
		SessionID: sessionID,
		ToolID:    toolID,
		done:      make(chan struct{}),
		stdout:    newCapBuffer(maxOutput),
		stderr:    newCapBuffer(maxOutput / 4),
	}
}

// Done is closed once the execution reaches its terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Started reports whether a process was actually spawned for this handle.
// False for spawn failures, which go terminal without ever running.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.startedAt.IsZero()
}

// claimTerminal returns true for exactly one caller per handle.
func (h *Handle) claimTerminal() bool {
	return h.terminal.CompareAndSwap(false, true)
}

func (h *Handle) markStarted(at time.Time) {
	h.mu.Lock()
	h.startedAt = at
	h.outcome.Status = store.ExecRunning
	h.mu.Unlock()
}

// finish records the terminal outcome and releases waiters. Callers must
// hold the terminal claim.
func (h *Handle) finish(o Outcome) {
	h.mu.Lock()
	o.Stdout = h.stdout.String()
	o.Stderr = h.stderr.String()
	h.outcome = o
	h.mu.Unlock()
	close(h.done)
}

// Outcome returns the terminal outcome. Valid after Done is closed.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Snapshot returns the current state, including output captured so far for
// a still-running execution.
func (h *Handle) Snapshot() Outcome {
	select {
	case <-h.done:
		return h.Outcome()
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := h.outcome
	o.Stdout = h.stdout.String()
	o.Stderr = h.stderr.String()
	if !h.startedAt.IsZero() {
		o.DurationMS = time.Since(h.startedAt).Milliseconds()
	}
	return o
}

// capBuffer keeps the first max bytes written and counts the rest.
type capBuffer struct {
	mu      sync.Mutex
	max     int
	buf     bytes.Buffer
	dropped int64
}

func newCapBuffer(max int) *capBuffer {
	if max < 1 {
		max = 1 << 20
	}
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room > 0 {
		n := len(p)
		if n > room {
			n = room
		}
		b.buf.Write(p[:n])
		b.dropped += int64(len(p) - n)
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + "\n... [output truncated]"
}
