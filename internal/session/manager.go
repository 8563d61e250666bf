// Package session owns the session lifecycle. The Manager is the only
// component that invokes the execution engine or debits the ledger; the HTTP
// layer translates requests into Manager calls and nothing else.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/monitor"
	"agent-toollease/internal/registry"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

// storeTimeout bounds background store writes after an execution finishes.
const storeTimeout = 10 * time.Second

// Deps are the collaborators a Manager needs.
type Deps struct {
	Registry   *registry.Registry
	Backend    engine.Backend
	Store      store.Store
	Ledger     *ledger.Ledger
	Calculator *settle.Calculator
	Workspaces *engine.WorkspaceManager
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
	Detector   *monitor.AbuseDetector
	Audit      *store.AuditWriter // optional
}

// Manager drives sessions through pending, active, completed, and settled.
// Transitions only move forward; anything else fails with ErrState and
// mutates nothing.
type Manager struct {
	reg        *registry.Registry
	backend    engine.Backend
	store      store.Store
	ledger     *ledger.Ledger
	calc       *settle.Calculator
	workspaces *engine.WorkspaceManager
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	detector   *monitor.AbuseDetector
	audit      *store.AuditWriter

	// runLocks serializes execute/end per session: a second execute (or an
	// end) waits until the in-flight execution has finished and debited, so
	// budget admission always sees settled totals.
	runLocks sync.Map // session id -> chan struct{} (capacity 1)

	// busy tracks which provider each live session occupies.
	busy sync.Map // provider id -> session id

	// inflight exposes live handles for status polling.
	inflight sync.Map // execution id -> *engine.Handle
}

func NewManager(d Deps) *Manager {
	return &Manager{
		reg:        d.Registry,
		backend:    d.Backend,
		store:      d.Store,
		ledger:     d.Ledger,
		calc:       d.Calculator,
		workspaces: d.Workspaces,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		detector:   d.Detector,
		audit:      d.Audit,
	}
}

// Create makes a new pending session and reserves the provider. One live
// session per provider at a time.
func (m *Manager) Create(ctx context.Context, agentID, providerID string, budgetCents int64) (*store.Session, error) {
	if agentID == "" || providerID == "" {
		return nil, fmt.Errorf("%w: agent and provider ids are required", ErrValidation)
	}
	if budgetCents <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive, got %d", ErrValidation, budgetCents)
	}

	sess := &store.Session{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		ProviderID:  providerID,
		Status:      store.SessionPending,
		BudgetCents: budgetCents,
		CreatedAt:   time.Now().UTC(),
	}

	if prior, loaded := m.busy.LoadOrStore(providerID, sess.ID); loaded {
		return nil, fmt.Errorf("%w: session %s holds provider %s", ErrProviderBusy, prior, providerID)
	}

	if err := m.store.Sessions().Create(ctx, sess); err != nil {
		m.busy.CompareAndDelete(providerID, sess.ID)
		return nil, err
	}

	m.metrics.SessionsTotal.WithLabelValues(string(store.SessionPending)).Inc()
	log.Info().
		Str("session_id", sess.ID).
		Str("agent_id", agentID).
		Str("provider_id", providerID).
		Int64("budget_cents", budgetCents).
		Msg("session created")

	return sess, nil
}

// Start moves a pending session to active and creates its workspace.
func (m *Manager) Start(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.Sessions().Update(ctx, id, func(s *store.Session) error {
		if s.Status != store.SessionPending {
			return fmt.Errorf("%w: cannot start session in status %q", ErrState, s.Status)
		}
		now := time.Now().UTC()
		s.Status = store.SessionActive
		s.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.workspaces.Ensure(id); err != nil {
		return nil, fmt.Errorf("creating session workspace: %w", err)
	}

	m.metrics.SessionsTotal.WithLabelValues(string(store.SessionActive)).Inc()
	m.recordAudit(&store.AuditEvent{
		Kind:      store.AuditSessionStarted,
		SessionID: id,
	})
	log.Info().Str("session_id", id).Msg("session started")

	return sess, nil
}

// Execute admits one tool invocation against an active session. It returns
// once the execution is accepted and running; the terminal outcome is
// observed by polling GetExecution. The projected (worst-case) cost must fit
// the remaining budget or the request is rejected before any process is
// spawned.
func (m *Manager) Execute(ctx context.Context, sessionID, toolID string, rawArgs map[string]any) (*store.Execution, int64, error) {
	tool, err := m.reg.Lookup(toolID)
	if err != nil {
		return nil, 0, err
	}
	args, err := m.reg.ValidateArgs(tool, rawArgs)
	if err != nil {
		return nil, 0, err
	}

	ctx, span := m.tracer.StartSpan(ctx, "execute",
		monitor.AttrSessionID.String(sessionID),
		monitor.AttrToolID.String(toolID),
	)
	defer span.End()

	unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	release := unlock
	defer func() {
		if release != nil {
			release()
		}
	}()

	sess, err := m.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if sess.Status != store.SessionActive {
		return nil, 0, fmt.Errorf("%w: cannot execute in session status %q", ErrState, sess.Status)
	}

	projected := ledger.ProjectedCost(tool)
	ok, remaining, err := m.ledger.Affordable(ctx, sessionID, projected)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		m.metrics.DebitRejectionsTotal.Inc()
		return nil, remaining, fmt.Errorf("%w: projected cost %d exceeds remaining budget %d",
			ledger.ErrBudgetExhausted, projected, remaining)
	}

	if dets := m.detector.AnalyzeArgs(sessionID, argValues(args)); len(dets) > 0 {
		for _, d := range dets {
			m.metrics.RecordError("suspicious_args_" + d.Pattern)
		}
	}

	workspace, err := m.workspaces.Ensure(sessionID)
	if err != nil {
		return nil, 0, err
	}

	exec := &store.Execution{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ToolID:    toolID,
		Args:      rawArgs,
		Status:    store.ExecPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Executions().Create(ctx, exec); err != nil {
		return nil, 0, err
	}

	handle, err := m.backend.Start(ctx, engine.StartRequest{
		ExecutionID: exec.ID,
		SessionID:   sessionID,
		Tool:        tool,
		Args:        args,
		Workspace:   workspace,
	})
	if err != nil {
		exec, _ = m.store.Executions().Update(ctx, exec.ID, func(e *store.Execution) error {
			e.Status = store.ExecFailed
			e.ErrorDetail = err.Error()
			now := time.Now().UTC()
			e.CompletedAt = &now
			return nil
		})
		return nil, remaining, err
	}

	// A spawn failure (binary missing, permission denied) hands back a handle
	// that is already terminal without a process ever having run. Record the
	// failure as-is; the execution never passes through running and no time
	// is billed. A handle that started and merely finished fast still takes
	// the normal path so its debit lands.
	spawnFailed := false
	select {
	case <-handle.Done():
		spawnFailed = !handle.Started()
	default:
	}
	if spawnFailed {
		outcome := handle.Outcome()
		exec, err = m.store.Executions().Update(ctx, exec.ID, func(e *store.Execution) error {
			now := time.Now().UTC()
			e.Status = outcome.Status
			e.ExitCode = outcome.ExitCode
			e.ErrorDetail = outcome.Detail
			e.CompletedAt = &now
			return nil
		})
		if err != nil {
			return nil, remaining, err
		}
		m.metrics.RecordExecution(toolID, string(outcome.Status), 0)
		m.recordAudit(&store.AuditEvent{
			Kind:        store.AuditExecutionBilled,
			SessionID:   sessionID,
			ExecutionID: exec.ID,
			Detail:      string(outcome.Status),
		})
		log.Warn().
			Str("session_id", sessionID).
			Str("execution_id", exec.ID).
			Str("tool_id", toolID).
			Str("detail", outcome.Detail).
			Msg("tool failed to spawn")
		return exec, remaining, nil
	}

	now := time.Now().UTC()
	exec, err = m.store.Executions().Update(ctx, exec.ID, func(e *store.Execution) error {
		e.Status = store.ExecRunning
		e.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, remaining, err
	}

	m.inflight.Store(exec.ID, handle)
	m.metrics.ActiveExecutions.Inc()

	// The finish goroutine holds the session lock until the debit lands.
	release = nil
	go m.finish(handle, tool, unlock)

	log.Info().
		Str("session_id", sessionID).
		Str("execution_id", exec.ID).
		Str("tool_id", toolID).
		Int64("projected_cents", projected).
		Msg("execution accepted")

	return exec, remaining, nil
}

// finish waits for the terminal outcome, debits the ledger exactly once, and
// records the final execution state. It runs with the session lock held.
func (m *Manager) finish(h *engine.Handle, tool *registry.ToolDefinition, unlock func()) {
	defer unlock()
	defer m.metrics.ActiveExecutions.Dec()
	defer m.inflight.Delete(h.ExecID)

	<-h.Done()
	outcome := h.Outcome()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	cost := ledger.Cost(tool.PricePerMinuteCents, outcome.DurationMS)
	if cost > 0 {
		if _, err := m.ledger.Debit(ctx, h.SessionID, cost, outcome.DurationMS); err != nil {
			// Admission guaranteed affordability and the session lock blocks
			// end until we return, so a failed debit is a bug worth shouting
			// about. The execution record keeps the cost for reconciliation.
			log.Error().Err(err).
				Str("session_id", h.SessionID).
				Str("execution_id", h.ExecID).
				Int64("cost_cents", cost).
				Msg("post-execution debit failed")
		} else {
			m.metrics.RecordDebit(cost)
		}
	} else if outcome.DurationMS > 0 {
		if _, err := m.ledger.Debit(ctx, h.SessionID, 0, outcome.DurationMS); err != nil {
			log.Error().Err(err).Str("session_id", h.SessionID).Msg("effective time update failed")
		}
	}

	if _, err := m.store.Executions().Update(ctx, h.ExecID, func(e *store.Execution) error {
		now := time.Now().UTC()
		e.Status = outcome.Status
		e.ExitCode = outcome.ExitCode
		e.Stdout = outcome.Stdout
		e.Stderr = outcome.Stderr
		e.ErrorDetail = outcome.Detail
		e.DurationMS = outcome.DurationMS
		e.CostCents = cost
		e.CompletedAt = &now
		return nil
	}); err != nil {
		log.Error().Err(err).Str("execution_id", h.ExecID).Msg("recording execution outcome failed")
	}

	if dets := m.detector.AnalyzeOutput(outcome.Stdout); len(dets) > 0 {
		for _, d := range dets {
			m.metrics.RecordError("suspicious_output_" + d.Pattern)
			log.Warn().
				Str("session_id", h.SessionID).
				Str("execution_id", h.ExecID).
				Str("pattern", d.Pattern).
				Str("severity", d.Severity).
				Msg("suspicious execution output")
		}
	}

	m.metrics.RecordExecution(h.ToolID, string(outcome.Status), float64(outcome.DurationMS)/1000)
	m.metrics.OutputSizeBytes.Observe(float64(len(outcome.Stdout) + len(outcome.Stderr)))
	m.recordAudit(&store.AuditEvent{
		Kind:        store.AuditExecutionBilled,
		SessionID:   h.SessionID,
		ExecutionID: h.ExecID,
		AmountCents: cost,
		Detail:      string(outcome.Status),
	})

	log.Info().
		Str("session_id", h.SessionID).
		Str("execution_id", h.ExecID).
		Str("status", string(outcome.Status)).
		Int64("duration_ms", outcome.DurationMS).
		Int64("cost_cents", cost).
		Msg("execution finished")
}

// End moves an active session to completed, freezes its totals, releases the
// provider, and returns the settlement preview. It waits for any in-flight
// execution's debit to land first.
func (m *Manager) End(ctx context.Context, id string) (*store.Session, settle.Summary, error) {
	unlock, err := m.lockSession(ctx, id)
	if err != nil {
		return nil, settle.Summary{}, err
	}
	defer unlock()

	sess, err := m.store.Sessions().Update(ctx, id, func(s *store.Session) error {
		if s.Status != store.SessionActive {
			return fmt.Errorf("%w: cannot end session in status %q", ErrState, s.Status)
		}
		now := time.Now().UTC()
		s.Status = store.SessionCompleted
		s.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, settle.Summary{}, err
	}

	m.busy.CompareAndDelete(sess.ProviderID, id)
	if err := m.workspaces.Cleanup(id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("workspace cleanup failed")
	}

	m.metrics.SessionsTotal.WithLabelValues(string(store.SessionCompleted)).Inc()
	m.recordAudit(&store.AuditEvent{
		Kind:        store.AuditSessionEnded,
		SessionID:   id,
		AmountCents: sess.ConsumedCents,
	})
	log.Info().
		Str("session_id", id).
		Int64("consumed_cents", sess.ConsumedCents).
		Int64("effective_ms", sess.EffectiveTimeMS).
		Msg("session ended")

	return sess, m.calc.Preview(sess), nil
}

// Settle creates the one settlement record for a completed session and moves
// it to settled. A second call fails with AlreadySettled and leaves the
// record unchanged.
func (m *Manager) Settle(ctx context.Context, id string) (*store.Settlement, error) {
	sess, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.SessionCompleted:
	case store.SessionSettled:
		return nil, fmt.Errorf("session %s: %w", id, settle.ErrAlreadySettled)
	default:
		return nil, fmt.Errorf("%w: cannot settle session in status %q", ErrState, sess.Status)
	}

	rec, err := m.calc.Settle(ctx, sess)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.Sessions().Update(ctx, id, func(s *store.Session) error {
		if s.Status != store.SessionCompleted {
			return fmt.Errorf("%w: session moved to %q during settlement", ErrState, s.Status)
		}
		s.Status = store.SessionSettled
		s.SettledAt = &rec.SettledAt
		return nil
	}); err != nil {
		return nil, err
	}

	m.metrics.SessionsTotal.WithLabelValues(string(store.SessionSettled)).Inc()
	m.metrics.RecordSettlement(rec.ProviderCents, rec.PlatformCents, rec.ReserveCents)
	m.recordAudit(&store.AuditEvent{
		Kind:        store.AuditSessionSettled,
		SessionID:   id,
		AmountCents: rec.TotalCents,
		Detail:      rec.Reference,
	})

	return rec, nil
}

// Get returns a session with its executions.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, []*store.Execution, error) {
	sess, err := m.store.Sessions().Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	execs, err := m.store.Executions().ListBySession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, execs, nil
}

// GetExecution returns one execution. For a still-running execution the
// stored record is overlaid with the live output snapshot.
func (m *Manager) GetExecution(ctx context.Context, sessionID, execID string) (*store.Execution, error) {
	exec, err := m.store.Executions().Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.SessionID != sessionID {
		return nil, fmt.Errorf("execution %s: %w", execID, store.ErrNotFound)
	}
	if !exec.Status.Terminal() {
		if v, ok := m.inflight.Load(execID); ok {
			snap := v.(*engine.Handle).Snapshot()
			exec.Stdout = snap.Stdout
			exec.Stderr = snap.Stderr
			exec.DurationMS = snap.DurationMS
		}
	}
	return exec, nil
}

// Tools returns the provider's whitelist.
func (m *Manager) Tools() []*registry.ToolDefinition {
	return m.reg.List()
}

// Stats reports live counters for the health endpoint.
func (m *Manager) Stats(ctx context.Context) (active int64, total int64) {
	active = m.backend.ActiveCount()
	total, err := m.store.Executions().Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("execution count unavailable")
	}
	return active, total
}

// lockSession acquires the per-session run lock, respecting ctx.
func (m *Manager) lockSession(ctx context.Context, id string) (func(), error) {
	v, _ := m.runLocks.LoadOrStore(id, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) recordAudit(ev *store.AuditEvent) {
	if m.audit != nil {
		m.audit.Record(ev)
	}
}

func argValues(args registry.Args) []string {
	vals := make([]string, 0, len(args))
	for _, a := range args {
		vals = append(vals, a.String())
	}
	return vals
}
