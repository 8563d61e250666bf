package store

import "time"

// SessionStatus is the lifecycle state of a session. Transitions only move
// forward: pending -> active -> completed -> settled.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionSettled   SessionStatus = "settled"
)

// ExecStatus is the lifecycle state of a single tool invocation.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
)

// Terminal reports whether the status is one of the three terminal outcomes.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecTimeout
}

// Session is one compute lease. All money fields are integer cents.
// Invariant: 0 <= ConsumedCents <= BudgetCents, enforced at debit time and
// never clamped.
type Session struct {
	ID              string        `json:"id" db:"id"`
	AgentID         string        `json:"agent_id" db:"agent_id"`
	ProviderID      string        `json:"provider_id" db:"provider_id"`
	Status          SessionStatus `json:"status" db:"status"`
	BudgetCents     int64         `json:"budget_cents" db:"budget_cents"`
	ConsumedCents   int64         `json:"consumed_cents" db:"consumed_cents"`
	EffectiveTimeMS int64         `json:"effective_time_ms" db:"effective_time_ms"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	SettledAt       *time.Time    `json:"settled_at,omitempty" db:"settled_at"`
}

// RemainingCents is the budget still available for debits.
func (s *Session) RemainingCents() int64 {
	return s.BudgetCents - s.ConsumedCents
}

// Execution records one tool invocation within a session. Terminal fields
// (status, exit code, output, duration, cost) are written exactly once.
type Execution struct {
	ID          string         `json:"id" db:"id"`
	SessionID   string         `json:"session_id" db:"session_id"`
	ToolID      string         `json:"tool_id" db:"tool_id"`
	Args        map[string]any `json:"args,omitempty" db:"args"`
	Status      ExecStatus     `json:"status" db:"status"`
	Stdout      string         `json:"stdout,omitempty" db:"stdout"`
	Stderr      string         `json:"stderr,omitempty" db:"stderr"`
	ExitCode    int            `json:"exit_code" db:"exit_code"`
	ErrorDetail string         `json:"error_detail,omitempty" db:"error_detail"`
	DurationMS  int64          `json:"duration_ms" db:"duration_ms"`
	CostCents   int64          `json:"cost_cents" db:"cost_cents"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Settlement is the immutable payout split for one session. At most one
// settlement exists per session id.
type Settlement struct {
	ID            string    `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	TotalCents    int64     `json:"total_cents" db:"total_cents"`
	ProviderCents int64     `json:"provider_cents" db:"provider_cents"`
	PlatformCents int64     `json:"platform_cents" db:"platform_cents"`
	ReserveCents  int64     `json:"reserve_cents" db:"reserve_cents"`
	Reference     string    `json:"reference,omitempty" db:"reference"`
	SettledAt     time.Time `json:"settled_at" db:"settled_at"`
}

// Audit event kinds.
const (
	AuditSessionStarted  = "session_started"
	AuditExecutionBilled = "execution_billed"
	AuditSessionEnded    = "session_ended"
	AuditSessionSettled  = "session_settled"
)

// AuditEvent is one append-only entry in the billing audit trail.
type AuditEvent struct {
	ID          string    `json:"id" db:"id"`
	Kind        string    `json:"kind" db:"kind"`
	SessionID   string    `json:"session_id" db:"session_id"`
	ExecutionID string    `json:"execution_id,omitempty" db:"execution_id"`
	AmountCents int64     `json:"amount_cents" db:"amount_cents"`
	Detail      string    `json:"detail,omitempty" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
