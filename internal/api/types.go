package api

import (
	"agent-toollease/internal/registry"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

// CreateSessionRequest opens a rental session against this provider.
type CreateSessionRequest struct {
	AgentID              string `json:"agent_id"`
	ProviderID           string `json:"provider_id"`
	BudgetAllowanceCents int64  `json:"budget_allowance_cents"`
}

// SessionActionRequest drives a lifecycle transition: "start" or "end".
type SessionActionRequest struct {
	Action string `json:"action"`
}

// ExecuteRequest asks for one tool invocation within a session.
type ExecuteRequest struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args"`
}

// ExecuteResponse is returned once the execution is accepted. The terminal
// outcome is observed via the execution status endpoint.
type ExecuteResponse struct {
	ExecutionID          string `json:"execution_id"`
	Status               string `json:"status"`
	RemainingBudgetCents int64  `json:"remaining_budget_cents"`
}

// SessionDetail is the full session view with its executions.
type SessionDetail struct {
	*store.Session
	Executions []*store.Execution `json:"executions"`
}

// EndSessionResponse carries the completed session and the settlement
// preview the payout will use.
type EndSessionResponse struct {
	*store.Session
	Settlement settle.Summary `json:"settlement"`
}

// PaymentRequest settles a completed session. Idempotent in the sense that a
// repeat is rejected, never double-paid.
type PaymentRequest struct {
	SessionID string `json:"session_id"`
}

// ToolSummary is the public view of one whitelist entry.
type ToolSummary struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	Args                []ToolArgSummary        `json:"args"`
	MaxDurationSeconds  int64                   `json:"max_duration_seconds"`
	PricePerMinuteCents int64                   `json:"price_per_minute_cents"`
	Limits              registry.ResourceLimits `json:"limits"`
}

// ToolArgSummary describes one argument of a whitelisted tool.
type ToolArgSummary struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Required      bool     `json:"required"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// ErrorResponse is returned for API errors. Code is a stable machine-readable
// kind; Error is for humans.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         bool   `json:"database"`
	Uptime           string `json:"uptime"`
	ActiveExecutions int64  `json:"active_executions"`
	TotalExecutions  int64  `json:"total_executions"`
}

func toolSummary(t *registry.ToolDefinition) ToolSummary {
	args := make([]ToolArgSummary, 0, len(t.Args))
	for _, a := range t.Args {
		args = append(args, ToolArgSummary{
			Name:          a.Name,
			Type:          string(a.Type),
			Required:      a.Required,
			Min:           a.Min,
			Max:           a.Max,
			Pattern:       a.Pattern,
			AllowedValues: a.AllowedValues,
		})
	}
	return ToolSummary{
		ID:                  t.ID,
		Name:                t.Name,
		Args:                args,
		MaxDurationSeconds:  t.MaxDurationSeconds,
		PricePerMinuteCents: t.PricePerMinuteCents,
		Limits:              t.Limits,
	}
}
