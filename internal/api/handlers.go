package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"agent-toollease/internal/engine"
	"agent-toollease/internal/ledger"
	"agent-toollease/internal/registry"
	"agent-toollease/internal/session"
	"agent-toollease/internal/settle"
	"agent-toollease/internal/store"
)

type Handlers struct {
	mgr *session.Manager
}

func NewHandlers(mgr *session.Manager) *Handlers {
	return &Handlers{mgr: mgr}
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	sess, err := h.mgr.Create(r.Context(), req.AgentID, req.ProviderID, req.BudgetAllowanceCents)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) HandleSessionAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	switch req.Action {
	case "start":
		sess, err := h.mgr.Start(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "end":
		sess, summary, err := h.mgr.End(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, EndSessionResponse{Session: sess, Settlement: summary})
	default:
		writeError(w, "action must be \"start\" or \"end\"", "VALIDATION_ERROR", http.StatusBadRequest, r)
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}
	if req.ToolID == "" {
		writeError(w, "tool_id is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	exec, remaining, err := h.mgr.Execute(r.Context(), id, req.ToolID, req.Args)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ExecuteResponse{
		ExecutionID:          exec.ID,
		Status:               string(exec.Status),
		RemainingBudgetCents: remaining,
	})
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, execs, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionDetail{Session: sess, Executions: execs})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.mgr.GetExecution(r.Context(), r.PathValue("id"), r.PathValue("execID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.mgr.Tools()
	out := make([]ToolSummary, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolSummary(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandlePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}
	if req.SessionID == "" {
		writeError(w, "session_id is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	rec, err := h.mgr.Settle(r.Context(), req.SessionID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// writeDomainError maps domain errors onto the HTTP surface. Every response
// carries a stable machine-readable code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, registry.ErrUnknownTool),
		errors.Is(err, registry.ErrInvalidArgs),
		errors.Is(err, engine.ErrPathEscape),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, session.ErrValidation):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, ledger.ErrBudgetExhausted):
		writeError(w, err.Error(), "BUDGET_EXHAUSTED", http.StatusPaymentRequired, r)
	case errors.Is(err, settle.ErrAlreadySettled):
		writeError(w, err.Error(), "ALREADY_SETTLED", http.StatusBadRequest, r)
	case errors.Is(err, session.ErrState):
		writeError(w, err.Error(), "STATE_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, session.ErrProviderBusy):
		writeError(w, err.Error(), "PROVIDER_BUSY", http.StatusConflict, r)
	default:
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
