package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// execPollInterval is how often the events endpoint re-reads a running
// execution.
const execPollInterval = 500 * time.Millisecond

// HandleExecutionEvents streams execution progress as Server-Sent Events:
// periodic "progress" events while the tool runs, then one "done" event with
// the final record. This is the push alternative to polling the execution
// status endpoint.
func (h *Handlers) HandleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	execID := r.PathValue("execID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	exec, err := h.mgr.GetExecution(r.Context(), sessionID, execID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for !exec.Status.Terminal() {
		progress, _ := json.Marshal(map[string]any{
			"execution_id": exec.ID,
			"status":       exec.Status,
			"duration_ms":  exec.DurationMS,
		})
		sendSSE(w, flusher, "progress", string(progress))

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		exec, err = h.mgr.GetExecution(r.Context(), sessionID, execID)
		if err != nil {
			sendSSE(w, flusher, "error", "execution lookup failed")
			return
		}
	}

	final, err := json.Marshal(exec)
	if err != nil {
		sendSSE(w, flusher, "error", "encoding final record failed")
		return
	}
	sendSSE(w, flusher, "done", string(final))
}

// sendSSE writes one event and flushes. Each line of a multi-line payload
// gets its own "data:" prefix; a raw newline in tool output would otherwise
// break the event boundary and let output inject fake events.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}
