package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	agentID   string
	budget    int64
	wait      bool
)

func main() {
	root := &cobra.Command{
		Use:   "toollease-cli",
		Short: "CLI client for agent-toollease providers",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TOOLLEASE_API_KEY"), "API key")

	createCmd := &cobra.Command{
		Use:   "create [provider-id]",
		Short: "Create a rental session",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	createCmd.Flags().StringVar(&agentID, "agent", "cli-agent", "Agent identifier")
	createCmd.Flags().Int64Var(&budget, "budget", 1000, "Budget allowance in cents")
	root.AddCommand(createCmd)

	root.AddCommand(&cobra.Command{
		Use:   "start [session-id]",
		Short: "Start a pending session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return patchSession(args[0], "start")
		},
	})

	execCmd := &cobra.Command{
		Use:   "exec [session-id] [tool-id] [key=value]...",
		Short: "Execute a whitelisted tool within a session",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
	execCmd.Flags().BoolVar(&wait, "wait", true, "Poll until the execution finishes")
	root.AddCommand(execCmd)

	root.AddCommand(&cobra.Command{
		Use:   "end [session-id]",
		Short: "End an active session and preview the settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return patchSession(args[0], "end")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "settle [session-id]",
		Short: "Settle a completed session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettle,
	})

	root.AddCommand(&cobra.Command{
		Use:   "get [session-id]",
		Short: "Show a session and its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/sessions/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "List the provider's tool whitelist",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/tools")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCreate(_ *cobra.Command, args []string) error {
	result, err := postJSON("/sessions", map[string]any{
		"agent_id":               agentID,
		"provider_id":            args[0],
		"budget_allowance_cents": budget,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func patchSession(id, action string) error {
	result, err := doJSON("PATCH", "/sessions/"+id, map[string]any{"action": action})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runExec(_ *cobra.Command, args []string) error {
	sessionID, toolID := args[0], args[1]

	toolArgs := make(map[string]any)
	for _, kv := range args[2:] {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("argument %q is not key=value", kv)
		}
		toolArgs[key] = parseScalar(value)
	}

	result, err := postJSON("/sessions/"+sessionID+"/execute", map[string]any{
		"tool_id": toolID,
		"args":    toolArgs,
	})
	if err != nil {
		return err
	}

	execID, _ := result["execution_id"].(string)
	if !wait || execID == "" {
		return printJSON(result)
	}

	// Poll until terminal
	for {
		time.Sleep(500 * time.Millisecond)
		exec, err := fetchJSON("/sessions/" + sessionID + "/executions/" + execID)
		if err != nil {
			return err
		}
		status, _ := exec["status"].(string)
		switch status {
		case "completed", "failed", "timeout":
			if err := printJSON(exec); err != nil {
				return err
			}
			if code, ok := exec["exit_code"].(float64); ok && code != 0 {
				os.Exit(int(code))
			}
			return nil
		}
	}
}

func runSettle(_ *cobra.Command, args []string) error {
	result, err := postJSON("/payments", map[string]any{"session_id": args[0]})
	if err != nil {
		return err
	}
	return printJSON(result)
}

// parseScalar keeps numbers and booleans typed so argument validation sees
// what the caller meant.
func parseScalar(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	var n float64
	if _, err := fmt.Sscanf(s, "%g", &n); err == nil && fmt.Sprintf("%g", n) == s {
		return n
	}
	return s
}

func postJSON(path string, payload map[string]any) (map[string]any, error) {
	return doJSON("POST", path, payload)
}

func doJSON(method, path string, payload map[string]any) (map[string]any, error) {
	var body *bytes.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

func fetchJSON(path string) (map[string]any, error) {
	return doJSON("GET", path, nil)
}

func getJSON(path string) error {
	result, err := fetchJSON(path)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}
