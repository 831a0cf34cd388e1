package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSimulateDetection runs the pipeline for one app without consequences.
func (h *Handlers) HandleSimulateDetection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sim := SimulateRequest{
		AppName:  strings.TrimSpace(req.GetString("app_name", "")),
		AppID:    strings.TrimSpace(req.GetString("app_id", "")),
		ChildAge: req.GetInt("child_age", 0),
		ChildID:  req.GetString("child_id", ""),
	}
	if sim.AppName == "" && sim.AppID == "" {
		return mcp.NewToolResultError("app_name or app_id is required"), nil
	}
	if sim.ChildAge < 0 {
		return mcp.NewToolResultError("child_age must not be negative"), nil
	}

	raw, err := h.client.Simulate(ctx, sim)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Simulation failed: %v", err)), nil
	}

	text, err := formatSimulation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse simulation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDetectionStatus summarises a child's detection snapshot.
func (h *Handlers) HandleDetectionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	childID := req.GetString("child_id", "")
	if childID == "" {
		return mcp.NewToolResultError("child_id is required"), nil
	}

	raw, err := h.client.DetectionStatus(ctx, childID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get detection status: %v", err)), nil
	}

	text, err := formatStatus(raw, req.GetInt("log_limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse detection status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleStartDetection starts a child's poll loop.
func (h *Handlers) HandleStartDetection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	childID := req.GetString("child_id", "")
	if childID == "" {
		return mcp.NewToolResultError("child_id is required"), nil
	}

	raw, err := h.client.StartDetection(ctx, childID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start detection: %v", err)), nil
	}

	var resp struct {
		Started bool `json:"started"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if !resp.Started {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Detection not started for %s. It may already be running, usage access may be missing, "+
				"or the parent disabled detection. Use detection_status to see the log.", childID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Detection started for %s.", childID)), nil
}

// HandleStopDetection stops a child's poll loop.
func (h *Handlers) HandleStopDetection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	childID := req.GetString("child_id", "")
	if childID == "" {
		return mcp.NewToolResultError("child_id is required"), nil
	}

	if _, err := h.client.StopDetection(ctx, childID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop detection: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Detection stopped for %s. Daily counters are kept.", childID)), nil
}

// HandleListAlerts lists alerts for a child or a parent.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	childID := req.GetString("child_id", "")
	parentID := req.GetString("parent_id", "")
	if childID == "" && parentID == "" {
		return mcp.NewToolResultError("child_id or parent_id is required"), nil
	}

	raw, err := h.client.ListAlerts(ctx, childID, parentID, req.GetInt("limit", 20), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlerts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRiskRegistry lists the Tier-1 registry.
func (h *Handlers) HandleRiskRegistry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RiskRegistry(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk registry: %v", err)), nil
	}

	text, err := formatRegistry(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk registry: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a child's aura balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	childID := req.GetString("child_id", "")
	if childID == "" {
		return mcp.NewToolResultError("child_id is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, childID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatSimulation(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	sim, ok := resp["simulation"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("no simulation in response")
	}

	var sb strings.Builder
	matched, _ := sim["matched"].(bool)
	if !matched {
		sb.WriteString("Tier-1: no match in the risk registry. The app is treated as safe.\n")
		return sb.String(), nil
	}

	if entry, ok := sim["entry"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Tier-1: matched %s (%s)\n", getString(entry, "category"), getString(entry, "baseSeverity"))
	}
	if v, ok := sim["verdict"].(map[string]any); ok {
		suspicious, _ := v["suspicious"].(bool)
		conf, _ := getFloat(v, "confidence")
		fmt.Fprintf(&sb, "Tier-2: suspicious=%t confidence=%.0f%% severity=%s\n", suspicious, conf*100, getString(v, "severity"))
		if r := getString(v, "reasoning"); r != "" {
			fmt.Fprintf(&sb, "  Reasoning: %s\n", r)
		}
		if a := getString(v, "triggerAction"); a != "" {
			fmt.Fprintf(&sb, "  Action: %s\n", a)
		}
	}
	if o := getString(sim, "outcome"); o != "" && o != "ok" {
		fmt.Fprintf(&sb, "  Fail-safe verdict used (%s)\n", o)
	}
	if e := getString(sim, "error"); e != "" {
		fmt.Fprintf(&sb, "Error: %s\n", e)
	}

	if wouldFlag, _ := sim["wouldFlag"].(bool); wouldFlag {
		sb.WriteString("Result: WOULD FLAG\n")
	} else {
		sb.WriteString("Result: would not flag\n")
	}
	return sb.String(), nil
}

func formatStatus(raw json.RawMessage, logLimit int) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	snap, ok := resp["detection"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("no detection snapshot in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Child: %s\n", getString(snap, "childId"))
	if running, _ := snap["isDetecting"].(bool); running {
		sb.WriteString("  Detection: running\n")
	} else {
		sb.WriteString("  Detection: stopped\n")
	}
	fmt.Fprintf(&sb, "  Flags today: %s of %s\n", getString(snap, "flagCountToday"), getString(snap, "maxFlagsPerDay"))
	if paused, _ := snap["paused"].(bool); paused {
		sb.WriteString("  Tier-2 paused: daily limit reached\n")
	}
	if app := getString(snap, "lastCheckedApp"); app != "" {
		fmt.Fprintf(&sb, "  Last checked: %s\n", app)
	}
	if alert, ok := snap["pendingAlert"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Pending alert: %s (%s, %s)\n",
			getString(alert, "appName"), getString(alert, "category"), getString(alert, "severity"))
		if sim, _ := alert["simulated"].(bool); sim {
			sb.WriteString("    (simulated)\n")
		}
	}

	logs, _ := snap["logs"].([]any)
	if len(logs) > 0 && logLimit > 0 {
		sb.WriteString("\nRecent log:\n")
		for i, l := range logs {
			if i >= logLimit {
				break
			}
			if m, ok := l.(map[string]any); ok {
				fmt.Fprintf(&sb, "  [%s] %s\n", getString(m, "kind"), getString(m, "message"))
			}
		}
	}
	return sb.String(), nil
}

func formatAlerts(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts     []map[string]any `json:"alerts"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Alerts) == 0 {
		return "No alerts found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(resp.Alerts))
	for i, a := range resp.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s - %s\n", i+1, getString(a, "severity"), getString(a, "appName"), getString(a, "category"))
		fmt.Fprintf(&sb, "   Child: %s  At: %s\n", getString(a, "childId"), getString(a, "createdAt"))
		if m := getString(a, "message"); m != "" {
			fmt.Fprintf(&sb, "   %s\n", m)
		}
		if sent, _ := a["notificationSent"].(bool); sent {
			sb.WriteString("   Parent notified\n")
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore alerts available. Pass cursor=%s to continue.\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatRegistry(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "The risk registry is empty.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk registry (%d categories):\n\n", len(resp.Entries))
	for _, e := range resp.Entries {
		fmt.Fprintf(&sb, "- %s [%s]", getString(e, "category"), getString(e, "baseSeverity"))
		if mins, ok := getFloat(e, "minMinutesBeforeFlag"); ok && mins > 0 {
			fmt.Fprintf(&sb, " after %.0f min", mins)
		}
		sb.WriteString("\n")
		if pats, ok := e["patterns"].([]any); ok {
			names := make([]string, 0, len(pats))
			for _, p := range pats {
				if s, ok := p.(string); ok {
					names = append(names, s)
				}
			}
			fmt.Fprintf(&sb, "  patterns: %s\n", strings.Join(names, ", "))
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}
	return fmt.Sprintf("Aura balance for %s: %s\n", getString(bal, "accountId"), getString(bal, "available")), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
