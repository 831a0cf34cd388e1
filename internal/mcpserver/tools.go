package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the aurawatch MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSimulateDetection = mcp.NewTool("simulate_detection",
	mcp.WithDescription(
		"Run an app through the detection pipeline without consequences. "+
			"Shows whether the risk registry matches it, the Tier-2 verdict, and whether it would be flagged. "+
			"No alert is stored, no aura is deducted and no parent is notified."),
	mcp.WithString("app_name",
		mcp.Description("Display name of the app (e.g. 'Tinder'). Either app_name or app_id is required.")),
	mcp.WithString("app_id",
		mcp.Description("Package identifier (e.g. 'com.tinder')")),
	mcp.WithNumber("child_age",
		mcp.Description("Age of the child to assume for the analysis")),
	mcp.WithString("child_id",
		mcp.Description("Child whose detector hosts the simulation. Defaults to a shared simulator.")),
)

var ToolDetectionStatus = mcp.NewTool("detection_status",
	mcp.WithDescription(
		"Get a child's detection status: whether the loop is running, today's flag count, "+
			"the pending alert and the most recent log entries."),
	mcp.WithString("child_id",
		mcp.Required(),
		mcp.Description("The child's id")),
	mcp.WithNumber("log_limit",
		mcp.Description("How many recent log entries to show (default 10)")),
)

var ToolStartDetection = mcp.NewTool("start_detection",
	mcp.WithDescription(
		"Start the foreground-app poll loop for a child. "+
			"Refused when the device has not granted usage access or the parent disabled detection."),
	mcp.WithString("child_id",
		mcp.Required(),
		mcp.Description("The child's id")),
)

var ToolStopDetection = mcp.NewTool("stop_detection",
	mcp.WithDescription("Stop the poll loop for a child. Daily flag counters are kept."),
	mcp.WithString("child_id",
		mcp.Required(),
		mcp.Description("The child's id")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List stored alerts, newest first, for a child or for every child linked to a parent."),
	mcp.WithString("child_id",
		mcp.Description("List alerts raised for this child")),
	mcp.WithString("parent_id",
		mcp.Description("List alerts for all children of this parent (used when child_id is empty)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Continue from the cursor printed at the end of a previous page")),
)

var ToolRiskRegistry = mcp.NewTool("risk_registry",
	mcp.WithDescription(
		"Show the known-risk app registry used for Tier-1 matching: categories, severities, "+
			"name patterns and minimum minutes before a flag."),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check a child's aura balance."),
	mcp.WithString("child_id",
		mcp.Required(),
		mcp.Description("The child's id")),
)
