package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var sessionsToolDef = mcp.NewTool("lens_sessions",
	mcp.WithDescription("List captured sessions, most recently active first. Each session groups the requests one coding-agent conversation made, with token totals, cost, and tags."),
	mcp.WithString("source",
		mcp.Description("Only include sessions from this tool (e.g. claude-code, codex, aider)"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default: all)"),
	),
)

var sessionEntriesToolDef = mcp.NewTool("lens_session_entries",
	mcp.WithDescription("List the captured exchanges of one session, newest first, with per-request token totals, cost, finish reason, and health rating."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Session ID as returned by lens_sessions"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default: all)"),
	),
)

var entryDetailToolDef = mcp.NewTool("lens_entry_detail",
	mcp.WithDescription("Fetch one captured exchange including its full pre-compaction context (system prompts, tools, messages) when still available on disk."),
	mcp.WithNumber("id",
		mcp.Required(),
		mcp.Description("Entry ID as returned by lens_session_entries"),
	),
)

var tagsGetToolDef = mcp.NewTool("lens_tags_get",
	mcp.WithDescription("Get the tags attached to a session."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Session ID"),
	),
)

var tagsSetToolDef = mcp.NewTool("lens_tags_set",
	mcp.WithDescription("Replace the tags attached to a session. Pass an empty list to clear them."),
	mcp.WithString("conversation_id",
		mcp.Required(),
		mcp.Description("Session ID"),
	),
	mcp.WithArray("tags",
		mcp.Required(),
		mcp.Description("Full replacement tag list"),
		mcp.Items(map[string]any{"type": "string"}),
	),
)

var statsToolDef = mcp.NewTool("lens_stats",
	mcp.WithDescription("Render the context composition report: per-session category breakdowns plus an aggregate across sessions, as markdown."),
)

var exportToolDef = mcp.NewTool("lens_export",
	mcp.WithDescription("Export captured sessions to an LHAR (LLM HTTP Archive) file."),
	mcp.WithString("path",
		mcp.Required(),
		mcp.Description("Destination file path"),
	),
	mcp.WithString("privacy",
		mcp.Description("Privacy level: full, redacted (default), or minimal"),
		mcp.Enum("full", "redacted", "minimal"),
	),
	mcp.WithString("conversation_id",
		mcp.Description("Export only this session (default: all sessions)"),
	),
)
