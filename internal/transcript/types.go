// Package transcript parses the vendor CLI's append-only JSONL session
// files into a normalized entry sequence with token statistics.
package transcript

import (
	"encoding/json"
	"time"
)

// Raw entry types as they appear on disk.
const (
	rawTypeUser                = "user"
	rawTypeAssistant           = "assistant"
	rawTypeProgress            = "progress"
	rawTypeQueueOperation      = "queue-operation"
	rawTypeSystem              = "system"
	rawTypeSummary             = "summary"
	rawTypeFileHistorySnapshot = "file-history-snapshot"
)

// Progress sub-types found in the data block.
const (
	progressHook          = "hook_progress"
	progressAgent         = "agent_progress"
	progressBash          = "bash_progress"
	progressMCP           = "mcp_progress"
	progressQueryUpdate   = "query_update"
	progressSearchResults = "search_results_received"
)

// System sub-types.
const (
	systemTurnDuration    = "turn_duration"
	systemStopHookSummary = "stop_hook_summary"
)

// RawEntry is one line of the vendor transcript. Unknown fields are
// ignored; unknown types normalize to skip.
type RawEntry struct {
	Type            string          `json:"type"`
	UUID            string          `json:"uuid"`
	ParentUUID      string          `json:"parentUuid"`
	SessionID       string          `json:"sessionId"`
	Timestamp       time.Time       `json:"timestamp"`
	Message         *RawMessage     `json:"message,omitempty"`
	ToolUseResult   *ToolUseResult  `json:"toolUseResult,omitempty"`
	ParentToolUseID string          `json:"parentToolUseID,omitempty"`
	Subtype         string          `json:"subtype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	DurationMS      int64           `json:"durationMs,omitempty"`
	GitBranch       string          `json:"gitBranch,omitempty"`
	CWD             string          `json:"cwd,omitempty"`
}

// RawMessage is the nested message block of a user or assistant entry.
type RawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content"`
	Usage   *RawUsage       `json:"usage,omitempty"`
}

// RawUsage carries the vendor's recorded token counters.
type RawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlock is one element of a structured message content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   interface{}     `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolUseResult is the sidecar result block on user entries carrying web
// search output.
type ToolUseResult struct {
	Results []ToolUseResultItem `json:"results,omitempty"`
}

// ToolUseResultItem holds one result's content list.
type ToolUseResultItem struct {
	Content []SearchResultLink `json:"content,omitempty"`
}

// SearchResultLink is a {title,url} pair from a web search result.
type SearchResultLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// progressData is the typed payload of a progress entry.
type progressData struct {
	Type    string `json:"type"`
	Query   string `json:"query,omitempty"`
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`
	Server  string `json:"server,omitempty"`
	Hook    string `json:"hook,omitempty"`
	Message string `json:"message,omitempty"`
}

// queueOperation is the shape of a queue-operation entry.
type queueOperation struct {
	Operation string      `json:"operation"`
	Message   *RawMessage `json:"message,omitempty"`
}

// EntryKind classifies a normalized entry.
type EntryKind string

const (
	KindUserMessage      EntryKind = "user_message"
	KindAssistantMessage EntryKind = "assistant_message"
	KindToolCall         EntryKind = "tool_call"
	KindToolResult       EntryKind = "tool_result"
	KindHookProgress     EntryKind = "hook_progress"
	KindAgentProgress    EntryKind = "agent_progress"
	KindBashProgress     EntryKind = "bash_progress"
	KindMCPProgress      EntryKind = "mcp_progress"
	KindWebSearch        EntryKind = "web_search"
	KindTurnDuration     EntryKind = "turn_duration"
	KindSystemEvent      EntryKind = "system_event"
	KindSummary          EntryKind = "summary"
	KindSkip             EntryKind = "skip"
)

// ParsedEntry is one normalized transcript entry.
type ParsedEntry struct {
	Kind       EntryKind `json:"kind"`
	UUID       string    `json:"uuid"`
	ParentUUID string    `json:"parent_uuid,omitempty"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Model    string `json:"model,omitempty"`

	// Tool call fields.
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// Tool result fields.
	ToolResultID string `json:"tool_result_id,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`

	// Subagent linkage for agent progress.
	AgentType        string `json:"agent_type,omitempty"`
	AgentDescription string `json:"agent_description,omitempty"`

	// Web search fields.
	SearchQuery string             `json:"search_query,omitempty"`
	SearchURLs  []SearchResultLink `json:"search_urls,omitempty"`

	DurationMS int64     `json:"duration_ms,omitempty"`
	Usage      *RawUsage `json:"usage,omitempty"`

	// IsInternalCommand marks user messages that carry slash-command
	// plumbing. They stay in the token account but are hidden from
	// display and archive views.
	IsInternalCommand bool `json:"is_internal_command,omitempty"`
}

// taskCall records a Task tool invocation for subagent linkage.
type taskCall struct {
	SubagentType string
	Description  string
	Prompt       string
}

// internalCommandPrefixes mark user messages produced by the CLI's own
// slash-command machinery rather than the human.
var internalCommandPrefixes = []string{
	"<local-command",
	"<command-name",
	"<command-message",
	"<command-args",
	"<local-command-stdout",
}
