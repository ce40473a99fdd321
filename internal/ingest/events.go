// Package ingest implements the local-socket ingestion plane. Hook scripts
// connect, write newline-delimited JSON events, and disconnect; each event
// is validated and dispatched to the session registry.
package ingest

import (
	"fmt"
	"time"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/session"
)

// Event names accepted on the wire.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventActivity      = "activity"
	EventContextUpdate = "context_update"
	EventSessionIdle   = "session_idle"
)

// HookEvent is one newline-delimited JSON object from a hook script.
// Unknown fields on known events are ignored by the decoder.
type HookEvent struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// session_start payload.
	CWD            string            `json:"cwd,omitempty"`
	Workspace      *WorkspaceInfo    `json:"workspace,omitempty"`
	Model          *ModelPayload     `json:"model,omitempty"`
	TerminalEnv    map[string]string `json:"terminal_env,omitempty"`
	TranscriptPath string            `json:"transcript_path,omitempty"`
	GitBranch      string            `json:"git_branch,omitempty"`

	// context_update payload.
	ContextWindow *ContextWindowPayload `json:"context_window,omitempty"`
	IsEstimate    bool                  `json:"is_estimate,omitempty"`
}

// WorkspaceInfo carries the project directory as the hook saw it.
type WorkspaceInfo struct {
	ProjectDir string `json:"project_dir"`
}

// ModelPayload mirrors the model block of a session_start event.
type ModelPayload struct {
	DisplayName string `json:"display_name"`
	ID          string `json:"id,omitempty"`
}

// ContextWindowPayload mirrors the context_window block of a context_update.
type ContextWindowPayload struct {
	UsedPercentage      float64 `json:"used_percentage"`
	ContextWindowSize   int     `json:"context_window_size"`
	TotalInputTokens    int     `json:"total_input_tokens"`
	TotalOutputTokens   int     `json:"total_output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
}

// Validate checks the schema constraints for the event's type. Events that
// fail validation are discarded by the server with a log entry.
func (e *HookEvent) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("missing event name")
	}
	if e.SessionID == "" {
		return fmt.Errorf("%s: missing session_id", e.Event)
	}
	switch e.Event {
	case EventSessionStart, EventSessionEnd, EventActivity, EventSessionIdle:
		return nil
	case EventContextUpdate:
		if e.ContextWindow == nil {
			return fmt.Errorf("context_update: missing context_window")
		}
		if e.ContextWindow.UsedPercentage < 0 || e.ContextWindow.UsedPercentage > 100 {
			return fmt.Errorf("context_update: used_percentage %.2f out of range", e.ContextWindow.UsedPercentage)
		}
		return nil
	default:
		return fmt.Errorf("unknown event %q", e.Event)
	}
}

// NormalizeSource collapses the vendor's source strings to a Source.
// Claude Code reports "clear", "startup" and "resume" for the same CLI.
func NormalizeSource(source string) session.Source {
	switch source {
	case "clear", "startup", "resume", "compact", string(session.SourceClaudeCode):
		return session.SourceClaudeCode
	case string(session.SourceCursor):
		return session.SourceCursor
	default:
		return session.SourceUnknown
	}
}

// ParsedTime returns the event timestamp, or now when absent or malformed.
func (e *HookEvent) ParsedTime() time.Time {
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

// Metrics converts a context_update payload into registry metrics.
func (e *HookEvent) Metrics() session.ContextMetrics {
	cw := e.ContextWindow
	if cw == nil {
		return session.ContextMetrics{IsEstimate: e.IsEstimate}
	}
	return session.ContextMetrics{
		UsedPercentage:      cw.UsedPercentage,
		ContextWindowSize:   cw.ContextWindowSize,
		TotalInputTokens:    cw.TotalInputTokens,
		TotalOutputTokens:   cw.TotalOutputTokens,
		CacheCreationTokens: cw.CacheCreationTokens,
		CacheReadTokens:     cw.CacheReadTokens,
		IsEstimate:          e.IsEstimate,
	}
}
