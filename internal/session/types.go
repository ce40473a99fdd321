// Package session defines the session model shared by the registry, the
// ingestion plane and the fan-out gateway.
package session

import (
	"time"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/constants"
)

// Source identifies the vendor CLI that owns a session.
type Source string

const (
	SourceClaudeCode Source = "claude_code"
	SourceCursor     Source = "cursor"
	SourceUnknown    Source = "unknown"
)

// Status is the coarse activity state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusWorking Status = "working"
	StatusIdle    Status = "idle"
)

// TerminalKeyUnknown is used for sessions materialised by auto-registration
// before the hook reported a terminal identity.
const TerminalKeyUnknown = "UNKNOWN"

// ModelInfo describes the model the session is running.
type ModelInfo struct {
	DisplayName string `json:"display_name"`
	ID          string `json:"id,omitempty"`
}

// AutoCompactSettings carries the user-visible auto-compact configuration
// together with the threshold at which the upstream CLI actually compacts.
type AutoCompactSettings struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
	// BugThreshold is the percentage at which the upstream is known to
	// compact even when Enabled is false. Surfaced for UIs; never acted on.
	BugThreshold int `json:"bug_threshold"`
}

// ContextMetrics is a point-in-time report of context-window utilisation.
type ContextMetrics struct {
	UsedPercentage      float64 `json:"used_percentage"`
	RemainingPercentage float64 `json:"remaining_percentage"`
	ContextWindowSize   int     `json:"context_window_size"`
	TotalInputTokens    int     `json:"total_input_tokens"`
	TotalOutputTokens   int     `json:"total_output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	// IsEstimate is false only for first-party pre-compact reports, which
	// override any prior estimate and are never overwritten by one.
	IsEstimate bool `json:"is_estimate"`
}

// Normalize clamps the percentage pair so used+remaining is always 100.
func (m *ContextMetrics) Normalize() {
	if m.UsedPercentage < 0 {
		m.UsedPercentage = 0
	}
	if m.UsedPercentage > 100 {
		m.UsedPercentage = 100
	}
	m.RemainingPercentage = 100 - m.UsedPercentage
	if m.ContextWindowSize == 0 {
		m.ContextWindowSize = constants.DefaultContextWindow
	}
}

// Session is one in-progress conversation with a vendor CLI instance.
type Session struct {
	ID             string              `json:"id"`
	Source         Source              `json:"source"`
	ProjectPath    string              `json:"project_path"`
	WorkingDir     string              `json:"working_dir"`
	ProjectName    string              `json:"project_name"`
	TerminalKey    string              `json:"terminal_key"`
	Model          ModelInfo           `json:"model"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivity   time.Time           `json:"last_activity"`
	AutoCompact    AutoCompactSettings `json:"auto_compact"`
	Metrics        *ContextMetrics     `json:"context_metrics,omitempty"`
	TranscriptPath string              `json:"transcript_path,omitempty"`
	GitBranch      string              `json:"git_branch,omitempty"`
	Title          string              `json:"title,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.Metrics != nil {
		metrics := *s.Metrics
		dup.Metrics = &metrics
	}
	return &dup
}

// DeltaType tags a registry change notification.
type DeltaType string

const (
	DeltaUpserted     DeltaType = "session_upserted"
	DeltaRemoved      DeltaType = "session_removed"
	DeltaFocusChanged DeltaType = "focus_changed"
)

// Delta is a single change-notification emitted by the registry.
type Delta struct {
	Type      DeltaType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	// Session is the post-mutation state for upserts and focus changes;
	// nil for removals and for a focus change to no session.
	Session *Session `json:"session,omitempty"`
}

// Snapshot is a consistent view of the registry at one commit point.
type Snapshot struct {
	Sessions  []*Session `json:"sessions"`
	FocusedID string     `json:"focused_session_id"`
}
