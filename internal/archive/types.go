// Package archive persists finished conversations, extracts embedded
// plans, and maintains the keyword search index.
package archive

import (
	"time"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

// ConversationManifest is the per-session summary persisted to the global
// manifests directory and fed to the search index. Serialized form stays
// within maxManifestBytes; ClampSize enforces the bound.
type ConversationManifest struct {
	SessionID       string    `json:"session_id"`
	ProjectID       string    `json:"project_id"`
	ProjectSlug     string    `json:"project_slug"`
	ProjectPath     string    `json:"project_path"`
	Title           string    `json:"title"`
	ArchivedAt      time.Time `json:"archived_at"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMinutes int       `json:"duration_minutes"`
	AutoArchived    bool      `json:"auto_archived,omitempty"`
	Label           string    `json:"label,omitempty"`
	UserQuestions   []string  `json:"user_questions,omitempty"`
	FilePaths       []string  `json:"file_paths,omitempty"`
	Technologies    []string  `json:"technologies,omitempty"`
	ToolsUsed       []string  `json:"tools_used,omitempty"`
	PlanIDs         []string  `json:"plan_ids,omitempty"`
	SubagentIDs     []string  `json:"subagent_ids,omitempty"`
	ContextSnippets []string  `json:"context_snippets,omitempty"`

	// Filename is the human-readable conversation filename shared by the
	// global and per-project copies.
	Filename string `json:"filename"`

	Stats *transcript.Stats `json:"stats,omitempty"`
}

// ArchivedConversation is the full conversation document written to the
// conversations directories.
type ArchivedConversation struct {
	Manifest ConversationManifest     `json:"manifest"`
	Entries  []transcript.ParsedEntry `json:"entries"`
}

// PlanEntry is one extracted plan in the plan stores.
type PlanEntry struct {
	// ID is deterministic across runs: slug of the original file's
	// basename plus a 7-char base64 tag of the full original path, so a
	// rename that preserves the path keeps the identity.
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	OriginalPath string    `json:"original_path"`
	Filename     string    `json:"filename"`
	ProjectID    string    `json:"project_id"`
	CreatedAt    time.Time `json:"created_at"`

	// Sessions lists every archived session that referenced this plan,
	// set semantics.
	Sessions []string `json:"sessions"`
}

// ContextFileEntry is one saved context document referenced by the
// project index.
type ContextFileEntry struct {
	Path    string    `json:"path"`
	Title   string    `json:"title,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// SubagentEntry is one subagent artefact with back-references to the
// sessions that spawned it.
type SubagentEntry struct {
	ID          string   `json:"id"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Sessions    []string `json:"sessions"`
}

// ProjectIndex is the unified per-project index at .jacques/index.json.
// All four sections are present even when empty.
type ProjectIndex struct {
	Version       int                    `json:"version"`
	OriginalPath  string                 `json:"originalPath,omitempty"`
	ContextFiles  []ContextFileEntry     `json:"context"`
	Conversations []ConversationManifest `json:"sessions"`
	Plans         []PlanEntry            `json:"plans"`
	Subagents     []SubagentEntry        `json:"subagents"`

	// Files is the pre-unification layout; loading migrates it into
	// Conversations and clears it.
	Files []legacyFileEntry `json:"files,omitempty"`
}

// ensureSections materializes the unified sections so even an empty
// index serializes with the full shape.
func (idx *ProjectIndex) ensureSections() {
	if idx.ContextFiles == nil {
		idx.ContextFiles = []ContextFileEntry{}
	}
	if idx.Conversations == nil {
		idx.Conversations = []ConversationManifest{}
	}
	if idx.Plans == nil {
		idx.Plans = []PlanEntry{}
	}
	if idx.Subagents == nil {
		idx.Subagents = []SubagentEntry{}
	}
}

// legacyFileEntry is the old flat files[] record.
type legacyFileEntry struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Filename  string    `json:"filename"`
	Date      time.Time `json:"date"`
}

// Filter controls how much of a conversation the archived document keeps.
type Filter string

const (
	// FilterEverything keeps the full normalized entry sequence.
	FilterEverything Filter = "everything"
	// FilterWithoutTools drops tool calls, tool results and progress.
	FilterWithoutTools Filter = "without_tools"
	// FilterMessagesOnly keeps user and assistant messages only.
	FilterMessagesOnly Filter = "messages_only"
)

// Apply returns the entries surviving the filter. Internal command
// messages are always dropped from archived views.
func (f Filter) Apply(entries []transcript.ParsedEntry) []transcript.ParsedEntry {
	out := make([]transcript.ParsedEntry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == transcript.KindSkip {
			continue
		}
		if e.IsInternalCommand {
			continue
		}
		switch f {
		case FilterMessagesOnly:
			if e.Kind != transcript.KindUserMessage && e.Kind != transcript.KindAssistantMessage {
				continue
			}
		case FilterWithoutTools:
			switch e.Kind {
			case transcript.KindToolCall, transcript.KindToolResult,
				transcript.KindHookProgress, transcript.KindAgentProgress,
				transcript.KindBashProgress, transcript.KindMCPProgress:
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
