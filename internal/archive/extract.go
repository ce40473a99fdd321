package archive

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

// technologyPatterns recognize common stacks in conversation text and
// file paths. Keyed by canonical name.
var technologyPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`(?i)\bgolang\b|\.go\b`),
	"typescript": regexp.MustCompile(`(?i)\btypescript\b|\.tsx?\b`),
	"javascript": regexp.MustCompile(`(?i)\bjavascript\b|\.jsx?\b|\bnode(?:\.js)?\b`),
	"python":     regexp.MustCompile(`(?i)\bpython\b|\.py\b`),
	"rust":       regexp.MustCompile(`(?i)\brust\b|\.rs\b|\bcargo\b`),
	"sql":        regexp.MustCompile(`(?i)\bsql\b|\bsqlite\b|\bpostgres(?:ql)?\b`),
	"docker":     regexp.MustCompile(`(?i)\bdocker\b|\bdockerfile\b`),
	"react":      regexp.MustCompile(`(?i)\breact\b`),
	"websocket":  regexp.MustCompile(`(?i)\bwebsockets?\b`),
	"git":        regexp.MustCompile(`(?i)\bgit\b`),
}

// fileWritingTools are the tool calls whose inputs name modified files.
var fileWritingTools = map[string]struct{}{
	"Write": {},
	"Edit":  {},
}

const (
	// maxManifestBytes bounds the serialized manifest so the manifests
	// directory stays cheap to load wholesale.
	maxManifestBytes = 2048
	// maxSnippetLen caps individual question and snippet strings.
	maxSnippetLen = 200
)

// BuildManifest summarizes a parsed conversation for archival and search.
func BuildManifest(sessionID, projectID, projectPath, title string, entries []transcript.ParsedEntry, stats *transcript.Stats, archivedAt time.Time) ConversationManifest {
	m := ConversationManifest{
		SessionID:   sessionID,
		ProjectID:   projectID,
		ProjectSlug: filepath.Base(projectPath),
		ProjectPath: projectPath,
		Title:       title,
		ArchivedAt:  archivedAt,
		Stats:       stats,
	}

	start, end := ConversationSpan(entries)
	m.StartedAt = start
	m.EndedAt = end
	if !start.IsZero() && end.After(start) {
		m.DurationMinutes = int(end.Sub(start).Round(time.Minute) / time.Minute)
	}

	m.UserQuestions = UserQuestions(entries, 0)
	m.FilePaths = ModifiedFiles(entries)
	m.ToolsUsed = ToolsUsed(entries)
	m.Technologies = DetectTechnologies(entries, m.FilePaths)
	for _, rec := range SubagentRecords(entries) {
		m.SubagentIDs = append(m.SubagentIDs, rec.ID)
	}
	m.Filename = ConversationFilename(archivedAt, title, sessionID)
	return m
}

// ConversationSpan returns the earliest and latest entry timestamps.
func ConversationSpan(entries []transcript.ParsedEntry) (start, end time.Time) {
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			continue
		}
		if start.IsZero() || e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	return start, end
}

// SubagentRecord describes one Task tool invocation.
type SubagentRecord struct {
	ID          string
	Type        string
	Description string
}

// SubagentRecords lists Task invocations in call order, one record per
// tool-use id.
func SubagentRecords(entries []transcript.ParsedEntry) []SubagentRecord {
	seen := make(map[string]struct{})
	var out []SubagentRecord
	for _, e := range entries {
		if e.Kind != transcript.KindToolCall || e.ToolName != "Task" || e.ToolUseID == "" {
			continue
		}
		if _, dup := seen[e.ToolUseID]; dup {
			continue
		}
		seen[e.ToolUseID] = struct{}{}
		var input struct {
			SubagentType string `json:"subagent_type"`
			Description  string `json:"description"`
		}
		_ = json.Unmarshal(e.ToolInput, &input)
		out = append(out, SubagentRecord{
			ID:          e.ToolUseID,
			Type:        input.SubagentType,
			Description: input.Description,
		})
	}
	return out
}

// ClampSize trims the manifest's list fields until the serialized form
// fits maxManifestBytes. Long strings are cut to snippet length first,
// then the oldest questions, snippets and trailing file paths go.
func (m *ConversationManifest) ClampSize() {
	for i, q := range m.UserQuestions {
		if len(q) > maxSnippetLen {
			m.UserQuestions[i] = q[:maxSnippetLen]
		}
	}
	for i, c := range m.ContextSnippets {
		if len(c) > maxSnippetLen {
			m.ContextSnippets[i] = c[:maxSnippetLen]
		}
	}
	for {
		data, err := json.Marshal(m)
		if err != nil || len(data) <= maxManifestBytes {
			return
		}
		switch {
		case len(m.UserQuestions) > 1:
			m.UserQuestions = m.UserQuestions[1:]
		case len(m.ContextSnippets) > 0:
			m.ContextSnippets = m.ContextSnippets[:len(m.ContextSnippets)-1]
		case len(m.FilePaths) > 1:
			m.FilePaths = m.FilePaths[:len(m.FilePaths)-1]
		case len(m.UserQuestions) == 1:
			m.UserQuestions = nil
		default:
			return
		}
	}
}

// UserQuestions lists the real user messages, newest last. limit <= 0
// means all.
func UserQuestions(entries []transcript.ParsedEntry, limit int) []string {
	var out []string
	for _, e := range entries {
		if e.Kind == transcript.KindUserMessage && !e.IsInternalCommand {
			out = append(out, e.Text)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ModifiedFiles lists file paths from Write/Edit tool calls in call
// order, first occurrence wins.
func ModifiedFiles(entries []transcript.ParsedEntry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if e.Kind != transcript.KindToolCall {
			continue
		}
		if _, ok := fileWritingTools[e.ToolName]; !ok {
			continue
		}
		var input struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(e.ToolInput, &input); err != nil || input.FilePath == "" {
			continue
		}
		if _, dup := seen[input.FilePath]; dup {
			continue
		}
		seen[input.FilePath] = struct{}{}
		out = append(out, input.FilePath)
	}
	return out
}

// ToolsUsed returns the sorted unique tool names invoked.
func ToolsUsed(entries []transcript.ParsedEntry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.Kind == transcript.KindToolCall && e.ToolName != "" {
			seen[e.ToolName] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DetectTechnologies matches the technology patterns against combined
// message text and file paths.
func DetectTechnologies(entries []transcript.ParsedEntry, filePaths []string) []string {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Kind {
		case transcript.KindUserMessage, transcript.KindAssistantMessage:
			sb.WriteString(e.Text)
			sb.WriteByte('\n')
		}
	}
	for _, p := range filePaths {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	haystack := sb.String()

	var out []string
	for name, re := range technologyPatterns {
		if re.MatchString(haystack) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ConversationFilename builds the human-readable archive filename:
// <yyyy-mm-dd>_<hh-mm>_<title-slug>_<id4>.json
func ConversationFilename(at time.Time, title, sessionID string) string {
	slug := slugify(title)
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	id4 := sessionID
	if len(id4) > 4 {
		id4 = id4[:4]
	}
	return at.Format("2006-01-02") + "_" + at.Format("15-04") + "_" + slug + "_" + id4 + ".json"
}

// PlanFilename builds the plan store filename:
// <yyyy-mm-dd>_<title-slug>.md
func PlanFilename(at time.Time, title string) string {
	slug := slugify(title)
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	return at.Format("2006-01-02") + "_" + slug + ".md"
}
