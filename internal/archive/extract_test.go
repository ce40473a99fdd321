package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

func writeCall(path string) transcript.ParsedEntry {
	return transcript.ParsedEntry{
		Kind:      transcript.KindToolCall,
		ToolName:  "Write",
		ToolInput: json.RawMessage(`{"file_path":"` + path + `"}`),
	}
}

func TestModifiedFilesOrderAndDedup(t *testing.T) {
	entries := []transcript.ParsedEntry{
		writeCall("/src/b.go"),
		{Kind: transcript.KindToolCall, ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)},
		writeCall("/src/a.go"),
		writeCall("/src/b.go"), // repeat edit keeps first position
		{Kind: transcript.KindToolCall, ToolName: "Edit", ToolInput: json.RawMessage(`{"file_path":"/src/c.go","old_string":"x","new_string":"y"}`)},
	}
	assert.Equal(t, []string{"/src/b.go", "/src/a.go", "/src/c.go"}, ModifiedFiles(entries))
}

func TestUserQuestionsLimitKeepsNewest(t *testing.T) {
	entries := []transcript.ParsedEntry{
		{Kind: transcript.KindUserMessage, Text: "first"},
		{Kind: transcript.KindUserMessage, Text: "<command-name>/x</command-name>", IsInternalCommand: true},
		{Kind: transcript.KindUserMessage, Text: "second"},
		{Kind: transcript.KindUserMessage, Text: "third"},
	}
	assert.Equal(t, []string{"first", "second", "third"}, UserQuestions(entries, 0))
	assert.Equal(t, []string{"second", "third"}, UserQuestions(entries, 2))
}

func taskCall(id, subagentType, description string) transcript.ParsedEntry {
	return transcript.ParsedEntry{
		Kind:      transcript.KindToolCall,
		ToolName:  "Task",
		ToolUseID: id,
		ToolInput: json.RawMessage(fmt.Sprintf(`{"subagent_type":%q,"description":%q}`, subagentType, description)),
	}
}

func TestBuildManifestSpanAndSubagents(t *testing.T) {
	base := time.Date(2026, 8, 21, 13, 0, 0, 0, time.UTC)
	entries := []transcript.ParsedEntry{
		{Kind: transcript.KindUserMessage, Text: "refactor the scanner", Timestamp: base},
		taskCall("task-1", "general-purpose", "survey the scanner package"),
		{Kind: transcript.KindAssistantMessage, Text: "Done.", Timestamp: base.Add(42 * time.Minute)},
		{Kind: transcript.KindToolResult, Text: "ok"}, // zero timestamp stays out of the span
	}

	m := BuildManifest("s1", "-home-dev-proj", "/home/dev/proj", "Refactor", entries, nil, base.Add(time.Hour))

	assert.Equal(t, base, m.StartedAt)
	assert.Equal(t, base.Add(42*time.Minute), m.EndedAt)
	assert.Equal(t, 42, m.DurationMinutes)
	assert.Equal(t, []string{"task-1"}, m.SubagentIDs)
}

func TestSubagentRecordsOrderAndDedup(t *testing.T) {
	entries := []transcript.ParsedEntry{
		taskCall("task-b", "general-purpose", "survey"),
		{Kind: transcript.KindToolCall, ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)},
		taskCall("task-a", "code-reviewer", "review the diff"),
		taskCall("task-b", "general-purpose", "survey"), // retried call keeps one record
		{Kind: transcript.KindToolCall, ToolName: "Task"}, // no tool-use id, skipped
	}

	records := SubagentRecords(entries)
	require.Len(t, records, 2)
	assert.Equal(t, "task-b", records[0].ID)
	assert.Equal(t, "task-a", records[1].ID)
	assert.Equal(t, "code-reviewer", records[1].Type)
	assert.Equal(t, "review the diff", records[1].Description)
}

func TestManifestClampSize(t *testing.T) {
	m := &ConversationManifest{
		SessionID:   "sess-1",
		ProjectID:   "-home-dev-proj",
		ProjectPath: "/home/dev/proj",
		Title:       "A very busy session",
	}
	for i := 0; i < 30; i++ {
		m.UserQuestions = append(m.UserQuestions, fmt.Sprintf("question %02d %s", i, strings.Repeat("x", 300)))
		m.FilePaths = append(m.FilePaths, fmt.Sprintf("/src/pkg/file_%02d.go", i))
	}
	m.ContextSnippets = []string{strings.Repeat("snippet ", 100)}

	m.ClampSize()

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), maxManifestBytes)

	for _, q := range m.UserQuestions {
		assert.LessOrEqual(t, len(q), maxSnippetLen)
	}

	// Trimming drops the oldest questions first, so whatever survives ends
	// with the newest one.
	require.NotEmpty(t, m.UserQuestions)
	last := m.UserQuestions[len(m.UserQuestions)-1]
	assert.True(t, strings.HasPrefix(last, "question 29"), last)

	// Identity fields are never trimmed.
	assert.Equal(t, "sess-1", m.SessionID)
	assert.Equal(t, "A very busy session", m.Title)
}

func TestClampSizeLeavesSmallManifestsAlone(t *testing.T) {
	m := &ConversationManifest{
		SessionID:     "sess-1",
		Title:         "Short",
		UserQuestions: []string{"does this fit"},
		FilePaths:     []string{"/src/a.go"},
	}
	m.ClampSize()
	assert.Equal(t, []string{"does this fit"}, m.UserQuestions)
	assert.Equal(t, []string{"/src/a.go"}, m.FilePaths)
}

func TestConversationFilename(t *testing.T) {
	at := time.Date(2026, 8, 21, 9, 5, 0, 0, time.UTC)

	name := ConversationFilename(at, "Fix the Login Bug!", "abcdef-123")
	assert.Equal(t, "2026-08-21_09-05_fix-the-login-bug_abcd.json", name)

	long := ConversationFilename(at, strings.Repeat("very long title ", 10), "ab")
	assert.LessOrEqual(t, len(long), 70)
	assert.True(t, strings.HasSuffix(long, "_ab.json"), long)

	untitled := ConversationFilename(at, "", "abcd")
	assert.Equal(t, "2026-08-21_09-05_untitled_abcd.json", untitled)
}
