package scanner

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/constants"
)

// vendorSessionsIndex is the CLI's own closed-session index inside a
// per-project transcript directory.
const vendorSessionsIndex = "sessions-index.json"

// readTranscriptMeta extracts session id, git branch and a synthesised
// title from the head of a transcript file. The read is bounded so a
// multi-hundred-megabyte transcript costs the same as a fresh one.
func readTranscriptMeta(path string) (transcriptMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return transcriptMeta{}, err
	}
	defer f.Close()

	var meta transcriptMeta
	var firstUserMessage string
	var summaryTitle string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256*1024), 10*1024*1024)

	for i := 0; i < constants.DiscoveryHeadEntries && scanner.Scan(); i++ {
		var entry struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			GitBranch string `json:"gitBranch"`
			Summary   string `json:"summary"`
			Message   *struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if meta.SessionID == "" && entry.SessionID != "" {
			meta.SessionID = entry.SessionID
		}
		if meta.GitBranch == "" && entry.GitBranch != "" {
			meta.GitBranch = entry.GitBranch
		}
		if summaryTitle == "" && entry.Type == "summary" && entry.Summary != "" {
			summaryTitle = entry.Summary
		}
		if firstUserMessage == "" && entry.Type == "user" && entry.Message != nil {
			if text := plainText(entry.Message.Content); text != "" && !isInternalText(text) {
				firstUserMessage = text
			}
		}
	}

	// Summary beats the first user message; the vendor index beats both
	// and is resolved by the caller, which knows the project directory.
	switch {
	case summaryTitle != "":
		meta.Title = truncateTitle(summaryTitle, constants.DiscoveryTitleLimit)
	case firstUserMessage != "":
		meta.Title = truncateTitle(firstUserMessage, constants.DiscoveryTitleLimit)
	}
	return meta, scanner.Err()
}

// vendorIndexTitle looks up a session's title in the CLI's own
// closed-session index, returning "" when absent.
func vendorIndexTitle(projectDir, sessionID string) string {
	data, err := os.ReadFile(filepath.Join(projectDir, vendorSessionsIndex))
	if err != nil {
		return ""
	}
	var index struct {
		Sessions []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return ""
	}
	for _, s := range index.Sessions {
		if s.ID == sessionID && s.Title != "" {
			return truncateTitle(s.Title, constants.DiscoveryTitleLimit)
		}
	}
	return ""
}

// plainText renders string-or-blocks message content as text.
func plainText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}

func isInternalText(text string) bool {
	return strings.HasPrefix(text, "<local-command") ||
		strings.HasPrefix(text, "<command-") ||
		strings.HasPrefix(text, "Caveat:")
}

func truncateTitle(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}
