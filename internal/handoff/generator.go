// Package handoff distills a parsed conversation into a compact
// document the next session (or the next engineer) can start from.
package handoff

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/archive"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
	"github.com/gregory-lime/jacques-context-manager-sub007/internal/transcript"
)

const (
	markdownUserMessages = 5
	skillUserMessages    = 10
	maxHighlights        = 5
	highlightMaxLen      = 200

	// Average characters per token for English prose with code mixed in.
	charsPerToken = 4.5
)

// decisionPatterns match user messages that settle a direction.
var decisionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:let'?s|we(?:'ll| will| should)?) (?:go with|use|stick with|keep)\b`),
	regexp.MustCompile(`(?i)\bdecided (?:to|on|against)\b`),
	regexp.MustCompile(`(?i)\binstead of\b`),
	regexp.MustCompile(`(?i)\bgo with the\b`),
}

// blockerPatterns match unresolved problems on either side of the
// conversation.
var blockerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:blocked|stuck) (?:by|on)\b`),
	regexp.MustCompile(`(?i)\bstill (?:failing|broken|not working)\b`),
	regexp.MustCompile(`(?i)\b(?:can'?t|cannot|unable to) (?:reproduce|fix|find|build|connect)\b`),
	regexp.MustCompile(`(?i)\bneeds? (?:further )?investigation\b`),
	regexp.MustCompile(`(?i)\bTODO\b`),
}

// Summary is the structured digest a handoff document is rendered from.
type Summary struct {
	Title         string
	ProjectPath   string
	GeneratedAt   time.Time
	FilesModified []string
	ToolsUsed     []string
	UserMessages  []string
	Highlights    []string
	Decisions     []string
	Blockers      []string
	Technologies  []string
	Plans         []archive.CandidatePlan
}

// Generator builds handoff documents from parsed transcripts.
type Generator struct {
	logger *logger.Logger
	now    func() time.Time
}

// NewGenerator creates a handoff generator.
func NewGenerator(log *logger.Logger) *Generator {
	return &Generator{logger: log, now: time.Now}
}

// Summarize reduces a conversation to the handoff digest.
func (g *Generator) Summarize(entries []transcript.ParsedEntry, projectPath string) *Summary {
	s := &Summary{
		ProjectPath:   projectPath,
		GeneratedAt:   g.now().UTC(),
		FilesModified: archive.ModifiedFiles(entries),
		ToolsUsed:     archive.ToolsUsed(entries),
		UserMessages:  archive.UserQuestions(entries, skillUserMessages),
		Plans:         archive.ExtractPlans(entries),
	}
	s.Technologies = archive.DetectTechnologies(entries, s.FilesModified)
	s.Title = firstUserLine(entries)

	for _, e := range entries {
		switch e.Kind {
		case transcript.KindUserMessage:
			if e.IsInternalCommand {
				continue
			}
			if line, ok := matchLine(e.Text, decisionPatterns); ok {
				s.Decisions = append(s.Decisions, line)
			}
			if line, ok := matchLine(e.Text, blockerPatterns); ok {
				s.Blockers = append(s.Blockers, line)
			}
		case transcript.KindAssistantMessage:
			if line, ok := matchLine(e.Text, blockerPatterns); ok {
				s.Blockers = append(s.Blockers, line)
			}
			if len(s.Highlights) < maxHighlights {
				if h := highlight(e.Text); h != "" {
					s.Highlights = append(s.Highlights, h)
				}
			}
		}
	}
	return s
}

// Markdown renders the compact document, aimed at roughly a thousand
// tokens.
func (g *Generator) Markdown(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff: %s\n\n", s.Title)
	fmt.Fprintf(&b, "Generated %s for `%s`.\n\n", s.GeneratedAt.Format(time.RFC3339), s.ProjectPath)

	writeList(&b, "## Recent requests", tail(s.UserMessages, markdownUserMessages))
	writeList(&b, "## Work highlights", s.Highlights)
	writeList(&b, "## Decisions", s.Decisions)
	writeList(&b, "## Open blockers", s.Blockers)
	writeList(&b, "## Files modified", s.FilesModified)

	if len(s.Technologies) > 0 {
		fmt.Fprintf(&b, "## Stack\n\n%s\n\n", strings.Join(s.Technologies, ", "))
	}
	if len(s.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "## Tools used\n\n%s\n\n", strings.Join(s.ToolsUsed, ", "))
	}
	for _, plan := range s.Plans {
		fmt.Fprintf(&b, "## Plan: %s\n\n%s\n\n", plan.Title, plan.Content)
	}
	return b.String()
}

// SkillContext renders the digest as a single plain-text block for
// injection into a new session's context.
func (g *Generator) SkillContext(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous session in %s: %s\n", s.ProjectPath, s.Title)
	if len(s.UserMessages) > 0 {
		b.WriteString("Recent requests:\n")
		for _, msg := range s.UserMessages {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	if len(s.FilesModified) > 0 {
		fmt.Fprintf(&b, "Files touched: %s\n", strings.Join(s.FilesModified, ", "))
	}
	if len(s.Blockers) > 0 {
		fmt.Fprintf(&b, "Open blockers: %s\n", strings.Join(s.Blockers, "; "))
	}
	return b.String()
}

// Write summarizes the conversation and stores the markdown document at
// <project>/.jacques/handoffs/<iso-timestamp>-handoff.md. Returns the
// written path. Implements the archive service's handoff contract.
func (g *Generator) Write(entries []transcript.ParsedEntry, projectPath, sessionID string) (string, error) {
	s := g.Summarize(entries, projectPath)
	content := g.Markdown(s)

	dir := filepath.Join(projectPath, ".jacques", "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	// Colons are not filename-safe everywhere; keep the ISO shape with
	// dashes in the time part.
	stamp := s.GeneratedAt.Format("2006-01-02T15-04-05Z")
	path := filepath.Join(dir, stamp+"-handoff.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}

	g.logger.Info("Generated handoff",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.Int("estimated_tokens", EstimateTokens(content)))
	return path, nil
}

// EstimateTokens reports the document size as ceil(len/4.5) tokens.
func EstimateTokens(content string) int {
	return int(math.Ceil(float64(len(content)) / charsPerToken))
}

// firstUserLine derives the handoff title from the first real user
// message.
func firstUserLine(entries []transcript.ParsedEntry) string {
	for _, e := range entries {
		if e.Kind != transcript.KindUserMessage || e.IsInternalCommand {
			continue
		}
		line := firstLine(e.Text)
		if line != "" {
			return truncate(line, 80)
		}
	}
	return "Untitled session"
}

// matchLine returns the first line of text matching any pattern.
func matchLine(text string, patterns []*regexp.Regexp) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(line) {
				return truncate(line, highlightMaxLen), true
			}
		}
	}
	return "", false
}

// highlight condenses an assistant message to its leading line.
func highlight(text string) string {
	line := firstLine(text)
	if line == "" {
		return ""
	}
	return truncate(line, highlightMaxLen)
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

func tail(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
