package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/gregory-lime/jacques-context-manager-sub007/internal/common/logger"
)

// maxEntryBytes bounds a single transcript line. Assistant entries with
// large tool outputs can run to several megabytes.
const maxEntryBytes = 10 * 1024 * 1024

// Parser turns a raw transcript into normalized entries plus statistics.
// Safe for concurrent use; each Parse call is independent.
type Parser struct {
	counter *TokenCounter
	logger  *logger.Logger
}

// NewParser creates a parser sharing one token counter across calls.
func NewParser(log *logger.Logger) *Parser {
	return &Parser{
		counter: NewTokenCounter(),
		logger:  log.WithFields(zap.String("component", "transcript_parser")),
	}
}

// ParseFile parses a transcript file from disk.
func (p *Parser) ParseFile(path string) ([]ParsedEntry, *Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse runs the two-pass algorithm over an entry stream. Malformed lines
// are discarded with a warning; a truncated last line is skipped silently.
// Parsing the same input twice yields identical output.
func (p *Parser) Parse(r io.Reader) ([]ParsedEntry, *Stats, error) {
	raws, err := p.readEntries(r)
	if err != nil {
		return nil, nil, err
	}

	taskCalls, webSearches := p.extractContext(raws)
	entries, stats := p.normalize(raws, taskCalls, webSearches)
	return entries, stats, nil
}

// readEntries decodes every well-formed line.
func (p *Parser) readEntries(r io.Reader) ([]RawEntry, error) {
	var raws []RawEntry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), maxEntryBytes)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		var raw RawEntry
		if err := json.Unmarshal(data, &raw); err != nil {
			// A truncated last line means the writer crashed mid-append.
			p.logger.Warn("Discarding malformed transcript line",
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		raws = append(raws, raw)
	}
	if err := scanner.Err(); err != nil {
		return raws, err
	}
	return raws, nil
}

// extractContext is pass 1: build the task-call and web-search tables.
func (p *Parser) extractContext(raws []RawEntry) (map[string]taskCall, map[string][]SearchResultLink) {
	taskCalls := make(map[string]taskCall)
	webSearches := make(map[string][]SearchResultLink)

	for i := range raws {
		raw := &raws[i]
		switch raw.Type {
		case rawTypeAssistant:
			for _, block := range contentBlocks(raw.Message) {
				if block.Type != "tool_use" || block.Name != "Task" || block.ID == "" {
					continue
				}
				var input struct {
					SubagentType string `json:"subagent_type"`
					Description  string `json:"description"`
					Prompt       string `json:"prompt"`
				}
				if err := json.Unmarshal(block.Input, &input); err != nil {
					continue
				}
				taskCalls[block.ID] = taskCall{
					SubagentType: input.SubagentType,
					Description:  input.Description,
					Prompt:       input.Prompt,
				}
			}

		case rawTypeUser:
			links := searchResultLinks(raw.ToolUseResult)
			if len(links) == 0 {
				continue
			}
			for _, block := range contentBlocks(raw.Message) {
				if block.Type == "tool_result" && block.ToolUseID != "" {
					webSearches[block.ToolUseID] = links
				}
			}
		}
	}
	return taskCalls, webSearches
}

// normalize is pass 2: categorize every raw entry and accumulate stats.
func (p *Parser) normalize(raws []RawEntry, taskCalls map[string]taskCall, webSearches map[string][]SearchResultLink) ([]ParsedEntry, *Stats) {
	entries := make([]ParsedEntry, 0, len(raws))
	stats := &Stats{}

	// search_results_received entries get their URLs spliced in after the
	// pass so late web-search tables still apply.
	searchSplices := make(map[string][]int)

	for i := range raws {
		raw := &raws[i]
		produced := p.normalizeEntry(raw, taskCalls, stats)
		for _, entry := range produced {
			if entry.Kind == KindWebSearch && entry.SearchQuery == "" && raw.ParentToolUseID != "" {
				searchSplices[raw.ParentToolUseID] = append(searchSplices[raw.ParentToolUseID], len(entries))
			}
			entries = append(entries, entry)
		}
	}

	for toolUseID, indexes := range searchSplices {
		links, ok := webSearches[toolUseID]
		if !ok {
			continue
		}
		for _, idx := range indexes {
			entries[idx].SearchURLs = links
		}
	}

	stats.EntryCount = len(entries)
	stats.finalize()
	return entries, stats
}

// normalizeEntry maps one raw entry to zero or more parsed entries.
func (p *Parser) normalizeEntry(raw *RawEntry, taskCalls map[string]taskCall, stats *Stats) []ParsedEntry {
	base := ParsedEntry{
		UUID:       raw.UUID,
		ParentUUID: raw.ParentUUID,
		SessionID:  raw.SessionID,
		Timestamp:  raw.Timestamp,
	}

	switch raw.Type {
	case rawTypeUser:
		return p.normalizeUser(raw, base, stats)

	case rawTypeAssistant:
		return p.normalizeAssistant(raw, base, stats)

	case rawTypeProgress:
		return []ParsedEntry{p.normalizeProgress(raw, base, taskCalls)}

	case rawTypeQueueOperation:
		var op queueOperation
		if raw.Data != nil {
			if err := json.Unmarshal(raw.Data, &op); err != nil {
				return []ParsedEntry{skipped(base)}
			}
		}
		msg := op.Message
		if msg == nil {
			msg = raw.Message
		}
		if msg == nil {
			return []ParsedEntry{skipped(base)}
		}
		nested := *raw
		nested.Message = msg
		return p.normalizeUser(&nested, base, stats)

	case rawTypeSystem:
		switch raw.Subtype {
		case systemTurnDuration:
			base.Kind = KindTurnDuration
			base.DurationMS = raw.DurationMS
			return []ParsedEntry{base}
		default:
			base.Kind = KindSystemEvent
			base.Text = raw.Subtype
			return []ParsedEntry{base}
		}

	case rawTypeSummary:
		base.Kind = KindSummary
		base.Text = raw.Summary
		return []ParsedEntry{base}

	case rawTypeFileHistorySnapshot:
		return []ParsedEntry{skipped(base)}

	default:
		return []ParsedEntry{skipped(base)}
	}
}

func (p *Parser) normalizeUser(raw *RawEntry, base ParsedEntry, stats *Stats) []ParsedEntry {
	if raw.Message == nil {
		return []ParsedEntry{skipped(base)}
	}

	var out []ParsedEntry

	text, blocks := messageText(raw.Message)

	// Tool results ride on user entries.
	for _, block := range blocks {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		result := base
		result.Kind = KindToolResult
		result.ToolResultID = block.ToolUseID
		result.Text = resultContent(block)
		result.IsError = block.IsError
		out = append(out, result)
	}

	if text != "" {
		msg := base
		msg.Kind = KindUserMessage
		msg.Text = text
		msg.IsInternalCommand = isInternalCommand(text)
		out = append(out, msg)
		stats.UserMessages++
	}

	if len(out) == 0 {
		return []ParsedEntry{skipped(base)}
	}
	return out
}

func (p *Parser) normalizeAssistant(raw *RawEntry, base ParsedEntry, stats *Stats) []ParsedEntry {
	if raw.Message == nil {
		return []ParsedEntry{skipped(base)}
	}

	var out []ParsedEntry

	text, blocks := messageText(raw.Message)
	var thinking strings.Builder
	estimated := 0

	for _, block := range blocks {
		switch block.Type {
		case "thinking":
			if thinking.Len() > 0 {
				thinking.WriteByte('\n')
			}
			thinking.WriteString(block.Thinking)
		case "tool_use":
			call := base
			call.Kind = KindToolCall
			call.ToolName = block.Name
			call.ToolUseID = block.ID
			call.ToolInput = block.Input
			call.Model = raw.Message.Model
			out = append(out, call)
			stats.ToolCalls++
			estimated += p.counter.Count(string(block.Input))
		}
	}

	estimated += p.counter.Count(text)
	estimated += p.counter.Count(thinking.String())

	if text != "" || thinking.Len() > 0 || len(out) == 0 {
		msg := base
		msg.Kind = KindAssistantMessage
		msg.Text = text
		msg.Thinking = thinking.String()
		msg.Model = raw.Message.Model
		msg.Usage = raw.Message.Usage
		// Prepend so the message precedes its tool calls.
		out = append([]ParsedEntry{msg}, out...)
		stats.AssistantMessages++
	}

	if usage := raw.Message.Usage; usage != nil {
		stats.TotalInputTokens += usage.InputTokens
		stats.TotalOutputTokens += usage.OutputTokens
		stats.TotalCacheCreationTokens += usage.CacheCreationInputTokens
		stats.TotalCacheReadTokens += usage.CacheReadInputTokens
		stats.LastInputTokens = usage.InputTokens
		stats.LastCacheReadTokens = usage.CacheReadInputTokens
	}
	stats.TotalOutputTokensEstimated += estimated

	return out
}

func (p *Parser) normalizeProgress(raw *RawEntry, base ParsedEntry, taskCalls map[string]taskCall) ParsedEntry {
	var data progressData
	if raw.Data != nil {
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return skipped(base)
		}
	}

	switch data.Type {
	case progressHook:
		base.Kind = KindHookProgress
		base.Text = firstNonEmpty(data.Hook, data.Message)
	case progressAgent:
		base.Kind = KindAgentProgress
		base.Text = data.Message
		if call, ok := taskCalls[raw.ParentToolUseID]; ok {
			base.AgentType = call.SubagentType
			base.AgentDescription = call.Description
		}
	case progressBash:
		base.Kind = KindBashProgress
		base.Text = firstNonEmpty(data.Output, data.Command)
	case progressMCP:
		base.Kind = KindMCPProgress
		base.Text = firstNonEmpty(data.Message, data.Server)
	case progressQueryUpdate:
		base.Kind = KindWebSearch
		base.SearchQuery = data.Query
	case progressSearchResults:
		// URLs are spliced in after pass 2 from the web-search table.
		base.Kind = KindWebSearch
	default:
		base.Kind = KindSkip
	}
	return base
}

func skipped(base ParsedEntry) ParsedEntry {
	base.Kind = KindSkip
	return base
}

// contentBlocks decodes a message's structured content, tolerating the
// plain-string form.
func contentBlocks(msg *RawMessage) []ContentBlock {
	if msg == nil || len(msg.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// messageText returns the concatenated text blocks and the decoded block
// list. String-form content yields the string and no blocks.
func messageText(msg *RawMessage) (string, []ContentBlock) {
	if msg == nil || len(msg.Content) == 0 {
		return "", nil
	}

	var str string
	if err := json.Unmarshal(msg.Content, &str); err == nil {
		return str, nil
	}

	blocks := contentBlocks(msg)
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), blocks
}

// resultContent renders a tool_result block's content as text.
func resultContent(block ContentBlock) string {
	switch v := block.Content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// searchResultLinks pulls the {title,url} pairs out of a toolUseResult.
func searchResultLinks(result *ToolUseResult) []SearchResultLink {
	if result == nil {
		return nil
	}
	var links []SearchResultLink
	for _, item := range result.Results {
		for _, link := range item.Content {
			if link.URL != "" {
				links = append(links, link)
			}
		}
	}
	return links
}

// isInternalCommand reports whether a user message is slash-command
// plumbing rather than human input.
func isInternalCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, prefix := range internalCommandPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
