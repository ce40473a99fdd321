package transcript

import "github.com/gregory-lime/jacques-context-manager-sub007/internal/common/constants"

// Stats aggregates token accounting over one parsed transcript.
//
// The vendor's recorded output_tokens on streaming assistant entries is
// unreliable (observed 1-9 per entry regardless of body length), so both
// the raw sum and a BPE re-estimate are reported. Input counters are
// recorded values, which are reliable.
type Stats struct {
	EntryCount        int `json:"entry_count"`
	UserMessages      int `json:"user_messages"`
	AssistantMessages int `json:"assistant_messages"`
	ToolCalls         int `json:"tool_calls"`

	TotalInputTokens           int `json:"total_input_tokens"`
	TotalOutputTokens          int `json:"total_output_tokens"`
	TotalOutputTokensEstimated int `json:"total_output_tokens_estimated"`
	TotalCacheCreationTokens   int `json:"total_cache_creation_tokens"`
	TotalCacheReadTokens       int `json:"total_cache_read_tokens"`

	// Last-turn values drive the context-size report.
	LastInputTokens     int `json:"last_input_tokens"`
	LastCacheReadTokens int `json:"last_cache_read_tokens"`

	ContextWindowSize int     `json:"context_window_size"`
	ContextSize       int     `json:"context_size"`
	UsedPercentage    float64 `json:"used_percentage"`
}

// finalize derives the context-size figures from the last-turn counters.
func (s *Stats) finalize() {
	if s.ContextWindowSize == 0 {
		s.ContextWindowSize = constants.DefaultContextWindow
	}
	s.ContextSize = s.LastInputTokens + s.LastCacheReadTokens
	s.UsedPercentage = float64(s.ContextSize) / float64(s.ContextWindowSize) * 100
	if s.UsedPercentage > 100 {
		s.UsedPercentage = 100
	}
}
