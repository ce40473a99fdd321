package transcript

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the cl100k_base BPE vocabulary. When the
// encoder cannot be loaded it falls back to the character heuristic
// ceil(len/4), which tracks the BPE count closely enough for percentage
// displays.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter. Encoder loading is deferred to first
// use; construction never fails.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c != nil {
		c.once.Do(func() {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err == nil {
				c.enc = enc
			}
		})
		if c.enc != nil {
			return len(c.enc.Encode(text, nil, nil))
		}
	}
	return (len(text) + 3) / 4
}
