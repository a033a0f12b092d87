package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Claude does not publish its tokenizer; GPT-4 encoding is a close enough
// approximation for usage accounting.
//
//nolint:gochecknoglobals // Codec construction is expensive, share one
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens returns the approximate token count of text. Falls back to the
// 4-characters-per-token heuristic if the tokenizer is unavailable.
func CountTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})

	if codec == nil {
		return len(text) / 4
	}
	count, err := codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
