// Package contextwin manages per-category token budgets for a session and
// produces the ordered, trimmed message view sent to the gateway.
package contextwin

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokensPerChar is the conservative default estimate of tokens per
// character used when no exact counter is configured.
const TokensPerChar = 0.25

// MessageOverhead is the per-message token overhead (role, framing).
const MessageOverhead = 4

// TokenCounter estimates token cost for text. Counting is pluggable so a
// gateway-supplied authoritative count can replace estimates later.
type TokenCounter interface {
	Count(text string) int
}

// CharCounter estimates tokens from rune count at ~4 chars per token.
type CharCounter struct{}

// Count implements TokenCounter.
func (CharCounter) Count(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := int(float64(chars) * TokensPerChar)
	if tokens == 0 && chars > 0 {
		return 1
	}
	return tokens
}

// TiktokenCounter counts exactly using a tiktoken encoding. Falls back to
// CharCounter when the encoding cannot be loaded (offline environments).
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	fallback CharCounter
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encodingName string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if c.encoding == nil {
		return c.fallback.Count(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}
