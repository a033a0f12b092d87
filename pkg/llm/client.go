// Package llm provides the sub-LLM batch client: bounded-concurrency segment
// judgments, a fingerprint cache, and single-shot synthesis. The Anthropic
// backend hides behind the Client interface so tests can script judgments.
package llm

import (
	"context"
)

// Role of a message in a completion request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a completion request.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is the model's completion with token accounting.
type Response struct {
	Content   string
	TokensIn  int64
	TokensOut int64
}

// Client generates completions. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, in Request) (Response, error)
}

// defaultMaxTokens bounds judgment and synthesis completions.
const defaultMaxTokens = 4096
