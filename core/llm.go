package core

import "context"

// LLMClient abstracts a single provider/model backend.
// Implementations adapt LLM providers to this common interface.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest is the request structure for LLM completion.
type LLMRequest struct {
	Model        string       // model identifier (e.g., "gpt-4o", "claude-sonnet-4")
	System       string       // system prompt
	Instructions string       // system instructions (Responses API style)
	Messages     []LLMMessage // conversation messages
	InputText    string       // optional: simple prompt mode (converted to user message)
	Temperature  *float64     // optional: sampling temperature
	MaxTokens    *int         // optional: maximum output tokens
}

// LLMMessage is a chat message.
type LLMMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// LLMResponse captures the output from an LLM call.
type LLMResponse struct {
	Text     string
	Usage    LLMTokenUsage
	Provider string
	Model    string
	Status   string
	Meta     map[string]any
}

// LLMTokenUsage tracks token consumption for LLM calls.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add combines two usage values.
func (u LLMTokenUsage) Add(other LLMTokenUsage) LLMTokenUsage {
	return LLMTokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
