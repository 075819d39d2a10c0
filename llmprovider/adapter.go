// Package llmprovider bridges iris LLM providers to reflow's core.LLMClient.
package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
	"golang.org/x/time/rate"

	"github.com/petal-labs/reflow/core"
)

// irisAdapter wraps an iris Provider to implement core.LLMClient. When a
// limiter is set every call waits for a token first.
type irisAdapter struct {
	provider iriscore.Provider
	limiter  *rate.Limiter
}

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return core.LLMResponse{}, fmt.Errorf("provider %s: rate limit wait: %w", a.provider.ID(), err)
		}
	}

	chatResp, err := a.provider.Chat(ctx, toRequest(req))
	if err != nil {
		return core.LLMResponse{}, fmt.Errorf("provider %s: chat failed: %w", a.provider.ID(), err)
	}
	return a.fromResponse(chatResp), nil
}

// toRequest converts a core.LLMRequest to an iris ChatRequest. The system
// prompt comes first and InputText becomes a trailing user message.
func toRequest(req core.LLMRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(req.Messages)+2)

	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}
	if req.InputText != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleUser,
			Content: req.InputText,
		})
	}

	chatReq := &iriscore.ChatRequest{
		Model:        iriscore.ModelID(req.Model),
		Messages:     messages,
		Instructions: req.Instructions,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

func (a *irisAdapter) fromResponse(resp *iriscore.ChatResponse) core.LLMResponse {
	out := core.LLMResponse{
		Text:     resp.Output,
		Provider: a.provider.ID(),
		Model:    string(resp.Model),
		Status:   resp.Status,
		Usage: core.LLMTokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Meta: make(map[string]any),
	}
	if resp.ID != "" {
		out.Meta["response_id"] = resp.ID
	}
	if resp.Reasoning != nil && len(resp.Reasoning.Summary) > 0 {
		out.Meta["reasoning_summary"] = resp.Reasoning.Summary
	}
	return out
}

func toIrisRole(role string) iriscore.Role {
	switch role {
	case "system":
		return iriscore.RoleSystem
	case "assistant":
		return iriscore.RoleAssistant
	default:
		return iriscore.RoleUser
	}
}

var _ core.LLMClient = (*irisAdapter)(nil)
