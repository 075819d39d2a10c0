// Package llmunit provides the LLM-backed work unit and quality evaluator.
package llmunit

import (
	"context"
	"encoding/json"
	"errors"
	"text/template"
	"time"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/runtime"
)

// Config configures a Unit.
type Config struct {
	// Model is the model identifier passed to the client.
	Model string

	// System is the system prompt.
	System string

	// Instructions describe the node's task. They are rendered into the prompt.
	Instructions string

	// PromptTemplate replaces the default prompt. It is a text/template
	// rendered with the fields NodeID, Role, Instructions, Objective, Input,
	// Upstream, Guidance and Round.
	PromptTemplate string

	Temperature *float64
	MaxTokens   *int

	// Timeout bounds each model call (0 = no limit beyond the node's).
	Timeout time.Duration
}

// Unit is a work unit that asks a model for a JSON answer.
type Unit struct {
	client core.LLMClient
	cfg    Config
	tmpl   *template.Template
}

// ErrNilClient is returned by New when no client is given.
var ErrNilClient = errors.New("llmunit: nil client")

// New creates a Unit and parses its prompt template.
func New(client core.LLMClient, cfg Config) (*Unit, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	tmpl, err := parseTemplate("prompt", cfg.PromptTemplate)
	if err != nil {
		return nil, err
	}
	return &Unit{client: client, cfg: cfg, tmpl: tmpl}, nil
}

// Invoke renders the prompt, calls the model and decodes its answer.
// Provider errors are returned so the caller retries; an answer that is
// not JSON becomes an INVALID_JSON result.
func (u *Unit) Invoke(ctx context.Context, inv core.Invocation) (core.Result, error) {
	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	prompt, err := render(u.tmpl, newPromptData(inv, u.cfg.Instructions))
	if err != nil {
		return core.Failuref(core.CodeExecutionFailed, "node %s: %v", inv.NodeID, err), nil
	}

	resp, err := u.client.Complete(ctx, core.LLMRequest{
		Model:       u.cfg.Model,
		System:      u.cfg.System,
		InputText:   prompt,
		Temperature: u.cfg.Temperature,
		MaxTokens:   u.cfg.MaxTokens,
	})
	if err != nil {
		return core.Result{}, err
	}

	runtime.EmitterFromContext(ctx)(runtime.NewEvent(runtime.EventNodeOutput, runtime.RunIDFromContext(ctx)).
		WithNode(inv.NodeID, core.NodeKindLLM).
		WithAttempt(max(inv.Attempt, 1)).
		WithPayload("round", inv.Round).
		WithPayload("provider", resp.Provider).
		WithPayload("model", resp.Model).
		WithPayload("input_tokens", resp.Usage.InputTokens).
		WithPayload("output_tokens", resp.Usage.OutputTokens))

	var data any
	if err := json.Unmarshal([]byte(CleanResponse(resp.Text)), &data); err != nil {
		return core.Failuref(core.CodeInvalidJSON, "node %s returned invalid JSON: %v", inv.NodeID, err), nil
	}
	return core.Success(data), nil
}

var _ core.WorkUnit = (*Unit)(nil)
