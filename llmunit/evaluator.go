package llmunit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/reflow/core"
)

const evaluatorSystem = `You review the work of one step in a larger task. Judge only whether the
output fulfils the step's role in service of the objective.

Answer with JSON only, in exactly this shape:
{"status": "sufficient" | "insufficient", "critique": "...", "guidance": "..."}

Leave critique and guidance empty when the status is sufficient.`

// Evaluator asks a model whether a node's output is sufficient.
type Evaluator struct {
	client core.LLMClient
	model  string
}

// NewEvaluator creates an Evaluator that calls model through client.
func NewEvaluator(client core.LLMClient, model string) *Evaluator {
	return &Evaluator{client: client, model: model}
}

type verdictJSON struct {
	Status   string `json:"status"`
	Critique string `json:"critique"`
	Guidance string `json:"guidance"`
}

// Evaluate returns the model's verdict. An answer that does not decode to
// a recognised verdict yields an error wrapping core.ErrMalformedEvaluation.
func (e *Evaluator) Evaluate(ctx context.Context, req core.EvaluationRequest) (core.Evaluation, error) {
	resp, err := e.client.Complete(ctx, core.LLMRequest{
		Model:     e.model,
		System:    evaluatorSystem,
		InputText: evaluationPrompt(req),
	})
	if err != nil {
		return core.Evaluation{}, fmt.Errorf("evaluator: %w", err)
	}
	return ParseEvaluation(resp.Text)
}

// ParseEvaluation decodes a model's verdict, tolerating code fences and
// case differences in the status.
func ParseEvaluation(text string) (core.Evaluation, error) {
	var v verdictJSON
	if err := json.Unmarshal([]byte(CleanResponse(text)), &v); err != nil {
		return core.Evaluation{}, fmt.Errorf("%w: %v", core.ErrMalformedEvaluation, err)
	}
	status := core.Verdict(strings.ToLower(strings.TrimSpace(v.Status)))
	if !status.Valid() {
		return core.Evaluation{}, fmt.Errorf("%w: unrecognised status %q", core.ErrMalformedEvaluation, v.Status)
	}
	return core.Evaluation{Status: status, Critique: v.Critique, Guidance: v.Guidance}, nil
}

func evaluationPrompt(req core.EvaluationRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective:\n%s\n\n", req.Objective)
	fmt.Fprintf(&sb, "Step role:\n%s\n\n", req.Role)
	fmt.Fprintf(&sb, "Output:\n%s\n", toJSON(req.Output))
	if len(req.History) > 0 {
		sb.WriteString("\nEarlier reviews of this step:\n")
		for i, h := range req.History {
			fmt.Fprintf(&sb, "%d. critique: %s; guidance: %s\n", i+1, h.Critique, h.Guidance)
		}
	}
	return sb.String()
}

var _ core.Evaluator = (*Evaluator)(nil)
