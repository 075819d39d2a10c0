package llmunit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/petal-labs/reflow/core"
)

// promptData is the view a prompt template renders against.
type promptData struct {
	NodeID       string
	Role         string
	Instructions string
	Objective    string
	Input        string
	Upstream     string
	Guidance     []string
	Round        int
}

const defaultPrompt = `You are acting as: {{.Role}}
{{- if .Instructions}}

Instructions:
{{.Instructions}}
{{- end}}
{{- if .Objective}}

Overall objective:
{{.Objective}}
{{- end}}
{{- if .Input}}

Input:
{{.Input}}
{{- end}}
{{- if .Upstream}}

Outputs from the steps you depend on (JSON, keyed by step id):
{{.Upstream}}
{{- end}}
{{- if .Guidance}}

Your previous answers were reviewed and found insufficient. Apply this guidance:
{{- range $i, $g := .Guidance}}
{{inc $i}}. {{$g}}
{{- end}}
{{- end}}

Respond with a single JSON value and nothing else.`

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"json": toJSON,
}

func newPromptData(inv core.Invocation, instructions string) promptData {
	d := promptData{
		NodeID:       inv.NodeID,
		Role:         inv.Role,
		Instructions: strings.TrimSpace(instructions),
		Objective:    inv.Objective,
		Guidance:     inv.Guidance,
		Round:        inv.Round,
	}
	if inv.Input != nil {
		if s, ok := inv.Input.(string); ok {
			d.Input = s
		} else {
			d.Input = toJSON(inv.Input)
		}
	}
	if up := inv.UpstreamData(); len(up) > 0 {
		d.Upstream = toJSON(up)
	}
	return d
}

func render(tmpl *template.Template, d promptData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return buf.String(), nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	if text == "" {
		text = defaultPrompt
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}
	return tmpl, nil
}

func toJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
