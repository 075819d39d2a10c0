package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
	"github.com/petal-labs/reflow/runtime"
)

// runReport is the JSON form of a finished run.
type runReport struct {
	RunID      string       `json:"run_id"`
	Status     string       `json:"status"`
	Terminal   string       `json:"terminal"`
	Output     core.Result  `json:"output"`
	Nodes      []nodeReport `json:"nodes"`
	Dropped    []graph.Edge `json:"dropped,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

type nodeReport struct {
	ID         string       `json:"id"`
	Level      int          `json:"level"`
	Status     core.Status  `json:"status"`
	Code       core.Code    `json:"code,omitempty"`
	Message    string       `json:"message,omitempty"`
	Outcome    core.Outcome `json:"outcome,omitempty"`
	Attempts   int          `json:"attempts"`
	Rounds     int          `json:"rounds"`
	Skipped    bool         `json:"skipped,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

func newRunReport(r *runtime.RunResult) runReport {
	rep := runReport{
		RunID:      r.RunID,
		Status:     runStatus(r),
		Terminal:   r.Terminal,
		Output:     r.Output,
		Dropped:    r.Dropped,
		DurationMS: r.Finished.Sub(r.Started).Milliseconds(),
	}
	for _, id := range r.Plan.Order {
		res, ok := r.Results[id]
		if !ok {
			continue
		}
		nr := r.Reports[id]
		rep.Nodes = append(rep.Nodes, nodeReport{
			ID:         id,
			Level:      r.Plan.LevelOf[id],
			Status:     res.Status(),
			Code:       res.Code(),
			Message:    res.Message(),
			Outcome:    res.Outcome,
			Attempts:   nr.Attempts,
			Rounds:     nr.Rounds,
			Skipped:    nr.Skipped,
			DurationMS: nr.Duration.Milliseconds(),
		})
	}
	return rep
}

func runStatus(r *runtime.RunResult) string {
	if r.Output.IsSuccess() {
		return "completed"
	}
	if r.Output.Code() == core.CodeCanceled {
		return "canceled"
	}
	return "failed"
}

// writeRunResult prints a finished run in the requested format.
func writeRunResult(w io.Writer, format string, r *runtime.RunResult) error {
	rep := newRunReport(r)
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Fprintf(w, "Run %s %s in %s\n\n", rep.RunID, rep.Status, time.Duration(rep.DurationMS)*time.Millisecond)

	t := newTable("NODE", "LEVEL", "STATUS", "ATTEMPTS", "ROUNDS", "DURATION", "DETAIL")
	for _, n := range rep.Nodes {
		t.AddRow([]string{
			n.ID,
			fmt.Sprint(n.Level),
			nodeStatusLabel(n),
			fmt.Sprint(n.Attempts),
			fmt.Sprint(n.Rounds),
			(time.Duration(n.DurationMS) * time.Millisecond).String(),
			nodeDetail(n),
		}, statusColor(n))
	}
	t.Render(w)

	fmt.Fprintln(w)
	header.Fprintf(w, "Output (%s)\n", rep.Terminal)
	if r.Output.IsError() {
		color.New(color.FgRed).Fprintf(w, "%s: %s\n", r.Output.Code(), r.Output.Message())
		return nil
	}
	fmt.Fprintln(w, formatData(r.Output.Data()))
	return nil
}

func nodeStatusLabel(n nodeReport) string {
	switch {
	case n.Skipped:
		return "skipped"
	case n.Status == core.StatusSuccess && n.Outcome == core.OutcomeExhausted:
		return "degraded"
	default:
		return string(n.Status)
	}
}

func nodeDetail(n nodeReport) string {
	if n.Code != "" {
		return fmt.Sprintf("%s: %s", n.Code, n.Message)
	}
	return string(n.Outcome)
}

func statusColor(n nodeReport) *color.Color {
	switch nodeStatusLabel(n) {
	case "success":
		return color.New(color.FgGreen)
	case "degraded", "skipped":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// formatData renders terminal data: strings as is, everything else as
// indented JSON.
func formatData(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// table is a column-aligned text table whose rows may be colored.
type table struct {
	headers []string
	rows    [][]string
	colors  []*color.Color
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

// AddRow appends a row. c may be nil for an uncolored row.
func (t *table) AddRow(row []string, c *color.Color) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
	t.colors = append(t.colors, c)
}

// Render writes the header, a separator line, and the rows.
func (t *table) Render(w io.Writer) {
	headerColor := color.New(color.FgCyan, color.Bold)
	headerColor.Fprintln(w, t.line(t.headers))

	seps := make([]string, len(t.widths))
	for i, width := range t.widths {
		seps[i] = strings.Repeat("-", width)
	}
	fmt.Fprintln(w, t.line(seps))

	for i, row := range t.rows {
		if c := t.colors[i]; c != nil {
			c.Fprintln(w, t.line(row))
			continue
		}
		fmt.Fprintln(w, t.line(row))
	}
}

func (t *table) line(cells []string) string {
	var sb strings.Builder
	for i, cell := range cells {
		if i >= len(t.widths) {
			break
		}
		if i > 0 {
			sb.WriteString("  ")
		}
		if i == len(cells)-1 {
			sb.WriteString(cell)
			continue
		}
		fmt.Fprintf(&sb, "%-*s", t.widths[i], cell)
	}
	return sb.String()
}
