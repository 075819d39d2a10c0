package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petal-labs/reflow/bus"
	"github.com/petal-labs/reflow/runtime"
)

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Replay the stored events of a run, or list stored runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEvents,
	}
	cmd.Flags().String("store", "", "SQLite DSN of the event store (default: $"+envStore+")")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().String("node", "", "Only show events of this node")
	cmd.Flags().StringSlice("kind", nil, "Only show events of these kinds (e.g. node.failed)")
	cmd.Flags().Uint64("after", 0, "Only show events with a sequence number above this")
	return cmd
}

// eventJSON is the wire form of a stored event.
type eventJSON struct {
	Seq       uint64         `json:"seq"`
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeKind  string         `json:"node_kind,omitempty"`
	Time      time.Time      `json:"time"`
	Attempt   int            `json:"attempt"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

type runSummaryJSON struct {
	RunID    string    `json:"run_id"`
	Status   string    `json:"status"`
	Events   int       `json:"events"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

func runEvents(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("store")
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(envStore))
	}
	if dsn == "" {
		return exitError(exitInputParse, "--store is required (or set %s)", envStore)
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return exitError(exitRuntime, "opening event store: %v", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		runs, err := store.Runs(cmd.Context())
		if err != nil {
			return exitError(exitRuntime, "listing runs: %v", err)
		}
		return writeRuns(out, format, runs)
	}

	q := bus.Query{RunID: args[0]}
	q.NodeID, _ = cmd.Flags().GetString("node")
	q.AfterSeq, _ = cmd.Flags().GetUint64("after")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	for _, k := range kinds {
		q.Kinds = append(q.Kinds, runtime.EventKind(k))
	}

	events, err := store.List(cmd.Context(), q)
	if err != nil {
		return exitError(exitRuntime, "listing events: %v", err)
	}
	if len(events) == 0 && q.NodeID == "" && len(q.Kinds) == 0 && q.AfterSeq == 0 {
		return exitError(exitFileNotFound, "no events stored for run %s", args[0])
	}
	return writeEvents(out, format, events)
}

func writeRuns(w io.Writer, format string, runs []bus.RunSummary) error {
	if format == "json" {
		out := make([]runSummaryJSON, 0, len(runs))
		for _, r := range runs {
			out = append(out, runSummaryJSON{
				RunID:    r.RunID,
				Status:   r.Status,
				Events:   r.Events,
				Started:  r.Started,
				Finished: r.Finished,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	t := newTable("RUN", "STATUS", "EVENTS", "STARTED", "DURATION")
	for _, r := range runs {
		duration := ""
		if !r.Finished.IsZero() && !r.Started.IsZero() {
			duration = r.Finished.Sub(r.Started).Round(time.Millisecond).String()
		}
		started := ""
		if !r.Started.IsZero() {
			started = r.Started.UTC().Format(time.RFC3339)
		}
		t.AddRow([]string{r.RunID, r.Status, fmt.Sprint(r.Events), started, duration}, runStatusColor(r.Status))
	}
	t.Render(w)
	return nil
}

func writeEvents(w io.Writer, format string, events []runtime.Event) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(toEventJSON(e)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, e := range events {
		c := eventColor(e.Kind)
		c.Fprintf(w, "%4d %s %-16s", e.Seq, e.Time.UTC().Format("15:04:05.000"), e.Kind)
		if e.NodeID != "" {
			fmt.Fprintf(w, " %s", e.NodeID)
		}
		if e.Attempt > 1 {
			fmt.Fprintf(w, " attempt=%d", e.Attempt)
		}
		if p := formatPayload(e.Payload); p != "" {
			fmt.Fprintf(w, " %s", p)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func toEventJSON(e runtime.Event) eventJSON {
	return eventJSON{
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeKind:  string(e.NodeKind),
		Time:      e.Time,
		Attempt:   e.Attempt,
		ElapsedMS: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// formatPayload renders payload entries as sorted key=value pairs.
func formatPayload(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

func eventColor(kind runtime.EventKind) *color.Color {
	switch kind {
	case runtime.EventNodeFailed:
		return color.New(color.FgRed)
	case runtime.EventNodeRetry, runtime.EventNodeSkipped:
		return color.New(color.FgYellow)
	case runtime.EventNodeFinished:
		return color.New(color.FgGreen)
	case runtime.EventRunStarted, runtime.EventRunFinished:
		return color.New(color.FgCyan, color.Bold)
	default:
		return color.New(color.Reset)
	}
}

func runStatusColor(status string) *color.Color {
	switch status {
	case "completed":
		return color.New(color.FgGreen)
	case "running":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
