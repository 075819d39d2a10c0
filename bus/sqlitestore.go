package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// timeLayout is fixed width so stored times compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string, e.g. "file:reflow.db".
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionRuns keeps only the most recently started runs (0 = keep all).
	RetentionRuns int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to a SQLite database in WAL mode.
// When retention is configured a background goroutine prunes old events
// until Close is called.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlitestore: empty DSN")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single connection serializes writers; shared-cache memory databases
	// otherwise report table locks under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionRuns > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event. Re-appending an event with an existing
// (run, seq) pair is a no-op.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (run_id, seq, kind, node_id, node_kind, time, attempt, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID,
		event.Seq,
		string(event.Kind),
		event.NodeID,
		string(event.NodeKind),
		event.Time.UTC().Format(timeLayout),
		event.Attempt,
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the events matching q in Seq order.
func (s *SQLiteEventStore) List(ctx context.Context, q Query) ([]runtime.Event, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT run_id, seq, kind, node_id, node_kind, time, attempt, elapsed, payload, trace_id, span_id
		FROM events WHERE run_id = ? AND seq > ?`)
	args := []any{q.RunID, q.AfterSeq}

	if q.NodeID != "" {
		sb.WriteString(" AND node_id = ?")
		args = append(args, q.NodeID)
	}
	if len(q.Kinds) > 0 {
		sb.WriteString(" AND kind IN (")
		for i, k := range q.Kinds {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, string(k))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ORDER BY seq ASC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is never negative
}

// Runs summarizes every stored run, most recently started first.
func (s *SQLiteEventStore) Runs(ctx context.Context) ([]RunSummary, error) {
	counts, err := s.eventCounts(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT run_id, seq, kind, time, payload
		FROM events WHERE kind IN (?, ?)
		ORDER BY run_id, seq`,
		string(runtime.EventRunStarted), string(runtime.EventRunFinished))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()

	byRun := make(map[string][]runtime.Event)
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			timeStr     string
			payloadJSON string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &timeStr, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run: %w", err)
		}
		e.Kind = runtime.EventKind(kind)
		if e.Time, err = time.Parse(time.RFC3339Nano, timeStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		if err := decodePayload(payloadJSON, &e); err != nil {
			return nil, err
		}
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}

	runs := make([]RunSummary, 0, len(counts))
	for id, c := range counts {
		sum := summarize(id, byRun[id])
		sum.Events = c.n
		sum.LastSeq = c.last
		runs = append(runs, sum)
	}
	sortRuns(runs)
	return runs, nil
}

type runCount struct {
	n    int
	last uint64
}

func (s *SQLiteEventStore) eventCounts(ctx context.Context) (map[string]runCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, COUNT(*), MAX(seq) FROM events GROUP BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]runCount)
	for rows.Next() {
		var (
			id   string
			c    runCount
			last int64
		)
		if err := rows.Scan(&id, &c.n, &last); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan count: %w", err)
		}
		if last > 0 {
			c.last = uint64(last) // #nosec G115 -- checked above
		}
		counts[id] = c
	}
	return counts, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.now().Add(-s.cfg.RetentionAge).UTC().Format(timeLayout)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionRuns > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE run_id NOT IN (
				SELECT run_id FROM events GROUP BY run_id
				ORDER BY MIN(time) DESC LIMIT ?
			)`, s.cfg.RetentionRuns,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by runs: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			nodeKind    string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.RunID,
			&e.Seq,
			&kind,
			&e.NodeID,
			&nodeKind,
			&timeStr,
			&e.Attempt,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = runtime.EventKind(kind)
		e.NodeKind = core.NodeKind(nodeKind)
		e.Elapsed = time.Duration(elapsedNano)

		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Time = t

		if err := decodePayload(payloadJSON, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func decodePayload(raw string, e *runtime.Event) error {
	e.Payload = map[string]any{}
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
		return fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
	}
	return nil
}

var _ EventStore = (*SQLiteEventStore)(nil)
