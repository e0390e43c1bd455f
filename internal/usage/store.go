// Package usage provides a persistent ledger of inference calls.
// Records are append-only and indexed by timestamp and conversation
// for aggregation queries. The backend is local so there is no cost
// model; duration and queue-wait time stand in for spend.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/weixian95/brain-at-home/internal/queue"
)

// Record is one inference call as persisted in the ledger.
type Record struct {
	ID             string
	Timestamp      time.Time
	RequestID      string
	ConversationID string
	Model          string
	Role           string // "turn", "classify", "query", "enrich_title", ...
	InputTokens    int
	OutputTokens   int
	DurationMS     int64
	QueuedMS       int64
	Error          string
}

// Summary holds aggregated ledger totals.
type Summary struct {
	TotalCalls        int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalDurationMS   int64
	TotalQueuedMS     int64
	FailedCalls       int
}

// Store is an append-only SQLite ledger. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger at the given database path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inference_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		role            TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL,
		queued_ms       INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON inference_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_conversation ON inference_calls(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists a ledger record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inference_calls
			(id, timestamp, request_id, conversation_id, model, role,
			 input_tokens, output_tokens, duration_ms, queued_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.ConversationID,
		rec.Model,
		rec.Role,
		rec.InputTokens,
		rec.OutputTokens,
		rec.DurationMS,
		rec.QueuedMS,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordCall implements queue.Recorder. Insert failures are swallowed:
// the ledger is observability plumbing and must never fail a turn.
func (s *Store) RecordCall(ctx context.Context, call queue.CallRecord) {
	rec := Record{
		RequestID:      call.RequestID,
		ConversationID: call.ConversationID,
		Model:          call.Model,
		Role:           call.Role,
		InputTokens:    call.InputTokens,
		OutputTokens:   call.OutputTokens,
		DurationMS:     call.Duration.Milliseconds(),
		QueuedMS:       call.Queued.Milliseconds(),
	}
	if call.Err != nil {
		rec.Error = call.Err.Error()
	}
	// The caller's context may already be cancelled (client
	// disconnect); the ledger entry is still wanted.
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = s.Insert(insertCtx, rec)
}

// Summary returns aggregated totals for calls within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(duration_ms), 0),
			COALESCE(SUM(queued_ms), 0),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0)
		 FROM inference_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalDurationMS, &sum.TotalQueuedMS, &sum.FailedCalls); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for calls within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByRole returns per-role totals for calls within [start, end).
func (s *Store) SummaryByRole(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("role", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(duration_ms), 0),
			COALESCE(SUM(queued_ms), 0),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0)
		 FROM inference_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(output_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.TotalInputTokens, &sum.TotalOutputTokens,
			&sum.TotalDurationMS, &sum.TotalQueuedMS, &sum.FailedCalls); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
