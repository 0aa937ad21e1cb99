// Package store is the durable request-record store backing the
// conversation linker.
//
// SQLite (pure-Go driver) is the default backend. The one piece of
// transactional behavior the linker depends on lives here: a partial
// unique index over (domain, account_id, parent_message_hash, branch_id)
// makes "insert this record as the continuation of hash H on branch B"
// atomic: the second writer racing on the same parent and branch gets
// ErrBranchConflict and must retry with a fresh branch id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrBranchConflict is returned by Insert when another record already
// continues the same parent hash on the same branch in this scope.
var ErrBranchConflict = errors.New("branch already claimed for parent hash")

// TaskInvocation is a task-tool call extracted from a response, kept for
// correlating future subtask conversations.
type TaskInvocation struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Prompt string          `json:"prompt"`
}

// RequestRecord is one proxied API call. Immutable after Insert except
// for the completion fields written by Complete.
type RequestRecord struct {
	RequestID           string
	Domain              string
	AccountID           string
	Timestamp           time.Time
	Model               string
	InputTokens         int
	OutputTokens        int
	DurationMs          int64
	Error               string
	CurrentMessageHash  string
	ParentMessageHash   string
	ConversationID      string
	BranchID            string
	ParentRequestID     string
	IsSubtask           bool
	ParentTaskRequestID string
	TaskInvocations     []TaskInvocation
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	request_id             TEXT PRIMARY KEY,
	domain                 TEXT NOT NULL,
	account_id             TEXT NOT NULL,
	timestamp              INTEGER NOT NULL,
	model                  TEXT NOT NULL DEFAULT '',
	input_tokens           INTEGER NOT NULL DEFAULT 0,
	output_tokens          INTEGER NOT NULL DEFAULT 0,
	duration_ms            INTEGER NOT NULL DEFAULT 0,
	error                  TEXT,
	current_message_hash   TEXT NOT NULL DEFAULT '',
	parent_message_hash    TEXT NOT NULL DEFAULT '',
	conversation_id        TEXT NOT NULL,
	branch_id              TEXT NOT NULL,
	parent_request_id      TEXT NOT NULL DEFAULT '',
	is_subtask             INTEGER NOT NULL DEFAULT 0,
	parent_task_request_id TEXT NOT NULL DEFAULT '',
	task_invocations       TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_requests_scope_hash
	ON requests(domain, account_id, current_message_hash);
CREATE INDEX IF NOT EXISTS idx_requests_scope_time
	ON requests(domain, account_id, timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS ux_requests_parent_branch
	ON requests(domain, account_id, parent_message_hash, branch_id)
	WHERE parent_message_hash != '';

CREATE TABLE IF NOT EXISTS response_chunks (
	request_id  TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     BLOB NOT NULL,
	PRIMARY KEY (request_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS branch_claims (
	domain          TEXT NOT NULL,
	account_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	branch_id       TEXT NOT NULL,
	PRIMARY KEY (domain, account_id, conversation_id, branch_id)
);
`

// Open opens (and migrates) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable (health endpoint).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Insert writes a newly admitted request record. Returns ErrBranchConflict
// when the record's (parent hash, branch) pair is already claimed.
func (s *Store) Insert(ctx context.Context, rec *RequestRecord) error {
	inv, err := json.Marshal(rec.TaskInvocations)
	if err != nil {
		return fmt.Errorf("marshal task invocations: %w", err)
	}
	var errCol sql.NullString
	if rec.Error != "" {
		errCol = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_id, domain, account_id, timestamp, model,
			input_tokens, output_tokens, duration_ms, error,
			current_message_hash, parent_message_hash,
			conversation_id, branch_id, parent_request_id,
			is_subtask, parent_task_request_id, task_invocations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Domain, rec.AccountID, rec.Timestamp.UnixMilli(), rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.DurationMs, errCol,
		rec.CurrentMessageHash, rec.ParentMessageHash,
		rec.ConversationID, rec.BranchID, rec.ParentRequestID,
		boolToInt(rec.IsSubtask), rec.ParentTaskRequestID, string(inv),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBranchConflict
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Complete writes the completion fields once the upstream call resolved.
func (s *Store) Complete(ctx context.Context, requestID string, inputTokens, outputTokens int, durationMs int64, errMsg string, invocations []TaskInvocation) error {
	inv, err := json.Marshal(invocations)
	if err != nil {
		return fmt.Errorf("marshal task invocations: %w", err)
	}
	var errCol sql.NullString
	if errMsg != "" {
		errCol = sql.NullString{String: errMsg, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE requests
		SET input_tokens = ?, output_tokens = ?, duration_ms = ?, error = ?, task_invocations = ?
		WHERE request_id = ?`,
		inputTokens, outputTokens, durationMs, errCol, string(inv), requestID,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return nil
}

// FindByCurrentHash returns the scoped records whose current hash equals
// hash, newest first.
func (s *Store) FindByCurrentHash(ctx context.Context, domain, accountID, hash string) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE domain = ? AND account_id = ? AND current_message_hash = ?
		ORDER BY timestamp DESC`,
		domain, accountID, hash,
	)
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// HasChild reports whether any record in scope continues the given hash.
func (s *Store) HasChild(ctx context.Context, domain, accountID, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE domain = ? AND account_id = ? AND parent_message_hash = ?`,
		domain, accountID, hash,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has child: %w", err)
	}
	return n > 0, nil
}

// LatestRecord returns the most recent record in scope, or nil.
func (s *Store) LatestRecord(ctx context.Context, domain, accountID string) (*RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE domain = ? AND account_id = ?
		ORDER BY timestamp DESC LIMIT 1`,
		domain, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("latest record: %w", err)
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// RecentWithTaskInvocations returns scoped records since the cutoff that
// recorded at least one task-tool invocation, newest first.
func (s *Store) RecentWithTaskInvocations(ctx context.Context, domain, accountID string, since time.Time) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE domain = ? AND account_id = ? AND timestamp >= ? AND task_invocations != '[]'
		ORDER BY timestamp DESC`,
		domain, accountID, since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("recent task invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// CountBranches returns the number of distinct branches in a conversation.
// Used for deterministic branch numbering.
func (s *Store) CountBranches(ctx context.Context, domain, accountID, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT branch_id) FROM requests
		WHERE domain = ? AND account_id = ? AND conversation_id = ?`,
		domain, accountID, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count branches: %w", err)
	}
	return n, nil
}

// ClaimBranch reserves a branch id within a conversation. Returns
// ErrBranchConflict when another writer already holds it; the caller
// picks the next number and claims again.
func (s *Store) ClaimBranch(ctx context.Context, domain, accountID, conversationID, branchID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_claims (domain, account_id, conversation_id, branch_id)
		VALUES (?, ?, ?, ?)`,
		domain, accountID, conversationID, branchID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrBranchConflict
		}
		return fmt.Errorf("claim branch: %w", err)
	}
	return nil
}

// ByTimeRange returns scoped records within [from, to), oldest first.
func (s *Store) ByTimeRange(ctx context.Context, domain, accountID string, from, to time.Time) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE domain = ? AND account_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`,
		domain, accountID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("by time range: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// AppendChunk persists one streamed response chunk.
func (s *Store) AppendChunk(ctx context.Context, requestID string, index int, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO response_chunks (request_id, chunk_index, content)
		VALUES (?, ?, ?)`,
		requestID, index, content,
	)
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

// Chunks returns a request's streamed response chunks in order.
func (s *Store) Chunks(ctx context.Context, requestID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM response_chunks
		WHERE request_id = ? ORDER BY chunk_index ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var c []byte
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT request_id, domain, account_id, timestamp, model,
	       input_tokens, output_tokens, duration_ms, error,
	       current_message_hash, parent_message_hash,
	       conversation_id, branch_id, parent_request_id,
	       is_subtask, parent_task_request_id, task_invocations
	FROM requests`

func scanRecords(rows *sql.Rows) ([]RequestRecord, error) {
	var out []RequestRecord
	for rows.Next() {
		var (
			rec       RequestRecord
			ts        int64
			errCol    sql.NullString
			isSubtask int
			inv       string
		)
		if err := rows.Scan(
			&rec.RequestID, &rec.Domain, &rec.AccountID, &ts, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.DurationMs, &errCol,
			&rec.CurrentMessageHash, &rec.ParentMessageHash,
			&rec.ConversationID, &rec.BranchID, &rec.ParentRequestID,
			&isSubtask, &rec.ParentTaskRequestID, &inv,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Error = errCol.String
		rec.IsSubtask = isSubtask != 0
		if err := json.Unmarshal([]byte(inv), &rec.TaskInvocations); err != nil {
			return nil, fmt.Errorf("parse task invocations: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
