// Package cdr persists call detail records in an embedded sqlite
// database. One row is written per call at teardown; a nil *Store is a
// valid "recording disabled" store so CDR failures can never take a
// call down with them.
package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed call.
type Record struct {
	ID           int64
	CallID       string
	Direction    string // "inbound" or "outbound"
	PhoneNumber  string
	AgentType    string
	SessionName  string
	RTPPort      int
	StartTime    time.Time
	AnswerTime   *time.Time // nil if the call was never answered
	EndTime      time.Time
	HangupReason string
}

const schema = `
CREATE TABLE IF NOT EXISTS cdrs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	agent_type TEXT,
	session_name TEXT,
	rtp_port INTEGER,
	start_time TIMESTAMP NOT NULL,
	answer_time TIMESTAMP,
	end_time TIMESTAMP,
	hangup_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_cdrs_call_id ON cdrs(call_id);
CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs(start_time);
`

// Store wraps the cdrs table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and migrates the schema.
// WAL mode and a busy timeout keep concurrent readers (metrics scrapes,
// call lookups) from failing a teardown's write with SQLITE_BUSY.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cdr database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cdr database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating cdr schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts one record. Nil stores accept and drop the record.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if s == nil {
		return nil
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, direction, phone_number, agent_type,
		 session_name, rtp_port, start_time, answer_time, end_time, hangup_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.Direction, r.PhoneNumber, r.AgentType,
		r.SessionName, r.RTPPort, r.StartTime, r.AnswerTime, r.EndTime, r.HangupReason,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	r.ID = id
	return nil
}

// GetByCallID returns the record for a Call-ID, or nil if none exists.
func (s *Store) GetByCallID(ctx context.Context, callID string) (*Record, error) {
	if s == nil {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, call_id, direction, phone_number, agent_type,
		 session_name, rtp_port, start_time, answer_time, end_time, hangup_reason
		 FROM cdrs WHERE call_id = ?`, callID,
	)

	var r Record
	var answer sql.NullTime
	err := row.Scan(&r.ID, &r.CallID, &r.Direction, &r.PhoneNumber, &r.AgentType,
		&r.SessionName, &r.RTPPort, &r.StartTime, &answer, &r.EndTime, &r.HangupReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	if answer.Valid {
		t := answer.Time
		r.AnswerTime = &t
	}
	return &r, nil
}

// CountByDirection returns call counts grouped by direction. Feeds the
// metrics collector.
func (s *Store) CountByDirection(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	if s == nil {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM cdrs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by direction: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning cdr count row: %w", err)
		}
		counts[dir] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr count rows: %w", err)
	}
	return counts, nil
}
