// Package jobstore implements the durable request queue: a transactional
// store of Jobs with a restricted status lifecycle, safe for concurrent
// readers and a single writer.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"      // postgres driver, registered for NewPostgresStore
	_ "modernc.org/sqlite"     // pure-Go sqlite driver, registered for NewSQLiteStore
)

// Status is a Job's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SelectMode controls the predicate select_next uses in addition to status=queued.
type SelectMode int

const (
	// ModeScheduled additionally requires estimated_power <= available power
	// and estimated_completion <= now.
	ModeScheduled SelectMode = iota
	// ModeImmediate imposes no additional predicate.
	ModeImmediate
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobstore: job not found")

// ErrInvalidTransition is returned when a status transition is not one of
// the allowed edges: queued->processing, processing->completed,
// processing->failed.
var ErrInvalidTransition = errors.New("jobstore: invalid status transition")

// Job is the unit of scheduling.
type Job struct {
	ID                  string
	ConversationID      string
	Prompt              string
	SubmittedAt         time.Time
	EstimatedPower      float64
	EstimatedCompletion time.Time
	Status              Status
	Response            *string
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Store is the durable request queue contract consumed by the Scheduler.
type Store interface {
	Enqueue(ctx context.Context, conversationID, prompt string, estimatedPower float64, estimatedCompletion time.Time) (string, error)
	BindConversation(ctx context.Context, jobID, conversationID string) error
	SelectNext(ctx context.Context, availablePower float64, now time.Time, mode SelectMode) (*Job, error)
	Transition(ctx context.Context, jobID string, newStatus Status, response *string) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*Job, error)
	QueueLength(ctx context.Context) (int, error)
	QueuePosition(ctx context.Context, jobID string) (*int, error)
	// SweepStaleProcessing transitions every job stuck in `processing` (left
	// over from a crash) to `failed` with a diagnostic response. Must be
	// called once before the worker loop begins (see recovery rule).
	SweepStaleProcessing(ctx context.Context, diagnostic string) (int, error)
	Close() error
}

// SQLStore is a Store backed by database/sql. It targets sqlite
// (modernc.org/sqlite, pure Go, no cgo) by default, or PostgreSQL
// (github.com/lib/pq) when configured with a postgres connection string —
// both drivers implement the same placeholder-rewriting contract via the
// dialect field below.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// NewSQLiteStore opens (and migrates) a sqlite-backed store at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows a single writer; serialize here too
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and migrates) a PostgreSQL-backed store.
func NewPostgresStore(connString string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open postgres: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	prompt TEXT NOT NULL,
	submitted_at TEXT NOT NULL,
	estimated_power REAL NOT NULL,
	estimated_completion TEXT NOT NULL,
	status TEXT NOT NULL,
	response TEXT
)`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("jobstore: migrate: %w", err)
	}
	return nil
}

// placeholder returns the positional placeholder for the nth (1-based)
// parameter, since lib/pq requires $1/$2/... while modernc.org/sqlite
// accepts the ? form.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// formatTime writes a fixed-width UTC timestamp (always nine fractional
// digits), so that string comparison and ORDER BY on the TEXT columns
// follow chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime parses an ISO-8601 timestamp tolerantly, with or without
// fractional seconds, per the persistence format design note.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("jobstore: unparseable timestamp %q", s)
}

func (s *SQLStore) Enqueue(ctx context.Context, conversationID, prompt string, estimatedPower float64, estimatedCompletion time.Time) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	q := fmt.Sprintf(
		`INSERT INTO requests (id, conversation_id, prompt, submitted_at, estimated_power, estimated_completion, status, response)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, NULL)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6), s.placeholder(7),
	)
	var convID any
	if conversationID != "" {
		convID = conversationID
	}
	_, err := s.db.ExecContext(ctx, q, id, convID, prompt, formatTime(now), estimatedPower, formatTime(estimatedCompletion), string(StatusQueued))
	if err != nil {
		return "", fmt.Errorf("jobstore: enqueue: %w", err)
	}
	return id, nil
}

func (s *SQLStore) BindConversation(ctx context.Context, jobID, conversationID string) error {
	q := fmt.Sprintf(`UPDATE requests SET conversation_id = %s WHERE id = %s`, s.placeholder(1), s.placeholder(2))
	res, err := s.db.ExecContext(ctx, q, conversationID, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: bind conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SelectNext(ctx context.Context, availablePower float64, now time.Time, mode SelectMode) (*Job, error) {
	q := fmt.Sprintf(
		`SELECT id, conversation_id, prompt, submitted_at, estimated_power, estimated_completion, status, response
		 FROM requests WHERE status = %s`,
		s.placeholder(1),
	)
	args := []any{string(StatusQueued)}

	if mode == ModeScheduled {
		q += fmt.Sprintf(` AND estimated_power <= %s AND estimated_completion <= %s`, s.placeholder(2), s.placeholder(3))
		args = append(args, availablePower, formatTime(now))
	}

	q += ` ORDER BY submitted_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: select_next: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	job, err := scanJob(rows)
	if err != nil {
		return nil, fmt.Errorf("jobstore: select_next scan: %w", err)
	}
	return job, nil
}

func (s *SQLStore) Transition(ctx context.Context, jobID string, newStatus Status, response *string) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotFound
	}
	if !isAllowedTransition(current.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, newStatus)
	}

	terminal := newStatus == StatusCompleted || newStatus == StatusFailed
	var respArg any
	if terminal && response != nil {
		respArg = *response
	}

	q := fmt.Sprintf(
		`UPDATE requests SET status = %s, response = %s WHERE id = %s AND status = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
	)
	res, err := s.db.ExecContext(ctx, q, string(newStatus), respArg, jobID, string(current.Status))
	if err != nil {
		return fmt.Errorf("jobstore: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: transition rows affected: %w", err)
	}
	if n == 0 {
		// Someone else raced us; the conditional update protects single-writer semantics.
		return fmt.Errorf("%w: conflicting prior status for job %s", ErrInvalidTransition, jobID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*Job, error) {
	q := fmt.Sprintf(
		`SELECT id, conversation_id, prompt, submitted_at, estimated_power, estimated_completion, status, response
		 FROM requests WHERE id = %s`,
		s.placeholder(1),
	)
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanJob(rows)
}

func (s *SQLStore) ListByConversation(ctx context.Context, conversationID string) ([]*Job, error) {
	q := fmt.Sprintf(
		`SELECT id, conversation_id, prompt, submitted_at, estimated_power, estimated_completion, status, response
		 FROM requests WHERE conversation_id = %s ORDER BY submitted_at ASC`,
		s.placeholder(1),
	)
	rows, err := s.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list_by_conversation: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: list_by_conversation scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) QueueLength(ctx context.Context) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM requests WHERE status = %s`, s.placeholder(1))
	var n int
	if err := s.db.QueryRowContext(ctx, q, string(StatusQueued)).Scan(&n); err != nil {
		return 0, fmt.Errorf("jobstore: queue_length: %w", err)
	}
	return n, nil
}

func (s *SQLStore) QueuePosition(ctx context.Context, jobID string) (*int, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if job.Status != StatusQueued {
		return nil, nil
	}

	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM requests WHERE status = %s AND (submitted_at < %s OR (submitted_at = %s AND id < %s))`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
	)
	var ahead int
	submittedAt := formatTime(job.SubmittedAt)
	if err := s.db.QueryRowContext(ctx, q, string(StatusQueued), submittedAt, submittedAt, job.ID).Scan(&ahead); err != nil {
		return nil, fmt.Errorf("jobstore: queue_position: %w", err)
	}
	pos := ahead + 1
	return &pos, nil
}

func (s *SQLStore) SweepStaleProcessing(ctx context.Context, diagnostic string) (int, error) {
	q := fmt.Sprintf(
		`UPDATE requests SET status = %s, response = %s WHERE status = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
	)
	res, err := s.db.ExecContext(ctx, q, string(StatusFailed), diagnostic, string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("jobstore: sweep stale processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobstore: sweep stale processing rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rows rowScanner) (*Job, error) {
	var (
		id, prompt, submittedAt, estimatedCompletion, status string
		conversationID, response                             sql.NullString
		estimatedPower                                       float64
	)
	if err := rows.Scan(&id, &conversationID, &prompt, &submittedAt, &estimatedPower, &estimatedCompletion, &status, &response); err != nil {
		return nil, err
	}

	submitted, err := parseTime(submittedAt)
	if err != nil {
		return nil, err
	}
	completion, err := parseTime(estimatedCompletion)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:                  id,
		Prompt:              prompt,
		SubmittedAt:         submitted,
		EstimatedPower:      estimatedPower,
		EstimatedCompletion: completion,
		Status:              Status(status),
	}
	if conversationID.Valid {
		job.ConversationID = conversationID.String
	}
	if response.Valid {
		r := response.String
		job.Response = &r
	}
	return job, nil
}
