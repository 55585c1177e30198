package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Execution statuses.
const (
	ExecIssued    = "issued"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Execution is one journaled adapter invocation for an approval decision.
type Execution struct {
	IdempotencyKey string
	ItemID         string
	Action         string
	Approver       string
	Status         string // issued, completed, failed
	Attempts       int
	Error          string // nullable
	IssuedAt       int64  // unix ms
	FinishedAt     int64  // unix ms, 0 = unfinished
}

// BeginExecution records that an adapter call is about to be issued. A
// repeated begin for the same key bumps the attempt count.
func (s *Store) BeginExecution(e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IssuedAt == 0 {
		e.IssuedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT INTO executions (
		idempotency_key, item_id, action, approver, status, attempts, issued_at
	) VALUES (?, ?, ?, ?, 'issued', 1, ?)
	ON CONFLICT(idempotency_key) DO UPDATE SET
		status = 'issued',
		attempts = attempts + 1,
		error = NULL,
		issued_at = excluded.issued_at,
		finished_at = NULL
	`

	_, err := s.db.Exec(query, e.IdempotencyKey, e.ItemID, e.Action, e.Approver, e.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to begin execution: %w", err)
	}
	return nil
}

// FinishExecution records the outcome of an issued call.
func (s *Store) FinishExecution(key, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE executions SET status = ?, error = ?, finished_at = ? WHERE idempotency_key = ?`
	result, err := s.db.Exec(query,
		status,
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		time.Now().UnixMilli(),
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution not found: %s", key)
	}
	return nil
}

// GetExecution returns the journal row for key, or nil if there is none.
func (s *Store) GetExecution(key string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
	SELECT idempotency_key, item_id, action, approver, status, attempts, error, issued_at, finished_at
	FROM executions WHERE idempotency_key = ?
	`, key)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns journal rows with the given status, oldest first.
// An empty status lists everything.
func (s *Store) ListExecutions(status string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT idempotency_key, item_id, action, approver, status, attempts, error, issued_at, finished_at
	FROM executions
	`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY issued_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// ClearFailures deletes failed journal rows for an item so it becomes
// eligible for execution again.
func (s *Store) ClearFailures(itemID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM executions WHERE item_id = ? AND status = 'failed'`, itemID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failures: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(r rowScanner) (*Execution, error) {
	e := &Execution{}
	var errMsg sql.NullString
	var finished sql.NullInt64
	if err := r.Scan(
		&e.IdempotencyKey, &e.ItemID, &e.Action, &e.Approver, &e.Status,
		&e.Attempts, &errMsg, &e.IssuedAt, &finished,
	); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if finished.Valid {
		e.FinishedAt = finished.Int64
	}
	return e, nil
}
