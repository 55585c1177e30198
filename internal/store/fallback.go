package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FallbackRecord is an audit entry that could not be written to the vault.
type FallbackRecord struct {
	ID        int64
	Payload   string // JSON
	CreatedAt int64  // unix ms
}

// SaveAuditFallback stores a serialized audit entry.
func (s *Store) SaveAuditFallback(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO audit_fallback (payload, created_at) VALUES (?, ?)`,
		payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save audit fallback: %w", err)
	}
	return nil
}

// PendingAuditFallback returns fallback rows not yet replayed, oldest first.
func (s *Store) PendingAuditFallback(limit int) ([]FallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, payload, created_at FROM audit_fallback WHERE replayed_at IS NULL ORDER BY id ASC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit fallback: %w", err)
	}
	defer rows.Close()

	var out []FallbackRecord
	for rows.Next() {
		var r FallbackRecord
		if err := rows.Scan(&r.ID, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit fallback: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkAuditReplayed flags fallback rows as written to the primary sink.
func (s *Store) MarkAuditReplayed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(`UPDATE audit_fallback SET replayed_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark audit replayed: %w", err)
	}
	return nil
}

// CountAuditFallback returns the number of rows awaiting replay.
func (s *Store) CountAuditFallback() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_fallback WHERE replayed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit fallback: %w", err)
	}
	return n.Int64, nil
}
