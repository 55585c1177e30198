package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention cleans up old data according to retention policies
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	day := int64(24 * 60 * 60 * 1000)

	// Completed executions older than 30 days. Failed rows stay until a
	// human clears them.
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM executions WHERE status = 'completed' AND finished_at < ?",
		now-30*day,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old executions: %w", err)
	}

	// Replayed audit fallback rows older than 7 days
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM audit_fallback WHERE replayed_at IS NOT NULL AND replayed_at < ?",
		now-7*day,
	)
	if err != nil {
		return fmt.Errorf("failed to delete replayed audit fallback: %w", err)
	}

	// Inbox dedupe markers older than 90 days
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM inbox_seen WHERE seen_at < ?",
		now-90*day,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old inbox markers: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
