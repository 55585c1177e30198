package store

import (
	"fmt"
	"time"
)

// PauseAdapter marks an adapter as paused until a human resumes it.
func (s *Store) PauseAdapter(adapter, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO adapter_pauses (adapter, reason, paused_at) VALUES (?, ?, ?)`,
		adapter, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to pause adapter: %w", err)
	}
	return nil
}

// ResumeAdapter clears a pause. Resuming an unpaused adapter is not an error.
func (s *Store) ResumeAdapter(adapter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM adapter_pauses WHERE adapter = ?`, adapter); err != nil {
		return fmt.Errorf("failed to resume adapter: %w", err)
	}
	return nil
}

// PausedAdapters returns paused adapters and their reasons.
func (s *Store) PausedAdapters() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT adapter, reason FROM adapter_pauses`)
	if err != nil {
		return nil, fmt.Errorf("failed to list paused adapters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, reason string
		if err := rows.Scan(&name, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan paused adapter: %w", err)
		}
		out[name] = reason
	}
	return out, rows.Err()
}

// MarkInboxSeen records an ingested inbox file. It returns false when the
// same name and content hash were already ingested.
func (s *Store) MarkInboxSeen(name, hash, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`INSERT OR IGNORE INTO inbox_seen (name, hash, item_id, seen_at) VALUES (?, ?, ?, ?)`,
		name, hash, itemID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to mark inbox file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ForgetInbox removes an inbox record so the file can be ingested again.
func (s *Store) ForgetInbox(name, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM inbox_seen WHERE name = ? AND hash = ?`, name, hash); err != nil {
		return fmt.Errorf("failed to forget inbox file: %w", err)
	}
	return nil
}
