package storage

import (
	"errors"
	"fmt"
	"time"
)

// InsertSeenID records a transfer offer id so a replayed offer is ignored.
// receivedAt is in Unix seconds; zero means now.
func (s *Store) InsertSeenID(transferID string, receivedAt int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if receivedAt == 0 {
		receivedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_offer_ids (transfer_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET received_at = excluded.received_at`,
		transferID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen offer ID %q: %w", transferID, err)
	}

	return nil
}

// HasSeenID reports whether an offer id was already handled.
func (s *Store) HasSeenID(transferID string) (bool, error) {
	if transferID == "" {
		return false, errors.New("transfer_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_offer_ids WHERE transfer_id = ?)`,
		transferID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen offer ID %q: %w", transferID, err)
	}

	return exists == 1, nil
}

// PruneOldEntries forgets offer ids received before cutoff (Unix seconds).
func (s *Store) PruneOldEntries(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_offer_ids WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune seen offer IDs: %w", err)
	}
	return res.RowsAffected()
}
