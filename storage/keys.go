package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"securechat/keydir"
)

var _ keydir.Store = (*Store)(nil)

// Get returns the cached public key entry for a recipient.
func (s *Store) Get(recipientID string) (keydir.Entry, bool, error) {
	var (
		entry     keydir.Entry
		fetchedAt int64
	)
	err := s.db.QueryRow(
		`SELECT recipient_id, public_key, fetched_at FROM public_keys WHERE recipient_id = ?`,
		recipientID,
	).Scan(&entry.RecipientID, &entry.Key, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return keydir.Entry{}, false, nil
	}
	if err != nil {
		return keydir.Entry{}, false, fmt.Errorf("get public key %q: %w", recipientID, err)
	}
	entry.FetchedAt = time.UnixMilli(fetchedAt)
	return entry, true, nil
}

// Put stores or overwrites a public key entry.
func (s *Store) Put(entry keydir.Entry) error {
	if entry.RecipientID == "" || entry.Key == "" {
		return errors.New("recipient_id and public_key are required")
	}
	_, err := s.db.Exec(
		`INSERT INTO public_keys (recipient_id, public_key, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(recipient_id) DO UPDATE SET
			public_key = excluded.public_key,
			fetched_at = excluded.fetched_at`,
		entry.RecipientID,
		entry.Key,
		entry.FetchedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put public key %q: %w", entry.RecipientID, err)
	}
	return nil
}

// Delete removes a cached public key. Deleting a missing entry is not an error.
func (s *Store) Delete(recipientID string) error {
	if _, err := s.db.Exec(`DELETE FROM public_keys WHERE recipient_id = ?`, recipientID); err != nil {
		return fmt.Errorf("delete public key %q: %w", recipientID, err)
	}
	return nil
}
