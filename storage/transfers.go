package storage

import (
	"errors"
	"fmt"
	"strings"

	"securechat/transfer"
)

var _ transfer.History = (*Store)(nil)

// RecordTransfer stores one finished transfer attempt. Integrity failures are
// also written to the security event log.
func (s *Store) RecordTransfer(record transfer.Record) error {
	if record.TransferID == "" || record.PeerID == "" {
		return errors.New("transfer_id and peer_id are required")
	}
	finishedAt := record.FinishedAt.UnixMilli()
	if record.FinishedAt.IsZero() {
		finishedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_id,
			role,
			state,
			filename,
			filesize,
			error,
			fallback_file_id,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.PeerID,
		string(record.Role),
		string(record.State),
		record.Name,
		record.Size,
		record.Error,
		record.FallbackFileID,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}

	if strings.Contains(record.Error, transfer.ErrIntegrity.Error()) {
		return s.logDetails(SecurityEventIntegrityFailure, record.PeerID, SecuritySeverityWarning, map[string]string{
			"transfer_id": record.TransferID,
			"error":       record.Error,
		})
	}
	return nil
}

// ListTransfers returns the newest transfer rows, optionally for one peer.
func (s *Store) ListTransfers(peerID string, limit int) ([]TransferRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, transfer_id, peer_id, role, state, filename, filesize, error, fallback_file_id, finished_at
		FROM transfers`
	args := make([]any, 0, 2)
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]TransferRow, 0)
	for rows.Next() {
		var row TransferRow
		if err := rows.Scan(
			&row.ID,
			&row.TransferID,
			&row.PeerID,
			&row.Role,
			&row.State,
			&row.Filename,
			&row.Filesize,
			&row.Error,
			&row.FallbackFileID,
			&row.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}
