package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"securechat/fallback"
)

var _ fallback.References = (*Store)(nil)

// SaveReference remembers a file uploaded through the fallback path.
func (s *Store) SaveReference(ref fallback.Reference) error {
	if ref.FileID == "" {
		return errors.New("file_id is required")
	}
	recipients, err := json.Marshal(ref.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	createdAt := ref.CreatedAt.UnixMilli()
	if ref.CreatedAt.IsZero() {
		createdAt = nowUnixMilli()
	}

	_, err = s.db.Exec(
		`INSERT INTO fallback_files (file_id, owner_id, recipients, filename, filetype, filesize, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO NOTHING`,
		ref.FileID,
		ref.Owner,
		string(recipients),
		ref.Name,
		ref.Mime,
		ref.Size,
		ref.ContentHash,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert fallback file %q: %w", ref.FileID, err)
	}
	return nil
}

// GetFallbackFile returns one stored reference.
func (s *Store) GetFallbackFile(fileID string) (FallbackFileRow, error) {
	row := s.db.QueryRow(
		`SELECT file_id, owner_id, recipients, filename, filetype, filesize, checksum, created_at
		FROM fallback_files WHERE file_id = ?`,
		fileID,
	)
	ref, err := scanFallbackFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FallbackFileRow{}, ErrNotFound
	}
	if err != nil {
		return FallbackFileRow{}, fmt.Errorf("get fallback file %q: %w", fileID, err)
	}
	return ref, nil
}

// ListFallbackFiles returns references newest first.
func (s *Store) ListFallbackFiles(limit int) ([]FallbackFileRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT file_id, owner_id, recipients, filename, filetype, filesize, checksum, created_at
		FROM fallback_files ORDER BY created_at DESC, file_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list fallback files: %w", err)
	}
	defer rows.Close()

	out := make([]FallbackFileRow, 0)
	for rows.Next() {
		ref, err := scanFallbackFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fallback file row: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanFallbackFile(row scanner) (FallbackFileRow, error) {
	var (
		ref        FallbackFileRow
		recipients string
	)
	if err := row.Scan(
		&ref.FileID,
		&ref.OwnerID,
		&recipients,
		&ref.Filename,
		&ref.Filetype,
		&ref.Filesize,
		&ref.Checksum,
		&ref.CreatedAt,
	); err != nil {
		return FallbackFileRow{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &ref.Recipients); err != nil {
		return FallbackFileRow{}, fmt.Errorf("decode recipients: %w", err)
	}
	return ref, nil
}
