package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"securechat/models"
)

// LoadRestoration returns the persisted restoration target, or the zero target.
func (s *Store) LoadRestoration() (models.RestorationTarget, error) {
	var (
		target      models.RestorationTarget
		voiceWanted int
	)
	err := s.db.QueryRow(
		`SELECT last_room, voice_wanted, voice_room FROM restoration_target WHERE id = 1`,
	).Scan(&target.LastRoom, &voiceWanted, &target.VoiceRoom)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RestorationTarget{}, nil
	}
	if err != nil {
		return models.RestorationTarget{}, fmt.Errorf("load restoration target: %w", err)
	}
	target.VoiceWanted = voiceWanted == 1
	return target, nil
}

// SaveRestoration replaces the restoration target.
func (s *Store) SaveRestoration(target models.RestorationTarget) error {
	_, err := s.db.Exec(
		`INSERT INTO restoration_target (id, last_room, voice_wanted, voice_room, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_room = excluded.last_room,
			voice_wanted = excluded.voice_wanted,
			voice_room = excluded.voice_room,
			updated_at = excluded.updated_at`,
		target.LastRoom,
		boolToInt(target.VoiceWanted),
		target.VoiceRoom,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save restoration target: %w", err)
	}
	return nil
}

// ClearRestoration forgets the restoration target, e.g. on logout.
func (s *Store) ClearRestoration() error {
	if _, err := s.db.Exec(`DELETE FROM restoration_target`); err != nil {
		return fmt.Errorf("clear restoration target: %w", err)
	}
	return nil
}
