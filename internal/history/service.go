// Package history keeps a durable log of transfer lifecycle events in a
// local SQLite database: when a download was queued, completed, failed,
// expired or deleted. The log is advisory; losing a row never affects a
// transfer.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modpull/modpull/internal/downloads"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID        int64     `json:"id"`
	FileID    int64     `json:"fileId"`
	FileName  string    `json:"fileName"`
	Game      string    `json:"game"`
	ModID     int64     `json:"modId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service records and queries transfer history.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a history service over an open database.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Record stores one lifecycle event. Failures are logged, not returned:
// recording is advisory and must never influence the transfer itself.
func (s *Service) Record(ctx context.Context, fi downloads.FileInfo, event, detail string) {
	// Timestamps are written from Go so stored values and query
	// parameters always share one format.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_events (file_id, file_name, game, mod_id, event, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fi.FileID, fi.FileName, fi.Game, fi.ModID, event, detail, time.Now().UTC())
	if err != nil {
		s.logger.Warn().Err(err).Int64("fileId", fi.FileID).Str("event", event).Msg("Failed to record transfer event")
	}
}

// List returns the most recent events, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, file_name, game, mod_id, event, detail, created_at
		 FROM transfer_events
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FileID, &e.FileName, &e.Game, &e.ModID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListForFile returns every event recorded for one file, oldest first.
func (s *Service) ListForFile(ctx context.Context, fileID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_id, file_name, game, mod_id, event, detail, created_at
		 FROM transfer_events
		 WHERE file_id = ?
		 ORDER BY created_at ASC, id ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FileID, &e.FileName, &e.Game, &e.ModID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupOlderThan deletes events past the retention window and returns
// how many were removed.
func (s *Service) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM transfer_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up transfer events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Int("retentionDays", days).Msg("Cleaned up old transfer events")
	}
	return deleted, nil
}
