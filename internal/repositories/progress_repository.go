package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jangji/backend/internal/models"
)

// progressRepository implements the remote progress store on MySQL
type progressRepository struct {
	db *sql.DB
}

// NewProgressRepository creates a new progress repository
func NewProgressRepository(db *sql.DB) *progressRepository {
	return &progressRepository{
		db: db,
	}
}

// Fetch retrieves the progress record of an owner.
// Returns nil without error when the owner has no record yet.
func (r *progressRepository) Fetch(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	query := `
		SELECT owner_id, last_surah, last_ayah, last_read_at, bookmarks
		FROM reading_progress
		WHERE owner_id = ?
		LIMIT 1
	`

	record := &models.ProgressRecord{}
	var bookmarks []byte
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(
		&record.OwnerID,
		&record.LastSurah,
		&record.LastAyah,
		&record.LastReadAt,
		&bookmarks,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reading progress: %w", err)
	}

	record.Bookmarks, err = decodeBookmarks(bookmarks)
	if err != nil {
		return nil, err
	}

	return record, nil
}

// Upsert inserts the record of an owner or updates every mutable field of the existing row
// in a single statement.
//
// The stored row only moves forward: fields are overwritten when the incoming last_read_at is
// not older than the stored one, and last_read_at keeps the greater value. Assignments in
// ON DUPLICATE KEY UPDATE run left to right, so last_read_at must stay last.
func (r *progressRepository) Upsert(ctx context.Context, ownerID string, record *models.ProgressRecord) error {
	if record == nil {
		return fmt.Errorf("progress record is required")
	}

	bookmarks, err := encodeBookmarks(record.Bookmarks)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reading_progress (owner_id, last_surah, last_ayah, last_read_at, bookmarks)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_surah = IF(VALUES(last_read_at) >= last_read_at, VALUES(last_surah), last_surah),
			last_ayah = IF(VALUES(last_read_at) >= last_read_at, VALUES(last_ayah), last_ayah),
			bookmarks = IF(VALUES(last_read_at) >= last_read_at, VALUES(bookmarks), bookmarks),
			last_read_at = GREATEST(last_read_at, VALUES(last_read_at))
	`

	if _, err := r.db.ExecContext(ctx, query,
		ownerID,
		record.LastSurah,
		record.LastAyah,
		record.LastReadAt,
		bookmarks,
	); err != nil {
		return fmt.Errorf("failed to upsert reading progress: %w", err)
	}

	return nil
}

// encodeBookmarks serializes bookmarks for the JSON column, nil is stored as an empty array
func encodeBookmarks(bookmarks []models.Bookmark) (string, error) {
	if bookmarks == nil {
		bookmarks = []models.Bookmark{}
	}
	data, err := json.Marshal(bookmarks)
	if err != nil {
		return "", fmt.Errorf("failed to encode bookmarks: %w", err)
	}
	return string(data), nil
}

func decodeBookmarks(data []byte) ([]models.Bookmark, error) {
	if len(data) == 0 {
		return []models.Bookmark{}, nil
	}
	var bookmarks []models.Bookmark
	if err := json.Unmarshal(data, &bookmarks); err != nil {
		return nil, fmt.Errorf("failed to decode bookmarks: %w", err)
	}
	if bookmarks == nil {
		bookmarks = []models.Bookmark{}
	}
	return bookmarks, nil
}
