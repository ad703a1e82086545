package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jangji/backend/internal/models"
	_ "modernc.org/sqlite"
)

const (
	schemaVersion = 1
	busyTimeout   = 5 * time.Second
)

// SqliteStore implements Store on a SQLite file in WAL mode
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens or creates the database at path and migrates it
func NewSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS reading_progress (
		owner_id TEXT PRIMARY KEY,
		last_surah INTEGER NOT NULL,
		last_ayah INTEGER NOT NULL,
		last_read_at INTEGER NOT NULL,
		bookmarks TEXT NOT NULL DEFAULT '[]'
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SqliteStore) Get(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	query := `SELECT owner_id, last_surah, last_ayah, last_read_at, bookmarks FROM reading_progress WHERE owner_id = ?`

	record := &models.ProgressRecord{}
	var bookmarks string
	err := s.DB.QueryRowContext(ctx, query, ownerID).Scan(
		&record.OwnerID, &record.LastSurah, &record.LastAyah, &record.LastReadAt, &bookmarks,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get local progress: %w", err)
	}

	if err := json.Unmarshal([]byte(bookmarks), &record.Bookmarks); err != nil {
		return nil, fmt.Errorf("failed to decode local bookmarks: %w", err)
	}
	if record.Bookmarks == nil {
		record.Bookmarks = []models.Bookmark{}
	}

	return record, nil
}

func (s *SqliteStore) Put(ctx context.Context, record *models.ProgressRecord) error {
	if err := checkPut(record); err != nil {
		return err
	}

	bookmarks := record.Bookmarks
	if bookmarks == nil {
		bookmarks = []models.Bookmark{}
	}
	data, err := json.Marshal(bookmarks)
	if err != nil {
		return fmt.Errorf("failed to encode local bookmarks: %w", err)
	}

	query := `
	INSERT INTO reading_progress (owner_id, last_surah, last_ayah, last_read_at, bookmarks)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_surah = excluded.last_surah,
		last_ayah = excluded.last_ayah,
		last_read_at = excluded.last_read_at,
		bookmarks = excluded.bookmarks
	`
	if _, err := s.DB.ExecContext(ctx, query,
		record.OwnerID, record.LastSurah, record.LastAyah, record.LastReadAt, string(data),
	); err != nil {
		return fmt.Errorf("failed to put local progress: %w", err)
	}

	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
