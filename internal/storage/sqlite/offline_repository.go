package sqlite

import (
	"database/sql"
	"time"

	"github.com/reelvault/reelvault/internal/storage"
)

type OfflineRepository struct {
	db *sql.DB
}

func NewOfflineRepository(dbConn *sql.DB) *OfflineRepository {
	return &OfflineRepository{db: dbConn}
}

// SaveOfflineContent upserts the metadata row for a completed download.
func (r *OfflineRepository) SaveOfflineContent(record *storage.OfflineContent) error {
	encrypted := 0
	if record.Encrypted {
		encrypted = 1
	}

	_, err := r.db.Exec(`
		INSERT INTO offline_content (content_id, quality, filename, file_size, encrypted, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id, quality) DO UPDATE SET
			filename = excluded.filename,
			file_size = excluded.file_size,
			encrypted = excluded.encrypted,
			added_at = excluded.added_at
	`, record.ContentID, record.Quality, record.Filename, record.FileSize, encrypted,
		record.AddedAt.Format(time.RFC3339))

	return err
}

func (r *OfflineRepository) GetOfflineContent(contentID, quality string) (*storage.OfflineContent, error) {
	row := r.db.QueryRow(`
		SELECT content_id, quality, filename, file_size, encrypted, added_at
		FROM offline_content
		WHERE content_id = ? AND quality = ?
	`, contentID, quality)

	return scanOfflineContent(row)
}

// FindOfflineContent returns the newest row for a content id across
// qualities.
func (r *OfflineRepository) FindOfflineContent(contentID string) (*storage.OfflineContent, error) {
	row := r.db.QueryRow(`
		SELECT content_id, quality, filename, file_size, encrypted, added_at
		FROM offline_content
		WHERE content_id = ?
		ORDER BY added_at DESC
		LIMIT 1
	`, contentID)

	return scanOfflineContent(row)
}

func (r *OfflineRepository) DeleteOfflineContent(contentID, quality string) error {
	_, err := r.db.Exec(`DELETE FROM offline_content WHERE content_id = ? AND quality = ?`, contentID, quality)

	return err
}

func scanOfflineContent(row *sql.Row) (*storage.OfflineContent, error) {
	var (
		record    storage.OfflineContent
		encrypted int
		addedAt   string
	)

	err := row.Scan(&record.ContentID, &record.Quality, &record.Filename, &record.FileSize, &encrypted, &addedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}

		return nil, err
	}

	record.Encrypted = encrypted != 0

	if t, err := time.Parse(time.RFC3339, addedAt); err == nil {
		record.AddedAt = t
	}

	return &record, nil
}
