package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the offline_content table if
// it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS offline_content (
		id INTEGER PRIMARY KEY,
		content_id TEXT NOT NULL,
		quality TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		added_at DATETIME NOT NULL,
		UNIQUE(content_id, quality)
	)`)

	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
