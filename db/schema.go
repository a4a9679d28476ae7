// ABOUTME: Database schema definitions
// ABOUTME: Creates the cookies table that persists the refresh token between runs
package db

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS cookies (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '/',
	same_site TEXT NOT NULL DEFAULT 'strict',
	secure INTEGER NOT NULL DEFAULT 1,
	http_only INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cookies_expires_at ON cookies(expires_at);
`

// InitSchema creates all tables and indexes.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
