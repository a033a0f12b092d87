package llm

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// Cache stores raw judgment responses keyed by a content+query fingerprint.
// Identical segment text asked the same question always yields the cached
// response, across sessions and process restarts.
type Cache struct {
	db *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS judgments (
	fingerprint TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	response    TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open judgment cache %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent batch writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize judgment cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Fingerprint derives the cache key for a segment/query pair.
func Fingerprint(content, query string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached raw response for a fingerprint, if present.
func (c *Cache) Get(fingerprint string) (string, bool, error) {
	var response string
	err := c.db.QueryRow(`SELECT response FROM judgments WHERE fingerprint = ?`, fingerprint).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("judgment cache read failed: %w", err)
	}
	return response, true, nil
}

// Put stores a raw response under its fingerprint, replacing any previous
// entry.
func (c *Cache) Put(fingerprint, model, response string) error {
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO judgments (fingerprint, model, response, created_at) VALUES (?, ?, ?, ?)`,
		fingerprint, model, response, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("judgment cache write failed: %w", err)
	}
	return nil
}
