package database

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "docrelay/internal/errors"
	"docrelay/internal/migrations"
	"docrelay/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
)

// Database is the sqlite store behind the persistent idempotency guard.
type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; serialising here avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		connErr := apperrors.Wrap(err, apperrors.ErrCodeDatabaseConnection, "failed to ping database")
		if closeErr := db.Close(); closeErr != nil {
			connErr.WithContext("close_error", closeErr.Error())
		}
		return nil, connErr
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to read schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// MarkProcessed records messageID as seen at now. It returns true when the id
// was not already recorded within ttl. Stale rows for the id are replaced.
// Insert-or-ignore on the primary key makes the check-and-insert atomic.
func (d *Database) MarkProcessed(ctx context.Context, messageID string, now time.Time, ttl time.Duration) (bool, error) {
	key := messageKey(messageID)
	cutoff := now.Add(-ttl).UnixNano()

	var inserted bool
	err := withRetry(ctx, "mark processed", func() error {
		if _, err := d.db.ExecContext(ctx,
			`DELETE FROM processed_messages WHERE message_key = ? AND first_seen_at < ?`,
			key, cutoff); err != nil {
			return err
		}

		res, err := d.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed_messages (message_key, first_seen_at) VALUES (?, ?)`,
			key, now.UnixNano())
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})

	return inserted, err
}

// DeleteProcessedBefore removes records first seen before cutoff.
func (d *Database) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := withRetry(ctx, "delete processed", func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM processed_messages WHERE first_seen_at < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// CountProcessed returns the number of remembered message ids.
func (d *Database) CountProcessed(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processed messages: %w", err)
	}
	return n, nil
}

// messageKey stores a digest instead of the raw id, which may embed user data.
func messageKey(messageID string) string {
	sum := blake2b.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])
}
