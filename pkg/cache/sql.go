package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/smartramana/hookmesh/pkg/observability"
)

// SQLBackend stores cache entries in a single embedded-database table.
// Every operation runs inside its own transaction and either commits or
// rolls back; a row visible after an operation always satisfies
// expiration IS NULL OR expiration > now. Timestamps are unix
// nanoseconds.
type SQLBackend struct {
	db     *sqlx.DB
	logger observability.Logger
	now    func() time.Time
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS cache (
    key          TEXT PRIMARY KEY,
    value        BLOB NOT NULL,
    expiration   INTEGER,
    creation     INTEGER NOT NULL,
    last_access  INTEGER NOT NULL,
    updated      INTEGER NOT NULL,
    access_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cache_stats (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);`

// NewSQLBackend opens (or creates) the embedded database at path
func NewSQLBackend(path string, logger observability.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.sql")
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &SQLBackend{db: db, logger: logger, now: time.Now}, nil
}

// newSQLBackendFromDB wraps an existing connection; used by tests
func newSQLBackendFromDB(db *sqlx.DB, logger observability.Logger) *SQLBackend {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQLBackend{db: db, logger: logger, now: time.Now}
}

func (b *SQLBackend) bumpStatTx(tx *sqlx.Tx, name string) {
	_, err := tx.Exec(
		`INSERT INTO cache_stats (name, value) VALUES (?, 1)
         ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		b.logger.Warn("Failed to update cache stats", map[string]interface{}{
			"stat":  name,
			"error": err.Error(),
		})
	}
}

// inTx runs fn inside a transaction, committing on success
func (b *SQLBackend) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Get selects a row and, on hit, updates the access columns within the
// same transaction
func (b *SQLBackend) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var value interface{}
	found := false
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Value      []byte        `db:"value"`
			Expiration sql.NullInt64 `db:"expiration"`
		}
		err := tx.GetContext(ctx, &row,
			`SELECT value, expiration FROM cache WHERE key = ?`, key)
		if errors.Is(err, sql.ErrNoRows) {
			b.bumpStatTx(tx, "misses")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select cache row: %w", err)
		}
		now := b.now().UnixNano()
		if row.Expiration.Valid && row.Expiration.Int64 < now {
			if _, err := tx.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to delete expired row: %w", err)
			}
			b.bumpStatTx(tx, "misses")
			return nil
		}
		if err := json.Unmarshal(row.Value, &value); err != nil {
			if _, derr := tx.Exec(`DELETE FROM cache WHERE key = ?`, key); derr != nil {
				return fmt.Errorf("failed to delete corrupted row: %w", derr)
			}
			b.bumpStatTx(tx, "misses")
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE cache SET access_count = access_count + 1, last_access = ? WHERE key = ?`,
			now, key); err != nil {
			return fmt.Errorf("failed to update access columns: %w", err)
		}
		b.bumpStatTx(tx, "hits")
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Set upserts a row
func (b *SQLBackend) Set(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b.inTx(ctx, func(tx *sqlx.Tx) error {
		now := b.now().UnixNano()
		var expiration sql.NullInt64
		if ttl != nil {
			expiration = sql.NullInt64{Int64: b.now().Add(*ttl).UnixNano(), Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO cache (key, value, expiration, creation, last_access, updated, access_count)
             VALUES (?, ?, ?, ?, ?, ?, 0)
             ON CONFLICT(key) DO UPDATE SET value = excluded.value,
                 expiration = excluded.expiration, updated = excluded.updated`,
			key, data, expiration, now, now, now); err != nil {
			return fmt.Errorf("failed to upsert cache row: %w", err)
		}
		b.bumpStatTx(tx, "sets")
		return nil
	})
}

// Delete removes a row
func (b *SQLBackend) Delete(ctx context.Context, key string) (bool, error) {
	deleted := false
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM cache WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("failed to delete cache row: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			deleted = true
			b.bumpStatTx(tx, "deletes")
		}
		return nil
	})
	return deleted, err
}

// Exists uses a covering select on the expiration column only
func (b *SQLBackend) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		var expiration sql.NullInt64
		err := tx.GetContext(ctx, &expiration,
			`SELECT expiration FROM cache WHERE key = ?`, key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check cache row: %w", err)
		}
		if expiration.Valid && expiration.Int64 < b.now().UnixNano() {
			if _, err := tx.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to delete expired row: %w", err)
			}
			return nil
		}
		exists = true
		return nil
	})
	return exists, err
}

// Clear deletes every row
func (b *SQLBackend) Clear(ctx context.Context) error {
	return b.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM cache`); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		b.bumpStatTx(tx, "clears")
		return nil
	})
}

func (b *SQLBackend) sweepTx(tx *sqlx.Tx) error {
	_, err := tx.Exec(
		`DELETE FROM cache WHERE expiration IS NOT NULL AND expiration < ?`,
		b.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to sweep expired rows: %w", err)
	}
	return nil
}

// Size counts live rows after an expiry sweep
func (b *SQLBackend) Size(ctx context.Context) (int, error) {
	count := 0
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := b.sweepTx(tx); err != nil {
			return err
		}
		return tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM cache`)
	})
	return count, err
}

// Keys returns live keys matching the pattern
func (b *SQLBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var stored []string
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := b.sweepTx(tx); err != nil {
			return err
		}
		return tx.SelectContext(ctx, &stored, `SELECT key FROM cache ORDER BY creation`)
	})
	if err != nil {
		return nil, err
	}
	match := keyMatcher(pattern)
	keys := make([]string, 0, len(stored))
	for _, k := range stored {
		if match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Stats reads the persisted counters
func (b *SQLBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `SELECT name, value FROM cache_stats`)
		if err != nil {
			return fmt.Errorf("failed to read cache stats: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var name string
			var value int64
			if err := rows.Scan(&name, &value); err != nil {
				return err
			}
			switch name {
			case "hits":
				stats.Hits = value
			case "misses":
				stats.Misses = value
			case "sets":
				stats.Sets = value
			case "deletes":
				stats.Deletes = value
			case "evictions":
				stats.Evictions = value
			case "clears":
				stats.Clears = value
			}
		}
		return rows.Err()
	})
	return stats, err
}

// GetTTL returns the remaining TTL of a key
func (b *SQLBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	var remaining *time.Duration
	found := false
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		var expiration sql.NullInt64
		err := tx.GetContext(ctx, &expiration,
			`SELECT expiration FROM cache WHERE key = ?`, key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read cache row: %w", err)
		}
		now := b.now().UnixNano()
		if expiration.Valid && expiration.Int64 < now {
			if _, err := tx.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to delete expired row: %w", err)
			}
			return nil
		}
		found = true
		if expiration.Valid {
			d := time.Duration(expiration.Int64 - now)
			remaining = &d
		}
		return nil
	})
	return remaining, found, err
}

// SetTTL replaces the TTL of an existing key
func (b *SQLBackend) SetTTL(ctx context.Context, key string, ttl *time.Duration) (bool, error) {
	updated := false
	err := b.inTx(ctx, func(tx *sqlx.Tx) error {
		now := b.now().UnixNano()
		var expiration sql.NullInt64
		if ttl != nil {
			expiration = sql.NullInt64{Int64: b.now().Add(*ttl).UnixNano(), Valid: true}
		}
		res, err := tx.Exec(
			`UPDATE cache SET expiration = ?, updated = ?
             WHERE key = ? AND (expiration IS NULL OR expiration > ?)`,
			expiration, now, key, now)
		if err != nil {
			return fmt.Errorf("failed to update cache row: %w", err)
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		return nil
	})
	return updated, err
}

// Close closes the database
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
