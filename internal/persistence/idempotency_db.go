package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBIdempotencyChecker implements durable request deduplication over the
// processed_requests table.
type DBIdempotencyChecker struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

func NewDBIdempotencyChecker(db *sql.DB, dialect Dialect) *DBIdempotencyChecker {
	return &DBIdempotencyChecker{
		db:      db,
		dialect: dialect,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the request was already settled.
func (c *DBIdempotencyChecker) IsDuplicate(ctx context.Context, kind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := c.dialect.Rebind(`
        SELECT 1
        FROM processed_requests
        WHERE kind = ? AND idempotency_key = ?
        LIMIT 1
    `)

	var exists int
	err := c.db.QueryRowContext(ctx, query, kind, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}

// RecentKeys returns up to limit composite keys ("kind:key"), oldest first,
// for warming the in-memory LRU on restart.
func (c *DBIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.Rebind(`
		SELECT kind, idempotency_key FROM processed_requests
		ORDER BY processed_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var kind, key string
		if err := rows.Scan(&kind, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", kind, key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}
