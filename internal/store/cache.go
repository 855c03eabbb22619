package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Cache is a per-agent key/value store with expiry. Expired entries read
// as a miss.
type Cache interface {
	Get(ctx context.Context, agentID, key string) ([]byte, bool, error)
	Set(ctx context.Context, agentID, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, agentID, key string) error
	Purge(ctx context.Context) (int64, error)
}

// SQLCache keeps entries in the agent_cache table.
type SQLCache struct {
	svc *Service
}

func NewSQLCache(svc *Service) *SQLCache {
	return &SQLCache{svc: svc}
}

func (c *SQLCache) Get(ctx context.Context, agentID, key string) ([]byte, bool, error) {
	var (
		value   []byte
		expires sql.NullString
	)
	err := c.svc.db.QueryRowContext(ctx,
		`SELECT cache_value, expires_at FROM agent_cache WHERE agent_id = ? AND cache_key = ?`,
		agentID, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if exp := nullTime(expires); exp != nil && !exp.After(c.svc.now()) {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value. A non-positive ttl never expires.
func (c *SQLCache) Set(ctx context.Context, agentID, key string, value []byte, ttl time.Duration) error {
	now := c.svc.now()
	var expires sql.NullString
	if ttl > 0 {
		expires = sql.NullString{String: formatTime(now.Add(ttl)), Valid: true}
	}
	_, err := c.svc.db.ExecContext(ctx, `
		INSERT INTO agent_cache (agent_id, cache_key, cache_value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, cache_key) DO UPDATE SET
			cache_value = excluded.cache_value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		agentID, key, value, formatTime(now), expires)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *SQLCache) Delete(ctx context.Context, agentID, key string) error {
	_, err := c.svc.db.ExecContext(ctx, `DELETE FROM agent_cache WHERE agent_id = ? AND cache_key = ?`, agentID, key)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Purge removes expired entries and reports how many went.
func (c *SQLCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.svc.db.ExecContext(ctx,
		`DELETE FROM agent_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(c.svc.now()))
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// GetJSON decodes a cached entry into v. A miss returns false.
func GetJSON(ctx context.Context, c Cache, agentID, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, agentID, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it.
func SetJSON(ctx context.Context, c Cache, agentID, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, agentID, key, raw, ttl)
}
