package storage

import (
	"context"
	"fmt"
)

// CreateAPIKey inserts an issued key. Only the hash of the secret is stored.
func (d *DB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, prefix, secret_hash, active, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.Prefix, k.SecretHash, k.Active, k.LastUsedAt, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// APIKeysByPrefix returns candidate keys for a presented prefix. Prefixes
// are short, so collisions are possible; the caller verifies the hash.
func (d *DB) APIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, prefix, secret_hash, active, last_used_at, created_at
		 FROM api_keys WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("api keys by prefix: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.Prefix, &k.SecretHash, &k.Active, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListAPIKeys returns all keys ordered by creation time.
func (d *DB) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, prefix, secret_hash, active, last_used_at, created_at
		 FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.Prefix, &k.SecretHash, &k.Active, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records a successful authentication.
func (d *DB) TouchAPIKey(ctx context.Context, id string, now int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// DeleteAPIKey revokes a key.
func (d *DB) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
