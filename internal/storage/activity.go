package storage

import (
	"context"
	"fmt"
)

// AppendActivity inserts an audit record. The log is append-only; entries
// are never updated.
func (d *DB) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, action, target_type, target_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.TargetType, e.TargetID, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest entries first, up to limit.
func (d *DB) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, action, target_type, target_id, detail, created_at
		 FROM activity_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetType, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearActivity bulk-deletes the audit log. Administrative action only.
func (d *DB) ClearActivity(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM activity_log`)
	if err != nil {
		return 0, fmt.Errorf("clear activity: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
