package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrNotEmpty is returned when deleting a folder that still owns files or
// child folders.
var ErrNotEmpty = errors.New("storage: folder not empty")

// CreateFolder inserts a folder row. The caller is responsible for having
// computed the materialized path from the parent chain.
func (d *DB) CreateFolder(ctx context.Context, f *Folder) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO folders (id, name, parent_id, path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.ParentID, f.Path, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

// GetFolder retrieves a folder by ID.
func (d *DB) GetFolder(ctx context.Context, id string) (*Folder, error) {
	f := &Folder{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, path, created_at FROM folders WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.ParentID, &f.Path, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}

// GetFolderByName retrieves the folder with the given name under a parent
// ('' = root). (name, parent) pairs are unique within a parent.
func (d *DB) GetFolderByName(ctx context.Context, parentID, name string) (*Folder, error) {
	f := &Folder{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, path, created_at FROM folders
		 WHERE parent_id = ? AND name = ?`, parentID, name,
	).Scan(&f.ID, &f.Name, &f.ParentID, &f.Path, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder by name: %w", err)
	}
	return f, nil
}

// ListFolders returns the folders directly under a parent, ordered by name.
func (d *DB) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, parent_id, path, created_at FROM folders
		 WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.ParentID, &f.Path, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// RenameFolder updates a folder's name and path, and rewrites the path
// prefix of every descendant in the same transaction so materialized paths
// never go stale.
func (d *DB) RenameFolder(ctx context.Context, id, newName, newPath string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer tx.Rollback()

	var oldPath string
	err = tx.QueryRowContext(ctx,
		`SELECT path FROM folders WHERE id = ?`, id).Scan(&oldPath)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup folder: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET name = ?, path = ? WHERE id = ?`,
		newName, newPath, id,
	); err != nil {
		return fmt.Errorf("rename folder: %w", err)
	}

	// Descendants share the old path as a strict prefix. SUBSTR counts
	// characters, not bytes, so the offset is a rune count.
	oldPrefix := oldPath + "/"
	newPrefix := newPath + "/"
	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET path = ? || SUBSTR(path, ?) WHERE path LIKE ? ESCAPE '\'`,
		newPrefix, utf8.RuneCountInString(oldPrefix)+1, likePattern(oldPrefix)+"%",
	); err != nil {
		return fmt.Errorf("rename descendants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

// likePattern escapes LIKE metacharacters in a literal prefix.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// DeleteFolder removes an empty folder. It fails with ErrNotEmpty, without
// mutation, if the folder still owns files or child folders.
func (d *DB) DeleteFolder(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete folder: %w", err)
	}
	defer tx.Rollback()

	var children int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folders WHERE parent_id = ?`, id).Scan(&children); err != nil {
		return fmt.Errorf("count children: %w", err)
	}
	var files int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE folder_id = ?`, id).Scan(&files); err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	if children > 0 || files > 0 {
		return ErrNotEmpty
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete folder: %w", err)
	}
	return nil
}
