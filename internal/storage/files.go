package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// ErrDuplicateReservation reports that a file row already exists for a
// reservation. The unique index on files.reservation_id is the backstop
// that keeps concurrent finalize retries from recording a file twice.
var ErrDuplicateReservation = errors.New("storage: file already recorded for reservation")

// SQLITE_CONSTRAINT_UNIQUE extended result code.
const sqliteConstraintUnique = 2067

const fileColumns = `id, name, mime_type, size, node_id, folder_id, remote_id, reservation_id, created_at`

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	err := row.Scan(&f.ID, &f.Name, &f.MimeType, &f.Size, &f.NodeID,
		&f.FolderID, &f.RemoteID, &f.ReservationID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateFile inserts a new file record.
func (d *DB) CreateFile(ctx context.Context, f *File) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.MimeType, f.Size, f.NodeID,
		f.FolderID, f.RemoteID, f.ReservationID, f.CreatedAt,
	)
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqliteConstraintUnique {
		return ErrDuplicateReservation
	}
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID.
func (d *DB) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := scanFile(d.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// GetFileByReservation retrieves the file recorded for a reservation, if
// any. Powers idempotent finalize: a retried call finds the row the first
// call created.
func (d *DB) GetFileByReservation(ctx context.Context, reservationID string) (*File, error) {
	f, err := scanFile(d.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE reservation_id = ?`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file by reservation: %w", err)
	}
	return f, nil
}

// ListFiles returns the files in a folder ('' = root), ordered by name.
func (d *DB) ListFiles(ctx context.Context, folderID string) ([]File, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE folder_id = ? ORDER BY name`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file record.
func (d *DB) DeleteFile(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
