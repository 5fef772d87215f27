package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientSpace is returned by ReserveSpace when the node cannot
// admit the requested size without violating used + reserved <= total.
var ErrInsufficientSpace = errors.New("storage: insufficient space on node")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

const nodeColumns = `id, email, total, used, reserved, active, access_token, refresh_token, token_expiry, created_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	n := &Node{}
	err := row.Scan(&n.ID, &n.Email, &n.Total, &n.Used, &n.Reserved, &n.Active,
		&n.AccessToken, &n.RefreshToken, &n.TokenExpiry, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// CreateNode inserts a new node record.
func (d *DB) CreateNode(ctx context.Context, n *Node) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Email, n.Total, n.Used, n.Reserved, n.Active,
		n.AccessToken, n.RefreshToken, n.TokenExpiry, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (d *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(d.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodes returns all nodes ordered by id.
func (d *DB) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// SetNodeActive toggles a node's active flag.
func (d *DB) SetNodeActive(ctx context.Context, id string, active bool) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE nodes SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set node active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNodeTokens persists freshly encrypted credentials and their expiry.
// Called only by the token manager.
func (d *DB) UpdateNodeTokens(ctx context.Context, id string, accessToken, refreshToken []byte, expiry int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE nodes SET access_token = ?, refresh_token = ?, token_expiry = ? WHERE id = ?`,
		accessToken, refreshToken, expiry, id)
	if err != nil {
		return fmt.Errorf("update node tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveSpace atomically claims size bytes on a node and records the
// reservation. The admission check is a single conditional UPDATE, so two
// concurrent reservations can never push used + reserved past total.
func (d *DB) ReserveSpace(ctx context.Context, nodeID string, size int64, ttl time.Duration) (*Reservation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE nodes SET reserved = reserved + ?
		 WHERE id = ? AND active = 1 AND used + reserved + ? <= total`,
		size, nodeID, size)
	if err != nil {
		return nil, fmt.Errorf("reserve space: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrInsufficientSpace
	}

	now := time.Now()
	r := &Reservation{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Size:      size,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, node_id, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.NodeID, r.Size, r.CreatedAt, r.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return r, nil
}

// ReleaseReservation returns a reservation's bytes to the node and deletes
// the row. A missing reservation is a no-op: release is called from failure
// paths that may overlap with the expiry sweeper, and double-cleanup must
// not fail.
func (d *DB) ReleaseReservation(ctx context.Context, reservationID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	var nodeID string
	var size int64
	err = tx.QueryRowContext(ctx,
		`SELECT node_id, size FROM reservations WHERE id = ?`, reservationID,
	).Scan(&nodeID, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET reserved = MAX(reserved - ?, 0) WHERE id = ?`,
		size, nodeID,
	); err != nil {
		return fmt.Errorf("release space: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reservations WHERE id = ?`, reservationID,
	); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

// FinalizeReservation converts a reservation into permanent used space as a
// single logical step. Idempotent: a reservation that was already finalized
// (or released) no longer exists and the call is a no-op, so used space is
// never double-counted.
func (d *DB) FinalizeReservation(ctx context.Context, reservationID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	var nodeID string
	var size int64
	err = tx.QueryRowContext(ctx,
		`SELECT node_id, size FROM reservations WHERE id = ?`, reservationID,
	).Scan(&nodeID, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE nodes SET used = used + ?, reserved = MAX(reserved - ?, 0) WHERE id = ?`,
		size, size, nodeID,
	); err != nil {
		return fmt.Errorf("finalize space: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reservations WHERE id = ?`, reservationID,
	); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// GetReservation retrieves a reservation by ID.
func (d *DB) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	r := &Reservation{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, node_id, size, created_at, expires_at FROM reservations WHERE id = ?`, id,
	).Scan(&r.ID, &r.NodeID, &r.Size, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// ExpiredReservations returns the ids of reservations whose horizon passed
// before now. Consumed by the background sweeper.
func (d *DB) ExpiredReservations(ctx context.Context, now int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM reservations WHERE expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseUsedSpace returns permanently-used bytes to a node's pool when a
// file is deleted.
func (d *DB) ReleaseUsedSpace(ctx context.Context, nodeID string, size int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE nodes SET used = MAX(used - ?, 0) WHERE id = ?`, size, nodeID)
	if err != nil {
		return fmt.Errorf("release used space: %w", err)
	}
	return nil
}
