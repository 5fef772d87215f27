// Package quota tracks per-node capacity and brokers space reservations.
// A reservation is a time-boxed claim on a node's future used space; the
// ledger guarantees used + reserved never exceeds a node's total, relying
// only on the store's single-row conditional updates. This makes the quota
// soft under pathological concurrency (eligibility snapshots can be a
// moment stale) but never lets the counters themselves go inconsistent.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/stashpool/stashpool/internal/storage"
)

// ReservationTTL is the horizon after which an unfinalized reservation is
// considered abandoned and may be reclaimed by the sweeper. It matches the
// provider's resumable-session expiry window.
const ReservationTTL = time.Hour

// ErrInsufficientSpace is returned by Reserve when the node cannot admit
// the requested size.
var ErrInsufficientSpace = storage.ErrInsufficientSpace

// NodeQuota is a point-in-time view of one node's capacity.
type NodeQuota struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
	Active    bool   `json:"active"`
}

// Ledger is the sole mutator of node quota counters.
type Ledger struct {
	db *storage.DB
}

// NewLedger creates a Ledger over the shared store.
func NewLedger(db *storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve claims size bytes on a node for an in-flight upload and returns
// the reservation id. Fails with ErrInsufficientSpace when the node is
// inactive or cannot hold the size.
func (l *Ledger) Reserve(ctx context.Context, nodeID string, size int64) (string, error) {
	r, err := l.db.ReserveSpace(ctx, nodeID, size, ReservationTTL)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Release returns a reservation's bytes to its node. Idempotent: releasing
// a missing (already released, finalized, or swept) reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.db.ReleaseReservation(ctx, reservationID)
}

// Finalize converts a reservation into permanent used space. Idempotent per
// reservation id.
func (l *Ledger) Finalize(ctx context.Context, reservationID string) error {
	return l.db.FinalizeReservation(ctx, reservationID)
}

// Reservation looks up a live reservation.
func (l *Ledger) Reservation(ctx context.Context, id string) (*storage.Reservation, error) {
	return l.db.GetReservation(ctx, id)
}

// Snapshot returns the quota view of every node, active or not.
func (l *Ledger) Snapshot(ctx context.Context) ([]NodeQuota, error) {
	nodes, err := l.db.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	quotas := make([]NodeQuota, 0, len(nodes))
	for _, n := range nodes {
		quotas = append(quotas, NodeQuota{
			ID:        n.ID,
			Email:     n.Email,
			Total:     n.Total,
			Used:      n.Used,
			Reserved:  n.Reserved,
			Available: n.Available(),
			Active:    n.Active,
		})
	}
	return quotas, nil
}

// ReleaseExpired reclaims every reservation past its horizon and reports
// how many were released. Run by the background sweeper; per-reservation
// release races with explicit release or finalize harmlessly because both
// are idempotent.
func (l *Ledger) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := l.db.ExpiredReservations(ctx, now.Unix())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		if err := l.db.ReleaseReservation(ctx, id); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// IsNotFound reports whether err is the store's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
