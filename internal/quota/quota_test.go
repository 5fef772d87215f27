package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashpool/stashpool/internal/storage"
)

func setupLedger(t *testing.T) (*Ledger, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedger(db), db
}

func addNode(t *testing.T, db *storage.DB, id string, total, used int64) {
	t.Helper()
	n := &storage.Node{
		ID:        id,
		Email:     id + "@example.com",
		Total:     total,
		Used:      used,
		Active:    true,
		CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, db.CreateNode(context.Background(), n))
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 2<<30)

	before, err := ledger.Snapshot(ctx)
	require.NoError(t, err)

	resID, err := ledger.Reserve(ctx, "node-a", 4<<30)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, resID))

	after, err := ledger.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "release must restore pre-reservation counters")
}

func TestFinalizeConvertsReservedToUsed(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 0)

	resID, err := ledger.Reserve(ctx, "node-a", 5<<30)
	require.NoError(t, err)
	require.NoError(t, ledger.Finalize(ctx, resID))

	snap, err := ledger.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(5<<30), snap[0].Used)
	assert.Equal(t, int64(0), snap[0].Reserved)

	// Second finalize with the same id is a no-op.
	require.NoError(t, ledger.Finalize(ctx, resID))
	snap, err = ledger.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), snap[0].Used)
}

func TestSnapshotAvailableArithmetic(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 3<<30)

	_, err := ledger.Reserve(ctx, "node-a", 2<<30)
	require.NoError(t, err)

	snap, err := ledger.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(10<<30), snap[0].Available)
}

func TestSelectForUploadMostSpaceFirst(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	// A has 1 GiB available, B has 10 GiB.
	addNode(t, db, "node-a", 15<<30, 14<<30)
	addNode(t, db, "node-b", 15<<30, 5<<30)

	sel := NewSelector(ledger)
	got, err := sel.SelectForUpload(ctx, 1<<29, nil)
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.ID)
}

func TestSelectForUploadFiltersBySize(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 1<<30, 0)

	sel := NewSelector(ledger)
	_, err := sel.SelectForUpload(ctx, 2<<30, nil)
	assert.ErrorIs(t, err, ErrNoEligibleNode)
}

func TestSelectForUploadHonorsExclusion(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 0)
	addNode(t, db, "node-b", 15<<30, 10<<30)

	sel := NewSelector(ledger)

	got, err := sel.SelectForUpload(ctx, 1<<30, map[string]bool{"node-a": true})
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.ID, "excluded best candidate must be skipped")

	_, err = sel.SelectForUpload(ctx, 1<<30, map[string]bool{"node-a": true, "node-b": true})
	assert.ErrorIs(t, err, ErrNoEligibleNode)
}

func TestSelectForUploadSkipsInactive(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 0)
	require.NoError(t, db.SetNodeActive(ctx, "node-a", false))

	sel := NewSelector(ledger)
	_, err := sel.SelectForUpload(ctx, 1<<20, nil)
	assert.ErrorIs(t, err, ErrNoEligibleNode)
}

func TestSelectForUploadTieBreaksOnID(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-b", 10<<30, 0)
	addNode(t, db, "node-a", 10<<30, 0)

	sel := NewSelector(ledger)
	got, err := sel.SelectForUpload(ctx, 1<<20, nil)
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.ID)
}

func TestReleaseExpiredReclaimsStaleReservations(t *testing.T) {
	ledger, db := setupLedger(t)
	ctx := context.Background()
	addNode(t, db, "node-a", 15<<30, 0)

	resID, err := ledger.Reserve(ctx, "node-a", 2<<30)
	require.NoError(t, err)

	// Nothing is expired yet.
	n, err := ledger.ReleaseExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Jump past the horizon.
	n, err = ledger.ReleaseExpired(ctx, time.Now().Add(ReservationTTL+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := ledger.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap[0].Reserved)

	// The swept reservation can still be released explicitly without error.
	require.NoError(t, ledger.Release(ctx, resID))
}
