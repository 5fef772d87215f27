package upload

import (
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/provider"
	"github.com/stashpool/stashpool/internal/provider/providertest"
	"github.com/stashpool/stashpool/internal/quota"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/token"
	"github.com/stashpool/stashpool/internal/vault"
	"github.com/stashpool/stashpool/internal/vfs"
)

type fixture struct {
	db    *storage.DB
	vault *vault.Vault
	fake  *providertest.Fake
	orch  *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := make([]byte, vault.KeyLen)
	_, err = rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	fake := providertest.New()
	t.Cleanup(fake.Close)

	client := provider.NewClient("id", "secret")
	client.TokenURL = fake.TokenURL()
	client.UploadURL = fake.UploadURL()
	client.APIURL = fake.APIURL()

	log := logrus.New()
	log.SetOutput(io.Discard)

	ledger := quota.NewLedger(db)
	orch := New(
		quota.NewSelector(ledger),
		ledger,
		token.NewManager(db, v, client, log),
		vfs.NewService(db),
		client,
		db,
		activity.NewRecorder(db, nil, log),
		log,
	)
	return &fixture{db: db, vault: v, fake: fake, orch: orch}
}

// addNode links a node whose access token the fake provider accepts unless
// badToken is set.
func (fx *fixture) addNode(t *testing.T, id string, total, used int64, badToken bool) {
	t.Helper()
	accessToken := "access-" + id
	if !badToken {
		fx.fake.ValidAccessTokens[accessToken] = true
	}
	sealedAccess, err := fx.vault.Seal([]byte(accessToken))
	require.NoError(t, err)
	sealedRefresh, err := fx.vault.Seal([]byte("refresh-" + id))
	require.NoError(t, err)

	n := &storage.Node{
		ID:           id,
		Email:        id + "@example.com",
		Total:        total,
		Used:         used,
		Active:       true,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		TokenExpiry:  time.Now().Add(time.Hour).Unix(),
		CreatedAt:    time.Now().Unix(),
	}
	require.NoError(t, fx.db.CreateNode(context.Background(), n))
}

func (fx *fixture) nodeQuota(t *testing.T, id string) *storage.Node {
	t.Helper()
	n, err := fx.db.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestInitReservesOnBestNode(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)

	res, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "dump.tar", MimeType: "application/x-tar", Size: 5 << 30,
		FolderPath: "/backups/server-a",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.UploadURL)
	assert.Equal(t, int64(3600), res.ExpiresIn)
	assert.Equal(t, "PUT", res.Method)
	assert.Equal(t, "node-a", res.Meta.NodeID)
	assert.NotEmpty(t, res.Meta.ReservationID)
	assert.NotEmpty(t, res.Meta.FolderID)

	n := fx.nodeQuota(t, "node-a")
	assert.Equal(t, int64(5<<30), n.Reserved)
	assert.Equal(t, int64(0), n.Used)
}

func TestInitPicksNodeWithMostSpace(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 14<<30, false) // 1 GiB available
	fx.addNode(t, "node-b", 15<<30, 5<<30, false)  // 10 GiB available

	res, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "x.bin", MimeType: "application/octet-stream", Size: 1 << 29,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-b", res.Meta.NodeID)
}

func TestInitExhaustionWhenNoNodeFits(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 1<<30, 0, false)

	_, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "big.iso", MimeType: "application/octet-stream", Size: 2 << 30,
	})
	assert.ErrorIs(t, err, ErrExhausted)

	n := fx.nodeQuota(t, "node-a")
	assert.Zero(t, n.Reserved, "exhaustion must not leave reservations behind")
}

func TestInitFallsBackWhenProviderRejectsToken(t *testing.T) {
	fx := setup(t)
	// node-a has more available space so it is tried first, but its token
	// is rejected by the provider at session init.
	fx.addNode(t, "node-a", 15<<30, 0, true)
	fx.addNode(t, "node-b", 15<<30, 5<<30, false)

	res, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "x.bin", MimeType: "application/octet-stream", Size: 1 << 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-b", res.Meta.NodeID)

	// The failed attempt's reservation was released.
	a := fx.nodeQuota(t, "node-a")
	assert.Zero(t, a.Reserved)
	b := fx.nodeQuota(t, "node-b")
	assert.Equal(t, int64(1<<30), b.Reserved)
}

func TestInitFailsWhenAllAttemptedNodesFail(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, true)
	fx.addNode(t, "node-b", 15<<30, 0, true)

	_, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "x.bin", MimeType: "application/octet-stream", Size: 1 << 30,
	})
	assert.ErrorIs(t, err, ErrInitFailed)

	for _, id := range []string{"node-a", "node-b"} {
		assert.Zero(t, fx.nodeQuota(t, id).Reserved, "node %s has a dangling reservation", id)
	}
}

func TestInitValidation(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)

	for name, req := range map[string]InitRequest{
		"empty filename": {Filename: " ", MimeType: "text/plain", Size: 1},
		"zero size":      {Filename: "a.txt", MimeType: "text/plain", Size: 0},
		"negative size":  {Filename: "a.txt", MimeType: "text/plain", Size: -5},
		"bad mime":       {Filename: "a.txt", MimeType: "not a mime", Size: 1},
	} {
		_, err := fx.orch.Init(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation, "case %q", name)
	}
}

func TestFinalizeRecordsFileAndConvertsReservation(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)
	ctx := context.Background()

	res, err := fx.orch.Init(ctx, InitRequest{
		Filename: "dump.tar", MimeType: "application/x-tar", Size: 5 << 30,
		FolderPath: "/backups",
	})
	require.NoError(t, err)

	f, err := fx.orch.Finalize(ctx, FinalizeRequest{
		RemoteID:      "remote-123",
		NodeID:        res.Meta.NodeID,
		ReservationID: res.Meta.ReservationID,
		FolderID:      res.Meta.FolderID,
		Filename:      "dump.tar",
		MimeType:      "application/x-tar",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), f.Size)
	assert.Equal(t, "remote-123", f.RemoteID)

	n := fx.nodeQuota(t, "node-a")
	assert.Equal(t, int64(5<<30), n.Used)
	assert.Zero(t, n.Reserved)

	files, err := fx.db.ListFiles(ctx, res.Meta.FolderID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "node-a", files[0].NodeID)

	// Retried finalize returns the same file without double-counting.
	again, err := fx.orch.Finalize(ctx, FinalizeRequest{
		RemoteID:      "remote-123",
		NodeID:        res.Meta.NodeID,
		ReservationID: res.Meta.ReservationID,
		FolderID:      res.Meta.FolderID,
		Filename:      "dump.tar",
		MimeType:      "application/x-tar",
	})
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	n = fx.nodeQuota(t, "node-a")
	assert.Equal(t, int64(5<<30), n.Used)
}

func TestFinalizeUnknownReservation(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)

	_, err := fx.orch.Finalize(context.Background(), FinalizeRequest{
		RemoteID: "remote-1", NodeID: "node-a", ReservationID: "gone",
		Filename: "x", MimeType: "text/plain",
	})
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestAbortReleasesReservation(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)
	ctx := context.Background()

	res, err := fx.orch.Init(ctx, InitRequest{
		Filename: "x.bin", MimeType: "application/octet-stream", Size: 2 << 30,
	})
	require.NoError(t, err)

	require.NoError(t, fx.orch.Abort(ctx, res.Meta.ReservationID))
	assert.Zero(t, fx.nodeQuota(t, "node-a").Reserved)

	// Aborting twice is harmless.
	require.NoError(t, fx.orch.Abort(ctx, res.Meta.ReservationID))
}

func TestDeleteFileReturnsUsedSpace(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 15<<30, 0, false)
	ctx := context.Background()

	res, err := fx.orch.Init(ctx, InitRequest{
		Filename: "x.bin", MimeType: "application/octet-stream", Size: 1 << 30,
	})
	require.NoError(t, err)
	f, err := fx.orch.Finalize(ctx, FinalizeRequest{
		RemoteID: "remote-9", NodeID: res.Meta.NodeID, ReservationID: res.Meta.ReservationID,
		Filename: "x.bin", MimeType: "application/octet-stream",
	})
	require.NoError(t, err)

	require.NoError(t, fx.orch.DeleteFile(ctx, f.ID))

	n := fx.nodeQuota(t, "node-a")
	assert.Zero(t, n.Used)
	_, err = fx.db.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteFileMissing(t *testing.T) {
	fx := setup(t)
	err := fx.orch.DeleteFile(context.Background(), "no-such-file")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinalizeConvergesOnExistingFileRow(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 10<<30, 0, false)
	ctx := context.Background()

	res, err := fx.orch.Init(ctx, InitRequest{
		Filename: "a.bin", MimeType: "application/octet-stream", Size: 1 << 30,
	})
	require.NoError(t, err)

	// A row already recorded for this reservation, as left behind by an
	// attempt that failed between recording the file and converting the
	// reservation.
	prior := &storage.File{
		ID: "file-prior", Name: "a.bin", MimeType: "application/octet-stream",
		Size: 1 << 30, NodeID: res.Meta.NodeID, RemoteID: "remote-1",
		ReservationID: res.Meta.ReservationID, CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, fx.db.CreateFile(ctx, prior))

	f, err := fx.orch.Finalize(ctx, FinalizeRequest{
		RemoteID: "remote-1", NodeID: res.Meta.NodeID,
		ReservationID: res.Meta.ReservationID,
		Filename:      "a.bin", MimeType: "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, prior.ID, f.ID)

	// The reservation is converted and exactly one file row exists.
	n := fx.nodeQuota(t, res.Meta.NodeID)
	assert.Equal(t, int64(1<<30), n.Used)
	assert.Zero(t, n.Reserved)

	files, err := fx.db.ListFiles(ctx, "")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestInitStoreFailureIsNotValidation(t *testing.T) {
	fx := setup(t)
	fx.addNode(t, "node-a", 10<<30, 0, false)
	require.NoError(t, fx.db.Close())

	_, err := fx.orch.Init(context.Background(), InitRequest{
		Filename: "a.bin", MimeType: "application/octet-stream", Size: 1,
		FolderPath: "/backups",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidation)
}
