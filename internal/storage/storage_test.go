package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestNode inserts a node with the given capacity and returns it.
func createTestNode(t *testing.T, db *DB, total int64) *Node {
	t.Helper()
	n := &Node{
		ID:        uuid.New().String(),
		Email:     "pool-account@example.com",
		Total:     total,
		Active:    true,
		CreatedAt: time.Now().Unix(),
	}
	if err := db.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return n
}

func TestReserveSpaceAdjustsCounter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	r, err := db.ReserveSpace(ctx, n.ID, 5<<30, time.Hour)
	if err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}
	if r.Size != 5<<30 || r.NodeID != n.ID {
		t.Fatalf("reservation = %+v", r)
	}

	got, err := db.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Reserved != 5<<30 || got.Used != 0 {
		t.Fatalf("reserved = %d, used = %d; want 5GiB, 0", got.Reserved, got.Used)
	}
}

func TestReserveSpaceRejectsOverCommit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 1 << 30)

	if _, err := db.ReserveSpace(ctx, n.ID, 2<<30, time.Hour); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("ReserveSpace over capacity: err = %v, want ErrInsufficientSpace", err)
	}

	got, _ := db.GetNode(ctx, n.ID)
	if got.Reserved != 0 {
		t.Fatalf("failed reserve mutated counter: reserved = %d", got.Reserved)
	}
}

func TestReserveSpaceSkipsInactiveNode(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)
	if err := db.SetNodeActive(ctx, n.ID, false); err != nil {
		t.Fatalf("SetNodeActive: %v", err)
	}

	if _, err := db.ReserveSpace(ctx, n.ID, 1<<30, time.Hour); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("reserve on inactive node: err = %v, want ErrInsufficientSpace", err)
	}
}

func TestReleaseRestoresCounters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	r, err := db.ReserveSpace(ctx, n.ID, 3<<30, time.Hour)
	if err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}
	if err := db.ReleaseReservation(ctx, r.ID); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}

	got, _ := db.GetNode(ctx, n.ID)
	if got.Reserved != 0 || got.Used != 0 {
		t.Fatalf("after release: reserved = %d, used = %d", got.Reserved, got.Used)
	}

	// Double release is a no-op, not an error.
	if err := db.ReleaseReservation(ctx, r.ID); err != nil {
		t.Fatalf("second ReleaseReservation: %v", err)
	}
	if err := db.ReleaseReservation(ctx, "no-such-reservation"); err != nil {
		t.Fatalf("release of unknown reservation: %v", err)
	}
}

func TestFinalizeMovesReservedToUsed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	r, err := db.ReserveSpace(ctx, n.ID, 5<<30, time.Hour)
	if err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}
	if err := db.FinalizeReservation(ctx, r.ID); err != nil {
		t.Fatalf("FinalizeReservation: %v", err)
	}

	got, _ := db.GetNode(ctx, n.ID)
	if got.Used != 5<<30 || got.Reserved != 0 {
		t.Fatalf("after finalize: used = %d, reserved = %d", got.Used, got.Reserved)
	}

	// Retried finalize must not double-count.
	if err := db.FinalizeReservation(ctx, r.ID); err != nil {
		t.Fatalf("second FinalizeReservation: %v", err)
	}
	got, _ = db.GetNode(ctx, n.ID)
	if got.Used != 5<<30 || got.Reserved != 0 {
		t.Fatalf("after retried finalize: used = %d, reserved = %d", got.Used, got.Reserved)
	}
}

func TestConcurrentReservesNeverOverCommit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 10<<20)

	const workers = 16
	var wg sync.WaitGroup
	admitted := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := db.ReserveSpace(ctx, n.ID, 1<<20, time.Hour)
			if err == nil {
				admitted <- r.ID
			}
		}()
	}
	wg.Wait()
	close(admitted)

	got, _ := db.GetNode(ctx, n.ID)
	if got.Used+got.Reserved > got.Total {
		t.Fatalf("invariant violated: used+reserved = %d > total = %d", got.Used+got.Reserved, got.Total)
	}
	count := 0
	for range admitted {
		count++
	}
	if count != 10 {
		t.Fatalf("admitted %d reservations, want 10", count)
	}
}

func TestExpiredReservations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	stale, err := db.ReserveSpace(ctx, n.ID, 1<<30, -time.Minute)
	if err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}
	if _, err := db.ReserveSpace(ctx, n.ID, 1<<30, time.Hour); err != nil {
		t.Fatalf("ReserveSpace: %v", err)
	}

	ids, err := db.ExpiredReservations(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("ExpiredReservations: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expired = %v, want [%s]", ids, stale.ID)
	}
}

func TestFolderDeleteRejectsNonEmpty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	parent := &Folder{ID: uuid.New().String(), Name: "backups", Path: "/backups", CreatedAt: time.Now().Unix()}
	if err := db.CreateFolder(ctx, parent); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	child := &Folder{ID: uuid.New().String(), Name: "a", ParentID: parent.ID, Path: "/backups/a", CreatedAt: time.Now().Unix()}
	if err := db.CreateFolder(ctx, child); err != nil {
		t.Fatalf("CreateFolder child: %v", err)
	}

	if err := db.DeleteFolder(ctx, parent.ID); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("delete folder with child: err = %v, want ErrNotEmpty", err)
	}

	f := &File{
		ID: uuid.New().String(), Name: "dump.tar", MimeType: "application/x-tar",
		Size: 1024, NodeID: n.ID, FolderID: child.ID, RemoteID: "remote-1",
		CreatedAt: time.Now().Unix(),
	}
	if err := db.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := db.DeleteFolder(ctx, child.ID); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("delete folder with file: err = %v, want ErrNotEmpty", err)
	}

	if err := db.DeleteFile(ctx, f.ID); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := db.DeleteFolder(ctx, child.ID); err != nil {
		t.Fatalf("delete emptied folder: %v", err)
	}
	if err := db.DeleteFolder(ctx, parent.ID); err != nil {
		t.Fatalf("delete emptied parent: %v", err)
	}
}

func TestRenameFolderCascadesPaths(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().Unix()
	a := &Folder{ID: uuid.New().String(), Name: "a", Path: "/a", CreatedAt: now}
	b := &Folder{ID: uuid.New().String(), Name: "b", ParentID: a.ID, Path: "/a/b", CreatedAt: now}
	c := &Folder{ID: uuid.New().String(), Name: "c", ParentID: b.ID, Path: "/a/b/c", CreatedAt: now}
	for _, f := range []*Folder{a, b, c} {
		if err := db.CreateFolder(ctx, f); err != nil {
			t.Fatalf("CreateFolder %s: %v", f.Name, err)
		}
	}

	if err := db.RenameFolder(ctx, a.ID, "archive", "/archive"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}

	for id, want := range map[string]string{a.ID: "/archive", b.ID: "/archive/b", c.ID: "/archive/b/c"} {
		got, err := db.GetFolder(ctx, id)
		if err != nil {
			t.Fatalf("GetFolder: %v", err)
		}
		if got.Path != want {
			t.Fatalf("path = %q, want %q", got.Path, want)
		}
	}
}

func TestGetFileByReservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	f := &File{
		ID: uuid.New().String(), Name: "x.bin", MimeType: "application/octet-stream",
		Size: 10, NodeID: n.ID, RemoteID: "remote-x", ReservationID: "res-1",
		CreatedAt: time.Now().Unix(),
	}
	if err := db.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	got, err := db.GetFileByReservation(ctx, "res-1")
	if err != nil {
		t.Fatalf("GetFileByReservation: %v", err)
	}
	if got.ID != f.ID {
		t.Fatalf("got file %s, want %s", got.ID, f.ID)
	}

	if _, err := db.GetFileByReservation(ctx, "res-unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown reservation: err = %v, want ErrNotFound", err)
	}
}

func TestConnectionPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var mode string
	if err := db.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := db.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", timeout)
	}

	var fk int
	if err := db.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}

func TestRenameFolderCascadesMultibytePaths(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().Unix()
	parent := &Folder{ID: uuid.New().String(), Name: "résumés", Path: "/résumés", CreatedAt: now}
	child := &Folder{ID: uuid.New().String(), Name: "drafts", ParentID: parent.ID, Path: "/résumés/drafts", CreatedAt: now}
	for _, f := range []*Folder{parent, child} {
		if err := db.CreateFolder(ctx, f); err != nil {
			t.Fatalf("CreateFolder %s: %v", f.Name, err)
		}
	}

	if err := db.RenameFolder(ctx, parent.ID, "cvs", "/cvs"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}

	got, err := db.GetFolder(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if got.Path != "/cvs/drafts" {
		t.Fatalf("path = %q, want /cvs/drafts", got.Path)
	}
}

func TestCreateFileRejectsDuplicateReservation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	n := createTestNode(t, db, 15<<30)

	now := time.Now().Unix()
	first := &File{
		ID: uuid.New().String(), Name: "x.bin", MimeType: "application/octet-stream",
		Size: 10, NodeID: n.ID, RemoteID: "remote-x", ReservationID: "res-dup",
		CreatedAt: now,
	}
	if err := db.CreateFile(ctx, first); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	second := &File{
		ID: uuid.New().String(), Name: "x.bin", MimeType: "application/octet-stream",
		Size: 10, NodeID: n.ID, RemoteID: "remote-x", ReservationID: "res-dup",
		CreatedAt: now,
	}
	if err := db.CreateFile(ctx, second); !errors.Is(err, ErrDuplicateReservation) {
		t.Fatalf("duplicate reservation: err = %v, want ErrDuplicateReservation", err)
	}

	// Files recorded without a reservation do not collide with each other.
	for i := 0; i < 2; i++ {
		f := &File{
			ID: uuid.New().String(), Name: "y.bin", MimeType: "application/octet-stream",
			Size: 1, NodeID: n.ID, RemoteID: "remote-y", CreatedAt: now,
		}
		if err := db.CreateFile(ctx, f); err != nil {
			t.Fatalf("CreateFile without reservation: %v", err)
		}
	}
}
