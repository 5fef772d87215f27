// Package vfs maintains the virtual folder tree: names, parent links, and
// materialized paths, all decoupled from any remote account.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stashpool/stashpool/internal/storage"
)

var (
	// ErrInvalidName rejects empty names and names containing separators.
	ErrInvalidName = errors.New("vfs: invalid folder name")
	// ErrNotEmpty mirrors the store: a folder with files or children
	// cannot be deleted.
	ErrNotEmpty = storage.ErrNotEmpty
	// ErrNotFound mirrors the store's missing-row error.
	ErrNotFound = storage.ErrNotFound
)

// Service resolves, creates, and maintains folders.
type Service struct {
	db *storage.DB
}

// NewService creates a Service over the shared store.
func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// ResolvePath walks a slash-separated path, creating any missing segment,
// and returns the id of the final folder ('' for the root). Repeat calls
// with the same path return the same id. Creation is sequential per
// segment; a failure deep in the path leaves the ancestors it already
// created in place (best-effort, they remain valid folders).
func (s *Service) ResolvePath(ctx context.Context, path string) (string, error) {
	segments := splitPath(path)
	parentID := ""
	parentPath := ""

	for _, name := range segments {
		if err := validateName(name); err != nil {
			return "", err
		}
		folder, err := s.db.GetFolderByName(ctx, parentID, name)
		if errors.Is(err, storage.ErrNotFound) {
			folder, err = s.create(ctx, name, parentID, parentPath)
			// A concurrent resolve may have created the same segment; the
			// unique (parent, name) index turns that into a lookup.
			if err != nil {
				if existing, lookupErr := s.db.GetFolderByName(ctx, parentID, name); lookupErr == nil {
					folder = existing
				} else {
					return "", fmt.Errorf("resolve segment %q: %w", name, err)
				}
			}
		} else if err != nil {
			return "", fmt.Errorf("resolve segment %q: %w", name, err)
		}
		parentID = folder.ID
		parentPath = folder.Path
	}
	return parentID, nil
}

// Create makes a folder under parentID ('' = root). The materialized path
// is derived from the parent chain at creation time.
func (s *Service) Create(ctx context.Context, name, parentID string) (*storage.Folder, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	parentPath := ""
	if parentID != "" {
		parent, err := s.db.GetFolder(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("load parent: %w", err)
		}
		parentPath = parent.Path
	}
	return s.create(ctx, name, parentID, parentPath)
}

func (s *Service) create(ctx context.Context, name, parentID, parentPath string) (*storage.Folder, error) {
	f := &storage.Folder{
		ID:        uuid.New().String(),
		Name:      name,
		ParentID:  parentID,
		Path:      parentPath + "/" + name,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.db.CreateFolder(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Rename changes a folder's name. The folder's own materialized path and
// every descendant's path prefix are rewritten in one transaction.
func (s *Service) Rename(ctx context.Context, id, newName string) (*storage.Folder, error) {
	if err := validateName(newName); err != nil {
		return nil, err
	}
	f, err := s.db.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}

	newPath := "/" + newName
	if idx := strings.LastIndex(f.Path, "/"); idx > 0 {
		newPath = f.Path[:idx] + "/" + newName
	}
	if err := s.db.RenameFolder(ctx, id, newName, newPath); err != nil {
		return nil, err
	}
	f.Name = newName
	f.Path = newPath
	return f, nil
}

// Delete removes an empty folder. ErrNotEmpty when it owns files or
// children; no mutation happens in that case.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.DeleteFolder(ctx, id)
}

// List returns the folders directly under a parent ('' = root).
func (s *Service) List(ctx context.Context, parentID string) ([]storage.Folder, error) {
	return s.db.ListFolders(ctx, parentID)
}

// Get looks up one folder.
func (s *Service) Get(ctx context.Context, id string) (*storage.Folder, error) {
	return s.db.GetFolder(ctx, id)
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}
	return nil
}
