// Package upload drives the two-phase upload protocol: the server-mediated
// init phase (node selection, space reservation, resumable-session
// creation, with per-node fallback), and the finalize phase that converts a
// reservation into a recorded file. The transfer phase between them happens
// directly between the client and the provider; the broker is not on that
// data path.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stashpool/stashpool/internal/activity"
	"github.com/stashpool/stashpool/internal/provider"
	"github.com/stashpool/stashpool/internal/quota"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/token"
	"github.com/stashpool/stashpool/internal/vfs"
)

const (
	// attemptBudget bounds how many nodes one init request will try.
	attemptBudget = 3
	// SessionTTL is the provider session validity window reported to
	// clients.
	SessionTTL = time.Hour
)

var (
	// ErrValidation rejects malformed init requests.
	ErrValidation = errors.New("upload: invalid request")
	// ErrExhausted means no node had enough available space; the caller
	// may retry later, the broker will not.
	ErrExhausted = errors.New("upload: storage pool exhausted")
	// ErrInitFailed means nodes were attempted but every attempt failed.
	ErrInitFailed = errors.New("upload: initialization failed on all attempted nodes")
	// ErrUnknownReservation means finalize referenced a reservation that
	// does not exist and no file was ever recorded for it.
	ErrUnknownReservation = errors.New("upload: unknown reservation")
)

// InitRequest is a client's ask to start an upload.
type InitRequest struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	FolderPath string `json:"folderPath,omitempty"`
}

// InitResult carries everything the client needs for the transfer and
// finalize phases. The placement details ride under "_meta" so clients
// can echo them back verbatim at finalize.
type InitResult struct {
	UploadURL string   `json:"uploadUrl"`
	ExpiresIn int64    `json:"expiresIn"`
	Method    string   `json:"method"`
	Meta      InitMeta `json:"_meta"`
}

// InitMeta identifies where the upload landed.
type InitMeta struct {
	NodeID        string `json:"nodeId"`
	ReservationID string `json:"reservationId"`
	FolderID      string `json:"folderId,omitempty"`
}

// FinalizeRequest closes the loop after the client streamed the bytes.
type FinalizeRequest struct {
	RemoteID      string `json:"remoteFileId"`
	NodeID        string `json:"nodeId"`
	ReservationID string `json:"reservationId"`
	FolderID      string `json:"folderId,omitempty"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mimeType"`
}

// Orchestrator coordinates selector, ledger, token manager, virtual
// filesystem, and the provider client for one upload.
type Orchestrator struct {
	selector *quota.Selector
	ledger   *quota.Ledger
	tokens   *token.Manager
	folders  *vfs.Service
	client   *provider.Client
	db       *storage.DB
	recorder *activity.Recorder
	log      *logrus.Logger
}

// New creates an Orchestrator.
func New(selector *quota.Selector, ledger *quota.Ledger, tokens *token.Manager,
	folders *vfs.Service, client *provider.Client, db *storage.DB,
	recorder *activity.Recorder, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		selector: selector,
		ledger:   ledger,
		tokens:   tokens,
		folders:  folders,
		client:   client,
		db:       db,
		recorder: recorder,
		log:      log,
	}
}

// Init runs the server-mediated phase: validate, resolve the destination
// folder, then try up to attemptBudget nodes. A reservation created for a
// failed attempt is always released before the next attempt; no reservation
// outlives a failure inside this loop.
func (o *Orchestrator) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	folderID, err := o.folders.ResolvePath(ctx, req.FolderPath)
	if errors.Is(err, vfs.ErrInvalidName) {
		return nil, fmt.Errorf("%w: folder path: %s", ErrValidation, err)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve folder path: %w", err)
	}

	excluded := make(map[string]bool)
	attempted := 0

	for attempt := 0; attempt < attemptBudget; attempt++ {
		node, err := o.selector.SelectForUpload(ctx, req.Size, excluded)
		if errors.Is(err, quota.ErrNoEligibleNode) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("select node: %w", err)
		}
		attempted++
		nodeLog := o.log.WithFields(logrus.Fields{
			"node_id": node.ID,
			"attempt": attempt + 1,
			"size":    req.Size,
		})

		accessToken, err := o.tokens.AccessToken(ctx, node.ID)
		if err != nil {
			// Decrypt failures are unrecoverable for this node and logged
			// as such by the token manager; either way the node is skipped
			// for this request.
			nodeLog.WithField("error", err).Warn("node unusable, trying next")
			excluded[node.ID] = true
			continue
		}

		reservationID, err := o.ledger.Reserve(ctx, node.ID, req.Size)
		if err != nil {
			nodeLog.WithField("error", err).Warn("reservation failed, trying next")
			excluded[node.ID] = true
			continue
		}

		sessionURL, err := o.client.OpenSession(ctx, accessToken, provider.SessionMeta{
			Name:     req.Filename,
			MimeType: req.MimeType,
			Size:     req.Size,
		})
		if err != nil {
			nodeLog.WithField("error", err).Warn("session open failed, releasing reservation")
			if relErr := o.ledger.Release(ctx, reservationID); relErr != nil {
				nodeLog.WithField("error", relErr).Error("release after failed session")
			}
			excluded[node.ID] = true
			continue
		}

		o.recorder.Record(ctx, activity.ActionUploadInit, "reservation", reservationID, map[string]any{
			"node_id":  node.ID,
			"filename": req.Filename,
			"size":     req.Size,
		})
		return &InitResult{
			UploadURL: sessionURL,
			ExpiresIn: int64(SessionTTL.Seconds()),
			Method:    "PUT",
			Meta: InitMeta{
				NodeID:        node.ID,
				ReservationID: reservationID,
				FolderID:      folderID,
			},
		}, nil
	}

	if attempted == 0 {
		return nil, ErrExhausted
	}
	return nil, ErrInitFailed
}

// Finalize records the uploaded file and converts its reservation into used
// space. Idempotent per reservation id: a retried call returns the file the
// first call recorded without touching the counters again.
func (o *Orchestrator) Finalize(ctx context.Context, req FinalizeRequest) (*storage.File, error) {
	if req.RemoteID == "" || req.NodeID == "" || req.ReservationID == "" {
		return nil, fmt.Errorf("%w: remoteFileId, nodeId and reservationId are required", ErrValidation)
	}

	res, err := o.ledger.Reservation(ctx, req.ReservationID)
	if quota.IsNotFound(err) {
		if existing, lookupErr := o.db.GetFileByReservation(ctx, req.ReservationID); lookupErr == nil {
			return existing, nil
		}
		return nil, ErrUnknownReservation
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	if res.NodeID != req.NodeID {
		return nil, fmt.Errorf("%w: reservation belongs to a different node", ErrValidation)
	}

	f := &storage.File{
		ID:            uuid.New().String(),
		Name:          req.Filename,
		MimeType:      req.MimeType,
		Size:          res.Size,
		NodeID:        res.NodeID,
		FolderID:      req.FolderID,
		RemoteID:      req.RemoteID,
		ReservationID: req.ReservationID,
		CreatedAt:     time.Now().Unix(),
	}
	if err := o.db.CreateFile(ctx, f); err != nil {
		if errors.Is(err, storage.ErrDuplicateReservation) {
			// A concurrent retry, or an earlier attempt that recorded
			// the file but failed before converting the reservation,
			// got here first. Converge on that row and make sure the
			// conversion happened.
			existing, lookupErr := o.db.GetFileByReservation(ctx, req.ReservationID)
			if lookupErr != nil {
				return nil, fmt.Errorf("load recorded file: %w", lookupErr)
			}
			if finErr := o.ledger.Finalize(ctx, req.ReservationID); finErr != nil {
				return nil, fmt.Errorf("finalize reservation: %w", finErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("record file: %w", err)
	}
	if err := o.ledger.Finalize(ctx, req.ReservationID); err != nil {
		return nil, fmt.Errorf("finalize reservation: %w", err)
	}

	o.recorder.Record(ctx, activity.ActionUploadFinalize, "file", f.ID, map[string]any{
		"node_id":   f.NodeID,
		"remote_id": f.RemoteID,
		"size":      f.Size,
	})
	return f, nil
}

// Abort releases an init-phase reservation after the client abandoned the
// transfer. Safe to call for reservations the sweeper already reclaimed.
func (o *Orchestrator) Abort(ctx context.Context, reservationID string) error {
	if err := o.ledger.Release(ctx, reservationID); err != nil {
		return err
	}
	o.recorder.Record(ctx, activity.ActionUploadAbort, "reservation", reservationID, nil)
	return nil
}

// DeleteFile removes the virtual record, returns the node's used space, and
// best-effort deletes the remote object. A provider failure does not block
// the local delete; the remote copy becomes orphaned garbage on that
// account.
func (o *Orchestrator) DeleteFile(ctx context.Context, fileID string) error {
	f, err := o.db.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	if accessToken, err := o.tokens.AccessToken(ctx, f.NodeID); err != nil {
		o.log.WithFields(logrus.Fields{
			"file_id": fileID,
			"node_id": f.NodeID,
		}).Warnf("skipping remote delete: %v", err)
	} else if err := o.client.Delete(ctx, accessToken, f.RemoteID); err != nil {
		o.log.WithField("file_id", fileID).Warnf("remote delete failed: %v", err)
	}

	if err := o.db.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	if err := o.db.ReleaseUsedSpace(ctx, f.NodeID, f.Size); err != nil {
		return err
	}

	o.recorder.Record(ctx, activity.ActionFileDelete, "file", fileID, map[string]any{
		"node_id": f.NodeID,
		"size":    f.Size,
	})
	return nil
}

func validate(req InitRequest) error {
	if strings.TrimSpace(req.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if req.Size <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	mediaType, _, err := mime.ParseMediaType(req.MimeType)
	if err != nil || !strings.Contains(mediaType, "/") {
		return fmt.Errorf("%w: unknown MIME type %q", ErrValidation, req.MimeType)
	}
	return nil
}
