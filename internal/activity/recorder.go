// Package activity is the append-only audit log of create/delete/upload
// events, plus a live WebSocket feed consumed by dashboards.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stashpool/stashpool/internal/storage"
)

// Action kinds recorded by the broker.
const (
	ActionUploadInit     = "upload.init"
	ActionUploadFinalize = "upload.finalize"
	ActionUploadAbort    = "upload.abort"
	ActionFileDelete     = "file.delete"
	ActionFolderCreate   = "folder.create"
	ActionFolderRename   = "folder.rename"
	ActionFolderDelete   = "folder.delete"
	ActionNodeLinked     = "node.linked"
	ActionNodeToggled    = "node.toggled"
)

// Recorder appends audit entries and fans them out to feed subscribers.
// Recording is best-effort from the caller's perspective: a failed append
// is logged, never propagated, so bookkeeping noise cannot fail an upload.
type Recorder struct {
	db  *storage.DB
	hub *Hub
	log *logrus.Logger
}

// NewRecorder creates a Recorder. hub may be nil when no live feed is
// wanted (tests).
func NewRecorder(db *storage.DB, hub *Hub, log *logrus.Logger) *Recorder {
	return &Recorder{db: db, hub: hub, log: log}
}

// Record appends one audit entry. detail is marshalled to JSON.
func (r *Recorder) Record(ctx context.Context, action, targetType, targetID string, detail map[string]any) {
	var detailJSON string
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			r.log.WithField("action", action).Warnf("marshal activity detail: %v", err)
		} else {
			detailJSON = string(b)
		}
	}

	e := &storage.ActivityEntry{
		ID:         uuid.New().String(),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detailJSON,
		CreatedAt:  time.Now().Unix(),
	}
	if err := r.db.AppendActivity(ctx, e); err != nil {
		r.log.WithFields(logrus.Fields{
			"action":    action,
			"target_id": targetID,
		}).Errorf("append activity: %v", err)
		return
	}
	if r.hub != nil {
		r.hub.Broadcast(e)
	}
}

// List returns the newest entries first.
func (r *Recorder) List(ctx context.Context, limit int) ([]storage.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.db.ListActivity(ctx, limit)
}

// Clear bulk-deletes the log. Administrative action.
func (r *Recorder) Clear(ctx context.Context) (int, error) {
	return r.db.ClearActivity(ctx)
}
