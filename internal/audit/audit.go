// Package audit writes the append-only record of every state-changing action.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record appends one entry inside the caller's transaction, so the entry
// commits atomically with the state change it describes.
func Record(tx store.Tx, actorID *uuid.UUID, action, entity, entityID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	return tx.AppendAudit(&models.AuditEntry{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Payload:  raw,
	})
}

// Reader answers "what happened and when" queries over the log.
type Reader struct {
	store store.Store
}

func NewReader(st store.Store) *Reader {
	return &Reader{store: st}
}

// Recent returns the newest entries, most recent first.
func (r *Reader) Recent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListAudit(limit)
		return err
	})
	return out, err
}
