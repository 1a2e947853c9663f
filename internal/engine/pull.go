package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjg67/IT-Inventory-sub000/internal/backend"
	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

// pull fetches remote deltas per entity type since the recorded
// watermark and applies them. The watermark only advances after the
// whole batch for that entity type has been applied, so a failure
// mid-batch re-delivers the same changes on the next cycle (applies are
// idempotent: revisions never move backwards).
func (e *Engine) pull(ctx context.Context) error {
	for _, entity := range models.EntityTypes() {
		if err := ctx.Err(); err != nil {
			return err
		}

		since, err := e.store.Watermark(entity)
		if err != nil {
			return err
		}

		resp, err := e.backend.Pull(ctx, entity, since)
		if err != nil {
			return fmt.Errorf("pulling %s changes: %w", entity, err)
		}

		e.monitor.ReportBackendSuccess()

		for _, change := range resp.Changes {
			if err := e.applyChange(entity, change); err != nil {
				return fmt.Errorf("applying %s change %s: %w", entity, change.RemoteID, err)
			}
		}

		if resp.Watermark > since {
			if err := e.store.SetWatermark(entity, resp.Watermark); err != nil {
				return err
			}
		}

		if len(resp.Changes) > 0 {
			e.logger.Debug("pull applied",
				slog.String("entity", string(entity)),
				slog.Int("changes", len(resp.Changes)),
				slog.Int64("watermark", resp.Watermark),
			)
			e.notify()
		}
	}

	return nil
}

// applyChange routes one remote change through conflict resolution and
// applies the outcome to the local store.
func (e *Engine) applyChange(entity models.EntityType, change backend.RemoteChange) error {
	local, err := e.findLocal(entity, change)
	if err != nil {
		return err
	}

	// A tombstone for a record this device has never seen carries no
	// information worth materializing.
	if local == nil && change.Deleted {
		return nil
	}

	var pending []models.Mutation

	if local != nil {
		pending, err = e.store.PendingFor(entity, local.LocalID)
		if err != nil {
			return err
		}
	}

	decision := e.resolver.Resolve(entity, local, pending, change)

	if decision.Audit != nil {
		if err := e.store.AppendConflict(*decision.Audit); err != nil {
			return err
		}

		e.logger.Info("conflict resolved",
			slog.String("entity", string(entity)),
			slog.String("local_id", decision.Audit.LocalID),
			slog.String("winner", decision.Audit.Winner),
			slog.String("reason", decision.Audit.Reason),
		)
	}

	for _, seq := range decision.AckSeqs {
		if err := e.store.Ack(seq); err != nil {
			return err
		}
	}

	if !decision.ApplyRemote {
		return nil
	}

	rec := models.Record{
		RemoteID:  change.RemoteID,
		Revision:  change.Revision,
		UpdatedAt: change.UpdatedAt,
		Payload:   change.Payload,
	}

	switch {
	case local != nil:
		rec.LocalID = local.LocalID
	case change.LocalID != "":
		rec.LocalID = change.LocalID
	default:
		rec.LocalID = models.NewLocalID()
	}

	if change.Deleted {
		deletedAt := change.UpdatedAt
		if deletedAt.IsZero() {
			deletedAt = time.Now().UTC()
		}

		rec.DeletedAt = &deletedAt

		if local != nil {
			rec.Payload = local.Payload
		}
	}

	return e.store.Repo(entity).ApplySync(rec)
}

// findLocal locates the local record a remote change corresponds to:
// by echoed client id first, then by remote id, and for movements by
// idempotency key, which catches a duplicate creation that was assigned
// a different local id on another device.
func (e *Engine) findLocal(entity models.EntityType, change backend.RemoteChange) (*models.Record, error) {
	if change.LocalID != "" {
		rec, err := e.store.Repo(entity).Get(change.LocalID)
		if err == nil {
			return rec, nil
		}

		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	if change.RemoteID != "" {
		rec, err := e.store.GetByRemoteID(entity, change.RemoteID)
		if err == nil {
			return rec, nil
		}

		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	if entity == models.EntityStockMovement {
		if key := models.MovementIdempotencyKey(change.Payload); key != "" {
			return e.store.FindMovementByKey(key)
		}
	}

	return nil, nil
}
