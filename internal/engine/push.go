package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fjg67/IT-Inventory-sub000/internal/backend"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

// push drains the mutation log to the backend, one entity type at a
// time in canonical order. Per-mutation rejections are recorded and the
// rest of the batch proceeds; only batch-level failures abort the phase.
// Cancellation is honored between batches, never inside one.
func (e *Engine) push(ctx context.Context) error {
	batchSize := e.config().BatchSize

	for _, entity := range models.EntityTypes() {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch, err := e.store.PeekBatch(entity, batchSize)
			if err != nil {
				return err
			}

			if len(batch) == 0 {
				break
			}

			clean, err := e.pushBatch(ctx, entity, batch)
			if err != nil {
				return err
			}

			// A batch with failures would be re-delivered by the next
			// peek; move on so one bad mutation cannot spin the cycle.
			if !clean || len(batch) < batchSize {
				break
			}
		}
	}

	return nil
}

// pushBatch sends one batch and applies the per-mutation outcomes.
// Returns clean=false when any mutation in the batch was not accepted.
func (e *Engine) pushBatch(ctx context.Context, entity models.EntityType, batch []store.CoalescedMutation) (bool, error) {
	items := make([]backend.PushItem, len(batch))
	bySeq := make(map[uint64]store.CoalescedMutation, len(batch))

	for i, m := range batch {
		items[i] = backend.PushItem{
			Seq:            m.Seq,
			LocalID:        m.LocalID,
			Op:             m.Op,
			Payload:        m.Payload,
			IdempotencyKey: m.IdempotencyKey,
			BaseRevision:   m.BaseRevision,
		}
		bySeq[m.Seq] = m
	}

	outcomes, err := e.backend.PushBatch(ctx, entity, items)
	if err != nil {
		return false, fmt.Errorf("pushing %s batch: %w", entity, err)
	}

	e.monitor.ReportBackendSuccess()

	clean := true

	for _, out := range outcomes {
		m, known := bySeq[out.Seq]
		if !known {
			e.logger.Warn("push outcome for unknown mutation",
				slog.Uint64("seq", out.Seq),
				slog.String("entity", string(entity)),
			)

			continue
		}

		switch {
		case out.Accepted:
			if err := e.ackAccepted(entity, m, out); err != nil {
				return false, err
			}

		case out.Retryable:
			clean = false

			deadLettered, err := e.store.MarkFailed(out.Seq, out.ErrorMessage)
			if err != nil {
				return false, err
			}

			if deadLettered {
				e.logger.Error("mutation dead-lettered after retry ceiling",
					slog.Uint64("seq", out.Seq),
					slog.String("entity", string(entity)),
					slog.String("local_id", m.LocalID),
					slog.String("error", out.ErrorMessage),
				)
			}

		default:
			// Validation rejection: retrying cannot help. Surfaced to
			// the user through the dead letters with the server reason.
			clean = false

			reason := out.ErrorMessage
			if out.ErrorCode != "" {
				reason = out.ErrorCode + ": " + reason
			}

			if err := e.store.Reject(out.Seq, reason); err != nil {
				return false, err
			}

			e.logger.Warn("mutation rejected by backend",
				slog.Uint64("seq", out.Seq),
				slog.String("entity", string(entity)),
				slog.String("local_id", m.LocalID),
				slog.String("reason", reason),
			)
		}
	}

	e.notify()

	return clean, nil
}

// ackAccepted removes an acknowledged mutation (and any updates that
// were coalesced into it) and stores the backend-assigned identifiers.
func (e *Engine) ackAccepted(entity models.EntityType, m store.CoalescedMutation, out backend.PushOutcome) error {
	if err := e.store.RecordPushResult(entity, m.LocalID, out.RemoteID, out.Revision); err != nil {
		return err
	}

	if err := e.store.Ack(m.Seq); err != nil {
		return err
	}

	for _, seq := range m.Extra {
		if err := e.store.Ack(seq); err != nil {
			return err
		}
	}

	return nil
}
