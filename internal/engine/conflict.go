package engine

import (
	"log/slog"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fjg67/IT-Inventory-sub000/internal/backend"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

// Winner labels recorded on conflict audit entries.
const (
	winnerLocal     = "local"
	winnerRemote    = "remote"
	winnerDuplicate = "duplicate"
)

// Decision is the resolver's verdict for one remote change.
type Decision struct {
	// ApplyRemote applies the remote state to the local store through
	// the sync-apply path.
	ApplyRemote bool

	// AckSeqs are pending mutations superseded by the decision. They
	// are removed from the log without being pushed; the audit record
	// explains why.
	AckSeqs []uint64

	// Audit, when set, is recorded for user review. Every conflict
	// resolution produces one; plain fast-forwards do not.
	Audit *store.ConflictRecord
}

// Resolver decides how a pulled remote change merges with local state.
// It is invoked only when the target record has pending local mutations
// or the remote revision is ahead of the local one.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger
	dmp    *diffmatchpatch.DiffMatchPatch
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(s *store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, logger: logger, dmp: diffmatchpatch.New()}
}

// Resolve applies the per-entity conflict policy:
//
//   - Master data (articles, sites, technicians, categories, reference
//     options): last-write-wins by UpdatedAt, ties preferring the remote
//     record, which already survived server-side validation.
//   - Stock movements: immutable facts, never field-merged. The only
//     real conflict is a duplicate creation, collapsed on the
//     idempotency key. Aggregate quantities are re-derived by replay,
//     never overwritten.
//   - Local delete vs remote update: the delete wins only when it was
//     enqueued against a revision at least as new as the remote one;
//     otherwise the delete is dropped and reported.
//
// A pending local mutation is never silently dropped: it is either kept
// (and pushed later), or acked together with an audit record.
func (r *Resolver) Resolve(entity models.EntityType, local *models.Record, pending []models.Mutation, change backend.RemoteChange) Decision {
	// No local record: a change from another device, applied as-is.
	if local == nil {
		return Decision{ApplyRemote: true}
	}

	// No pending mutation: plain fast-forward when the remote revision
	// is ahead, otherwise the change is already reflected locally.
	if len(pending) == 0 {
		return Decision{ApplyRemote: change.Revision > local.Revision}
	}

	if entity == models.EntityStockMovement {
		return r.resolveMovement(local, pending, change)
	}

	last := pending[len(pending)-1]
	if last.Op == models.OpDelete {
		return r.resolveDelete(entity, local, pending, last, change)
	}

	return r.resolveLastWriteWins(entity, local, pending, change)
}

// resolveMovement handles the only legitimate movement conflict: the
// same fact created twice, detected by its idempotency key. The remote
// copy wins so the record gains its backend identifiers; the pending
// local create is acked instead of pushed, which is what makes a
// retry-after-timeout apply the quantity delta exactly once at the
// replay layer.
func (r *Resolver) resolveMovement(local *models.Record, pending []models.Mutation, change backend.RemoteChange) Decision {
	localKey := models.MovementIdempotencyKey(local.Payload)
	remoteKey := models.MovementIdempotencyKey(change.Payload)

	if localKey != "" && localKey == remoteKey {
		return Decision{
			ApplyRemote: true,
			AckSeqs:     seqsOf(pending),
			Audit: &store.ConflictRecord{
				Entity:  models.EntityStockMovement,
				LocalID: local.LocalID,
				Winner:  winnerDuplicate,
				Reason:  "duplicate movement collapsed on idempotency key",
				At:      time.Now().UTC(),
			},
		}
	}

	// Movements are append-only facts; a diverging remote state for the
	// same identifier without a matching key cannot be merged. Keep the
	// local fact and let the pending mutation push.
	return Decision{
		Audit: &store.ConflictRecord{
			Entity:  models.EntityStockMovement,
			LocalID: local.LocalID,
			Winner:  winnerLocal,
			Reason:  "movement is immutable; pending local fact kept",
			Diff:    r.payloadDiff(local.Payload, change.Payload),
			At:      time.Now().UTC(),
		},
	}
}

// resolveDelete arbitrates a pending local delete against a remote
// change.
func (r *Resolver) resolveDelete(entity models.EntityType, local *models.Record, pending []models.Mutation, del models.Mutation, change backend.RemoteChange) Decision {
	if change.Deleted {
		// Both sides deleted: the remote tombstone carries the final
		// revision, and the pending delete has nothing left to push.
		return Decision{ApplyRemote: true, AckSeqs: seqsOf(pending)}
	}

	if del.BaseRevision >= change.Revision {
		// The delete was decided against a state at least as new as
		// the remote update: the delete stands and pushes later.
		return Decision{
			Audit: &store.ConflictRecord{
				Entity:  entity,
				LocalID: local.LocalID,
				Winner:  winnerLocal,
				Reason:  "local delete newer than remote update",
				At:      time.Now().UTC(),
			},
		}
	}

	// The remote update post-dates the state the delete was based on:
	// drop the delete and restore the remote record, reported for
	// review.
	return Decision{
		ApplyRemote: true,
		AckSeqs:     seqsOf(pending),
		Audit: &store.ConflictRecord{
			Entity:  entity,
			LocalID: local.LocalID,
			Winner:  winnerRemote,
			Reason:  "remote updated after local delete; delete dropped",
			Diff:    r.payloadDiff(local.Payload, change.Payload),
			At:      time.Now().UTC(),
		},
	}
}

// resolveLastWriteWins applies the master-data policy to a pending
// create or update.
func (r *Resolver) resolveLastWriteWins(entity models.EntityType, local *models.Record, pending []models.Mutation, change backend.RemoteChange) Decision {
	if local.UpdatedAt.After(change.UpdatedAt) {
		// Local edit is newer: keep it, keep the pending mutation, and
		// let the next push overwrite the remote side.
		return Decision{
			Audit: &store.ConflictRecord{
				Entity:  entity,
				LocalID: local.LocalID,
				Winner:  winnerLocal,
				Reason:  "local edit newer by updated_at",
				Diff:    r.payloadDiff(change.Payload, local.Payload),
				At:      time.Now().UTC(),
			},
		}
	}

	// Remote is newer, or the timestamps tie: the remote record has
	// already survived server-side validation, so it wins. The pending
	// local mutation is superseded, with the audit entry as its trace.
	return Decision{
		ApplyRemote: true,
		AckSeqs:     seqsOf(pending),
		Audit: &store.ConflictRecord{
			Entity:  entity,
			LocalID: local.LocalID,
			Winner:  winnerRemote,
			Reason:  "remote edit newer or equal by updated_at; pending local change superseded",
			Diff:    r.payloadDiff(local.Payload, change.Payload),
			At:      time.Now().UTC(),
		},
	}
}

// payloadDiff renders a compact patch between two payloads for the
// audit trail.
func (r *Resolver) payloadDiff(from, to []byte) string {
	patches := r.dmp.PatchMake(string(from), string(to))

	return r.dmp.PatchToText(patches)
}

func seqsOf(pending []models.Mutation) []uint64 {
	seqs := make([]uint64, len(pending))
	for i, m := range pending {
		seqs[i] = m.Seq
	}

	return seqs
}
