package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

// Repository is the typed CRUD surface for one entity type. It is the
// only path by which the rest of the application touches persisted state.
// Every successful write through Upsert or SoftDelete also appends to the
// mutation log in the same transaction: both succeed or both fail.
type Repository struct {
	s      *Store
	entity models.EntityType
}

// Repo returns the repository for an entity type.
func (s *Store) Repo(entity models.EntityType) *Repository {
	return &Repository{s: s, entity: entity}
}

// Entity returns the entity type this repository serves.
func (r *Repository) Entity() models.EntityType {
	return r.entity
}

// Get returns the record with the given local id, including tombstones.
func (r *Repository) Get(id string) (*models.Record, error) {
	var rec *models.Record

	err := r.s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecordTx(tx, r.entity, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", r.entity, id, apperrors.ErrNotFound)
	}

	return rec, nil
}

// List returns records matching the filter, ordered by local id for
// determinism. Tombstones are excluded unless the filter opts in.
func (r *Repository) List(f Filter) ([]models.Record, error) {
	var out []models.Record

	err := r.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket(r.entity)).ForEach(func(_, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.Deleted() && !f.IncludeDeleted {
				return nil
			}

			if !f.matches(r.entity, rec.Payload) {
				return nil
			}

			out = append(out, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })

	return out, nil
}

// Upsert writes a record through the public write path. An empty LocalID
// creates a new record; an unknown LocalID is treated as a first local
// write with that id. The revision bump, the record write, and the
// mutation-log append happen in one transaction.
//
// Stock movements additionally get their referenced article and site
// checked, and are guaranteed a non-empty idempotency key.
func (r *Repository) Upsert(rec *models.Record, payload any) error {
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	return r.s.db.Update(func(tx *bolt.Tx) error {
		var existing *models.Record

		if rec.LocalID != "" {
			existing, err = getRecordTx(tx, r.entity, rec.LocalID)
			if err != nil {
				return err
			}
		}

		op := models.OpCreate
		baseRevision := int64(0)

		if existing != nil {
			if existing.Deleted() {
				return fmt.Errorf("%s %s is deleted: %w", r.entity, rec.LocalID, apperrors.ErrNotFound)
			}

			op = models.OpUpdate
			baseRevision = existing.Revision
			rec.RemoteID = existing.RemoteID
			rec.Revision = existing.Revision + 1
		} else {
			if rec.LocalID == "" {
				rec.LocalID = models.NewLocalID()
			}

			rec.Revision = 1
		}

		idempotencyKey := ""

		if r.entity == models.EntityStockMovement {
			raw, idempotencyKey, err = prepareMovementTx(tx, raw)
			if err != nil {
				return err
			}
		}

		rec.UpdatedAt = now
		rec.DeletedAt = nil
		rec.Payload = raw

		if err := putRecordTx(tx, r.entity, rec); err != nil {
			return err
		}

		_, err = appendMutationTx(tx, &models.Mutation{
			Entity:         r.entity,
			LocalID:        rec.LocalID,
			Op:             op,
			Payload:        raw,
			IdempotencyKey: idempotencyKey,
			BaseRevision:   baseRevision,
			EnqueuedAt:     now,
		})

		return err
	})
}

// SoftDelete marks the record deleted and enqueues a delete mutation in
// the same transaction. The tombstone is retained for propagation until
// the retention window elapses. BaseRevision captures the revision the
// delete was decided against, which the conflict resolver compares with
// the remote revision.
func (r *Repository) SoftDelete(id string) error {
	now := time.Now().UTC()

	return r.s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecordTx(tx, r.entity, id)
		if err != nil {
			return err
		}

		if rec == nil {
			return fmt.Errorf("%s %s: %w", r.entity, id, apperrors.ErrNotFound)
		}

		if rec.Deleted() {
			return nil
		}

		baseRevision := rec.Revision
		rec.Revision++
		rec.UpdatedAt = now
		rec.DeletedAt = &now

		if err := putRecordTx(tx, r.entity, rec); err != nil {
			return err
		}

		_, err = appendMutationTx(tx, &models.Mutation{
			Entity:       r.entity,
			LocalID:      id,
			Op:           models.OpDelete,
			BaseRevision: baseRevision,
			EnqueuedAt:   now,
		})

		return err
	})
}

// ApplySync writes a record through the sync-apply path: no mutation is
// enqueued, and the revision never moves backwards. The acked revision is
// advanced since the applied state is, by definition, known to the
// backend.
func (r *Repository) ApplySync(rec models.Record) error {
	return r.s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRecordTx(tx, r.entity, rec.LocalID)
		if err != nil {
			return err
		}

		if existing != nil {
			if rec.Revision < existing.Revision {
				rec.Revision = existing.Revision
			}

			if rec.RemoteID == "" {
				rec.RemoteID = existing.RemoteID
			}
		}

		if err := putRecordTx(tx, r.entity, &rec); err != nil {
			return err
		}

		return tx.Bucket(ackedBucket).Put(ackedKey(r.entity, rec.LocalID), itob(uint64(rec.Revision)))
	})
}

// PurgeTombstones physically removes records soft-deleted before the
// cutoff. Invoked by the externally scheduled cleanup, never by the
// engine itself. Returns the number of purged records.
func (r *Repository) PurgeTombstones(cutoff time.Time) (int, error) {
	purged := 0

	err := r.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket(r.entity))

		var dead [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.Deleted() && rec.DeletedAt.Before(cutoff) {
				dead = append(dead, append([]byte(nil), k...))

				if rec.RemoteID != "" {
					if err := tx.Bucket(remoteIDBucket(r.entity)).Delete([]byte(rec.RemoteID)); err != nil {
						return err
					}
				}
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}

			if err := tx.Bucket(ackedBucket).Delete(ackedKey(r.entity, string(k))); err != nil {
				return err
			}
		}

		purged = len(dead)

		return nil
	})

	return purged, err
}

// prepareMovementTx validates a stock movement payload before it is
// accepted: the referenced article and site must exist locally and not be
// tombstoned, and the idempotency key is assigned when the caller did not
// provide one. Returns the (possibly rewritten) payload and the key.
func prepareMovementTx(tx *bolt.Tx, raw json.RawMessage) (json.RawMessage, string, error) {
	movement, err := models.DecodeMovement(raw)
	if err != nil {
		return nil, "", err
	}

	article, err := getRecordTx(tx, models.EntityArticle, movement.ArticleID)
	if err != nil {
		return nil, "", err
	}

	if article == nil || article.Deleted() {
		return nil, "", fmt.Errorf("article %s: %w", movement.ArticleID, apperrors.ErrReferentialIntegrity)
	}

	site, err := getRecordTx(tx, models.EntitySite, movement.SiteID)
	if err != nil {
		return nil, "", err
	}

	if site == nil || site.Deleted() {
		return nil, "", fmt.Errorf("site %s: %w", movement.SiteID, apperrors.ErrReferentialIntegrity)
	}

	if movement.IdempotencyKey == "" {
		movement.IdempotencyKey = models.NewIdempotencyKey()

		raw, err = models.EncodePayload(movement)
		if err != nil {
			return nil, "", err
		}
	}

	return raw, movement.IdempotencyKey, nil
}
