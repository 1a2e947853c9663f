package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

// CoalescedMutation is a pending mutation as delivered to the push phase.
// When consecutive updates for the same record were coalesced, Extra
// holds the sequence numbers of the absorbed mutations; acknowledging the
// batch must ack them too, or they would be re-delivered.
type CoalescedMutation struct {
	models.Mutation

	Extra []uint64
}

// appendMutationTx appends a mutation inside an open write transaction,
// assigning the next global sequence number.
func appendMutationTx(tx *bolt.Tx, m *models.Mutation) (uint64, error) {
	b := tx.Bucket(mutationsBucket)

	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}

	m.Seq = seq

	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encoding mutation: %w", err)
	}

	return seq, b.Put(itob(seq), data)
}

// Append enqueues a mutation outside of a repository write. Used by
// dead-letter retries and the log rebuild.
func (s *Store) Append(m models.Mutation) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		seq, err = appendMutationTx(tx, &m)

		return err
	})

	return seq, err
}

// PeekBatch returns up to max pending mutations for an entity type,
// oldest first. Mutation order per record is preserved; consecutive
// updates for the same record are coalesced into one (latest payload,
// earliest sequence number). A delete is never absorbed or skipped.
// An undecodable log entry surfaces as ErrLogCorrupt.
func (s *Store) PeekBatch(entity models.EntityType, max int) ([]CoalescedMutation, error) {
	var out []CoalescedMutation

	last := make(map[string]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(mutationsBucket).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m models.Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("mutation %d undecodable: %w", binary.BigEndian.Uint64(k), apperrors.ErrLogCorrupt)
			}

			if m.Entity != entity {
				continue
			}

			if i, ok := last[m.LocalID]; ok && out[i].Op == models.OpUpdate && m.Op == models.OpUpdate {
				out[i].Payload = m.Payload
				out[i].Extra = append(out[i].Extra, m.Seq)

				continue
			}

			if len(out) == max {
				break
			}

			out = append(out, CoalescedMutation{Mutation: m})
			last[m.LocalID] = len(out) - 1
		}

		return nil
	})

	return out, err
}

// Ack removes a mutation after backend acknowledgment. Acking a sequence
// number that is no longer present is a no-op, so duplicate acks after a
// retried push are harmless.
func (s *Store) Ack(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mutationsBucket).Delete(itob(seq))
	})
}

// MarkFailed records a failed push attempt. When the attempt count
// reaches the retry ceiling the mutation moves to the dead-letter bucket
// and is reported to the user instead of being retried further. Returns
// whether the mutation was dead-lettered.
func (s *Store) MarkFailed(seq uint64, errMsg string) (bool, error) {
	deadLettered := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mutationsBucket)

		v := b.Get(itob(seq))
		if v == nil {
			return nil
		}

		var m models.Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("mutation %d undecodable: %w", seq, apperrors.ErrLogCorrupt)
		}

		m.Attempts++
		m.LastAttempt = time.Now().UTC()
		m.LastError = errMsg

		if m.Attempts >= s.ceiling() {
			deadLettered = true

			if err := b.Delete(itob(seq)); err != nil {
				return err
			}

			return putDeadLetterTx(tx, &m)
		}

		data, err := json.Marshal(&m)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})

	return deadLettered, err
}

// Reject moves a mutation straight to the dead letters: the backend
// refused it with a validation error, so retrying cannot help. The
// server-provided reason is kept for the user.
func (s *Store) Reject(seq uint64, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(mutationsBucket)

		v := b.Get(itob(seq))
		if v == nil {
			return nil
		}

		var m models.Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("mutation %d undecodable: %w", seq, apperrors.ErrLogCorrupt)
		}

		m.Attempts++
		m.LastAttempt = time.Now().UTC()
		m.LastError = reason

		if err := b.Delete(itob(seq)); err != nil {
			return err
		}

		return putDeadLetterTx(tx, &m)
	})
}

func putDeadLetterTx(tx *bolt.Tx, m *models.Mutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return tx.Bucket(deadLettersBucket).Put(itob(m.Seq), data)
}

// Pending returns all pending mutations for an entity type, oldest
// first, without coalescing.
func (s *Store) Pending(entity models.EntityType) ([]models.Mutation, error) {
	var out []models.Mutation

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachMutation(tx, func(m models.Mutation) {
			if m.Entity == entity {
				out = append(out, m)
			}
		})
	})

	return out, err
}

// PendingFor returns pending mutations targeting one record, oldest
// first. The conflict resolver uses this to detect divergence during
// pull.
func (s *Store) PendingFor(entity models.EntityType, localID string) ([]models.Mutation, error) {
	var out []models.Mutation

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachMutation(tx, func(m models.Mutation) {
			if m.Entity == entity && m.LocalID == localID {
				out = append(out, m)
			}
		})
	})

	return out, err
}

// PendingCount returns the number of pending mutations across all entity
// types. Feeds the UI badge.
func (s *Store) PendingCount() (int, error) {
	n := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(mutationsBucket).Stats().KeyN

		return nil
	})

	return n, err
}

// DeadLetters returns all dead-lettered mutations, oldest first.
func (s *Store) DeadLetters() ([]models.Mutation, error) {
	var out []models.Mutation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLettersBucket).ForEach(func(_, v []byte) error {
			var m models.Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("dead letter undecodable: %w", apperrors.ErrLogCorrupt)
			}

			out = append(out, m)

			return nil
		})
	})

	return out, err
}

// DeadLetterCount returns the number of dead-lettered mutations.
func (s *Store) DeadLetterCount() (int, error) {
	n := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(deadLettersBucket).Stats().KeyN

		return nil
	})

	return n, err
}

// DiscardDeadLetter drops a dead-lettered mutation permanently (manual
// resolution: discard).
func (s *Store) DiscardDeadLetter(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLettersBucket).Delete(itob(seq))
	})
}

// RetryDeadLetter re-enqueues a dead-lettered mutation with a fresh
// sequence number and attempt budget (manual resolution: retry now).
func (s *Store) RetryDeadLetter(seq uint64) (uint64, error) {
	var newSeq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deadLettersBucket)

		v := b.Get(itob(seq))
		if v == nil {
			return fmt.Errorf("dead letter %d: %w", seq, apperrors.ErrNotFound)
		}

		var m models.Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("dead letter undecodable: %w", apperrors.ErrLogCorrupt)
		}

		if err := b.Delete(itob(seq)); err != nil {
			return err
		}

		m.Attempts = 0
		m.LastError = ""
		m.LastAttempt = time.Time{}

		var err error
		_, err = appendMutationTx(tx, &m)
		if err == nil {
			newSeq = m.Seq
		}

		return err
	})

	return newSeq, err
}

// RebuildLog recovers from a corrupted mutation log. The log is cleared
// and re-derived from record state: any record whose revision is ahead of
// its last acked revision is dirty and gets a synthetic mutation. Dead
// letters are left untouched. Per-record ordering is trivially preserved
// since each record contributes at most one synthetic mutation.
func (s *Store) RebuildLog() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(mutationsBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucket(mutationsBucket); err != nil {
			return err
		}

		now := time.Now().UTC()

		for _, entity := range models.EntityTypes() {
			err := tx.Bucket(recordsBucket(entity)).ForEach(func(_, v []byte) error {
				var rec models.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decoding %s record during rebuild: %w", entity, err)
				}

				acked := ackedRevisionTx(tx, entity, rec.LocalID)
				if rec.Revision <= acked {
					return nil
				}

				m := models.Mutation{
					Entity:       entity,
					LocalID:      rec.LocalID,
					BaseRevision: acked,
					EnqueuedAt:   now,
				}

				switch {
				case rec.Deleted():
					m.Op = models.OpDelete
				case rec.RemoteID == "":
					m.Op = models.OpCreate
					m.Payload = rec.Payload
				default:
					m.Op = models.OpUpdate
					m.Payload = rec.Payload
				}

				if entity == models.EntityStockMovement {
					m.IdempotencyKey = models.MovementIdempotencyKey(rec.Payload)
				}

				_, err := appendMutationTx(tx, &m)

				return err
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
}

func forEachMutation(tx *bolt.Tx, fn func(models.Mutation)) error {
	return tx.Bucket(mutationsBucket).ForEach(func(_, v []byte) error {
		var m models.Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("mutation undecodable: %w", apperrors.ErrLogCorrupt)
		}

		fn(m)

		return nil
	})
}
