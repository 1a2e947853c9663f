// Package store owns all persistent local state: entity records, the
// append-only mutation log, pull watermarks, dead letters, and the
// conflict audit trail. Everything lives in one bbolt database so a user
// write and its mutation-log append commit in a single transaction.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "github.com/fjg67/IT-Inventory-sub000/internal/errors"
	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

const (
	// storeDirPerm is the permission mode for the store directory
	// (~/.inventory-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second

	// defaultRetryCeiling is the attempt count after which a failed
	// mutation becomes dead-lettered.
	defaultRetryCeiling = 10
)

var (
	mutationsBucket   = []byte("mutations")
	deadLettersBucket = []byte("dead_letters")
	watermarksBucket  = []byte("watermarks")
	conflictsBucket   = []byte("conflicts")
	ackedBucket       = []byte("acked_revisions")
)

func recordsBucket(entity models.EntityType) []byte {
	return []byte("records:" + string(entity))
}

func remoteIDBucket(entity models.EntityType) []byte {
	return []byte("remote_ids:" + string(entity))
}

func ackedKey(entity models.EntityType, localID string) []byte {
	return []byte(string(entity) + "/" + localID)
}

// Store wraps a bbolt database holding all local persistent state.
type Store struct {
	db *bolt.DB

	ceilingMu    sync.RWMutex
	retryCeiling int
}

// Open opens (or creates) the store database at the given path and
// ensures all buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		static := [][]byte{
			mutationsBucket, deadLettersBucket, watermarksBucket,
			conflictsBucket, ackedBucket,
		}
		for _, name := range static {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		for _, entity := range models.EntityTypes() {
			if _, err := tx.CreateBucketIfNotExists(recordsBucket(entity)); err != nil {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(remoteIDBucket(entity)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, retryCeiling: defaultRetryCeiling}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetRetryCeiling updates the dead-letter threshold. Safe to call while
// the engine is running (settings hot reload).
func (s *Store) SetRetryCeiling(n int) {
	if n <= 0 {
		return
	}

	s.ceilingMu.Lock()
	s.retryCeiling = n
	s.ceilingMu.Unlock()
}

func (s *Store) ceiling() int {
	s.ceilingMu.RLock()
	defer s.ceilingMu.RUnlock()

	return s.retryCeiling
}

// Watermark returns the last successfully applied pull watermark for an
// entity type, or 0 when no pull has completed yet.
func (s *Store) Watermark(entity models.EntityType) (int64, error) {
	var w int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(watermarksBucket).Get([]byte(entity))
		if v != nil {
			w = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return w, err
}

// SetWatermark advances the pull watermark for an entity type. Called
// only after the whole pulled batch has been applied.
func (s *Store) SetWatermark(entity models.EntityType, w int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarksBucket).Put([]byte(entity), itob(uint64(w)))
	})
}

// ConflictRecord is one audited conflict resolution outcome.
type ConflictRecord struct {
	Seq     uint64            `json:"seq"`
	Entity  models.EntityType `json:"entity"`
	LocalID string            `json:"local_id"`
	Winner  string            `json:"winner"`
	Reason  string            `json:"reason"`
	Diff    string            `json:"diff,omitempty"`
	At      time.Time         `json:"at"`
}

// AppendConflict records a resolution outcome for auditability.
func (s *Store) AppendConflict(cr ConflictRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conflictsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		cr.Seq = seq

		data, err := json.Marshal(cr)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})
}

// Conflicts returns all audited conflict resolutions, oldest first.
func (s *Store) Conflicts() ([]ConflictRecord, error) {
	var out []ConflictRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var cr ConflictRecord
			if err := json.Unmarshal(v, &cr); err != nil {
				return err
			}

			out = append(out, cr)

			return nil
		})
	})

	return out, err
}

// getRecordTx reads a record inside an open transaction.
func getRecordTx(tx *bolt.Tx, entity models.EntityType, id string) (*models.Record, error) {
	v := tx.Bucket(recordsBucket(entity)).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	rec := &models.Record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding %s record %s: %w", entity, id, err)
	}

	return rec, nil
}

// putRecordTx writes a record inside an open transaction and maintains
// the remote-id index.
func putRecordTx(tx *bolt.Tx, entity models.EntityType, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s record %s: %w", entity, rec.LocalID, err)
	}

	if err := tx.Bucket(recordsBucket(entity)).Put([]byte(rec.LocalID), data); err != nil {
		return err
	}

	if rec.RemoteID != "" {
		return tx.Bucket(remoteIDBucket(entity)).Put([]byte(rec.RemoteID), []byte(rec.LocalID))
	}

	return nil
}

// GetByRemoteID resolves a backend identifier to the local record, or
// ErrNotFound when this device has never seen it.
func (s *Store) GetByRemoteID(entity models.EntityType, remoteID string) (*models.Record, error) {
	var rec *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		localID := tx.Bucket(remoteIDBucket(entity)).Get([]byte(remoteID))
		if localID == nil {
			return nil
		}

		var err error
		rec, err = getRecordTx(tx, entity, string(localID))

		return err
	})
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%s with remote id %s: %w", entity, remoteID, apperrors.ErrNotFound)
	}

	return rec, nil
}

// RecordPushResult stores the backend's acknowledgment of a pushed
// mutation: the assigned remote id and revision. The record's revision
// only ever moves forward. The acked revision (dirty flag) is advanced so
// a log rebuild knows this state reached the backend.
func (s *Store) RecordPushResult(entity models.EntityType, localID, remoteID string, remoteRevision int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecordTx(tx, entity, localID)
		if err != nil {
			return err
		}

		if rec == nil {
			return fmt.Errorf("%s %s: %w", entity, localID, apperrors.ErrNotFound)
		}

		if remoteID != "" {
			rec.RemoteID = remoteID
		}

		if remoteRevision > rec.Revision {
			rec.Revision = remoteRevision
		}

		if err := putRecordTx(tx, entity, rec); err != nil {
			return err
		}

		return tx.Bucket(ackedBucket).Put(ackedKey(entity, localID), itob(uint64(rec.Revision)))
	})
}

// FindMovementByKey scans stock movements for the given idempotency key.
// Returns nil when no movement carries it. The dataset on a handheld is
// small enough that a scan is acceptable.
func (s *Store) FindMovementByKey(key string) (*models.Record, error) {
	if key == "" {
		return nil, nil
	}

	var found *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket(models.EntityStockMovement)).ForEach(func(_, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if models.MovementIdempotencyKey(rec.Payload) == key {
				found = &rec
			}

			return nil
		})
	})

	return found, err
}

func ackedRevisionTx(tx *bolt.Tx, entity models.EntityType, localID string) int64 {
	v := tx.Bucket(ackedBucket).Get(ackedKey(entity, localID))
	if v == nil {
		return 0
	}

	return int64(binary.BigEndian.Uint64(v))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}
