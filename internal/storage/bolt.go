package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hyperjump/cohort/internal/models"
)

const (
	patientsBucket = "patients"
	// orderBucket maps an insertion sequence number to a patient id so iteration
	// follows insertion order rather than key order.
	orderBucket = "patient_order"
)

// BoltStore implements RecordStore on a single bbolt file. Records are JSON values keyed by patient id.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens or creates a bbolt database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{patientsBucket, orderBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, path: dbPath}, nil
}

// UpsertRecord inserts rec or merges it into the stored record. Empty fields keep stored values.
func (s *BoltStore) UpsertRecord(ctx context.Context, rec *models.PatientRecord) error {
	if rec.PatientID == "" {
		return fmt.Errorf("%w: patient_id", models.ErrMissingField)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		patients := tx.Bucket([]byte(patientsBucket))
		existing, err := getBoltRecord(patients, rec.PatientID)
		if err != nil {
			return err
		}
		merged := *rec
		if existing == nil {
			if merged.CreatedAt.IsZero() {
				merged.CreatedAt = now
			}
			order := tx.Bucket([]byte(orderBucket))
			seq, err := order.NextSequence()
			if err != nil {
				return err
			}
			if err := order.Put(sequenceKey(seq), []byte(rec.PatientID)); err != nil {
				return err
			}
		} else {
			merged = *existing
			mergeRecord(&merged, rec)
		}
		if merged.HasEmbedding() {
			merged.EmbeddingDim = len(merged.Embedding)
			if merged.LastUpdated.IsZero() {
				merged.LastUpdated = now
			}
		}
		return putBoltRecord(patients, &merged)
	})
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", rec.PatientID, err)
	}
	return nil
}

func mergeRecord(dst, src *models.PatientRecord) {
	if src.Sentence != "" {
		dst.Sentence = src.Sentence
	}
	if src.Metadata != nil {
		dst.Metadata = src.Metadata
	}
	if src.HasEmbedding() {
		dst.Embedding = src.Embedding
		dst.LastUpdated = src.LastUpdated
	}
	if src.VectorID != "" {
		dst.VectorID = src.VectorID
	}
	if src.ModelName != "" {
		dst.ModelName = src.ModelName
	}
	if src.EmbeddingVersion != "" {
		dst.EmbeddingVersion = src.EmbeddingVersion
	}
}

// GetRecord returns a record by patient ID.
func (s *BoltStore) GetRecord(ctx context.Context, id string) (*models.PatientRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *models.PatientRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getBoltRecord(tx.Bucket([]byte(patientsBucket)), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrNotFound)
	}
	return rec, nil
}

// UpdateEmbedding sets the embedding fields of one existing record.
func (s *BoltStore) UpdateEmbedding(ctx context.Context, upd *models.EmbeddingUpdate) error {
	return s.UpdateEmbeddings(ctx, []*models.EmbeddingUpdate{upd})
}

// UpdateEmbeddings applies all updates in one bbolt transaction.
func (s *BoltStore) UpdateEmbeddings(ctx context.Context, upds []*models.EmbeddingUpdate) error {
	for _, upd := range upds {
		if err := validateUpdate(upd); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		patients := tx.Bucket([]byte(patientsBucket))
		for _, upd := range upds {
			rec, err := getBoltRecord(patients, upd.PatientID)
			if err != nil {
				return fmt.Errorf("update embedding for %s: %w", upd.PatientID, err)
			}
			if rec == nil {
				return fmt.Errorf("patient %s: %w", upd.PatientID, models.ErrNotFound)
			}
			if upd.UpdatedAt.IsZero() {
				upd.UpdatedAt = now
			}
			rec.VectorID = upd.VectorID
			rec.Embedding = upd.Embedding
			rec.EmbeddingDim = len(upd.Embedding)
			rec.ModelName = upd.ModelName
			rec.EmbeddingVersion = upd.Version
			rec.LastUpdated = upd.UpdatedAt
			if upd.Sentence != "" {
				rec.Sentence = upd.Sentence
			}
			if err := putBoltRecord(patients, rec); err != nil {
				return fmt.Errorf("update embedding for %s: %w", upd.PatientID, err)
			}
		}
		return nil
	})
}

// IterateEmbedded walks embedded records in insertion order.
func (s *BoltStore) IterateEmbedded(ctx context.Context, fn func(models.EmbeddedVector) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		patients := tx.Bucket([]byte(patientsBucket))
		c := tx.Bucket([]byte(orderBucket)).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := getBoltRecord(patients, string(id))
			if err != nil {
				return fmt.Errorf("patient %s: %w", id, err)
			}
			if !rec.HasEmbedding() {
				continue
			}
			if err := fn(models.EmbeddedVector{PatientID: rec.PatientID, VectorID: rec.VectorID, Embedding: rec.Embedding}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountRecords returns the total number of patient records.
func (s *BoltStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = int64(tx.Bucket([]byte(patientsBucket)).Stats().KeyN)
		return nil
	})
	return count, err
}

// CountEmbedded returns the number of records with a stored embedding.
func (s *BoltStore) CountEmbedded(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(patientsBucket)).ForEach(func(_, v []byte) error {
			var rec models.PatientRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.HasEmbedding() {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Close closes the bolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getBoltRecord(b *bbolt.Bucket, id string) (*models.PatientRecord, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var rec models.PatientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func putBoltRecord(b *bbolt.Bucket, rec *models.PatientRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put([]byte(rec.PatientID), data)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
