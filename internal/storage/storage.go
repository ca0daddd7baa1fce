// Package storage defines the persistence interface for patient records and their embeddings.
package storage

import (
	"context"
	"fmt"

	"github.com/hyperjump/cohort/internal/models"
)

// RecordStore persists patient records. Implementations wrap their driver errors with %w and
// report missing records as models.ErrNotFound.
type RecordStore interface {
	// UpsertRecord inserts a record or replaces its sentence and metadata. A record without
	// an embedding never clears a stored one.
	UpsertRecord(ctx context.Context, rec *models.PatientRecord) error
	GetRecord(ctx context.Context, id string) (*models.PatientRecord, error)

	// UpdateEmbedding sets only the embedding fields of an existing record.
	UpdateEmbedding(ctx context.Context, upd *models.EmbeddingUpdate) error
	// UpdateEmbeddings applies a batch of updates atomically.
	UpdateEmbeddings(ctx context.Context, upds []*models.EmbeddingUpdate) error

	// IterateEmbedded calls fn for every record with an embedding, in insertion order.
	IterateEmbedded(ctx context.Context, fn func(models.EmbeddedVector) error) error

	CountRecords(ctx context.Context) (int64, error)
	CountEmbedded(ctx context.Context) (int64, error)

	Close() error
}

// Backend names a RecordStore implementation.
type Backend string

const (
	// BackendSQLite stores records in a SQLite database (default).
	BackendSQLite Backend = "sqlite"
	// BackendBolt stores records in a bbolt key/value file.
	BackendBolt Backend = "bolt"
)

// Open creates the record store for backend at path.
func Open(backend string, path string) (RecordStore, error) {
	switch Backend(backend) {
	case BackendSQLite, "":
		return NewSQLiteStore(path)
	case BackendBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, bolt)", backend)
	}
}

func validateUpdate(upd *models.EmbeddingUpdate) error {
	if upd.PatientID == "" {
		return fmt.Errorf("%w: patient_id", models.ErrMissingField)
	}
	if len(upd.Embedding) == 0 {
		return fmt.Errorf("%w: embedding for %s", models.ErrMissingField, upd.PatientID)
	}
	return nil
}
