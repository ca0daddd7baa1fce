package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/cohort/internal/models"
)

// SQLiteStore implements RecordStore using SQLite. Embeddings are little-endian float32 BLOBs;
// a NULL embedding means the record has not been embedded.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		clinical_sentence TEXT,
		metadata TEXT,
		vector_id TEXT,
		embedding BLOB,
		embedding_dim INTEGER,
		model_name TEXT,
		embedding_version TEXT,
		last_updated TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_patients_embedding_version ON patients(embedding_version);
	`
	_, err := db.Exec(schema)
	return err
}

const recordColumns = `patient_id, clinical_sentence, metadata, vector_id, embedding,
	embedding_dim, model_name, embedding_version, last_updated, created_at`

// UpsertRecord inserts rec or merges it into the existing row. Empty fields keep stored values.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *models.PatientRecord) error {
	if rec.PatientID == "" {
		return fmt.Errorf("%w: patient_id", models.ErrMissingField)
	}
	var metadata interface{}
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	var embeddingDim interface{}
	var lastUpdated interface{}
	if rec.HasEmbedding() {
		embeddingDim = len(rec.Embedding)
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = time.Now().UTC()
		}
		lastUpdated = rec.LastUpdated
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(patient_id) DO UPDATE SET
			clinical_sentence = COALESCE(excluded.clinical_sentence, patients.clinical_sentence),
			metadata = COALESCE(excluded.metadata, patients.metadata),
			vector_id = COALESCE(excluded.vector_id, patients.vector_id),
			embedding = COALESCE(excluded.embedding, patients.embedding),
			embedding_dim = COALESCE(excluded.embedding_dim, patients.embedding_dim),
			model_name = COALESCE(excluded.model_name, patients.model_name),
			embedding_version = COALESCE(excluded.embedding_version, patients.embedding_version),
			last_updated = COALESCE(excluded.last_updated, patients.last_updated)`,
		rec.PatientID, nullString(rec.Sentence), metadata, nullString(rec.VectorID),
		nullBlob(EncodeEmbedding(rec.Embedding)), embeddingDim, nullString(rec.ModelName),
		nullString(rec.EmbeddingVersion), lastUpdated, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", rec.PatientID, err)
	}
	return nil
}

// GetRecord returns a record by patient ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*models.PatientRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM patients WHERE patient_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc rowScanner) (*models.PatientRecord, error) {
	var (
		rec                                          models.PatientRecord
		sentence, metadata, vectorID, model, version sql.NullString
		embedding                                    []byte
		dim                                          sql.NullInt64
		lastUpdated                                  sql.NullTime
	)
	if err := sc.Scan(&rec.PatientID, &sentence, &metadata, &vectorID, &embedding,
		&dim, &model, &version, &lastUpdated, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Sentence = sentence.String
	rec.VectorID = vectorID.String
	rec.ModelName = model.String
	rec.EmbeddingVersion = version.String
	rec.EmbeddingDim = int(dim.Int64)
	if lastUpdated.Valid {
		rec.LastUpdated = lastUpdated.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	vec, err := DecodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec
	return &rec, nil
}

// UpdateEmbedding sets the embedding fields of one existing record.
func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, upd *models.EmbeddingUpdate) error {
	return s.UpdateEmbeddings(ctx, []*models.EmbeddingUpdate{upd})
}

// UpdateEmbeddings applies all updates in one transaction. Any missing record rolls back the batch.
func (s *SQLiteStore) UpdateEmbeddings(ctx context.Context, upds []*models.EmbeddingUpdate) error {
	for _, upd := range upds {
		if err := validateUpdate(upd); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE patients SET vector_id = ?, embedding = ?, embedding_dim = ?, model_name = ?,
			embedding_version = ?, last_updated = ?,
			clinical_sentence = COALESCE(?, clinical_sentence)
		 WHERE patient_id = ?`,
	)
	if err != nil {
		return fmt.Errorf("prepare embedding update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, upd := range upds {
		if upd.UpdatedAt.IsZero() {
			upd.UpdatedAt = now
		}
		result, err := stmt.ExecContext(ctx, upd.VectorID, EncodeEmbedding(upd.Embedding), len(upd.Embedding),
			upd.ModelName, upd.Version, upd.UpdatedAt, nullString(upd.Sentence), upd.PatientID)
		if err != nil {
			return fmt.Errorf("update embedding for %s: %w", upd.PatientID, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("patient %s: %w", upd.PatientID, models.ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embedding update: %w", err)
	}
	return nil
}

// IterateEmbedded walks embedded records in insertion (rowid) order.
func (s *SQLiteStore) IterateEmbedded(ctx context.Context, fn func(models.EmbeddedVector) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, vector_id, embedding FROM patients
		 WHERE embedding IS NOT NULL AND length(embedding) > 0 ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			vectorID sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&id, &vectorID, &blob); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := DecodeEmbedding(blob)
		if err != nil {
			return fmt.Errorf("patient %s: %w", id, err)
		}
		if err := fn(models.EmbeddedVector{PatientID: id, VectorID: vectorID.String, Embedding: vec}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate embeddings: %w", err)
	}
	return nil
}

// CountRecords returns the total number of patient records.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&count)
	return count, err
}

// CountEmbedded returns the number of records with a stored embedding.
func (s *SQLiteStore) CountEmbedded(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients WHERE length(embedding) > 0`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBlob(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
