// Package models defines core data structures for patient records, similarity queries, and results.
package models

import "time"

// PatientRecord is a stored patient with its clinical sentence and, once embedded, its vector.
// A nil Embedding means the record has not been embedded yet; it is never replaced with zeros.
type PatientRecord struct {
	PatientID        string                 `json:"patient_id" db:"patient_id"`
	VectorID         string                 `json:"vector_id,omitempty" db:"vector_id"`
	Sentence         string                 `json:"clinical_sentence,omitempty" db:"clinical_sentence"`
	Embedding        []float32              `json:"embedding,omitempty" db:"embedding"`
	EmbeddingDim     int                    `json:"embedding_dim,omitempty" db:"embedding_dim"`
	ModelName        string                 `json:"model_name,omitempty" db:"model_name"`
	EmbeddingVersion string                 `json:"embedding_version,omitempty" db:"embedding_version"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	LastUpdated      time.Time              `json:"last_updated" db:"last_updated"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// HasEmbedding reports whether the record carries a stored vector.
func (r *PatientRecord) HasEmbedding() bool {
	return r != nil && len(r.Embedding) > 0
}

// EmbeddedWith reports whether the record was embedded by the given model and version.
func (r *PatientRecord) EmbeddedWith(modelName, version string) bool {
	return r.HasEmbedding() && r.ModelName == modelName && r.EmbeddingVersion == version
}

// EmbeddingUpdate is a partial update that touches only the embedding fields of a record.
// An empty Sentence leaves the stored clinical sentence unchanged.
type EmbeddingUpdate struct {
	PatientID string
	VectorID  string
	Sentence  string
	Embedding []float32
	ModelName string
	Version   string
	UpdatedAt time.Time
}

// EmbeddedVector is one row handed to the index builder.
type EmbeddedVector struct {
	PatientID string
	VectorID  string
	Embedding []float32
}

// SentenceInput is one entry of a sentences file: the text to embed for a patient.
type SentenceInput struct {
	PatientID string `json:"patient_id"`
	Sentence  string `json:"sentence"`
}
