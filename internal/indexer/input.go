package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hyperjump/cohort/internal/models"
)

// CleanText trims the text and collapses internal whitespace runs to a single space.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// LoadSentences reads a JSON array of {"patient_id", "sentence"} objects.
func LoadSentences(path string) ([]models.SentenceInput, error) {
	var inputs []models.SentenceInput
	if err := readJSON(path, &inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}

// LoadRecords reads a JSON array of patient records. Embeddings are optional per record.
func LoadRecords(path string) ([]*models.PatientRecord, error) {
	var records []*models.PatientRecord
	if err := readJSON(path, &records); err != nil {
		return nil, err
	}
	for i, rec := range records {
		if rec == nil {
			return nil, fmt.Errorf("%w: record %d is null", models.ErrMissingField, i)
		}
	}
	return records, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
