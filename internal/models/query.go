package models

import (
	"fmt"
	"strings"

	"github.com/hyperjump/cohort/internal/recordid"
)

// SimilarQuery asks for the K patients closest to PatientID.
type SimilarQuery struct {
	PatientID string `json:"patient_id"`
	K         int    `json:"k,omitempty"`
}

// QueryLimits holds the configured bounds applied by Validate.
type QueryLimits struct {
	DefaultK   int
	MaxK       int
	IDPadWidth int
}

// Validate normalizes the patient id and clamps K to the configured limits.
// Digit-only ids are left-padded with zeros to IDPadWidth.
func (q *SimilarQuery) Validate(limits QueryLimits) error {
	q.PatientID = strings.TrimSpace(q.PatientID)
	if q.PatientID == "" {
		return fmt.Errorf("%w: patient id cannot be empty", ErrInvalidQuery)
	}
	if q.K < 0 {
		return fmt.Errorf("%w: k must not be negative, got %d", ErrInvalidQuery, q.K)
	}
	q.PatientID = recordid.PadPatientID(q.PatientID, limits.IDPadWidth)
	if q.K == 0 {
		q.K = limits.DefaultK
	}
	if limits.MaxK > 0 && q.K > limits.MaxK {
		q.K = limits.MaxK
	}
	return nil
}
