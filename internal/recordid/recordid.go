// Package recordid derives stable identifiers for patient records and their vectors.
package recordid

import (
	"strings"
	"unicode"
)

const vectorPrefix = "vec_patient-"

// VectorID returns the vector identifier stored alongside an embedding.
// Same patient and version always yield the same ID.
func VectorID(patientID, version string) string {
	return vectorPrefix + patientID + "_" + version
}

// PadPatientID left-pads digit-only ids with zeros to width, so "7" and "0007" name the same patient.
// Ids containing any non-digit, and widths <= 0, are returned unchanged.
func PadPatientID(id string, width int) string {
	if width <= 0 || len(id) >= width || !isDigits(id) {
		return id
	}
	return strings.Repeat("0", width-len(id)) + id
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
