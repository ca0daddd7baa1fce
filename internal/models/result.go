package models

import "time"

// SimilarPatient is a single neighbour of the query patient.
type SimilarPatient struct {
	Rank      int     `json:"rank"`
	PatientID string  `json:"patient_id"`
	VectorID  string  `json:"vector_id,omitempty"`
	Score     float64 `json:"score"`
	Excerpt   string  `json:"excerpt"`
	Row       int     `json:"row"`
}

// SimilarResponse is the response for a similarity request.
// Results are ordered by score descending; equal scores keep index row order.
type SimilarResponse struct {
	PatientID  string            `json:"patient_id"`
	K          int               `json:"k"`
	Results    []*SimilarPatient `json:"results"`
	Total      int               `json:"total"`
	Generation string            `json:"generation"`
	QueryTime  int64             `json:"query_time_ms"`
}

// IndexStatus describes the loaded index generation.
type IndexStatus struct {
	Generation    string    `json:"generation"`
	Rows          int       `json:"rows"`
	Dimensions    int       `json:"dimensions"`
	Metric        string    `json:"metric"`
	Normalization string    `json:"normalization"`
	BuiltAt       time.Time `json:"built_at"`
}
