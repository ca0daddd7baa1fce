// Package cli provides output formatting for the cohort command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/cohort/internal/models"
)

// OutputFormat is the format for similarity result output.
type OutputFormat string

const (
	// OutputText is a human-readable table (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact prints one "patient_id score" line per result.
	OutputCompact OutputFormat = "compact"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON, OutputCompact:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or compact)", s)
	}
}

// WriteSimilarResults writes similarity results to w in the given format.
// Unknown formats fall back to text.
func WriteSimilarResults(w io.Writer, response *models.SimilarResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	case OutputCompact:
		for _, r := range response.Results {
			if _, err := fmt.Fprintf(w, "%s %.4f\n", r.PatientID, r.Score); err != nil {
				return err
			}
		}
		return nil
	default:
		return writeSimilarResultsText(w, response)
	}
}

func writeSimilarResultsText(w io.Writer, response *models.SimilarResponse) error {
	if len(response.Results) == 0 {
		_, err := fmt.Fprintf(w, "No similar patients found for %s.\n", response.PatientID)
		return err
	}
	fmt.Fprintf(w, "\nTop %d patients similar to %s (%dms)\n\n", response.Total, response.PatientID, response.QueryTime)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPATIENT ID\tSCORE\tEXCERPT")
	for _, r := range response.Results {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\n", r.Rank, r.PatientID, r.Score, excerptOrNA(r.Excerpt))
	}
	return tw.Flush()
}

func excerptOrNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
