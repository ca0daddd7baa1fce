package models

import "errors"

// Input errors: the caller supplied something the operation cannot accept.
var (
	ErrEmptyBatch        = errors.New("empty input batch")
	ErrBatchTooLarge     = errors.New("input batch exceeds batch size")
	ErrEmptyInput        = errors.New("no vectors to index")
	ErrLengthMismatch    = errors.New("vectors and identities differ in length")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidQuery      = errors.New("invalid query")
)

var (
	// ErrDegenerateVector is returned for zero-norm vectors under the reject policy and for NaN/Inf components.
	ErrDegenerateVector = errors.New("degenerate vector")
	// ErrCorruptArtifact means the persisted index and identity map disagree or are unreadable.
	ErrCorruptArtifact = errors.New("corrupt index artifact")
	// ErrNoArtifact means no index generation has been published yet.
	ErrNoArtifact = errors.New("no index artifact")
	// ErrPolicyMismatch means an index was built under a different zero-vector policy than the one querying it.
	ErrPolicyMismatch = errors.New("normalization policy mismatch")
	ErrNotFound       = errors.New("not found")
)

// IsInputError reports whether err is caused by invalid caller input.
func IsInputError(err error) bool {
	for _, target := range []error{
		ErrEmptyBatch, ErrBatchTooLarge, ErrEmptyInput, ErrLengthMismatch,
		ErrDimensionMismatch, ErrMissingField, ErrInvalidQuery,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
