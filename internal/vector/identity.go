package vector

// Identity names the patient stored at one index row.
type Identity struct {
	PatientID string `json:"patient_id"`
	VectorID  string `json:"vector_id,omitempty"`
}

// IdentityMap resolves index rows 0..N-1 to patient identities. Immutable once built.
type IdentityMap struct {
	entries []Identity
}

// NewIdentityMap copies identities into a map where row i is identities[i].
func NewIdentityMap(identities []Identity) *IdentityMap {
	return &IdentityMap{entries: append([]Identity(nil), identities...)}
}

// Len returns the number of rows.
func (m *IdentityMap) Len() int {
	return len(m.entries)
}

// At returns the identity for row.
func (m *IdentityMap) At(row int) (Identity, bool) {
	if row < 0 || row >= len(m.entries) {
		return Identity{}, false
	}
	return m.entries[row], true
}

