package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested catalog entry does not exist.
var ErrNotFound = errors.New("catalog entry not found")

// ErrLookupUnavailable indicates the similarity oracle (or another external
// dependency of the index) is down. Callers must not conflate this with an
// empty candidate set: the former is retryable, the latter is an answer.
var ErrLookupUnavailable = errors.New("catalog lookup unavailable")

// Medication is an immutable canonical catalog entry. Entries are created and
// refreshed by an external catalog-sync process; this engine only reads them.
type Medication struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	NormalizedName string    `db:"normalized_name" json:"normalized_name"`
	INN            string    `db:"inn" json:"inn"`
	NormalizedINN  string    `db:"normalized_inn" json:"normalized_inn"`
	DosageForm     string    `db:"dosage_form" json:"dosage_form"`
	Manufacturer   string    `db:"manufacturer" json:"manufacturer"`
	CUMCode        string    `db:"cum_code" json:"cum_code"`
	Regulated      bool      `db:"regulated" json:"regulated"`
	MaxRegulated   *float64  `db:"max_regulated_price" json:"max_regulated_price,omitempty"`
	Active         bool      `db:"active" json:"active"`
	Embedding      []float32 `db:"embedding" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Candidate is one ranked similarity hit against the catalog.
type Candidate struct {
	MedicationID uuid.UUID `json:"medication_id"`
	Name         string    `json:"name"`
	Score        float64   `json:"score"`
}

// Synonym is a human-validated mapping from a normalized free-text input to a
// canonical entry, scoped to the submitting organization. Once recorded, later
// batches resolve the same input with an O(1) exact lookup.
type Synonym struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Scope         string    `db:"scope" json:"scope"`
	RawInput      string    `db:"raw_input" json:"raw_input"`
	NormalizedKey string    `db:"normalized_key" json:"normalized_key"`
	MedicationID  uuid.UUID `db:"medication_id" json:"medication_id"`
	ResolvedBy    string    `db:"resolved_by" json:"resolved_by"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
