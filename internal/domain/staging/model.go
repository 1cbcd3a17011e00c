package staging

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/genhospi/medmatch/internal/domain/catalog"
)

// ErrRowNotFound indicates the staging row does not exist.
var ErrRowNotFound = errors.New("staging row not found")

// ErrInvalidTransition indicates the requested state change is not allowed
// from the row's current state.
var ErrInvalidTransition = errors.New("invalid staging transition")

// State is the homologation state of a staging row. Names follow the
// business vocabulary: rows await review in PENDING and terminate in
// APROBADO (approved) or RECHAZADO (rejected).
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APROBADO"
	StateRejected State = "RECHAZADO"
)

// Terminal reports whether the state admits no further transition. Approved
// rows accept an idempotent re-approve with the same binding, nothing else.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// Row is one supplier tariff line in the homologation pipeline. It carries
// the raw input, the parsed commercial fields, and the matcher's verdict.
// MedicationID is set when the row is bound to a catalog entry, either by
// auto-approval or by a reviewer.
type Row struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	BatchID       uuid.UUID           `db:"batch_id" json:"batch_id"`
	ProviderID    uuid.UUID           `db:"provider_id" json:"provider_id"`
	Ordinal       int                 `db:"ordinal" json:"ordinal"`
	RawText       string              `db:"raw_text" json:"raw_text"`
	NormalizedKey string              `db:"normalized_key" json:"normalized_key"`
	DeclaredCode  string              `db:"declared_code" json:"declared_code,omitempty"`
	DeclaredForm  string              `db:"declared_form" json:"declared_form,omitempty"`
	UnitPrice     *float64            `db:"unit_price" json:"unit_price,omitempty"`
	MinUnitPrice  *float64            `db:"min_unit_price" json:"min_unit_price,omitempty"`
	PackagePrice  *float64            `db:"package_price" json:"package_price,omitempty"`
	VATRate       *float64            `db:"vat_rate" json:"vat_rate,omitempty"`
	ValidFrom     *time.Time          `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo       *time.Time          `db:"valid_to" json:"valid_to,omitempty"`
	Stage         string              `db:"stage" json:"stage"`
	Confidence    float64             `db:"confidence" json:"confidence"`
	MedicationID  *uuid.UUID          `db:"medication_id" json:"medication_id,omitempty"`
	Suggestions   []catalog.Candidate `db:"suggestions" json:"suggestions,omitempty"`
	LookupFailed  bool                `db:"lookup_failed" json:"lookup_failed,omitempty"`
	State         State               `db:"state" json:"state"`
	ReviewedBy    string              `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time          `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// PublishReport summarizes one publish pass over a batch.
type PublishReport struct {
	Published int `json:"published"`
	Pending   int `json:"pending"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
}
