package matching

import (
	"time"

	"github.com/google/uuid"

	"github.com/genhospi/medmatch/internal/domain/catalog"
)

// Stage identifies which step of the decision tree produced a match.
type Stage string

const (
	// StageSynonym is an exact hit in the scope's human-validated synonym
	// dictionary. Like the code and INN stages it is ground truth.
	StageSynonym Stage = "SYNONYM"
	// StageExactCode is a declared regulatory (CUM) code resolving in the catalog.
	StageExactCode Stage = "EXACT_CODE"
	// StageINN is an unambiguous active-ingredient name match.
	StageINN Stage = "INN"
	// StageFuzzy is a similarity match; confidence carries the raw score.
	StageFuzzy Stage = "FUZZY"
	// StageNoMatch means no candidate cleared the review threshold.
	StageNoMatch Stage = "NO_MATCH"
)

// InputRecord is one row from an uploaded file or quotation sheet. It is
// ephemeral: it exists only for the duration of a batch. Parsed fields come
// from the upstream column-mapping service and are trusted as-is.
type InputRecord struct {
	Ordinal      int        `json:"ordinal"`
	RawText      string     `json:"raw_text"`
	DeclaredCode string     `json:"declared_code,omitempty"`
	DeclaredForm string     `json:"declared_form,omitempty"`
	UnitPrice    *float64   `json:"unit_price,omitempty"`
	MinUnitPrice *float64   `json:"min_unit_price,omitempty"`
	PackagePrice *float64   `json:"package_price,omitempty"`
	VATRate      *float64   `json:"vat_rate,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

// Result is the matcher's decision for one input record.
//
// Confidence is tied to the stage: SYNONYM, EXACT_CODE and INN always report
// 1.0 (a business contract, not a statistic), FUZZY reports the raw similarity
// score, NO_MATCH reports 0 with no bound entry. Candidates retains the top-K
// similarity hits for operator review on every non-exact outcome.
type Result struct {
	Stage        Stage               `json:"stage"`
	Confidence   float64             `json:"confidence"`
	MedicationID *uuid.UUID          `json:"medication_id,omitempty"`
	NeedsReview  bool                `json:"needs_review"`
	LookupFailed bool                `json:"lookup_failed,omitempty"`
	Candidates   []catalog.Candidate `json:"candidates,omitempty"`
}

// Matched reports whether the record resolved to a catalog entry.
func (r *Result) Matched() bool {
	return r.Stage != StageNoMatch && r.MedicationID != nil
}

// AutoApproved reports whether the decision is trustworthy without a human in
// the loop: the exact stages always, FUZZY only when it cleared the acceptance
// threshold and the margin rule.
func (r *Result) AutoApproved() bool {
	switch r.Stage {
	case StageSynonym, StageExactCode, StageINN:
		return true
	case StageFuzzy:
		return !r.NeedsReview
	default:
		return false
	}
}
