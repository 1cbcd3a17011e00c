package batch

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/genhospi/medmatch/internal/domain/catalog"
	"github.com/genhospi/medmatch/internal/domain/pricing"
)

var (
	// ErrNotFound indicates the batch does not exist.
	ErrNotFound = errors.New("batch not found")
	// ErrNotCancellable indicates the batch already reached a terminal status.
	ErrNotCancellable = errors.New("batch is not cancellable")
	// ErrNotCompleted guards operations that require a finished batch.
	ErrNotCompleted = errors.New("batch has not completed")
)

// Kind distinguishes the two ingestion flows: supplier tariffs feed the
// homologation pipeline, hospital quotations only read from it.
type Kind string

const (
	KindSupplierTariff    Kind = "SUPPLIER_TARIFF"
	KindHospitalQuotation Kind = "HOSPITAL_QUOTATION"
)

// Status is the batch lifecycle. Transitions are monotonic:
// PENDING → PROCESSING → COMPLETED | FAILED. A terminal status never changes.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether moving to next keeps the lifecycle monotonic.
func (s Status) CanAdvanceTo(next Status) bool {
	return !s.Terminal() && statusRank[next] > statusRank[s]
}

// Summary aggregates a batch's outcomes. While the batch is PROCESSING the
// summary covers only rows that already reached a terminal per-row outcome,
// so its internal ratios hold at every snapshot.
type Summary struct {
	Total     int     `json:"total"`
	Matched   int     `json:"matched"`
	Unmatched int     `json:"unmatched"`
	Priced    int     `json:"priced"`
	MatchRate float64 `json:"match_rate"`
	PriceRate float64 `json:"price_rate"`
}

// RowOutcome is the per-row record kept on quotation batches: the match
// verdict plus, when a catalog entry was bound, the price comparison.
type RowOutcome struct {
	Ordinal      int                 `json:"ordinal"`
	RawText      string              `json:"raw_text"`
	Stage        string              `json:"stage"`
	Confidence   float64             `json:"confidence"`
	MedicationID *uuid.UUID          `json:"medication_id,omitempty"`
	NeedsReview  bool                `json:"needs_review,omitempty"`
	LookupFailed bool                `json:"lookup_failed,omitempty"`
	Candidates   []catalog.Candidate `json:"candidates,omitempty"`
	Quote        *pricing.Quote      `json:"quote,omitempty"`
}

// Batch is one submitted ingestion job.
type Batch struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	Kind       Kind         `db:"kind" json:"kind"`
	ProviderID uuid.UUID    `db:"provider_id" json:"provider_id"`
	Status     Status       `db:"status" json:"status"`
	Summary    Summary      `db:"summary" json:"summary"`
	Outcomes   []RowOutcome `db:"outcomes" json:"outcomes,omitempty"`
	Cancelled  bool         `db:"cancelled" json:"cancelled"`
	Error      string       `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	StartedAt  *time.Time   `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
}
