package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genhospi/medmatch/internal/domain/catalog"
	"github.com/genhospi/medmatch/internal/domain/matching"
	"github.com/genhospi/medmatch/internal/domain/pricing"
)

// TxRunner runs fn within a single database transaction. A nil runner
// executes fn directly, which in-memory repositories rely on.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Service drives supplier tariff rows through the homologation pipeline:
// ingest with auto-approval, human review, and publication into the price
// table.
type Service struct {
	rows     Repository
	synonyms catalog.SynonymRepository
	prices   pricing.Repository
	runTx    TxRunner
	log      zerolog.Logger
}

func NewService(rows Repository, synonyms catalog.SynonymRepository, prices pricing.Repository, runTx TxRunner, log zerolog.Logger) *Service {
	if runTx == nil {
		runTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{rows: rows, synonyms: synonyms, prices: prices, runTx: runTx, log: log}
}

// CreateFromMatch persists one matched input record as a staging row.
// Exact-stage matches (and fuzzy matches that cleared both the acceptance
// threshold and the margin rule) are approved immediately; everything else
// lands in PENDING with the candidate list attached for the reviewer.
func (s *Service) CreateFromMatch(ctx context.Context, batchID, providerID uuid.UUID, rec matching.InputRecord, res *matching.Result) (*Row, error) {
	row := &Row{
		ID:            uuid.New(),
		BatchID:       batchID,
		ProviderID:    providerID,
		Ordinal:       rec.Ordinal,
		RawText:       rec.RawText,
		NormalizedKey: matching.Normalize(rec.RawText),
		DeclaredCode:  rec.DeclaredCode,
		DeclaredForm:  rec.DeclaredForm,
		UnitPrice:     rec.UnitPrice,
		MinUnitPrice:  rec.MinUnitPrice,
		PackagePrice:  rec.PackagePrice,
		VATRate:       rec.VATRate,
		ValidFrom:     rec.ValidFrom,
		ValidTo:       rec.ValidTo,
		Stage:         string(res.Stage),
		Confidence:    res.Confidence,
		MedicationID:  res.MedicationID,
		Suggestions:   res.Candidates,
		LookupFailed:  res.LookupFailed,
		State:         StatePending,
	}
	if res.AutoApproved() {
		row.State = StateApproved
		row.ReviewedBy = "system"
	}
	if err := s.rows.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("create staging row: %w", err)
	}
	return row, nil
}

// Approve binds a pending row to a catalog entry and records the resolution
// in the provider's synonym dictionary, so the same raw text resolves exactly
// on the next batch.
//
// Re-approving an already approved row with the same binding is a no-op;
// with a different binding it fails with ErrInvalidTransition, since the
// original binding may already have been published.
func (s *Service) Approve(ctx context.Context, rowID, medicationID uuid.UUID, reviewedBy string) (*Row, error) {
	row, err := s.rows.GetByID(ctx, rowID)
	if err != nil {
		return nil, err
	}

	switch row.State {
	case StateApproved:
		if row.MedicationID != nil && *row.MedicationID == medicationID {
			return row, nil
		}
		return nil, fmt.Errorf("row already approved with a different entry: %w", ErrInvalidTransition)
	case StateRejected:
		return nil, fmt.Errorf("row already rejected: %w", ErrInvalidTransition)
	}

	if err := s.rows.Transition(ctx, rowID, StatePending, StateApproved, &medicationID, reviewedBy); err != nil {
		return nil, err
	}

	if row.NormalizedKey != "" {
		syn := &catalog.Synonym{
			Scope:         row.ProviderID.String(),
			RawInput:      row.RawText,
			NormalizedKey: row.NormalizedKey,
			MedicationID:  medicationID,
			ResolvedBy:    reviewedBy,
		}
		if err := s.synonyms.Record(ctx, syn); err != nil {
			// The approval stands; the dictionary miss only costs a future
			// review.
			s.log.Warn().Err(err).Str("row_id", rowID.String()).Msg("failed to record synonym")
		}
	}

	return s.rows.GetByID(ctx, rowID)
}

// Reject marks a pending row as discarded. Rejecting a rejected row is a
// no-op; rejecting an approved row fails.
func (s *Service) Reject(ctx context.Context, rowID uuid.UUID, reviewedBy string) (*Row, error) {
	row, err := s.rows.GetByID(ctx, rowID)
	if err != nil {
		return nil, err
	}

	switch row.State {
	case StateRejected:
		return row, nil
	case StateApproved:
		return nil, fmt.Errorf("row already approved: %w", ErrInvalidTransition)
	}

	if err := s.rows.Transition(ctx, rowID, StatePending, StateRejected, nil, reviewedBy); err != nil {
		return nil, err
	}
	return s.rows.GetByID(ctx, rowID)
}

// Publish upserts every approved row of the batch into the provider price
// table and reports the batch's review state. It is idempotent: re-running
// it re-upserts the same (medication, provider) rows with identical values.
// All upserts run in one transaction, so a half-published batch is never
// observable. Approved rows without a unit price are counted as skipped,
// never published.
func (s *Service) Publish(ctx context.Context, batchID uuid.UUID) (*PublishReport, error) {
	report := &PublishReport{}
	err := s.runTx(ctx, func(ctx context.Context) error {
		rows, err := s.rows.ListByBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("list batch rows: %w", err)
		}

		now := time.Now().UTC()
		for _, row := range rows {
			switch row.State {
			case StatePending:
				report.Pending++
				continue
			case StateRejected:
				report.Rejected++
				continue
			}

			if row.MedicationID == nil || row.UnitPrice == nil {
				report.Skipped++
				continue
			}

			validFrom := now
			if row.ValidFrom != nil {
				validFrom = *row.ValidFrom
			}
			rec := &pricing.PriceRecord{
				MedicationID: *row.MedicationID,
				ProviderID:   row.ProviderID,
				UnitPrice:    *row.UnitPrice,
				MinUnitPrice: row.MinUnitPrice,
				PackagePrice: row.PackagePrice,
				VATRate:      row.VATRate,
				ValidFrom:    validFrom,
				ValidTo:      row.ValidTo,
				PublishedAt:  now,
			}
			if err := s.prices.Upsert(ctx, rec); err != nil {
				return fmt.Errorf("publish row %d: %w", row.Ordinal, err)
			}
			report.Published++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("batch_id", batchID.String()).
		Int("published", report.Published).
		Int("pending", report.Pending).
		Int("rejected", report.Rejected).
		Msg("batch published")
	return report, nil
}

// Pending lists the rows of a batch still awaiting review.
func (s *Service) Pending(ctx context.Context, batchID uuid.UUID) ([]*Row, error) {
	return s.rows.ListPending(ctx, batchID)
}
