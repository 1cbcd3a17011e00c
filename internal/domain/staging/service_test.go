package staging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genhospi/medmatch/internal/domain/catalog"
	"github.com/genhospi/medmatch/internal/domain/matching"
	"github.com/genhospi/medmatch/internal/domain/pricing"
)

type memRowRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Row
}

func newMemRowRepo() *memRowRepo {
	return &memRowRepo{rows: make(map[uuid.UUID]*Row)}
}

func (m *memRowRepo) Create(_ context.Context, row *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.rows[row.ID] = &cp
	return nil
}

func (m *memRowRepo) GetByID(_ context.Context, id uuid.UUID) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrRowNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memRowRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Row
	for _, row := range m.rows {
		if row.BatchID == batchID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRowRepo) ListPending(_ context.Context, batchID uuid.UUID) ([]*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Row
	for _, row := range m.rows {
		if row.BatchID == batchID && row.State == StatePending {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRowRepo) Transition(_ context.Context, id uuid.UUID, from, to State, medID *uuid.UUID, reviewedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrRowNotFound
	}
	if row.State != from {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	row.State = to
	if medID != nil {
		row.MedicationID = medID
	}
	row.ReviewedBy = reviewedBy
	row.ReviewedAt = &now
	row.UpdatedAt = now
	return nil
}

type memSynonymRepo struct {
	mu      sync.Mutex
	entries map[string]*catalog.Synonym
}

func newMemSynonymRepo() *memSynonymRepo {
	return &memSynonymRepo{entries: make(map[string]*catalog.Synonym)}
}

func (m *memSynonymRepo) Resolve(_ context.Context, scope, key string) (*catalog.Synonym, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.entries[scope+"|"+key]; ok {
		return s, nil
	}
	return nil, catalog.ErrNotFound
}

func (m *memSynonymRepo) Record(_ context.Context, s *catalog.Synonym) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.Scope+"|"+s.NormalizedKey] = s
	return nil
}

type memPriceRepo struct {
	mu      sync.Mutex
	records map[string]*pricing.PriceRecord
	upserts int
}

func newMemPriceRepo() *memPriceRepo {
	return &memPriceRepo{records: make(map[string]*pricing.PriceRecord)}
}

func (m *memPriceRepo) Upsert(_ context.Context, rec *pricing.PriceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	m.records[rec.MedicationID.String()+"|"+rec.ProviderID.String()] = rec
	return nil
}

func (m *memPriceRepo) ListValid(_ context.Context, _ uuid.UUID, _ time.Time) ([]*pricing.PriceRecord, error) {
	return nil, nil
}

func (m *memPriceRepo) ListByProvider(_ context.Context, _ uuid.UUID) ([]*pricing.PriceRecord, error) {
	return nil, nil
}

func newTestService() (*Service, *memRowRepo, *memSynonymRepo, *memPriceRepo) {
	rows := newMemRowRepo()
	syns := newMemSynonymRepo()
	prices := newMemPriceRepo()
	svc := NewService(rows, syns, prices, nil, zerolog.Nop())
	return svc, rows, syns, prices
}

func floatPtr(f float64) *float64 { return &f }

func TestCreateFromMatchAutoApproves(t *testing.T) {
	svc, _, _, _ := newTestService()
	medID := uuid.New()

	row, err := svc.CreateFromMatch(context.Background(), uuid.New(), uuid.New(),
		matching.InputRecord{Ordinal: 1, RawText: "Acetaminofen 500mg", UnitPrice: floatPtr(950)},
		&matching.Result{Stage: matching.StageExactCode, Confidence: 1.0, MedicationID: &medID})
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	if row.State != StateApproved {
		t.Errorf("state = %s, want exact match auto-approved", row.State)
	}
	if row.NormalizedKey != "acetaminofen 500 mg" {
		t.Errorf("normalized key = %q", row.NormalizedKey)
	}
}

func TestCreateFromMatchReviewableStaysPending(t *testing.T) {
	svc, _, _, _ := newTestService()
	medID := uuid.New()

	row, err := svc.CreateFromMatch(context.Background(), uuid.New(), uuid.New(),
		matching.InputRecord{Ordinal: 1, RawText: "losartan tableta"},
		&matching.Result{
			Stage: matching.StageFuzzy, Confidence: 0.90, MedicationID: &medID,
			NeedsReview: true,
			Candidates: []catalog.Candidate{
				{MedicationID: medID, Score: 0.90},
				{MedicationID: uuid.New(), Score: 0.89},
			},
		})
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	if row.State != StatePending {
		t.Errorf("state = %s, want PENDING for near-tied candidates", row.State)
	}
	if len(row.Suggestions) != 2 {
		t.Errorf("suggestions = %d, want both candidates kept for review", len(row.Suggestions))
	}
}

func TestApproveRecordsSynonym(t *testing.T) {
	svc, _, syns, _ := newTestService()
	providerID := uuid.New()
	medID := uuid.New()

	row, err := svc.CreateFromMatch(context.Background(), uuid.New(), providerID,
		matching.InputRecord{Ordinal: 1, RawText: "Dolex 500"},
		&matching.Result{Stage: matching.StageNoMatch})
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}

	approved, err := svc.Approve(context.Background(), row.ID, medID, "ana")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.State != StateApproved || *approved.MedicationID != medID {
		t.Errorf("got state=%s med=%v", approved.State, approved.MedicationID)
	}

	syn, err := syns.Resolve(context.Background(), providerID.String(), "dolex 500")
	if err != nil {
		t.Fatalf("synonym not recorded: %v", err)
	}
	if syn.MedicationID != medID {
		t.Errorf("synonym binds %v, want %v", syn.MedicationID, medID)
	}
}

func TestApproveIdempotentSameBinding(t *testing.T) {
	svc, _, _, _ := newTestService()
	medID := uuid.New()

	row, _ := svc.CreateFromMatch(context.Background(), uuid.New(), uuid.New(),
		matching.InputRecord{RawText: "ibuprofeno 400"},
		&matching.Result{Stage: matching.StageNoMatch})

	if _, err := svc.Approve(context.Background(), row.ID, medID, "ana"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	again, err := svc.Approve(context.Background(), row.ID, medID, "luis")
	if err != nil {
		t.Fatalf("re-approve with same binding must be a no-op, got %v", err)
	}
	if again.ReviewedBy != "ana" {
		t.Errorf("reviewer = %q, want the original review untouched", again.ReviewedBy)
	}
}

func TestApproveConflictingBindingFails(t *testing.T) {
	svc, _, _, _ := newTestService()

	row, _ := svc.CreateFromMatch(context.Background(), uuid.New(), uuid.New(),
		matching.InputRecord{RawText: "ibuprofeno 400"},
		&matching.Result{Stage: matching.StageNoMatch})

	if _, err := svc.Approve(context.Background(), row.ID, uuid.New(), "ana"); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := svc.Approve(context.Background(), row.ID, uuid.New(), "luis")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition for conflicting binding", err)
	}
}

func TestRejectThenApproveFails(t *testing.T) {
	svc, _, _, _ := newTestService()

	row, _ := svc.CreateFromMatch(context.Background(), uuid.New(), uuid.New(),
		matching.InputRecord{RawText: "algo raro"},
		&matching.Result{Stage: matching.StageNoMatch})

	if _, err := svc.Reject(context.Background(), row.ID, "ana"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := svc.Reject(context.Background(), row.ID, "luis"); err != nil {
		t.Errorf("re-reject must be a no-op, got %v", err)
	}
	_, err := svc.Approve(context.Background(), row.ID, uuid.New(), "luis")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition after rejection", err)
	}
}

func TestPublishUpsertsApprovedRowsOnly(t *testing.T) {
	svc, _, _, prices := newTestService()
	batchID := uuid.New()
	providerID := uuid.New()
	medA := uuid.New()
	medB := uuid.New()

	svc.CreateFromMatch(context.Background(), batchID, providerID,
		matching.InputRecord{Ordinal: 1, RawText: "acetaminofen 500", UnitPrice: floatPtr(950)},
		&matching.Result{Stage: matching.StageExactCode, Confidence: 1.0, MedicationID: &medA})
	svc.CreateFromMatch(context.Background(), batchID, providerID,
		matching.InputRecord{Ordinal: 2, RawText: "ibuprofeno 400", UnitPrice: floatPtr(1200)},
		&matching.Result{Stage: matching.StageINN, Confidence: 1.0, MedicationID: &medB})
	pending, _ := svc.CreateFromMatch(context.Background(), batchID, providerID,
		matching.InputRecord{Ordinal: 3, RawText: "cosa dudosa", UnitPrice: floatPtr(100)},
		&matching.Result{Stage: matching.StageNoMatch})

	report, err := svc.Publish(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if report.Published != 2 || report.Pending != 1 || report.Rejected != 0 {
		t.Errorf("report = %+v, want 2 published / 1 pending", report)
	}
	if len(prices.records) != 2 {
		t.Errorf("price rows = %d, want 2", len(prices.records))
	}

	// Resolve the pending row, publish again: idempotent for the first two,
	// additive for the third.
	if _, err := svc.Approve(context.Background(), pending.ID, uuid.New(), "ana"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	report, err = svc.Publish(context.Background(), batchID)
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if report.Published != 3 || report.Pending != 0 {
		t.Errorf("report = %+v, want 3 published after review", report)
	}
	if len(prices.records) != 3 {
		t.Errorf("price rows = %d, want 3 after re-publish", len(prices.records))
	}
}

func TestPublishSkipsPricelessRows(t *testing.T) {
	svc, _, _, _ := newTestService()
	batchID := uuid.New()
	medID := uuid.New()

	svc.CreateFromMatch(context.Background(), batchID, uuid.New(),
		matching.InputRecord{Ordinal: 1, RawText: "acetaminofen 500"},
		&matching.Result{Stage: matching.StageExactCode, Confidence: 1.0, MedicationID: &medID})

	report, err := svc.Publish(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if report.Published != 0 || report.Skipped != 1 {
		t.Errorf("report = %+v, want the priceless row skipped", report)
	}
}
