package batch

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
	"github.com/genhospi/medmatch/internal/domain/staging"
)

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*Batch
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: make(map[uuid.UUID]*Batch)}
}

func (m *memBatchRepo) Create(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.CreatedAt = time.Now().UTC()
	m.batches[b.ID] = &cp
	return nil
}

func (m *memBatchRepo) GetByID(_ context.Context, id uuid.UUID) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBatchRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if !b.Status.CanAdvanceTo(status) {
		return false, nil
	}
	b.Status = status
	return true, nil
}

func (m *memBatchRepo) Finish(_ context.Context, in *Batch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[in.ID]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	b.Status = in.Status
	b.Summary = in.Summary
	b.Outcomes = in.Outcomes
	b.Cancelled = in.Cancelled
	b.Error = in.Error
	b.FinishedAt = &now
	return true, nil
}

// scriptedMatcher answers by raw text; unknown inputs are NO_MATCH. failures
// counts down transient errors before answers start succeeding.
type scriptedMatcher struct {
	mu       sync.Mutex
	answers  map[string]*matching.Result
	failures int
	block    chan struct{} // when set, Match waits on it
}

func (s *scriptedMatcher) Match(ctx context.Context, _ string, rec matching.InputRecord) (*matching.Result, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, catalog.ErrLookupUnavailable
	}
	res, ok := s.answers[rec.RawText]
	s.mu.Unlock()
	if !ok {
		return &matching.Result{Stage: matching.StageNoMatch}, nil
	}
	cp := *res
	return &cp, nil
}

type memStager struct {
	mu      sync.Mutex
	staged  []*staging.Row
	publish *staging.PublishReport
}

func (m *memStager) CreateFromMatch(_ context.Context, batchID, providerID uuid.UUID, rec matching.InputRecord, res *matching.Result) (*staging.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &staging.Row{
		ID: uuid.New(), BatchID: batchID, ProviderID: providerID,
		Ordinal: rec.Ordinal, RawText: rec.RawText,
		Stage: string(res.Stage), MedicationID: res.MedicationID,
		State: staging.StatePending,
	}
	if res.AutoApproved() {
		row.State = staging.StateApproved
	}
	m.staged = append(m.staged, row)
	return row, nil
}

func (m *memStager) Publish(_ context.Context, _ uuid.UUID) (*staging.PublishReport, error) {
	if m.publish == nil {
		return &staging.PublishReport{}, nil
	}
	return m.publish, nil
}

type fixedQuoter struct {
	quotes map[uuid.UUID]*pricing.Quote
}

func (f *fixedQuoter) BestPrice(_ context.Context, medID uuid.UUID, _ time.Time) (*pricing.Quote, error) {
	if q, ok := f.quotes[medID]; ok {
		return q, nil
	}
	return nil, pricing.ErrNoValidPrice
}

func matchedResult(id uuid.UUID, stage matching.Stage, conf float64) *matching.Result {
	return &matching.Result{Stage: stage, Confidence: conf, MedicationID: &id}
}

func fastOpts() Options {
	return Options{Workers: 4, MaxRetries: 3, RetryBase: time.Millisecond}
}

func TestSubmitTariffBatchCompletes(t *testing.T) {
	repo := newMemBatchRepo()
	medA, medB := uuid.New(), uuid.New()
	matcher := &scriptedMatcher{answers: map[string]*matching.Result{
		"acetaminofen 500": matchedResult(medA, matching.StageExactCode, 1.0),
		"ibuprofeno 400":   matchedResult(medB, matching.StageINN, 1.0),
	}}
	stager := &memStager{}
	c := NewCoordinator(repo, matcher, stager, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindSupplierTariff, uuid.New(), []matching.InputRecord{
		{Ordinal: 1, RawText: "acetaminofen 500"},
		{Ordinal: 2, RawText: "ibuprofeno 400"},
		{Ordinal: 3, RawText: "cosa desconocida"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait(b.ID)

	got, err := c.Status(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	want := Summary{Total: 3, Matched: 2, Unmatched: 1, MatchRate: 2.0 / 3.0}
	if got.Summary != want {
		t.Errorf("summary = %+v, want %+v", got.Summary, want)
	}
	if len(stager.staged) != 3 {
		t.Errorf("staged rows = %d, want every row staged", len(stager.staged))
	}
}

func TestQuotationBatchCarriesPrices(t *testing.T) {
	repo := newMemBatchRepo()
	medID := uuid.New()
	matcher := &scriptedMatcher{answers: map[string]*matching.Result{
		"acetaminofen 500": matchedResult(medID, matching.StageExactCode, 1.0),
	}}
	quoter := &fixedQuoter{quotes: map[uuid.UUID]*pricing.Quote{
		medID: {MedicationID: medID, Best: &pricing.PriceRecord{UnitPrice: 950}},
	}}
	c := NewCoordinator(repo, matcher, &memStager{}, quoter, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindHospitalQuotation, uuid.New(), []matching.InputRecord{
		{Ordinal: 1, RawText: "acetaminofen 500"},
		{Ordinal: 2, RawText: "sin precio conocido"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait(b.ID)

	got, _ := c.Status(context.Background(), b.ID)
	if got.Summary.Priced != 1 {
		t.Errorf("priced = %d, want 1", got.Summary.Priced)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got.Outcomes))
	}
	if got.Outcomes[0].Quote == nil || got.Outcomes[0].Quote.Best.UnitPrice != 950 {
		t.Errorf("first outcome missing its quote")
	}
	if got.Outcomes[1].Quote != nil {
		t.Errorf("unmatched row must carry no quote")
	}
}

func TestTransientLookupFailureRecovers(t *testing.T) {
	repo := newMemBatchRepo()
	medID := uuid.New()
	matcher := &scriptedMatcher{
		answers: map[string]*matching.Result{
			"acetaminofen 500": matchedResult(medID, matching.StageExactCode, 1.0),
		},
		failures: 1,
	}
	c := NewCoordinator(repo, matcher, &memStager{}, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindSupplierTariff, uuid.New(), []matching.InputRecord{
		{Ordinal: 1, RawText: "acetaminofen 500"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait(b.ID)

	got, _ := c.Status(context.Background(), b.ID)
	if got.Status != StatusCompleted || got.Summary.Matched != 1 {
		t.Errorf("got status=%s matched=%d, want recovery after one transient failure", got.Status, got.Summary.Matched)
	}
}

func TestSystemicLookupFailureFailsBatch(t *testing.T) {
	repo := newMemBatchRepo()
	matcher := &scriptedMatcher{failures: 1 << 20} // never recovers
	c := NewCoordinator(repo, matcher, &memStager{}, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindSupplierTariff, uuid.New(), []matching.InputRecord{
		{Ordinal: 1, RawText: "a"},
		{Ordinal: 2, RawText: "b"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait(b.ID)

	got, _ := c.Status(context.Background(), b.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED when every row exhausts retries", got.Status)
	}
	if got.Error == "" {
		t.Error("failed batch must carry an error")
	}
}

func TestCancelStopsProcessing(t *testing.T) {
	repo := newMemBatchRepo()
	block := make(chan struct{})
	matcher := &scriptedMatcher{block: block}
	c := NewCoordinator(repo, matcher, &memStager{}, &fixedQuoter{},
		Options{Workers: 1, MaxRetries: 3, RetryBase: time.Millisecond}, zerolog.Nop())

	records := make([]matching.InputRecord, 50)
	for i := range records {
		records[i] = matching.InputRecord{Ordinal: i + 1, RawText: "x"}
	}
	b, err := c.Submit(context.Background(), KindSupplierTariff, uuid.New(), records)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	close(block) // let rows trickle through
	if err := c.Cancel(context.Background(), b.ID); err != nil && !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel: %v", err)
	}
	c.Wait(b.ID)

	got, _ := c.Status(context.Background(), b.ID)
	if !got.Status.Terminal() {
		t.Fatalf("status = %s, want terminal after cancel", got.Status)
	}
	if err := c.Cancel(context.Background(), b.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancelling a terminal batch: err = %v, want ErrNotCancellable", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	repo := newMemBatchRepo()
	b := &Batch{ID: uuid.New(), Kind: KindSupplierTariff, Status: StatusCompleted}
	repo.batches[b.ID] = b

	ok, err := repo.UpdateStatus(context.Background(), b.ID, StatusProcessing)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ok {
		t.Error("terminal batch accepted a regression")
	}
}

func TestPublishTariffGating(t *testing.T) {
	repo := newMemBatchRepo()
	stager := &memStager{publish: &staging.PublishReport{Published: 2, Pending: 1}}
	c := NewCoordinator(repo, &scriptedMatcher{}, stager, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	running := &Batch{ID: uuid.New(), Kind: KindSupplierTariff, Status: StatusProcessing}
	repo.batches[running.ID] = running
	if _, err := c.PublishTariff(context.Background(), running.ID); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("err = %v, want ErrNotCompleted for running batch", err)
	}

	quotation := &Batch{ID: uuid.New(), Kind: KindHospitalQuotation, Status: StatusCompleted}
	repo.batches[quotation.ID] = quotation
	if _, err := c.PublishTariff(context.Background(), quotation.ID); err == nil {
		t.Error("quotation batches must not publish")
	}

	done := &Batch{ID: uuid.New(), Kind: KindSupplierTariff, Status: StatusCompleted}
	repo.batches[done.ID] = done
	report, err := c.PublishTariff(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("PublishTariff: %v", err)
	}
	if report.Published != 2 || report.Pending != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestSubmitRejectsUnknownKind(t *testing.T) {
	c := NewCoordinator(newMemBatchRepo(), &scriptedMatcher{}, &memStager{}, &fixedQuoter{}, fastOpts(), zerolog.Nop())
	if _, err := c.Submit(context.Background(), Kind("OTRA_COSA"), uuid.New(), nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

// gateRepo holds the first status update until released and aborts it when
// its context is cancelled, the way a database driver would.
type gateRepo struct {
	*memBatchRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.memBatchRepo.UpdateStatus(ctx, id, status)
}

func TestCancelWhilePendingStillFinishes(t *testing.T) {
	repo := &gateRepo{
		memBatchRepo: newMemBatchRepo(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	c := NewCoordinator(repo, &scriptedMatcher{}, &memStager{}, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindHospitalQuotation, uuid.New(), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-repo.entered

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- c.Cancel(context.Background(), b.ID) }()
	time.Sleep(50 * time.Millisecond)
	close(repo.release)

	if err := <-cancelErr; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := repo.GetByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Status.Terminal() || !got.Cancelled || got.FinishedAt == nil {
		t.Errorf("got status=%s cancelled=%v finished=%v, want a terminal cancelled batch",
			got.Status, got.Cancelled, got.FinishedAt)
	}
}

type failStartRepo struct{ *memBatchRepo }

func (f *failStartRepo) UpdateStatus(context.Context, uuid.UUID, Status) (bool, error) {
	return false, errors.New("connection reset")
}

func TestStartFailureLeavesTerminalBatch(t *testing.T) {
	repo := &failStartRepo{memBatchRepo: newMemBatchRepo()}
	c := NewCoordinator(repo, &scriptedMatcher{}, &memStager{}, &fixedQuoter{}, fastOpts(), zerolog.Nop())

	b, err := c.Submit(context.Background(), KindSupplierTariff, uuid.New(), []matching.InputRecord{
		{Ordinal: 1, RawText: "acetaminofen 500"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Wait(b.ID)

	got, err := repo.GetByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusFailed || got.Error == "" || got.FinishedAt == nil {
		t.Errorf("got status=%s error=%q finished=%v, want a recorded failure",
			got.Status, got.Error, got.FinishedAt)
	}
}
