package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/genhospi/medmatch/internal/domain/catalog"
	"github.com/genhospi/medmatch/internal/domain/matching"
	"github.com/genhospi/medmatch/internal/domain/pricing"
	"github.com/genhospi/medmatch/internal/domain/staging"
)

// RecordMatcher is the matching capability the coordinator drives.
type RecordMatcher interface {
	Match(ctx context.Context, scope string, rec matching.InputRecord) (*matching.Result, error)
}

// TariffStager receives matched supplier rows and publishes reviewed batches.
type TariffStager interface {
	CreateFromMatch(ctx context.Context, batchID, providerID uuid.UUID, rec matching.InputRecord, res *matching.Result) (*staging.Row, error)
	Publish(ctx context.Context, batchID uuid.UUID) (*staging.PublishReport, error)
}

// PriceQuoter builds the price comparison for quotation rows.
type PriceQuoter interface {
	BestPrice(ctx context.Context, medicationID uuid.UUID, asOf time.Time) (*pricing.Quote, error)
}

// Options tunes the worker pool and the lookup retry policy.
type Options struct {
	Workers    int
	MaxRetries int
	RetryBase  time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
}

// run is the in-memory state of an active batch: live counters for interim
// snapshots and the cancel handle.
type run struct {
	mu       sync.Mutex
	summary  Summary
	failed   int // rows that exhausted lookup retries
	outcomes []RowOutcome
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *run) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Coordinator owns batch execution: it fans rows out over a bounded worker
// pool, retries transient lookup failures, and maintains the batch lifecycle.
type Coordinator struct {
	repo    Repository
	matcher RecordMatcher
	stager  TariffStager
	quoter  PriceQuoter
	opts    Options
	log     zerolog.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

func NewCoordinator(repo Repository, matcher RecordMatcher, stager TariffStager, quoter PriceQuoter, opts Options, log zerolog.Logger) *Coordinator {
	opts.defaults()
	return &Coordinator{
		repo:    repo,
		matcher: matcher,
		stager:  stager,
		quoter:  quoter,
		opts:    opts,
		log:     log,
		runs:    make(map[uuid.UUID]*run),
	}
}

// Submit registers the batch and starts processing it in the background.
// The returned batch is in PENDING; callers poll Status for progress.
func (c *Coordinator) Submit(ctx context.Context, kind Kind, providerID uuid.UUID, records []matching.InputRecord) (*Batch, error) {
	if kind != KindSupplierTariff && kind != KindHospitalQuotation {
		return nil, fmt.Errorf("unknown batch kind %q", kind)
	}

	b := &Batch{
		ID:         uuid.New(),
		Kind:       kind,
		ProviderID: providerID,
		Status:     StatusPending,
	}
	if err := c.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[b.ID] = r
	c.mu.Unlock()

	go c.process(runCtx, b, r, records)
	return b, nil
}

func (c *Coordinator) process(ctx context.Context, b *Batch, r *run, records []matching.InputRecord) {
	defer close(r.done)
	defer func() {
		c.mu.Lock()
		delete(c.runs, b.ID)
		c.mu.Unlock()
	}()

	// The start transition must not ride the run context: cancelling a batch
	// that is still PENDING would otherwise abort this write and strand the
	// batch without a terminal state.
	if ok, err := c.repo.UpdateStatus(context.Background(), b.ID, StatusProcessing); err != nil || !ok {
		c.log.Error().Err(err).Str("batch_id", b.ID.String()).Msg("failed to start batch")
		if err != nil {
			failed := *b
			failed.Status = StatusFailed
			failed.Error = "failed to start batch"
			if _, ferr := c.repo.Finish(context.Background(), &failed); ferr != nil {
				c.log.Error().Err(ferr).Str("batch_id", b.ID.String()).Msg("failed to record start failure")
			}
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil // cancelled; skip, the row stays unprocessed
			}
			c.processRow(gctx, b, r, rec)
			return nil
		})
	}
	g.Wait()

	cancelled := ctx.Err() != nil

	r.mu.Lock()
	final := *b
	final.Summary = r.summary
	final.Cancelled = cancelled
	sort.Slice(r.outcomes, func(i, j int) bool { return r.outcomes[i].Ordinal < r.outcomes[j].Ordinal })
	final.Outcomes = r.outcomes
	systemic := !cancelled && len(records) > 0 && r.failed == len(records)
	r.mu.Unlock()

	final.Status = StatusCompleted
	if systemic {
		final.Status = StatusFailed
		final.Error = "lookup backend unavailable for every row"
	}

	// Finish must not inherit the run context: a cancelled batch still has
	// to persist its partial results.
	if _, err := c.repo.Finish(context.Background(), &final); err != nil {
		c.log.Error().Err(err).Str("batch_id", b.ID.String()).Msg("failed to finish batch")
		return
	}
	c.log.Info().
		Str("batch_id", final.ID.String()).
		Str("status", string(final.Status)).
		Bool("cancelled", final.Cancelled).
		Int("total", final.Summary.Total).
		Int("matched", final.Summary.Matched).
		Msg("batch finished")
}

func (c *Coordinator) processRow(ctx context.Context, b *Batch, r *run, rec matching.InputRecord) {
	res, lookupFailed := c.matchWithRetry(ctx, b.ProviderID.String(), rec)
	if res == nil {
		return // cancelled mid-retry; the row stays unprocessed
	}

	outcome := RowOutcome{
		Ordinal:      rec.Ordinal,
		RawText:      rec.RawText,
		Stage:        string(res.Stage),
		Confidence:   res.Confidence,
		MedicationID: res.MedicationID,
		NeedsReview:  res.NeedsReview,
		LookupFailed: res.LookupFailed,
		Candidates:   res.Candidates,
	}

	switch b.Kind {
	case KindSupplierTariff:
		if _, err := c.stager.CreateFromMatch(ctx, b.ID, b.ProviderID, rec, res); err != nil {
			c.log.Error().Err(err).
				Str("batch_id", b.ID.String()).Int("ordinal", rec.Ordinal).
				Msg("failed to stage row")
		}
	case KindHospitalQuotation:
		if res.Matched() {
			quote, err := c.quoter.BestPrice(ctx, *res.MedicationID, time.Now().UTC())
			switch {
			case err == nil:
				outcome.Quote = quote
			case errors.Is(err, pricing.ErrNoValidPrice):
				// matched but no supplier carries it; reported as unpriced
			default:
				c.log.Error().Err(err).
					Str("batch_id", b.ID.String()).Int("ordinal", rec.Ordinal).
					Msg("price lookup failed")
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
	r.summary.Total++
	if res.Matched() {
		r.summary.Matched++
	} else {
		r.summary.Unmatched++
	}
	if outcome.Quote != nil {
		r.summary.Priced++
	}
	if lookupFailed {
		r.failed++
	}
	if r.summary.Total > 0 {
		r.summary.MatchRate = float64(r.summary.Matched) / float64(r.summary.Total)
		r.summary.PriceRate = float64(r.summary.Priced) / float64(r.summary.Total)
	}
}

// matchWithRetry retries transient lookup failures with exponential backoff.
// When retries are exhausted the row degrades to an annotated NO_MATCH rather
// than sinking the batch; the systemic case is detected at batch level. A nil
// result means the run context was cancelled.
func (c *Coordinator) matchWithRetry(ctx context.Context, scope string, rec matching.InputRecord) (*matching.Result, bool) {
	backoff := c.opts.RetryBase
	for attempt := 0; ; attempt++ {
		res, err := c.matcher.Match(ctx, scope, rec)
		if err == nil {
			return res, false
		}
		if !errors.Is(err, catalog.ErrLookupUnavailable) {
			c.log.Error().Err(err).Int("ordinal", rec.Ordinal).Msg("match failed")
			return &matching.Result{Stage: matching.StageNoMatch}, false
		}
		if attempt+1 >= c.opts.MaxRetries {
			return &matching.Result{Stage: matching.StageNoMatch, LookupFailed: true}, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Status returns the current snapshot. For a running batch the summary comes
// from the live counters, so it covers exactly the rows already settled.
func (c *Coordinator) Status(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	r, active := c.runs[id]
	c.mu.Unlock()
	if active && !b.Status.Terminal() {
		b.Summary = r.snapshot()
	}
	return b, nil
}

// MatchSummary returns the batch's aggregate outcome counts.
func (c *Coordinator) MatchSummary(ctx context.Context, id uuid.UUID) (*Summary, error) {
	b, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return &b.Summary, nil
}

// Cancel stops an in-flight batch. Rows already settled keep their outcome;
// the batch finishes COMPLETED with the cancellation marker set. Cancelling
// a terminal batch fails with ErrNotCancellable.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	b, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return ErrNotCancellable
	}

	c.mu.Lock()
	r, active := c.runs[id]
	c.mu.Unlock()
	if !active {
		return ErrNotCancellable
	}
	r.cancel()
	<-r.done
	return nil
}

// PublishTariff pushes a completed supplier batch's approved rows into the
// price table. Only COMPLETED tariff batches are publishable; the staging
// layer makes the operation idempotent.
func (c *Coordinator) PublishTariff(ctx context.Context, id uuid.UUID) (*staging.PublishReport, error) {
	b, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Kind != KindSupplierTariff {
		return nil, fmt.Errorf("batch %s is not a supplier tariff", id)
	}
	if b.Status != StatusCompleted {
		return nil, ErrNotCompleted
	}
	return c.stager.Publish(ctx, id)
}

// Wait blocks until the batch's background run finishes. Test hook; callers
// in production poll Status instead.
func (c *Coordinator) Wait(id uuid.UUID) {
	c.mu.Lock()
	r, active := c.runs[id]
	c.mu.Unlock()
	if active {
		<-r.done
	}
}
