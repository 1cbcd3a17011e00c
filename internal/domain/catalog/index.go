package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/genhospi/medmatch/internal/platform/similarity"
)

// Index answers the two lookup shapes the matcher needs: O(1) exact code
// resolution against the catalog, and ranked approximate-nearest-neighbor
// retrieval over embeddings. The embedding oracle is the only external
// dependency; a rate limiter protects it from batch-driven overload.
type Index struct {
	repo    Repository
	oracle  similarity.Oracle
	vectors *similarity.Index
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewIndex(repo Repository, oracle similarity.Oracle, limiter *rate.Limiter, log zerolog.Logger) *Index {
	return &Index{
		repo:    repo,
		oracle:  oracle,
		vectors: similarity.NewIndex(),
		limiter: limiter,
		log:     log,
	}
}

// Reload rebuilds the in-memory vector index from the catalog. Entries without
// an embedding are skipped; they remain reachable by code and INN lookup.
func (ix *Index) Reload(ctx context.Context) error {
	meds, err := ix.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load catalog for index: %w", err)
	}

	items := make([]similarity.Item, 0, len(meds))
	for _, m := range meds {
		if len(m.Embedding) == 0 {
			continue
		}
		items = append(items, similarity.Item{
			ID:     m.ID,
			Label:  m.NormalizedName,
			Vector: m.Embedding,
		})
	}
	ix.vectors.Replace(items)

	ix.log.Info().
		Int("catalog_entries", len(meds)).
		Int("indexed_vectors", len(items)).
		Msg("vector index reloaded")
	return nil
}

// Size reports how many vectors are currently indexed.
func (ix *Index) Size() int { return ix.vectors.Size() }

// LookupByCode resolves an exact regulatory (CUM) code. Returns ErrNotFound
// when no active entry carries the code.
func (ix *Index) LookupByCode(ctx context.Context, code string) (*Medication, error) {
	return ix.repo.GetByCode(ctx, code)
}

// LookupByID fetches one catalog entry.
func (ix *Index) LookupByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return ix.repo.GetByID(ctx, id)
}

// LookupByINN returns every active entry registered under the given active
// ingredient. The matcher uses the cardinality of the result to decide whether
// an INN match is unambiguous.
func (ix *Index) LookupByINN(ctx context.Context, inn string) ([]*Medication, error) {
	return ix.repo.ListByINN(ctx, inn)
}

// LookupBySimilarity embeds the normalized key through the oracle and ranks
// catalog entries by cosine similarity, returning at most k candidates in
// descending score order. Oracle failures surface as ErrLookupUnavailable.
func (ix *Index) LookupBySimilarity(ctx context.Context, normalizedKey string, k int) ([]Candidate, error) {
	if normalizedKey == "" || k <= 0 {
		return nil, nil
	}

	if ix.limiter != nil {
		if err := ix.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
		}
	}

	vec, err := ix.oracle.Embed(ctx, normalizedKey)
	if err != nil {
		if errors.Is(err, similarity.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
		}
		return nil, err
	}

	hits := ix.vectors.Search(vec, k)
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, Candidate{
			MedicationID: h.ID,
			Name:         h.Label,
			Score:        h.Score,
		})
	}
	return candidates, nil
}
