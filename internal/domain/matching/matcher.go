package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/genhospi/medmatch/internal/domain/catalog"
)

// CatalogIndex is the lookup capability the matcher consumes.
type CatalogIndex interface {
	LookupByCode(ctx context.Context, code string) (*catalog.Medication, error)
	LookupByINN(ctx context.Context, inn string) ([]*catalog.Medication, error)
	LookupBySimilarity(ctx context.Context, normalizedKey string, k int) ([]catalog.Candidate, error)
}

// SynonymResolver answers scope-bound exact lookups of previously
// human-resolved inputs. Optional: a nil resolver disables the stage.
type SynonymResolver interface {
	Resolve(ctx context.Context, scope, normalizedKey string) (*catalog.Synonym, error)
}

// Thresholds are the fuzzy-stage tunables. Review must stay below Auto.
// MinMargin is the minimum gap between the top two candidates required for
// auto-acceptance: two near-tied candidates always go to human review, since
// the defect class to prevent is a silent wrong-drug substitution.
type Thresholds struct {
	Auto      float64
	Review    float64
	MinMargin float64
}

// Validate rejects threshold combinations the decision tree cannot honor.
func (t Thresholds) Validate() error {
	if t.Review >= t.Auto {
		return fmt.Errorf("review threshold %.2f must be below auto threshold %.2f", t.Review, t.Auto)
	}
	if t.MinMargin < 0 {
		return fmt.Errorf("margin must not be negative")
	}
	return nil
}

// Matcher runs the staged decision tree over one input record at a time.
// It is stateless and safe for concurrent use.
type Matcher struct {
	index    CatalogIndex
	synonyms SynonymResolver
	th       Thresholds
	topK     int
}

func NewMatcher(index CatalogIndex, synonyms SynonymResolver, th Thresholds, topK int) (*Matcher, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	return &Matcher{index: index, synonyms: synonyms, th: th, topK: topK}, nil
}

// Match evaluates the stages in strict priority order; the first hit wins.
//
//  1. SYNONYM: scope dictionary, O(1) exact on the normalized key.
//  2. EXACT_CODE: declared regulatory code resolves in the catalog.
//  3. INN: the ingredient portion of the normalized text names an active
//     ingredient mapping to exactly one compatible entry; ambiguity falls
//     through.
//  4. FUZZY: top similarity candidate, gated by thresholds and margin.
//  5. NO_MATCH: top-K candidates retained as suggestions.
//
// A catalog.ErrLookupUnavailable from the similarity stage propagates to the
// caller so that batch-level retry policy can apply; it is never folded into
// a NO_MATCH here.
func (m *Matcher) Match(ctx context.Context, scope string, rec InputRecord) (*Result, error) {
	key := Normalize(rec.RawText)

	// Empty key and no declared code: nothing to work with.
	if key == "" && rec.DeclaredCode == "" {
		return &Result{Stage: StageNoMatch, Confidence: 0}, nil
	}

	if res, err := m.matchSynonym(ctx, scope, key); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if res, err := m.matchExactCode(ctx, rec.DeclaredCode); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if res, err := m.matchINN(ctx, key, rec.DeclaredForm); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	return m.matchFuzzy(ctx, key)
}

func (m *Matcher) matchSynonym(ctx context.Context, scope, key string) (*Result, error) {
	if m.synonyms == nil || key == "" || scope == "" {
		return nil, nil
	}
	syn, err := m.synonyms.Resolve(ctx, scope, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("synonym lookup: %w", err)
	}
	id := syn.MedicationID
	return &Result{Stage: StageSynonym, Confidence: 1.0, MedicationID: &id}, nil
}

func (m *Matcher) matchExactCode(ctx context.Context, code string) (*Result, error) {
	if code == "" {
		return nil, nil
	}
	med, err := m.index.LookupByCode(ctx, code)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("code lookup: %w", err)
	}
	id := med.ID
	return &Result{Stage: StageExactCode, Confidence: 1.0, MedicationID: &id}, nil
}

// innKey extracts the active-ingredient portion of a normalized key: the
// leading word run up to the first dosage token ("acetaminofen 500 mg" ->
// "acetaminofen"). Concentrations and whatever trails them never belong to
// the ingredient name.
func innKey(key string) string {
	fields := strings.Fields(key)
	for i, f := range fields {
		if f[0] >= '0' && f[0] <= '9' {
			return strings.Join(fields[:i], " ")
		}
	}
	return key
}

func (m *Matcher) matchINN(ctx context.Context, key, declaredForm string) (*Result, error) {
	ingredient := innKey(key)
	if ingredient == "" {
		return nil, nil
	}
	meds, err := m.index.LookupByINN(ctx, ingredient)
	if err != nil {
		return nil, fmt.Errorf("inn lookup: %w", err)
	}

	compatible := meds
	if declaredForm != "" {
		form := NormalizeForm(declaredForm)
		compatible = compatible[:0:0]
		for _, med := range meds {
			if NormalizeForm(med.DosageForm) == form {
				compatible = append(compatible, med)
			}
		}
	}

	// Exactly one entry under this ingredient: unambiguous ground truth.
	// Zero or several: fall through to the fuzzy stage.
	if len(compatible) != 1 {
		return nil, nil
	}
	id := compatible[0].ID
	return &Result{Stage: StageINN, Confidence: 1.0, MedicationID: &id}, nil
}

func (m *Matcher) matchFuzzy(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return &Result{Stage: StageNoMatch, Confidence: 0}, nil
	}

	candidates, err := m.index.LookupBySimilarity(ctx, key, m.topK)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Result{Stage: StageNoMatch, Confidence: 0}, nil
	}

	top := candidates[0]
	if top.Score < m.th.Review {
		return &Result{Stage: StageNoMatch, Confidence: 0, Candidates: candidates}, nil
	}

	margin := top.Score
	if len(candidates) > 1 {
		margin = top.Score - candidates[1].Score
	}

	id := top.MedicationID
	res := &Result{
		Stage:        StageFuzzy,
		Confidence:   top.Score,
		MedicationID: &id,
		Candidates:   candidates,
	}
	// Auto-acceptance needs both a strong score and daylight to the runner-up;
	// a gap exactly at the minimum is still too close.
	if top.Score < m.th.Auto || margin <= m.th.MinMargin {
		res.NeedsReview = true
	}
	return res, nil
}
