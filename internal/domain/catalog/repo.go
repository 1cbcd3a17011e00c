package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read surface over the canonical medication catalog.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	GetByCode(ctx context.Context, cumCode string) (*Medication, error)
	// ListByINN returns all active entries whose normalized INN equals inn.
	ListByINN(ctx context.Context, inn string) ([]*Medication, error)
	// ListActive returns every active entry, embeddings included. Used to
	// (re)build the vector index.
	ListActive(ctx context.Context) ([]*Medication, error)
}

// SynonymRepository stores human-validated input→catalog resolutions.
type SynonymRepository interface {
	// Resolve returns the synonym for (scope, normalizedKey), or ErrNotFound.
	Resolve(ctx context.Context, scope, normalizedKey string) (*Synonym, error)
	// Record upserts a resolution for (scope, normalizedKey).
	Record(ctx context.Context, s *Synonym) error
}
