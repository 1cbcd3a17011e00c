package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists provider price records.
type Repository interface {
	// Upsert writes the record, replacing any existing row for the same
	// (medication, provider) pair. Re-publishing the same tariff is a no-op
	// beyond refreshing PublishedAt.
	Upsert(ctx context.Context, rec *PriceRecord) error
	// ListValid returns every record for the medication whose validity window
	// covers asOf, in no particular order.
	ListValid(ctx context.Context, medicationID uuid.UUID, asOf time.Time) ([]*PriceRecord, error)
	// ListByProvider returns the provider's full current tariff.
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*PriceRecord, error)
}

// ProviderRepository resolves suppliers.
type ProviderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	List(ctx context.Context) ([]*Provider, error)
}
