package batch

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists batches. UpdateStatus must enforce monotonicity: a
// write that would move a batch backwards (or out of a terminal status)
// is dropped, and implementations report whether the write took effect.
type Repository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	// UpdateStatus advances the batch to status if the stored status allows
	// it. Returns false when the transition was not applied.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (bool, error)
	// Finish writes the terminal snapshot: status, summary, outcomes,
	// cancellation marker, and error text. Subject to the same guard.
	Finish(ctx context.Context, b *Batch) (bool, error)
}
