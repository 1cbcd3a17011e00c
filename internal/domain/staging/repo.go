package staging

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists staging rows. Transition is the only mutation of a
// row's state: implementations must guard it with the expected prior state so
// that concurrent reviews linearize (last writer loses, not last writer wins).
type Repository interface {
	Create(ctx context.Context, row *Row) error
	GetByID(ctx context.Context, id uuid.UUID) (*Row, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Row, error)
	ListPending(ctx context.Context, batchID uuid.UUID) ([]*Row, error)
	// Transition moves the row from state `from` to state `to`, binding
	// medicationID (may be nil for rejection) and the reviewer. It returns
	// ErrInvalidTransition if the row is no longer in `from`.
	Transition(ctx context.Context, id uuid.UUID, from, to State, medicationID *uuid.UUID, reviewedBy string) error
}
