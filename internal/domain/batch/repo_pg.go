package batch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genhospi/medmatch/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Create(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO batches (id, kind, provider_id, status, summary, outcomes, cancelled, error)
		VALUES ($1, $2, $3, $4, $5, '[]', false, '')`,
		b.ID, b.Kind, b.ProviderID, b.Status, summary)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	var (
		b        Batch
		summary  []byte
		outcomes []byte
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, kind, provider_id, status, summary, outcomes, cancelled,
		       error, created_at, started_at, finished_at
		FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.Kind, &b.ProviderID, &b.Status, &summary, &outcomes,
			&b.Cancelled, &b.Error, &b.CreatedAt, &b.StartedAt, &b.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summary, &b.Summary); err != nil {
		return nil, err
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &b.Outcomes); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

// UpdateStatus guards monotonicity in SQL so concurrent writers cannot
// regress a batch.
func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batches
		SET status = $1,
		    started_at = CASE WHEN $1 = 'PROCESSING' THEN $2 ELSE started_at END
		WHERE id = $3
		  AND status NOT IN ('COMPLETED', 'FAILED')
		  AND CASE status WHEN 'PENDING' THEN 0 ELSE 1 END
		      < CASE $1 WHEN 'PROCESSING' THEN 1 ELSE 2 END`,
		status, now, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) Finish(ctx context.Context, b *Batch) (bool, error) {
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return false, err
	}
	outcomes, err := json.Marshal(b.Outcomes)
	if err != nil {
		return false, err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batches
		SET status = $1, summary = $2, outcomes = $3, cancelled = $4,
		    error = $5, finished_at = $6
		WHERE id = $7 AND status NOT IN ('COMPLETED', 'FAILED')`,
		b.Status, summary, outcomes, b.Cancelled, b.Error, time.Now().UTC(), b.ID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
