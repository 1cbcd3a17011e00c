package staging

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

const rowCols = `id, batch_id, provider_id, ordinal, raw_text, normalized_key,
	declared_code, declared_form, unit_price, min_unit_price, package_price,
	vat_rate, valid_from, valid_to, stage, confidence, medication_id,
	suggestions, lookup_failed, state, reviewed_by, reviewed_at,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, row *Row) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	suggestions, err := json.Marshal(row.Suggestions)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO staging_rows (id, batch_id, provider_id, ordinal, raw_text,
			normalized_key, declared_code, declared_form, unit_price,
			min_unit_price, package_price, vat_rate, valid_from, valid_to,
			stage, confidence, medication_id, suggestions, lookup_failed,
			state, reviewed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)`,
		row.ID, row.BatchID, row.ProviderID, row.Ordinal, row.RawText,
		row.NormalizedKey, row.DeclaredCode, row.DeclaredForm, row.UnitPrice,
		row.MinUnitPrice, row.PackagePrice, row.VATRate, row.ValidFrom, row.ValidTo,
		row.Stage, row.Confidence, row.MedicationID, suggestions, row.LookupFailed,
		row.State, row.ReviewedBy)
	return err
}

func scanRow(row pgx.Row) (*Row, error) {
	var (
		out         Row
		suggestions []byte
	)
	err := row.Scan(&out.ID, &out.BatchID, &out.ProviderID, &out.Ordinal,
		&out.RawText, &out.NormalizedKey, &out.DeclaredCode, &out.DeclaredForm,
		&out.UnitPrice, &out.MinUnitPrice, &out.PackagePrice, &out.VATRate,
		&out.ValidFrom, &out.ValidTo, &out.Stage, &out.Confidence,
		&out.MedicationID, &suggestions, &out.LookupFailed, &out.State,
		&out.ReviewedBy, &out.ReviewedAt, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(suggestions) > 0 {
		if err := json.Unmarshal(suggestions, &out.Suggestions); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Row, error) {
	return scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rowCols+` FROM staging_rows WHERE id = $1`, id))
}

func (r *repoPG) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Row, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+rowCols+` FROM staging_rows WHERE batch_id = $1 ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

func (r *repoPG) ListPending(ctx context.Context, batchID uuid.UUID) ([]*Row, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rowCols+` FROM staging_rows
		WHERE batch_id = $1 AND state = $2 ORDER BY ordinal`,
		batchID, StatePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

// Transition relies on the WHERE state guard: zero rows affected means the
// row moved out of `from` underneath us (or never existed).
func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from, to State, medicationID *uuid.UUID, reviewedBy string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE staging_rows
		SET state = $1, medication_id = COALESCE($2, medication_id),
		    reviewed_by = $3, reviewed_at = $4, updated_at = $4
		WHERE id = $5 AND state = $6`,
		to, medicationID, reviewedBy, time.Now().UTC(), id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); errors.Is(err, ErrRowNotFound) {
			return ErrRowNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func collectRows(rows pgx.Rows) ([]*Row, error) {
	var result []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
