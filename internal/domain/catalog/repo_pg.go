package catalog

import (
	"context"
	"errors"

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

const medCols = `id, name, normalized_name, inn, normalized_inn, dosage_form, manufacturer,
	cum_code, regulated, max_regulated_price, active, embedding, created_at, updated_at`

func scanMedication(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.NormalizedName, &m.INN, &m.NormalizedINN, &m.DosageForm,
		&m.Manufacturer, &m.CUMCode, &m.Regulated, &m.MaxRegulated, &m.Active,
		&m.Embedding, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return scanMedication(r.conn(ctx).QueryRow(ctx,
		`SELECT `+medCols+` FROM medications WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, cumCode string) (*Medication, error) {
	return scanMedication(r.conn(ctx).QueryRow(ctx,
		`SELECT `+medCols+` FROM medications WHERE cum_code = $1 AND active`, cumCode))
}

// ListByINN expects an already-normalized ingredient key and compares it
// against the stored normalized column, so accented catalog INNs still hit.
func (r *repoPG) ListByINN(ctx context.Context, inn string) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medications WHERE normalized_inn = $1 AND active`, inn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMedications(rows)
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+medCols+` FROM medications WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMedications(rows)
}

func collectMedications(rows pgx.Rows) ([]*Medication, error) {
	var result []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// =========== Synonym Repository ===========

type synonymRepoPG struct{ pool *pgxpool.Pool }

func NewSynonymRepoPG(pool *pgxpool.Pool) SynonymRepository { return &synonymRepoPG{pool: pool} }

func (r *synonymRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *synonymRepoPG) Resolve(ctx context.Context, scope, normalizedKey string) (*Synonym, error) {
	var s Synonym
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, scope, raw_input, normalized_key, medication_id, resolved_by, created_at
		FROM medication_synonyms WHERE scope = $1 AND normalized_key = $2`,
		scope, normalizedKey).
		Scan(&s.ID, &s.Scope, &s.RawInput, &s.NormalizedKey, &s.MedicationID, &s.ResolvedBy, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *synonymRepoPG) Record(ctx context.Context, s *Synonym) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication_synonyms (id, scope, raw_input, normalized_key, medication_id, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope, normalized_key)
		DO UPDATE SET medication_id = EXCLUDED.medication_id,
		              raw_input = EXCLUDED.raw_input,
		              resolved_by = EXCLUDED.resolved_by`,
		s.ID, s.Scope, s.RawInput, s.NormalizedKey, s.MedicationID, s.ResolvedBy)
	return err
}
