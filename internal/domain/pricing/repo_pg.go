package pricing

import (
	"context"
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

const priceCols = `id, medication_id, provider_id, unit_price, min_unit_price,
	package_price, vat_rate, valid_from, valid_to, published_at`

func (r *repoPG) Upsert(ctx context.Context, rec *PriceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO provider_prices (id, medication_id, provider_id, unit_price,
			min_unit_price, package_price, vat_rate, valid_from, valid_to, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (medication_id, provider_id)
		DO UPDATE SET unit_price = EXCLUDED.unit_price,
		              min_unit_price = EXCLUDED.min_unit_price,
		              package_price = EXCLUDED.package_price,
		              vat_rate = EXCLUDED.vat_rate,
		              valid_from = EXCLUDED.valid_from,
		              valid_to = EXCLUDED.valid_to,
		              published_at = EXCLUDED.published_at`,
		rec.ID, rec.MedicationID, rec.ProviderID, rec.UnitPrice,
		rec.MinUnitPrice, rec.PackagePrice, rec.VATRate,
		rec.ValidFrom, rec.ValidTo, rec.PublishedAt)
	return err
}

func (r *repoPG) ListValid(ctx context.Context, medicationID uuid.UUID, asOf time.Time) ([]*PriceRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+priceCols+` FROM provider_prices
		WHERE medication_id = $1
		  AND valid_from <= $2
		  AND (valid_to IS NULL OR valid_to >= $2)`,
		medicationID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrices(rows)
}

func (r *repoPG) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*PriceRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+priceCols+` FROM provider_prices WHERE provider_id = $1`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrices(rows)
}

func collectPrices(rows pgx.Rows) ([]*PriceRecord, error) {
	var result []*PriceRecord
	for rows.Next() {
		var p PriceRecord
		if err := rows.Scan(&p.ID, &p.MedicationID, &p.ProviderID, &p.UnitPrice,
			&p.MinUnitPrice, &p.PackagePrice, &p.VATRate,
			&p.ValidFrom, &p.ValidTo, &p.PublishedAt); err != nil {
			return nil, err
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// =========== Provider Repository ===========

type providerRepoPG struct{ pool *pgxpool.Pool }

func NewProviderRepoPG(pool *pgxpool.Pool) ProviderRepository { return &providerRepoPG{pool: pool} }

func (r *providerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *providerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, tax_id, active, created_at
		FROM providers WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.TaxID, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepoPG) List(ctx context.Context) ([]*Provider, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, name, tax_id, active, created_at FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.TaxID, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}
