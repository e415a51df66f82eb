package products

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/db"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, code, name, price_cents, is_active, created_at, updated_at`

// List returns one page of products ordered by code.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Count returns the number of products.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM products`).Scan(&n)
	return n, err
}

// Get fetches one product.
func (r *Repository) Get(ctx context.Context, id int64) (Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return Product{}, err
	}
	product, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	return product, err
}

// Create inserts a product.
func (r *Repository) Create(ctx context.Context, in Input) (Product, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO products (code, name, price_cents, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+productColumns, in.Code, in.Name, in.PriceCents, in.IsActive)
	if err != nil {
		return Product{}, translate(err)
	}
	product, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		return Product{}, translate(err)
	}
	return product, nil
}

// Update overwrites the editable fields of a product.
func (r *Repository) Update(ctx context.Context, id int64, in Input) (Product, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE products SET code = $2, name = $3, price_cents = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+productColumns, id, in.Code, in.Name, in.PriceCents, in.IsActive)
	if err != nil {
		return Product{}, translate(err)
	}
	product, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	if err != nil {
		return Product{}, translate(err)
	}
	return product, nil
}

// Delete removes a product.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Report aggregates catalogue totals.
func (r *Repository) Report(ctx context.Context) (Report, error) {
	var report Report
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE is_active),
		       COALESCE(sum(price_cents) FILTER (WHERE is_active), 0)
		FROM products`).Scan(&report.Total, &report.Active, &report.ActiveValueCents)
	if err != nil {
		return Report{}, err
	}
	report.Inactive = report.Total - report.Active
	return report, nil
}

func scanProduct(row pgx.CollectableRow) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.PriceCents, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func translate(err error) error {
	if constraint, ok := db.UniqueViolation(err); ok && constraint == "products_code_key" {
		return shared.FieldErrors{"Code": "code is already in use"}
	}
	return err
}

var _ RepositoryPort = (*Repository)(nil)
