package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Reaper312-A/tgshop/internal/domain"
)

var ErrProductNotFound = errors.New("product not found")

// Repository reads the product catalog. Stock counts are informational;
// there is no reservation or locking at this layer.
type Repository struct {
	db *sql.DB
}

type CatalogRepository interface {
	GetAllProducts(ctx context.Context) ([]*domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetAllProducts(ctx context.Context) ([]*domain.Product, error) {
	query := `
		SELECT id, name, category, subcategory, price, currency, description, quantity, created_at
		FROM products
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	query := `
		SELECT id, name, category, subcategory, price, currency, description, quantity, created_at
		FROM products
		WHERE id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var product *domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		product = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	if product == nil {
		return nil, ErrProductNotFound
	}
	return product, nil
}

func scanProduct(rows *sql.Rows) (*domain.Product, error) {
	p := &domain.Product{}
	var category, subcategory, description sql.NullString
	err := rows.Scan(
		&p.ID,
		&p.Name,
		&category,
		&subcategory,
		&p.Price,
		&p.Currency,
		&description,
		&p.Quantity,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Category = category.String
	p.Subcategory = subcategory.String
	p.Description = description.String
	return p, nil
}
