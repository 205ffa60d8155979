package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Reaper312-A/tgshop/internal/domain"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrDuplicateInvoice = errors.New("order for this invoice already exists")
	ErrDuplicateKey     = errors.New("order for this idempotency key already exists")
)

// Repository is the durable order ledger. It performs no status-transition
// validation: the reconciliation layer owns that logic, the ledger just
// records what it is told.
type Repository struct {
	db *sql.DB
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) (int64, error)
	GetOrderByInvoice(ctx context.Context, invoiceID int64) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, invoiceID int64, status domain.OrderStatus) error
	ListOrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Order, error)
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateOrder inserts a pending order and returns the ledger-assigned id.
// The unique indexes turn a double insert into ErrDuplicateInvoice (same
// invoice) or ErrDuplicateKey (same checkout session) instead of a second
// row.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) (int64, error) {
	query := `INSERT INTO orders (user_id, product_id, invoice_id, idempotency_key, amount, status, payment_url, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`

	status := order.Status
	if status == "" {
		status = domain.OrderStatusPending
	}

	res, insertErr := r.db.ExecContext(ctx, query,
		order.UserID,
		order.ProductID,
		order.InvoiceID,
		order.IdempotencyKey,
		order.Amount,
		status,
		order.PaymentURL)
	if insertErr != nil {
		if isUniqueViolation(insertErr) {
			if strings.Contains(insertErr.Error(), "orders.idempotency_key") {
				return 0, ErrDuplicateKey
			}
			return 0, ErrDuplicateInvoice
		}
		return 0, fmt.Errorf("insert order: %w", insertErr)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (r *Repository) GetOrderByInvoice(ctx context.Context, invoiceID int64) (*domain.Order, error) {
	query := `SELECT id, user_id, product_id, invoice_id, idempotency_key, amount, status, payment_url, created_at, updated_at
	          FROM orders WHERE invoice_id = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by invoice: %w", err)
	}
	return order, nil
}

// GetOrderByIdempotencyKey resolves the order a checkout session already
// produced. A confirm that loses the insert race uses this to return the
// winner's invoice.
func (r *Repository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	query := `SELECT id, user_id, product_id, invoice_id, idempotency_key, amount, status, payment_url, created_at, updated_at
	          FROM orders WHERE idempotency_key = $1`

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return order, nil
}

// UpdateOrderStatus is idempotent by value: re-applying the current status
// only bumps updated_at.
func (r *Repository) UpdateOrderStatus(ctx context.Context, invoiceID int64, status domain.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE invoice_id = $2`

	res, err := r.db.ExecContext(ctx, query, status, invoiceID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *Repository) ListOrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error) {
	query := `SELECT id, user_id, product_id, invoice_id, idempotency_key, amount, status, payment_url, created_at, updated_at
	          FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListStalePending returns pending orders whose last update is older than
// the given age. The reconciliation sweep uses this to revisit orders whose
// in-process watcher is gone.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Order, error) {
	// CURRENT_TIMESTAMP stores UTC text in this layout, so the cutoff must
	// be formatted the same way for the comparison to work.
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02 15:04:05")
	query := `SELECT id, user_id, product_id, invoice_id, idempotency_key, amount, status, payment_url, created_at, updated_at
	          FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, domain.OrderStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var paymentURL sql.NullString
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.ProductID,
		&order.InvoiceID,
		&order.IdempotencyKey,
		&order.Amount,
		&order.Status,
		&paymentURL,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.PaymentURL = paymentURL.String
	return &order, nil
}

func collectOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// there is no typed error to match on like lib/pq's 23505.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
