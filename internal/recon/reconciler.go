// Package recon reflects gateway-reported payment state into the order
// ledger. Two triggers feed it: user-initiated checks and a per-invoice
// background watcher, plus a durable sweep that revisits pending orders
// whose watcher is gone.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/Reaper312-A/tgshop/internal/events"
	"github.com/Reaper312-A/tgshop/internal/gateway"
	"github.com/Reaper312-A/tgshop/internal/ledger"
	"golang.org/x/sync/singleflight"
)

type CheckState string

const (
	CheckPaid      CheckState = "paid"
	CheckPending   CheckState = "pending"
	CheckExpired   CheckState = "expired"
	CheckCancelled CheckState = "cancelled"
	CheckNotFound  CheckState = "not_found"
)

// Outcome is the result of reconciling one invoice.
type Outcome struct {
	State CheckState
	Order *domain.Order
}

// Notifier surfaces asynchronous payment results to the user. Implemented
// by the messaging transport; failures there are its own concern.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, order *domain.Order)
	InvoiceExpired(ctx context.Context, order *domain.Order)
}

type EventPublisher interface {
	OrderEvent(ctx context.Context, eventType string, order *domain.Order) error
}

type Config struct {
	PollInterval    time.Duration
	PollMaxAttempts int
	SweepInterval   time.Duration
	PendingTTL      time.Duration
}

type Reconciler struct {
	gateway   gateway.Client
	orders    ledger.OrderRepository
	notifier  Notifier
	publisher EventPublisher
	cfg       Config

	// sfg collapses concurrent checks of the same invoice into one
	// gateway read.
	sfg singleflight.Group

	mu       sync.Mutex
	watchers map[int64]context.CancelFunc
	wg       sync.WaitGroup
}

func NewReconciler(gw gateway.Client, orders ledger.OrderRepository, notifier Notifier, publisher EventPublisher, cfg Config) *Reconciler {
	return &Reconciler{
		gateway:   gw,
		orders:    orders,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		watchers:  make(map[int64]context.CancelFunc),
	}
}

// CheckNow reconciles a single invoice on demand. Terminal ledger state
// short-circuits without touching the gateway, which keeps repeated checks
// of a settled order free of side effects.
func (r *Reconciler) CheckNow(ctx context.Context, invoiceID int64) (*Outcome, error) {
	v, err, _ := r.sfg.Do(strconv.FormatInt(invoiceID, 10), func() (interface{}, error) {
		return r.check(ctx, invoiceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

func (r *Reconciler) check(ctx context.Context, invoiceID int64) (*Outcome, error) {
	order, err := r.orders.GetOrderByInvoice(ctx, invoiceID)
	if errors.Is(err, ledger.ErrOrderNotFound) {
		return &Outcome{State: CheckNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	if order.Status.IsTerminal() {
		return &Outcome{State: stateFor(order.Status), Order: order}, nil
	}

	res, err := r.gateway.CheckPayment(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}

	switch {
	case res.Paid:
		return r.settle(ctx, order, domain.OrderStatusPaid)
	case res.Expired:
		return r.settle(ctx, order, domain.OrderStatusExpired)
	case res.Status == gateway.StatusNotFound:
		return &Outcome{State: CheckNotFound, Order: order}, nil
	default:
		return &Outcome{State: CheckPending, Order: order}, nil
	}
}

func (r *Reconciler) settle(ctx context.Context, order *domain.Order, status domain.OrderStatus) (*Outcome, error) {
	if err := r.orders.UpdateOrderStatus(ctx, order.InvoiceID, status); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	order.Status = status

	eventType := events.EventOrderPaid
	if status == domain.OrderStatusExpired {
		eventType = events.EventOrderExpired
	}
	if errPub := r.publisher.OrderEvent(ctx, eventType, order); errPub != nil {
		log.Printf("failed to publish %s for invoice %d: %v", eventType, order.InvoiceID, errPub)
	}

	switch status {
	case domain.OrderStatusPaid:
		r.notifier.PaymentConfirmed(ctx, order)
	case domain.OrderStatusExpired:
		r.notifier.InvoiceExpired(ctx, order)
	}

	r.cancelWatch(order.InvoiceID)
	return &Outcome{State: stateFor(status), Order: order}, nil
}

// Watch starts a bounded background poll for the invoice. The default
// budget (60 attempts a minute apart) matches the invoice lifetime; once
// exhausted the durable row stays pending and the sweep owns it.
func (r *Reconciler) Watch(invoiceID, userID int64) {
	r.mu.Lock()
	if _, exists := r.watchers[invoiceID]; exists {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.watchers[invoiceID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watch(ctx, invoiceID, userID)
}

func (r *Reconciler) watch(ctx context.Context, invoiceID, userID int64) {
	defer r.wg.Done()
	defer r.cancelWatch(invoiceID)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < r.cfg.PollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcome, err := r.CheckNow(ctx, invoiceID)
			if err != nil {
				log.Printf("watcher: check invoice %d for user %d: %v", invoiceID, userID, err)
				continue
			}
			if outcome.State == CheckPaid || outcome.State == CheckExpired {
				return
			}
		}
	}
	log.Printf("watcher: poll budget exhausted for invoice %d, leaving order to the sweep", invoiceID)
}

func (r *Reconciler) cancelWatch(invoiceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.watchers[invoiceID]; ok {
		cancel()
		delete(r.watchers, invoiceID)
	}
}

// Watching reports whether a background poll is registered for the invoice.
func (r *Reconciler) Watching(invoiceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watchers[invoiceID]
	return ok
}

// RunSweep periodically re-checks stale pending orders. This closes the
// gap where a watcher dies (restart, exhausted budget) while the gateway
// later settles the invoice.
func (r *Reconciler) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	stale, err := r.orders.ListStalePending(ctx, r.cfg.PendingTTL, 100)
	if err != nil {
		log.Printf("sweep: list stale pending orders: %v", err)
		return
	}

	for _, order := range stale {
		outcome, err := r.CheckNow(ctx, order.InvoiceID)
		if err != nil {
			log.Printf("sweep: check invoice %d: %v", order.InvoiceID, err)
			continue
		}
		if outcome.State != CheckPending {
			log.Printf("sweep: invoice %d settled as %s", order.InvoiceID, outcome.State)
		}
	}
}

// Stop cancels every watcher and waits for them to drain.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	for id, cancel := range r.watchers {
		cancel()
		delete(r.watchers, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func stateFor(status domain.OrderStatus) CheckState {
	switch status {
	case domain.OrderStatusPaid:
		return CheckPaid
	case domain.OrderStatusExpired:
		return CheckExpired
	case domain.OrderStatusCancelled:
		return CheckCancelled
	default:
		return CheckPending
	}
}
