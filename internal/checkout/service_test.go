package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Reaper312-A/tgshop/internal/catalog"
	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/Reaper312-A/tgshop/internal/gateway"
	"github.com/Reaper312-A/tgshop/internal/ledger"
	"github.com/Reaper312-A/tgshop/internal/profile"
	"github.com/Reaper312-A/tgshop/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCatalog struct {
	products map[int64]*domain.Product
}

func (m *mockCatalog) GetAllProducts(context.Context) ([]*domain.Product, error) {
	var out []*domain.Product
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockCatalog) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

type mockProfiles struct {
	locality profile.Locality
}

func (m *mockProfiles) GetOrCreateUser(_ context.Context, telegramID int64) (int64, error) {
	return telegramID, nil
}
func (m *mockProfiles) SetCity(context.Context, int64, string) error  { return nil }
func (m *mockProfiles) SetMetro(context.Context, int64, string) error { return nil }
func (m *mockProfiles) GetLocality(context.Context, int64) (*profile.Locality, error) {
	l := m.locality
	return &l, nil
}

type mockSessions struct {
	m        sync.RWMutex
	sessions map[int64]*domain.CheckoutSession
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: make(map[int64]*domain.CheckoutSession)}
}

func (m *mockSessions) Get(_ context.Context, userID int64) (*domain.CheckoutSession, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mockSessions) Put(_ context.Context, s *domain.CheckoutSession) error {
	m.m.Lock()
	defer m.m.Unlock()
	copied := *s
	m.sessions[s.UserID] = &copied
	return nil
}

func (m *mockSessions) Delete(_ context.Context, userID int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.sessions, userID)
	return nil
}

type mockOrders struct {
	m      sync.Mutex
	nextID int64
	orders map[int64]*domain.Order // keyed by invoice id
}

func newMockOrders() *mockOrders {
	return &mockOrders{nextID: 1, orders: make(map[int64]*domain.Order)}
}

func (m *mockOrders) CreateOrder(_ context.Context, order *domain.Order) (int64, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if _, exists := m.orders[order.InvoiceID]; exists {
		return 0, ledger.ErrDuplicateInvoice
	}
	for _, o := range m.orders {
		if o.IdempotencyKey == order.IdempotencyKey {
			return 0, ledger.ErrDuplicateKey
		}
	}
	id := m.nextID
	m.nextID++
	copied := *order
	copied.ID = id
	m.orders[order.InvoiceID] = &copied
	return id, nil
}

func (m *mockOrders) GetOrderByIdempotencyKey(_ context.Context, key string) (*domain.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			copied := *o
			return &copied, nil
		}
	}
	return nil, ledger.ErrOrderNotFound
}

func (m *mockOrders) GetOrderByInvoice(_ context.Context, invoiceID int64) (*domain.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	o, ok := m.orders[invoiceID]
	if !ok {
		return nil, ledger.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (m *mockOrders) UpdateOrderStatus(_ context.Context, invoiceID int64, status domain.OrderStatus) error {
	m.m.Lock()
	defer m.m.Unlock()
	o, ok := m.orders[invoiceID]
	if !ok {
		return ledger.ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (m *mockOrders) ListOrdersByUser(_ context.Context, userID int64) ([]*domain.Order, error) {
	m.m.Lock()
	defer m.m.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockOrders) ListStalePending(context.Context, time.Duration, int) ([]*domain.Order, error) {
	return nil, nil
}

type mockGateway struct {
	m           sync.Mutex
	createCalls int
	createErr   error
	createDelay time.Duration
	nextInvoice int64
}

func (m *mockGateway) CreateInvoice(_ context.Context, amount float64, currency string) (*gateway.Invoice, error) {
	m.m.Lock()
	if m.createErr != nil {
		m.m.Unlock()
		return nil, m.createErr
	}
	m.createCalls++
	m.nextInvoice++
	id := m.nextInvoice
	delay := m.createDelay
	m.m.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return &gateway.Invoice{
		ID:           id,
		PayURL:       fmt.Sprintf("https://t.me/CryptoBot?start=pay_%d", id),
		Asset:        "USDT",
		FiatAmount:   amount,
		CryptoAmount: amount / 90,
	}, nil
}

func (m *mockGateway) CheckPayment(context.Context, int64) (*gateway.PaymentResult, error) {
	return &gateway.PaymentResult{Status: gateway.StatusActive}, nil
}

type mockPublisher struct {
	m      sync.Mutex
	events []string
}

func (m *mockPublisher) OrderEvent(_ context.Context, eventType string, _ *domain.Order) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

type mockWatcher struct {
	m        sync.Mutex
	invoices []int64
}

func (m *mockWatcher) Watch(invoiceID, _ int64) {
	m.m.Lock()
	defer m.m.Unlock()
	m.invoices = append(m.invoices, invoiceID)
}

type fixture struct {
	svc      *Service
	sessions *mockSessions
	orders   *mockOrders
	gw       *mockGateway
	pub      *mockPublisher
	watcher  *mockWatcher
}

func newFixture(minOrderAmount float64) *fixture {
	cat := &mockCatalog{products: map[int64]*domain.Product{
		7: {ID: 7, Name: "Товар", Price: 1500, Currency: "RUB", Quantity: 10},
		8: {ID: 8, Name: "Мало", Price: 1500, Currency: "RUB", Quantity: 2},
		9: {ID: 9, Name: "Нет", Price: 1500, Currency: "RUB", Quantity: 0},
	}}
	f := &fixture{
		sessions: newMockSessions(),
		orders:   newMockOrders(),
		gw:       &mockGateway{},
		pub:      &mockPublisher{},
		watcher:  &mockWatcher{},
	}
	f.svc = NewService(
		cat,
		&mockProfiles{locality: profile.Locality{City: "Москва", Metro: "Арбатская"}},
		f.sessions, f.orders, f.gw, f.pub, f.watcher,
		300, minOrderAmount,
	)
	return f
}

// runToConfirmation walks a user to the confirmation summary.
func runToConfirmation(t *testing.T, f *fixture, userID int64, qty int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, userID, 7)
	require.NoError(t, err)
	_, err = f.svc.SelectQuantity(ctx, userID, qty)
	require.NoError(t, err)
	_, err = f.svc.SubmitAddress(ctx, userID, "ул. Примерная, д. 10, кв. 5")
	require.NoError(t, err)
	_, err = f.svc.SubmitComment(ctx, userID, "нет")
	require.NoError(t, err)
}

func TestStartPurchase_CreatesSession(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()

	prompt, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingQuantity, sess.State)
	assert.Equal(t, int64(7), sess.ProductID)
	assert.Equal(t, 5, sess.MaxQuantity)
	assert.NotEmpty(t, sess.IdempotencyKey)

	// 5 quantity buttons plus the menu action
	require.Len(t, prompt.Actions, 6)
	assert.Equal(t, "qty_1", prompt.Actions[0].ID)
	assert.Equal(t, "qty_5", prompt.Actions[4].ID)
}

func TestStartPurchase_StockBoundsQuantity(t *testing.T) {
	f := newFixture(500)

	prompt, err := f.svc.StartPurchase(context.Background(), 42, 8)
	require.NoError(t, err)
	require.Len(t, prompt.Actions, 3)
	assert.Equal(t, "qty_2", prompt.Actions[1].ID)
}

func TestStartPurchase_OutOfStock(t *testing.T) {
	f := newFixture(500)

	_, err := f.svc.StartPurchase(context.Background(), 42, 9)
	assert.ErrorIs(t, err, ErrOutOfStock)
}

func TestStartPurchase_UnknownProduct(t *testing.T) {
	f := newFixture(500)

	_, err := f.svc.StartPurchase(context.Background(), 42, 404)
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)
}

func TestSelectQuantity_AllValidQuantities(t *testing.T) {
	ctx := context.Background()
	for qty := 1; qty <= 5; qty++ {
		f := newFixture(500)
		_, err := f.svc.StartPurchase(ctx, 42, 7)
		require.NoError(t, err)

		_, err = f.svc.SelectQuantity(ctx, 42, qty)
		require.NoError(t, err)

		sess, err := f.sessions.Get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCollectingAddress, sess.State)
		assert.Equal(t, 1500*float64(qty), sess.Subtotal())
	}
}

func TestSelectQuantity_Invalid(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)

	for _, qty := range []int{0, -1, 6, 100} {
		prompt, err := f.svc.SelectQuantity(ctx, 42, qty)
		require.NoError(t, err)
		assert.Contains(t, prompt.Text, "от 1 до 5")

		sess, err := f.sessions.Get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCollectingQuantity, sess.State, "qty %d must not advance", qty)
	}
}

func TestSubmitAddress_TooShortNeverAdvances(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)
	_, err = f.svc.SelectQuantity(ctx, 42, 2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		prompt, err := f.svc.SubmitAddress(ctx, 42, "дом")
		require.NoError(t, err)
		assert.Contains(t, prompt.Text, "слишком короткий")

		sess, err := f.sessions.Get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCollectingAddress, sess.State)
	}
}

func TestSubmitAddress_SnapshotsLocality(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)
	_, err = f.svc.SelectQuantity(ctx, 42, 2)
	require.NoError(t, err)

	_, err = f.svc.SubmitAddress(ctx, 42, "ул. Примерная, д. 10")
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingComment, sess.State)
	assert.Equal(t, "Москва", sess.City)
	assert.Equal(t, "Арбатская", sess.Metro)
}

func TestSubmitComment_SkipSynonyms(t *testing.T) {
	ctx := context.Background()
	for _, input := range []string{"нет", "NO", "без", "Skip"} {
		f := newFixture(500)
		_, err := f.svc.StartPurchase(ctx, 42, 7)
		require.NoError(t, err)
		_, err = f.svc.SelectQuantity(ctx, 42, 2)
		require.NoError(t, err)
		_, err = f.svc.SubmitAddress(ctx, 42, "ул. Примерная, д. 10")
		require.NoError(t, err)

		prompt, err := f.svc.SubmitComment(ctx, 42, input)
		require.NoError(t, err)
		assert.Contains(t, prompt.Text, domain.NoComment)

		sess, err := f.sessions.Get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
		assert.Equal(t, domain.NoComment, sess.Comment)
	}
}

func TestSummary_IncludesDeliveryAndTotal(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)
	_, err = f.svc.SelectQuantity(ctx, 42, 2)
	require.NoError(t, err)
	_, err = f.svc.SubmitAddress(ctx, 42, "ул. Примерная, д. 10")
	require.NoError(t, err)

	prompt, err := f.svc.SubmitComment(ctx, 42, "позвонить за час")
	require.NoError(t, err)

	assert.Contains(t, prompt.Text, "3000 RUB")
	assert.Contains(t, prompt.Text, "300 RUB")
	assert.Contains(t, prompt.Text, "3300 RUB")
}

func TestConfirm_BelowMinimumShowsShortfall(t *testing.T) {
	f := newFixture(5000)
	runToConfirmation(t, f, 42, 2) // total 3300 < 5000

	prompt, err := f.svc.Confirm(context.Background(), 42)
	require.NoError(t, err)
	assert.Contains(t, prompt.Text, "5000")
	assert.Contains(t, prompt.Text, "3300")

	sess, err := f.sessions.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
	assert.Equal(t, 0, f.gw.createCalls)
}

func TestConfirm_CreatesInvoiceOrderAndWatcher(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 2)
	ctx := context.Background()

	prompt, err := f.svc.Confirm(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.createCalls)

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingPayment, sess.State)
	require.NotZero(t, sess.InvoiceID)

	order, err := f.orders.GetOrderByInvoice(ctx, sess.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, 3300.0, order.Amount)
	assert.Equal(t, int64(42), order.UserID)

	assert.Equal(t, []int64{sess.InvoiceID}, f.watcher.invoices)
	assert.Equal(t, []string{"order_created"}, f.pub.events)

	var hasPayURL, hasCheck bool
	for _, a := range prompt.Actions {
		if a.URL != "" {
			hasPayURL = true
		}
		if a.ID == fmt.Sprintf("check_%d", sess.InvoiceID) {
			hasCheck = true
		}
	}
	assert.True(t, hasPayURL)
	assert.True(t, hasCheck)
}

func TestConfirm_IdempotentOnRetry(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 2)
	ctx := context.Background()

	first, err := f.svc.Confirm(ctx, 42)
	require.NoError(t, err)
	second, err := f.svc.Confirm(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, 1, f.gw.createCalls, "retried confirm must not mint a second invoice")
	assert.Equal(t, first.Text, second.Text)
	assert.Len(t, f.watcher.invoices, 1)
}

func TestConfirm_GatewayFailureLeavesStateIntact(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 2)
	f.gw.createErr = errors.New("gateway down")
	ctx := context.Background()

	_, err := f.svc.Confirm(ctx, 42)
	require.Error(t, err)

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
	assert.Empty(t, f.orders.orders)
}

func TestGoBack_RestartsQuantity(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 2)
	ctx := context.Background()

	prompt, err := f.svc.GoBack(ctx, 42)
	require.NoError(t, err)
	assert.Contains(t, prompt.Text, "Выберите количество")

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingQuantity, sess.State)
	assert.Equal(t, int64(7), sess.ProductID)
	assert.Zero(t, sess.Quantity)
}

func TestAbandon_DropsSessionKeepsOrder(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 2)
	ctx := context.Background()

	_, err := f.svc.Confirm(ctx, 42)
	require.NoError(t, err)
	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	invoiceID := sess.InvoiceID

	require.NoError(t, f.svc.Abandon(ctx, 42))

	_, err = f.sessions.Get(ctx, 42)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	order, err := f.orders.GetOrderByInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestOperations_RequireSession(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()

	_, err := f.svc.SelectQuantity(ctx, 42, 1)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = f.svc.SubmitAddress(ctx, 42, "ул. Примерная, д. 10")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = f.svc.Confirm(ctx, 42)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStateGuards_RejectOutOfOrderInput(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)

	// Address before quantity
	_, err = f.svc.SubmitAddress(ctx, 42, "ул. Примерная, д. 10")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	// Confirm before the summary
	_, err = f.svc.Confirm(ctx, 42)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestHandleText_RoutesByState(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()

	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)

	// typed quantity instead of a button press
	_, err = f.svc.HandleText(ctx, 42, " 2 ")
	require.NoError(t, err)
	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingAddress, sess.State)
	assert.Equal(t, 2, sess.Quantity)

	_, err = f.svc.HandleText(ctx, 42, "ул. Примерная, д. 10, кв. 5")
	require.NoError(t, err)
	sess, err = f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingComment, sess.State)

	_, err = f.svc.HandleText(ctx, 42, "позвонить за час")
	require.NoError(t, err)
	sess, err = f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
	assert.Equal(t, "позвонить за час", sess.Comment)
}

func TestHandleText_NonNumericQuantityReprompts(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()

	_, err := f.svc.StartPurchase(ctx, 42, 7)
	require.NoError(t, err)

	prompt, err := f.svc.HandleText(ctx, 42, "два")
	require.NoError(t, err)
	assert.Contains(t, prompt.Text, "от 1 до")

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingQuantity, sess.State)
}

func TestHandleText_ButtonOnlyStatesNudge(t *testing.T) {
	f := newFixture(500)
	ctx := context.Background()
	runToConfirmation(t, f, 42, 3)

	prompt, err := f.svc.HandleText(ctx, 42, "да, подтверждаю")
	require.NoError(t, err)
	assert.Contains(t, prompt.Text, "кнопки")

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
}

func TestConfirm_ConcurrentConfirmsMintOneOrder(t *testing.T) {
	f := newFixture(500)
	f.gw.createDelay = 100 * time.Millisecond
	runToConfirmation(t, f, 42, 3)

	prompts := make([]*domain.Prompt, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.Confirm(context.Background(), 42)
			assert.NoError(t, err)
			prompts[i] = p
		}(i)
	}
	wg.Wait()

	f.orders.m.Lock()
	orderCount := len(f.orders.orders)
	f.orders.m.Unlock()
	assert.Equal(t, 1, orderCount, "racing confirms must settle on one order")

	// Both callers end up holding the same invoice.
	require.NotNil(t, prompts[0])
	require.NotNil(t, prompts[1])
	assert.Equal(t, prompts[0].Actions, prompts[1].Actions)

	sess, err := f.sessions.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingPayment, sess.State)

	winner, err := f.orders.GetOrderByIdempotencyKey(context.Background(), sess.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, winner.InvoiceID, sess.InvoiceID)
}

func TestConfirm_OrderCarriesSessionKey(t *testing.T) {
	f := newFixture(500)
	runToConfirmation(t, f, 42, 3)
	ctx := context.Background()

	_, err := f.svc.Confirm(ctx, 42)
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, sess.IdempotencyKey)

	order, err := f.orders.GetOrderByIdempotencyKey(ctx, sess.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, sess.InvoiceID, order.InvoiceID)
}
