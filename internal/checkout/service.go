package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Reaper312-A/tgshop/internal/catalog"
	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/Reaper312-A/tgshop/internal/events"
	"github.com/Reaper312-A/tgshop/internal/gateway"
	"github.com/Reaper312-A/tgshop/internal/ledger"
	"github.com/Reaper312-A/tgshop/internal/profile"
	"github.com/Reaper312-A/tgshop/internal/session"
	"github.com/google/uuid"
)

const minAddressLen = 5

// EventPublisher decouples the flow from the broker; publish failures are
// logged, never surfaced to the user.
type EventPublisher interface {
	OrderEvent(ctx context.Context, eventType string, order *domain.Order) error
}

// PaymentWatcher starts background reconciliation for a freshly minted
// invoice.
type PaymentWatcher interface {
	Watch(invoiceID, userID int64)
}

// Service drives the per-user checkout state machine:
// quantity → address → comment → confirmation → payment.
type Service struct {
	catalog   catalog.CatalogRepository
	profiles  profile.ProfileRepository
	sessions  session.Store
	orders    ledger.OrderRepository
	gateway   gateway.Client
	publisher EventPublisher
	watcher   PaymentWatcher

	deliveryFee    float64
	minOrderAmount float64
}

func NewService(
	cat catalog.CatalogRepository,
	profiles profile.ProfileRepository,
	sessions session.Store,
	orders ledger.OrderRepository,
	gw gateway.Client,
	publisher EventPublisher,
	watcher PaymentWatcher,
	deliveryFee, minOrderAmount float64,
) *Service {
	return &Service{
		catalog:        cat,
		profiles:       profiles,
		sessions:       sessions,
		orders:         orders,
		gateway:        gw,
		publisher:      publisher,
		watcher:        watcher,
		deliveryFee:    deliveryFee,
		minOrderAmount: minOrderAmount,
	}
}

// StartPurchase opens a fresh session for the product, replacing whatever
// flow the user had in progress.
func (s *Service) StartPurchase(ctx context.Context, userID, productID int64) (*domain.Prompt, error) {
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.InStock() {
		return nil, ErrOutOfStock
	}

	now := time.Now()
	sess := &domain.CheckoutSession{
		UserID:         userID,
		ProductID:      product.ID,
		ProductName:    product.Name,
		UnitPrice:      product.Price,
		Currency:       product.Currency,
		MaxQuantity:    product.MaxPerOrder(),
		IdempotencyKey: uuid.NewString(),
		State:          domain.StateCollectingQuantity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	return quantityPrompt(product), nil
}

// SelectQuantity accepts 1..min(5, stock) and moves on to the address step.
func (s *Service) SelectQuantity(ctx context.Context, userID int64, quantity int) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCollectingQuantity {
		return nil, ErrIllegalTransition
	}

	if quantity < 1 || quantity > sess.MaxQuantity {
		return &domain.Prompt{
			Text: fmt.Sprintf("❌ Укажите количество от 1 до %d.", sess.MaxQuantity),
		}, nil
	}

	sess.Quantity = quantity
	if err := s.advance(ctx, sess, domain.StateCollectingAddress); err != nil {
		return nil, err
	}

	return &domain.Prompt{
		Text: fmt.Sprintf(
			"🛒 %s\n📦 Количество: %d шт.\n💰 Сумма: %.0f %s\n\n📍 Укажите адрес доставки (улица, дом, квартира):",
			sess.ProductName, sess.Quantity, sess.Subtotal(), sess.Currency),
	}, nil
}

// SubmitAddress stores the delivery address and snapshots the user's
// locality. Too-short input re-prompts without leaving the state.
func (s *Service) SubmitAddress(ctx context.Context, userID int64, text string) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCollectingAddress {
		return nil, ErrIllegalTransition
	}

	address := strings.TrimSpace(text)
	if len([]rune(address)) < minAddressLen {
		return &domain.Prompt{Text: "❌ Адрес слишком короткий. Укажите полный адрес:"}, nil
	}

	locality, err := s.profiles.GetLocality(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup locality: %w", err)
	}

	sess.Address = address
	sess.City = locality.City
	sess.Metro = locality.Metro
	if err := s.advance(ctx, sess, domain.StateCollectingComment); err != nil {
		return nil, err
	}

	return &domain.Prompt{
		Text: "💬 Добавьте комментарий к заказу (необязательно).\nИли напишите «нет», если комментарий не нужен.",
		Actions: []domain.Action{
			{ID: "no_comment", Label: "🔄 Без комментария"},
		},
	}, nil
}

// SubmitComment always advances to the confirmation summary; the closed set
// of skip words maps to the canonical no-comment value.
func (s *Service) SubmitComment(ctx context.Context, userID int64, text string) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateCollectingComment {
		return nil, ErrIllegalTransition
	}

	sess.Comment = domain.NormalizeComment(text)
	if err := s.advance(ctx, sess, domain.StateAwaitingConfirmation); err != nil {
		return nil, err
	}

	return s.summaryPrompt(sess), nil
}

// Confirm mints the invoice and converts the session into a pending order.
// It is idempotent: once the session reached the payment state, repeated
// confirms return the existing invoice instead of minting another.
func (s *Service) Confirm(ctx context.Context, userID int64) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sess.State == domain.StateAwaitingPayment && sess.InvoiceID != 0 {
		return paymentPrompt(sess.InvoiceID, sess.PayURL, sess.Total(s.deliveryFee)), nil
	}
	if sess.State != domain.StateAwaitingConfirmation {
		return nil, ErrIllegalTransition
	}

	total := sess.Total(s.deliveryFee)
	if total < s.minOrderAmount {
		return &domain.Prompt{
			Text: fmt.Sprintf(
				"❌ Минимальная сумма заказа: %.0f RUB\nВаша сумма: %.0f RUB\n\nДобавьте больше товаров или выберите другой товар.",
				s.minOrderAmount, total),
			Actions: []domain.Action{
				{ID: "back", Label: "◀️ Назад"},
			},
		}, nil
	}

	invoice, err := s.gateway.CreateInvoice(ctx, total, "RUB")
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	order := &domain.Order{
		UserID:         userID,
		ProductID:      sess.ProductID,
		Amount:         total,
		InvoiceID:      invoice.ID,
		IdempotencyKey: sess.IdempotencyKey,
		PaymentURL:     invoice.PayURL,
		Status:         domain.OrderStatusPending,
	}
	orderID, err := s.orders.CreateOrder(ctx, order)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		// A concurrent confirm of the same session won the insert; adopt
		// its invoice and let the one minted here expire unpaid.
		winner, lookupErr := s.orders.GetOrderByIdempotencyKey(ctx, sess.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("load existing order: %w", lookupErr)
		}
		log.Printf("invoice %d for user %d superseded by %d, dropping",
			invoice.ID, userID, winner.InvoiceID)

		sess.InvoiceID = winner.InvoiceID
		sess.PayURL = winner.PaymentURL
		if errAdv := s.advance(ctx, sess, domain.StateAwaitingPayment); errAdv != nil && !errors.Is(errAdv, ErrIllegalTransition) {
			return nil, errAdv
		}
		return paymentPrompt(winner.InvoiceID, winner.PaymentURL, winner.Amount), nil
	}
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	order.ID = orderID

	if errPub := s.publisher.OrderEvent(ctx, events.EventOrderCreated, order); errPub != nil {
		log.Printf("failed to publish order_created for invoice %d: %v", invoice.ID, errPub)
	}

	sess.InvoiceID = invoice.ID
	sess.PayURL = invoice.PayURL
	if err := s.advance(ctx, sess, domain.StateAwaitingPayment); err != nil {
		return nil, err
	}

	s.watcher.Watch(invoice.ID, userID)

	return paymentPrompt(invoice.ID, invoice.PayURL, total), nil
}

// HandleText routes free-form input by the session's current step. Steps
// driven purely by buttons get a nudge instead of an error.
func (s *Service) HandleText(ctx context.Context, userID int64, text string) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch sess.State {
	case domain.StateCollectingQuantity:
		quantity, convErr := strconv.Atoi(strings.TrimSpace(text))
		if convErr != nil {
			return &domain.Prompt{
				Text: fmt.Sprintf("❌ Укажите количество от 1 до %d.", sess.MaxQuantity),
			}, nil
		}
		return s.SelectQuantity(ctx, userID, quantity)
	case domain.StateCollectingAddress:
		return s.SubmitAddress(ctx, userID, text)
	case domain.StateCollectingComment:
		return s.SubmitComment(ctx, userID, text)
	default:
		return &domain.Prompt{Text: "💡 Используйте кнопки под сообщением."}, nil
	}
}

// GoBack returns from the confirmation summary to quantity selection for
// the same product.
func (s *Service) GoBack(ctx context.Context, userID int64) (*domain.Prompt, error) {
	sess, err := s.getSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateAwaitingConfirmation {
		return nil, ErrIllegalTransition
	}

	sess.Quantity = 0
	sess.Address = ""
	sess.Comment = ""
	if err := s.advance(ctx, sess, domain.StateCollectingQuantity); err != nil {
		return nil, err
	}

	product, err := s.catalog.GetProduct(ctx, sess.ProductID)
	if err != nil {
		return nil, err
	}
	return quantityPrompt(product), nil
}

// Abandon drops the session. An already-minted invoice and its pending
// order stay untouched; reconciliation still owns their fate.
func (s *Service) Abandon(ctx context.Context, userID int64) error {
	return s.sessions.Delete(ctx, userID)
}

// Orders renders the user's purchase history, newest first.
func (s *Service) Orders(ctx context.Context, userID int64) (*domain.Prompt, error) {
	orders, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		return &domain.Prompt{Text: "У вас пока нет заказов."}, nil
	}

	var b strings.Builder
	b.WriteString("📋 Ваши заказы:\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "\n#%d — %.0f RUB — %s (%s)",
			o.ID, o.Amount, statusLabel(o.Status), o.CreatedAt.Format("02.01.2006"))
	}
	return &domain.Prompt{Text: b.String()}, nil
}

func (s *Service) getSession(ctx context.Context, userID int64) (*domain.CheckoutSession, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *Service) advance(ctx context.Context, sess *domain.CheckoutSession, to domain.CheckoutState) error {
	if !domain.CanTransitionTo(sess.State, to) {
		return ErrIllegalTransition
	}
	sess.State = to
	sess.UpdatedAt = time.Now()
	if err := s.sessions.Put(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Service) summaryPrompt(sess *domain.CheckoutSession) *domain.Prompt {
	city := sess.City
	if city == "" {
		city = "Не указан"
	}
	metro := sess.Metro
	if metro == "" {
		metro = "Не указано"
	}

	text := fmt.Sprintf(
		"📋 Сводка заказа:\n"+
			"🛒 Товар: %s\n"+
			"📦 Количество: %d шт.\n"+
			"💰 Сумма товаров: %.0f RUB\n"+
			"🚚 Доставка: %.0f RUB\n"+
			"💎 ИТОГО: %.0f RUB\n"+
			"📍 Адрес: %s\n"+
			"🏙️ Город: %s\n"+
			"🚇 Метро: %s\n"+
			"💬 Комментарий: %s",
		sess.ProductName, sess.Quantity, sess.Subtotal(), s.deliveryFee,
		sess.Total(s.deliveryFee), sess.Address, city, metro, sess.Comment)

	return &domain.Prompt{
		Text: text,
		Actions: []domain.Action{
			{ID: "confirm", Label: "✅ Подтвердить и оплатить"},
			{ID: "back", Label: "◀️ Назад"},
		},
	}
}

func quantityPrompt(product *domain.Product) *domain.Prompt {
	actions := make([]domain.Action, 0, product.MaxPerOrder()+1)
	for i := 1; i <= product.MaxPerOrder(); i++ {
		actions = append(actions, domain.Action{
			ID:    fmt.Sprintf("qty_%d", i),
			Label: fmt.Sprintf("%d", i),
		})
	}
	actions = append(actions, domain.Action{ID: "menu", Label: "🏠 В главное меню"})

	return &domain.Prompt{
		Text: fmt.Sprintf(
			"🛒 Покупка: %s\n💰 Цена за 1 шт: %.0f %s\n📦 В наличии: %d шт.\n\nВыберите количество:",
			product.Name, product.Price, product.Currency, product.Quantity),
		Actions: actions,
	}
}

func paymentPrompt(invoiceID int64, payURL string, total float64) *domain.Prompt {
	return &domain.Prompt{
		Text: fmt.Sprintf(
			"💎 Оплата заказа\nСумма к оплате: %.0f RUB\n\n⏰ Счет действителен 1 час\n💡 После оплаты нажмите «Проверить оплату»",
			total),
		Actions: []domain.Action{
			{Label: "💳 Оплатить сейчас", URL: payURL},
			{ID: fmt.Sprintf("check_%d", invoiceID), Label: "✅ Проверить оплату"},
			{ID: "menu", Label: "🏠 В главное меню"},
		},
	}
}

func statusLabel(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusPending:
		return "⏳ ожидает оплаты"
	case domain.OrderStatusPaid:
		return "✅ оплачен"
	case domain.OrderStatusCancelled:
		return "🚫 отменен"
	case domain.OrderStatusExpired:
		return "⌛ истек"
	default:
		return status.String()
	}
}
