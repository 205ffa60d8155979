package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/Reaper312-A/tgshop/internal/domain"
)

// Sender pushes a message to a user outside the request/response cycle.
// The concrete messaging adapter implements it.
type Sender interface {
	Send(ctx context.Context, userID int64, prompt *domain.Prompt) error
}

// Notifier renders reconciliation outcomes as user-facing pushes.
type Notifier struct {
	sender Sender
}

func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) PaymentConfirmed(ctx context.Context, order *domain.Order) {
	prompt := &domain.Prompt{
		Text: fmt.Sprintf("✅ Оплата получена!\nЗаказ #%d на сумму %.0f RUB оформлен и передан в доставку.",
			order.ID, order.Amount),
		Actions: []domain.Action{
			{ID: "menu", Label: "🏠 В главное меню"},
		},
	}
	if err := n.sender.Send(ctx, order.UserID, prompt); err != nil {
		log.Printf("notify user %d about paid invoice %d: %v", order.UserID, order.InvoiceID, err)
	}
}

func (n *Notifier) InvoiceExpired(ctx context.Context, order *domain.Order) {
	prompt := &domain.Prompt{
		Text: fmt.Sprintf("⌛ Счет по заказу #%d истек. Оформите заказ заново.", order.ID),
		Actions: []domain.Action{
			{ID: "menu", Label: "🏠 В главное меню"},
		},
	}
	if err := n.sender.Send(ctx, order.UserID, prompt); err != nil {
		log.Printf("notify user %d about expired invoice %d: %v", order.UserID, order.InvoiceID, err)
	}
}

// LogSender is the fallback transport: outcomes land in the log instead of
// a chat. Useful until a real messaging adapter is plugged in.
type LogSender struct{}

func (LogSender) Send(_ context.Context, userID int64, prompt *domain.Prompt) error {
	log.Printf("push to user %d: %s", userID, prompt.Text)
	return nil
}
