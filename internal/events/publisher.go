// Package events publishes order-lifecycle notifications for the operator
// side (fulfillment, support). Delivery is best effort: a broker outage must
// never block or fail a user-facing flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	EventOrderCreated = "order_created"
	EventOrderPaid    = "order_paid"
	EventOrderExpired = "order_expired"
)

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	writer messageWriter
}

func NewPublisher(topic string, brokers ...string) *Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w}
}

type orderEventPayload struct {
	OrderID    int64   `json:"order_id"`
	UserID     int64   `json:"user_id"`
	ProductID  int64   `json:"product_id"`
	InvoiceID  int64   `json:"invoice_id"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status"`
	OccurredAt string  `json:"occurred_at"`
}

func (p *Publisher) OrderEvent(ctx context.Context, eventType string, order *domain.Order) error {
	payload, err := json.Marshal(orderEventPayload{
		OrderID:    order.ID,
		UserID:     order.UserID,
		ProductID:  order.ProductID,
		InvoiceID:  order.InvoiceID,
		Amount:     order.Amount,
		Status:     order.Status.String(),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", order.InvoiceID)), // invoice_id for ordering
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	if w, ok := p.writer.(*kafka.Writer); ok {
		return w.Close()
	}
	return nil
}
