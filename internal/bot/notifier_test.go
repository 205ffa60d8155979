package bot

import (
	"context"
	"testing"

	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type senderMock struct {
	userID int64
	prompt *domain.Prompt
}

func (m *senderMock) Send(_ context.Context, userID int64, prompt *domain.Prompt) error {
	m.userID = userID
	m.prompt = prompt
	return nil
}

func TestNotifier_PaymentConfirmed(t *testing.T) {
	sender := &senderMock{}
	notifier := NewNotifier(sender)

	notifier.PaymentConfirmed(context.Background(), &domain.Order{ID: 9, UserID: 42, Amount: 3300, InvoiceID: 100})

	require.NotNil(t, sender.prompt)
	assert.Equal(t, int64(42), sender.userID)
	assert.Contains(t, sender.prompt.Text, "Оплата получена")
	assert.Contains(t, sender.prompt.Text, "#9")
}

func TestNotifier_InvoiceExpired(t *testing.T) {
	sender := &senderMock{}
	notifier := NewNotifier(sender)

	notifier.InvoiceExpired(context.Background(), &domain.Order{ID: 9, UserID: 42, InvoiceID: 100})

	require.NotNil(t, sender.prompt)
	assert.Equal(t, int64(42), sender.userID)
	assert.Contains(t, sender.prompt.Text, "истек")
}
