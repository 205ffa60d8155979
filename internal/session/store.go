package session

import (
	"context"
	"errors"

	"github.com/Reaper312-A/tgshop/internal/domain"
)

// Store holds at most one in-flight checkout session per user. Sessions are
// ephemeral: eviction by TTL stands in for explicit abandonment.
type Store interface {
	Get(ctx context.Context, userID int64) (*domain.CheckoutSession, error)
	Put(ctx context.Context, s *domain.CheckoutSession) error
	Delete(ctx context.Context, userID int64) error
}

var ErrSessionNotFound = errors.New("checkout session not found")
