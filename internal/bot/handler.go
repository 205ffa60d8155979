// Package bot is the messaging-transport boundary. It turns incoming
// updates into checkout operations and maps domain errors to the Russian
// messages users see; no domain error type crosses this layer outward.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Reaper312-A/tgshop/internal/catalog"
	"github.com/Reaper312-A/tgshop/internal/checkout"
	"github.com/Reaper312-A/tgshop/internal/domain"
	"github.com/Reaper312-A/tgshop/internal/profile"
	"github.com/Reaper312-A/tgshop/internal/recon"
)

// CheckoutService is the slice of the checkout flow this transport drives.
type CheckoutService interface {
	StartPurchase(ctx context.Context, userID, productID int64) (*domain.Prompt, error)
	SelectQuantity(ctx context.Context, userID int64, quantity int) (*domain.Prompt, error)
	SubmitComment(ctx context.Context, userID int64, text string) (*domain.Prompt, error)
	HandleText(ctx context.Context, userID int64, text string) (*domain.Prompt, error)
	Confirm(ctx context.Context, userID int64) (*domain.Prompt, error)
	GoBack(ctx context.Context, userID int64) (*domain.Prompt, error)
	Abandon(ctx context.Context, userID int64) error
	Orders(ctx context.Context, userID int64) (*domain.Prompt, error)
}

// PaymentChecker runs an on-demand reconciliation of one invoice.
type PaymentChecker interface {
	CheckNow(ctx context.Context, invoiceID int64) (*recon.Outcome, error)
}

type Handler struct {
	checkout CheckoutService
	catalog  catalog.CatalogRepository
	profiles profile.ProfileRepository
	checker  PaymentChecker
}

func NewHandler(co CheckoutService, cat catalog.CatalogRepository, profiles profile.ProfileRepository, checker PaymentChecker) *Handler {
	return &Handler{
		checkout: co,
		catalog:  cat,
		profiles: profiles,
		checker:  checker,
	}
}

// NewRouter assembles the HTTP surface: a health probe and the single
// update ingress the messaging adapter posts to.
func NewRouter(h *Handler, timeout time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/updates", h.HandleUpdate)

	return r
}

// UpdateRequestDTO is one normalized incoming event: either a pressed
// button (action) or free-form text.
type UpdateRequestDTO struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
	Action string `json:"action"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// POST /updates
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.UserID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a positive integer")
		return
	}

	prompt, err := h.dispatch(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prompt)
}

func (h *Handler) dispatch(ctx context.Context, req UpdateRequestDTO) (*domain.Prompt, error) {
	action := strings.TrimSpace(req.Action)

	if action == "" {
		if strings.TrimSpace(req.Text) == "/start" {
			return h.start(ctx, req.UserID)
		}
		return h.checkout.HandleText(ctx, req.UserID, req.Text)
	}

	switch {
	case action == "start":
		return h.start(ctx, req.UserID)
	case action == "menu":
		// Leaving for the menu abandons the flow; a minted invoice keeps
		// living in the ledger regardless.
		if err := h.checkout.Abandon(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("abandon session: %w", err)
		}
		return h.menu(ctx)
	case action == "orders":
		return h.checkout.Orders(ctx, req.UserID)
	case action == "confirm":
		return h.checkout.Confirm(ctx, req.UserID)
	case action == "back":
		return h.checkout.GoBack(ctx, req.UserID)
	case action == "no_comment":
		return h.checkout.SubmitComment(ctx, req.UserID, "")
	case strings.HasPrefix(action, "buy_"):
		productID, err := strconv.ParseInt(strings.TrimPrefix(action, "buy_"), 10, 64)
		if err != nil {
			return nil, errUnknownAction
		}
		return h.checkout.StartPurchase(ctx, req.UserID, productID)
	case strings.HasPrefix(action, "qty_"):
		quantity, err := strconv.Atoi(strings.TrimPrefix(action, "qty_"))
		if err != nil {
			return nil, errUnknownAction
		}
		return h.checkout.SelectQuantity(ctx, req.UserID, quantity)
	case strings.HasPrefix(action, "check_"):
		invoiceID, err := strconv.ParseInt(strings.TrimPrefix(action, "check_"), 10, 64)
		if err != nil {
			return nil, errUnknownAction
		}
		return h.checkPayment(ctx, invoiceID)
	default:
		return nil, errUnknownAction
	}
}

func (h *Handler) start(ctx context.Context, userID int64) (*domain.Prompt, error) {
	if _, err := h.profiles.GetOrCreateUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	return h.menu(ctx)
}

func (h *Handler) menu(ctx context.Context) (*domain.Prompt, error) {
	products, err := h.catalog.GetAllProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	actions := make([]domain.Action, 0, len(products)+1)
	for _, p := range products {
		if !p.InStock() {
			continue
		}
		actions = append(actions, domain.Action{
			ID:    fmt.Sprintf("buy_%d", p.ID),
			Label: fmt.Sprintf("%s — %.0f %s", p.Name, p.Price, p.Currency),
		})
	}
	actions = append(actions, domain.Action{ID: "orders", Label: "📋 Мои заказы"})

	text := "🏠 Главное меню\n\nВыберите товар:"
	if len(actions) == 1 {
		text = "🏠 Главное меню\n\nТоваров в наличии пока нет."
	}
	return &domain.Prompt{Text: text, Actions: actions}, nil
}

func (h *Handler) checkPayment(ctx context.Context, invoiceID int64) (*domain.Prompt, error) {
	outcome, err := h.checker.CheckNow(ctx, invoiceID)
	if err != nil {
		log.Printf("check payment for invoice %d: %v", invoiceID, err)
		return &domain.Prompt{Text: "⚠️ Ошибка при проверке оплаты. Попробуйте позже."}, nil
	}

	switch outcome.State {
	case recon.CheckPaid:
		return &domain.Prompt{
			Text: fmt.Sprintf("✅ Оплата получена!\nЗаказ #%d оформлен и передан в доставку.", outcome.Order.ID),
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		}, nil
	case recon.CheckExpired:
		return &domain.Prompt{
			Text: "⌛ Счет истек. Оформите заказ заново.",
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		}, nil
	case recon.CheckCancelled:
		return &domain.Prompt{
			Text: "🚫 Заказ отменен.",
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		}, nil
	case recon.CheckNotFound:
		return &domain.Prompt{Text: "❌ Заказ не найден."}, nil
	default:
		return &domain.Prompt{Text: "⏳ Оплата пока не поступила.\nПопробуйте проверить через минуту."}, nil
	}
}

var errUnknownAction = errors.New("unknown action")

func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrNoActiveSession):
		respondJSON(w, http.StatusOK, &domain.Prompt{
			Text: "Сессия оформления не найдена. Начните покупку заново.",
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		})
	case errors.Is(err, checkout.ErrIllegalTransition):
		respondJSON(w, http.StatusOK, &domain.Prompt{
			Text: "💡 Используйте кнопки под сообщением.",
		})
	case errors.Is(err, checkout.ErrOutOfStock):
		respondJSON(w, http.StatusOK, &domain.Prompt{
			Text: "❌ Товар закончился. Выберите другой.",
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		})
	case errors.Is(err, catalog.ErrProductNotFound):
		respondJSON(w, http.StatusOK, &domain.Prompt{
			Text: "❌ Товар не найден.",
			Actions: []domain.Action{
				{ID: "menu", Label: "🏠 В главное меню"},
			},
		})
	case errors.Is(err, errUnknownAction):
		respondError(w, http.StatusBadRequest, "unknown_action", "unrecognized action")
	default:
		log.Printf("update handling failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
