// Package handler exposes the tryout backend as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/ingest"
	"github.com/pavelanni/tryout/internal/llm"
	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

// Store is the part of the persistence layer the handlers read directly.
type Store interface {
	ListPackages(ctx context.Context) ([]model.Package, error)
	GetPackage(ctx context.Context, id string) (model.Package, error)
	QuestionCount(ctx context.Context, packageID string) (int, error)
	SavePackage(ctx context.Context, pkg model.Package, questions []model.Question) error
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]model.Session, error)
}

// Publisher sends packages to the ingestion service.
type Publisher interface {
	Publish(ctx context.Context, pkg model.Package, questions []model.Question) (ingest.Publication, error)
}

// Advisor produces study advice for a finalized result.
type Advisor interface {
	Advise(ctx context.Context, req llm.AdviceRequest) (*llm.Advice, error)
}

// Config holds handler settings.
type Config struct {
	// AdminTokenHash is the bcrypt hash of the admin bearer token. Empty
	// disables the admin routes.
	AdminTokenHash string
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     Store
	tryouts   *tryout.Service
	wallet    *wallet.Service
	publisher Publisher
	advisor   Advisor
	config    Config
	validate  *validator.Validate
}

// New creates a new Handler. publisher and advisor may be nil.
func New(s Store, t *tryout.Service, w *wallet.Service, p Publisher, a Advisor, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		store:     s,
		tryouts:   t,
		wallet:    w,
		publisher: p,
		advisor:   a,
		config:    cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/packages", h.handleListPackages)
		r.Get("/packages/{packageID}", h.handleGetPackage)
		r.Get("/packages/{packageID}/statistics", h.handleStatistics)
		r.Post("/packages/{packageID}/sessions", h.handleStartSession)
		r.Post("/packages/{packageID}/purchase", h.handlePurchase)

		r.Get("/sessions", h.handleListSessions)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Put("/sessions/{sessionID}/answers/{questionID}", h.handleSubmitAnswer)
		r.Post("/sessions/{sessionID}/finalize", h.handleFinalize)
		r.Get("/sessions/{sessionID}/result", h.handleResult)
		r.Get("/sessions/{sessionID}/advice", h.handleAdvice)

		r.Get("/wallet", h.handleBalance)
		r.Get("/wallet/transactions", h.handleTransactions)
		r.Get("/wallet/purchases", h.handlePurchases)
		r.Post("/wallet/topups", h.handleTopUp)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/packages", h.handleImportPackage)
		r.Post("/payments/{paymentID}/paid", h.handleMarkPaid)
		r.Post("/payments/{paymentID}/expire", h.handleExpirePayment)
		r.Post("/promo-codes", h.handleCreatePromoCode)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// errorKinds maps a sentinel to its status, code and message ID. Specific
// sentinels come before the generic ones they wrap.
var errorKinds = []struct {
	err    error
	status int
	code   string
	msgID  string
}{
	{tryout.ErrNotPurchased, http.StatusForbidden, "not_purchased", "ErrNotPurchased"},
	{tryout.ErrSessionCompleted, http.StatusConflict, "session_completed", "ErrSessionCompleted"},
	{tryout.ErrSessionExpired, http.StatusConflict, "session_expired", "ErrSessionExpired"},
	{tryout.ErrSessionInProgress, http.StatusConflict, "session_in_progress", "ErrSessionInProgress"},
	{wallet.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance", "ErrInsufficientBalance"},
	{wallet.ErrAlreadyOwned, http.StatusConflict, "already_owned", "ErrAlreadyOwned"},
	{wallet.ErrPromoUnavailable, http.StatusConflict, "promo_unavailable", "ErrPromoUnavailable"},
	{wallet.ErrPaymentClosed, http.StatusConflict, "payment_closed", "ErrPaymentClosed"},
	{tryout.ErrValidation, http.StatusBadRequest, "validation", "ErrValidation"},
	{tryout.ErrNotFound, http.StatusNotFound, "not_found", "ErrNotFound"},
	{tryout.ErrInvalidState, http.StatusConflict, "invalid_state", "ErrInvalidState"},
	{tryout.ErrTransport, http.StatusBadGateway, "transport", "ErrTransport"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		body := errorBody{Error: k.code, Message: appI18n.T(r.Context(), k.msgID)}
		if k.status == http.StatusBadRequest {
			body.Detail = err.Error()
		}
		if k.status >= 500 {
			slog.Error("upstream failure", "path", r.URL.Path, "error", err)
		}
		writeJSON(w, k.status, body)
		return
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "internal",
		Message: appI18n.T(r.Context(), "ErrInternal"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", tryout.ErrValidation, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", tryout.ErrValidation, err)
	}
	return nil
}
