package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/tryout/internal/catalog"
	"github.com/pavelanni/tryout/internal/ingest"
	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

type importResponse struct {
	Status      string              `json:"status"`
	Package     *model.Package      `json:"package,omitempty"`
	Questions   int                 `json:"questions"`
	Publication *ingest.Publication `json:"publication,omitempty"`
}

// handleImportPackage stores the package definition in the request body.
// Uploads are keyed by the name query parameter; re-sending identical
// content under the same name is skipped.
func (h *Handler) handleImportPackage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read body: %v", tryout.ErrValidation, err))
		return
	}
	publish, _ := strconv.ParseBool(r.URL.Query().Get("publish"))
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}

	ctx := r.Context()
	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])
	storedHash, err := h.store.GetImportedFileHash(ctx, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if storedHash == hash {
		slog.Info("package upload unchanged, skipping", "name", name)
		writeJSON(w, http.StatusOK, importResponse{Status: "skipped"})
		return
	}

	pkg, questions, err := catalog.Parse(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if publish && h.publisher == nil {
		writeError(w, r, fmt.Errorf("%w: ingestion webhook not configured", tryout.ErrValidation))
		return
	}
	if err := h.store.SavePackage(ctx, pkg, questions); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.SetImportedFileHash(ctx, name, hash); err != nil {
		slog.Error("failed to record import", "name", name, "error", err)
	}
	slog.Info("imported package via admin", "name", name, "package_id", pkg.ID, "questions", len(questions))

	resp := importResponse{Status: "imported", Package: &pkg, Questions: len(questions)}
	if publish {
		pub, err := h.publisher.Publish(ctx, pkg, questions)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Status = "published"
		resp.Publication = &pub
	}
	writeJSON(w, http.StatusCreated, resp)
}

type markPaidRequest struct {
	ExternalID string `json:"external_id" validate:"required,max=128"`
}

func (h *Handler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	payment, err := h.wallet.MarkPaid(r.Context(), chi.URLParam(r, "paymentID"), req.ExternalID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleExpirePayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.wallet.Expire(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

type promoCodeRequest struct {
	Code            string     `json:"code" validate:"required,alphanum,max=32"`
	DiscountPercent int        `json:"discount_percent" validate:"min=1,max=100"`
	MaxUses         int        `json:"max_uses" validate:"gte=0"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

func (h *Handler) handleCreatePromoCode(w http.ResponseWriter, r *http.Request) {
	var req promoCodeRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	promo, err := h.wallet.CreatePromoCode(r.Context(), model.PromoCode{
		Code:            req.Code,
		DiscountPercent: req.DiscountPercent,
		MaxUses:         req.MaxUses,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, promo)
}
