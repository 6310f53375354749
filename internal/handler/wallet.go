package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.wallet.Balance(r.Context(), model.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.wallet.Transactions(r.Context(), model.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) handlePurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.wallet.Purchases(r.Context(), model.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if purchases == nil {
		purchases = []model.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}

type topUpRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: amount %q", tryout.ErrValidation, req.Amount))
		return
	}
	payment, err := h.wallet.TopUp(r.Context(), model.UserIDFromContext(r.Context()), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

type purchaseRequest struct {
	PromoCode string `json:"promo_code" validate:"omitempty,max=64"`
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	purchase, err := h.wallet.Purchase(r.Context(), model.UserIDFromContext(r.Context()), chi.URLParam(r, "packageID"), req.PromoCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}
