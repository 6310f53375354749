package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind labels a ledger entry.
type TransactionKind string

const (
	KindTopUp    TransactionKind = "topup"
	KindPurchase TransactionKind = "purchase"
)

// PaymentStatus tracks an external payment-gateway invoice.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentExpired PaymentStatus = "expired"
)

// Balance is a user's credit balance.
type Balance struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Transaction is a signed ledger entry. Credits are positive, debits negative.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      TransactionKind `json:"kind"`
	PackageID *string         `json:"package_id,omitempty"`
	PromoCode *string         `json:"promo_code,omitempty"`
	PaymentID *string         `json:"payment_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payment is a top-up invoice issued through the payment gateway.
type Payment struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     PaymentStatus   `json:"status"`
	ExternalID string          `json:"external_id,omitempty"`
	InvoiceURL string          `json:"invoice_url,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Purchase links a user to a package they bought.
type Purchase struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	PackageID     string    `json:"package_id"`
	TransactionID *string   `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PromoCode discounts a package purchase.
type PromoCode struct {
	Code            string     `json:"code"`
	DiscountPercent int        `json:"discount_percent"`
	MaxUses         int        `json:"max_uses"`
	Uses            int        `json:"uses"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the code can still be redeemed at now.
func (p PromoCode) Usable(now time.Time) bool {
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return p.MaxUses == 0 || p.Uses < p.MaxUses
}

// Apply returns price reduced by the discount, never below zero.
func (p PromoCode) Apply(price decimal.Decimal) decimal.Decimal {
	discount := price.Mul(decimal.NewFromInt(int64(p.DiscountPercent))).Div(decimal.NewFromInt(100))
	out := price.Sub(discount).Round(2)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
