// Package wallet manages user credit: top-up invoices, the signed
// transaction ledger, package purchases and promo codes.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

var (
	// ErrInsufficientBalance is returned when a purchase exceeds the balance.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", tryout.ErrInvalidState)
	// ErrAlreadyOwned is returned when a user buys a package twice.
	ErrAlreadyOwned = fmt.Errorf("%w: package already purchased", tryout.ErrInvalidState)
	// ErrPromoUnavailable is returned for expired or exhausted promo codes.
	ErrPromoUnavailable = fmt.Errorf("%w: promo code unavailable", tryout.ErrInvalidState)
	// ErrPaymentClosed is returned when a paid or expired payment changes state.
	ErrPaymentClosed = fmt.Errorf("%w: payment no longer pending", tryout.ErrInvalidState)
)

// Ledger is the storage the wallet needs.
//
// RecordPurchase must, in one transaction, reject an owned package with
// ErrAlreadyOwned, reject a debit larger than the balance with
// ErrInsufficientBalance, consume one use of the promo code (ErrPromoUnavailable
// when none is left) and insert the debit and purchase rows.
// MarkPaymentPaid must credit the payment amount in the same transaction as
// the status change and report whether this call performed it.
type Ledger interface {
	GetPackage(ctx context.Context, id string) (model.Package, error)
	Transactions(ctx context.Context, userID string) ([]model.Transaction, error)
	Purchases(ctx context.Context, userID string) ([]model.Purchase, error)
	RecordPurchase(ctx context.Context, p model.Purchase, debit *model.Transaction) error

	CreatePayment(ctx context.Context, p model.Payment) error
	GetPayment(ctx context.Context, id string) (model.Payment, error)
	MarkPaymentPaid(ctx context.Context, id, externalID string, paidAt time.Time) (model.Payment, bool, error)
	ExpirePayment(ctx context.Context, id string) (model.Payment, error)
	ListPendingPayments(ctx context.Context) ([]model.Payment, error)

	CreatePromoCode(ctx context.Context, p model.PromoCode) error
	GetPromoCode(ctx context.Context, code string) (model.PromoCode, error)
}

// Service applies wallet rules on top of a Ledger.
type Service struct {
	ledger     Ledger
	paymentTTL time.Duration
	now        func() time.Time
}

// NewService creates a wallet service. Invoices expire after paymentTTL.
func NewService(l Ledger, paymentTTL time.Duration) *Service {
	if paymentTTL <= 0 {
		paymentTTL = 24 * time.Hour
	}
	return &Service{ledger: l, paymentTTL: paymentTTL, now: time.Now}
}

// Balance sums the signed transactions of userID.
func (s *Service) Balance(ctx context.Context, userID string) (model.Balance, error) {
	if userID == "" {
		return model.Balance{}, fmt.Errorf("%w: user id is required", tryout.ErrValidation)
	}
	txs, err := s.ledger.Transactions(ctx, userID)
	if err != nil {
		return model.Balance{}, fmt.Errorf("list transactions: %w", err)
	}
	return model.Balance{UserID: userID, Balance: Sum(txs)}, nil
}

// Sum adds up transaction amounts.
func Sum(txs []model.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.Amount)
	}
	return total
}

// Transactions returns the ledger of userID, newest first.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", tryout.ErrValidation)
	}
	return s.ledger.Transactions(ctx, userID)
}

// Purchases returns the packages userID bought.
func (s *Service) Purchases(ctx context.Context, userID string) ([]model.Purchase, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", tryout.ErrValidation)
	}
	return s.ledger.Purchases(ctx, userID)
}

// TopUp opens a pending invoice for amount credits.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal) (model.Payment, error) {
	if userID == "" {
		return model.Payment{}, fmt.Errorf("%w: user id is required", tryout.ErrValidation)
	}
	if !amount.IsPositive() {
		return model.Payment{}, fmt.Errorf("%w: top-up amount must be positive", tryout.ErrValidation)
	}
	now := s.now().UTC()
	p := model.Payment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount.Round(2),
		Status:    model.PaymentPending,
		ExpiresAt: now.Add(s.paymentTTL),
		CreatedAt: now,
	}
	if err := s.ledger.CreatePayment(ctx, p); err != nil {
		return model.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	slog.Info("created top-up invoice", "payment_id", p.ID, "user_id", userID, "amount", p.Amount.String())
	return p, nil
}

// MarkPaid settles a pending invoice and credits its amount. Settling a paid
// invoice again is a no-op. Overdue invoices are expired instead.
func (s *Service) MarkPaid(ctx context.Context, paymentID, externalID string) (model.Payment, error) {
	p, err := s.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return model.Payment{}, err
	}
	switch p.Status {
	case model.PaymentPaid:
		return p, nil
	case model.PaymentExpired:
		return model.Payment{}, ErrPaymentClosed
	}
	if !s.now().Before(p.ExpiresAt) {
		if _, err := s.ledger.ExpirePayment(ctx, paymentID); err != nil {
			return model.Payment{}, err
		}
		return model.Payment{}, ErrPaymentClosed
	}

	paid, transitioned, err := s.ledger.MarkPaymentPaid(ctx, paymentID, externalID, s.now().UTC())
	if err != nil {
		return model.Payment{}, err
	}
	if transitioned {
		slog.Info("payment settled", "payment_id", paid.ID, "user_id", paid.UserID, "amount", paid.Amount.String())
	}
	return paid, nil
}

// Expire closes a pending invoice without crediting it.
func (s *Service) Expire(ctx context.Context, paymentID string) (model.Payment, error) {
	return s.ledger.ExpirePayment(ctx, paymentID)
}

// ExpireStale expires every pending invoice past its expiry time.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	pending, err := s.ledger.ListPendingPayments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}
	now := s.now()
	expired := 0
	for _, p := range pending {
		if now.Before(p.ExpiresAt) {
			continue
		}
		if _, err := s.ledger.ExpirePayment(ctx, p.ID); err != nil {
			slog.Error("failed to expire payment", "payment_id", p.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Quote returns the price userID would pay for packageID with promoCode.
func (s *Service) Quote(ctx context.Context, packageID, promoCode string) (decimal.Decimal, error) {
	pkg, err := s.ledger.GetPackage(ctx, packageID)
	if err != nil {
		return decimal.Zero, err
	}
	price, _, err := s.price(ctx, pkg, promoCode)
	return price, err
}

func (s *Service) price(ctx context.Context, pkg model.Package, promoCode string) (decimal.Decimal, *string, error) {
	if pkg.Free() || promoCode == "" {
		return pkg.Price, nil, nil
	}
	code := normalizeCode(promoCode)
	promo, err := s.ledger.GetPromoCode(ctx, code)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if !promo.Usable(s.now()) {
		return decimal.Zero, nil, ErrPromoUnavailable
	}
	return promo.Apply(pkg.Price), &code, nil
}

// Purchase buys packageID for userID, optionally discounted by promoCode.
// Free packages are granted without a ledger entry.
func (s *Service) Purchase(ctx context.Context, userID, packageID, promoCode string) (model.Purchase, error) {
	if userID == "" {
		return model.Purchase{}, fmt.Errorf("%w: user id is required", tryout.ErrValidation)
	}
	pkg, err := s.ledger.GetPackage(ctx, packageID)
	if err != nil {
		return model.Purchase{}, err
	}
	price, code, err := s.price(ctx, pkg, promoCode)
	if err != nil {
		return model.Purchase{}, err
	}

	now := s.now().UTC()
	purchase := model.Purchase{
		ID:        uuid.NewString(),
		UserID:    userID,
		PackageID: packageID,
		CreatedAt: now,
	}
	var debit *model.Transaction
	if price.IsPositive() || code != nil {
		pkgID := packageID
		debit = &model.Transaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    price.Neg(),
			Kind:      model.KindPurchase,
			PackageID: &pkgID,
			PromoCode: code,
			CreatedAt: now,
		}
		purchase.TransactionID = &debit.ID
	}

	if err := s.ledger.RecordPurchase(ctx, purchase, debit); err != nil {
		return model.Purchase{}, err
	}
	slog.Info("package purchased", "user_id", userID, "package_id", packageID, "price", price.String())
	return purchase, nil
}

// CreatePromoCode registers a new promo code.
func (s *Service) CreatePromoCode(ctx context.Context, p model.PromoCode) (model.PromoCode, error) {
	p.Code = normalizeCode(p.Code)
	if p.Code == "" {
		return model.PromoCode{}, fmt.Errorf("%w: promo code is required", tryout.ErrValidation)
	}
	if p.DiscountPercent < 1 || p.DiscountPercent > 100 {
		return model.PromoCode{}, fmt.Errorf("%w: discount must be between 1 and 100 percent", tryout.ErrValidation)
	}
	if p.MaxUses < 0 {
		return model.PromoCode{}, fmt.Errorf("%w: max uses must not be negative", tryout.ErrValidation)
	}
	p.Uses = 0
	if err := s.ledger.CreatePromoCode(ctx, p); err != nil {
		return model.PromoCode{}, err
	}
	return p, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
