package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

type fakeLedger struct {
	mu        sync.Mutex
	packages  map[string]model.Package
	txs       []model.Transaction
	purchases []model.Purchase
	payments  map[string]model.Payment
	promos    map[string]model.PromoCode
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		packages: map[string]model.Package{
			"paid": {ID: "paid", Title: "Paid", Price: decimal.NewFromInt(100)},
			"free": {ID: "free", Title: "Free"},
		},
		payments: make(map[string]model.Payment),
		promos:   make(map[string]model.PromoCode),
	}
}

func (f *fakeLedger) GetPackage(_ context.Context, id string) (model.Package, error) {
	p, ok := f.packages[id]
	if !ok {
		return model.Package{}, fmt.Errorf("%w: package %q", tryout.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeLedger) Transactions(_ context.Context, userID string) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Transaction
	for _, t := range f.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) Purchases(_ context.Context, userID string) ([]model.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Purchase
	for _, p := range f.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) RecordPurchase(_ context.Context, p model.Purchase, debit *model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.purchases {
		if existing.UserID == p.UserID && existing.PackageID == p.PackageID {
			return ErrAlreadyOwned
		}
	}
	if debit != nil {
		balance := decimal.Zero
		for _, t := range f.txs {
			if t.UserID == p.UserID {
				balance = balance.Add(t.Amount)
			}
		}
		if balance.Add(debit.Amount).IsNegative() {
			return ErrInsufficientBalance
		}
		if debit.PromoCode != nil {
			promo := f.promos[*debit.PromoCode]
			if promo.MaxUses > 0 && promo.Uses >= promo.MaxUses {
				return ErrPromoUnavailable
			}
			promo.Uses++
			f.promos[promo.Code] = promo
		}
		f.txs = append(f.txs, *debit)
	}
	f.purchases = append(f.purchases, p)
	return nil
}

func (f *fakeLedger) CreatePayment(_ context.Context, p model.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
	return nil
}

func (f *fakeLedger) GetPayment(_ context.Context, id string) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return model.Payment{}, fmt.Errorf("%w: payment %q", tryout.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeLedger) MarkPaymentPaid(_ context.Context, id, externalID string, paidAt time.Time) (model.Payment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return model.Payment{}, false, tryout.ErrNotFound
	}
	switch p.Status {
	case model.PaymentPaid:
		return p, false, nil
	case model.PaymentExpired:
		return model.Payment{}, false, ErrPaymentClosed
	}
	p.Status = model.PaymentPaid
	p.ExternalID = externalID
	p.PaidAt = &paidAt
	f.payments[id] = p
	pid := p.ID
	f.txs = append(f.txs, model.Transaction{ID: "credit-" + id, UserID: p.UserID, Amount: p.Amount, Kind: model.KindTopUp, PaymentID: &pid})
	return p, true, nil
}

func (f *fakeLedger) ExpirePayment(_ context.Context, id string) (model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return model.Payment{}, tryout.ErrNotFound
	}
	switch p.Status {
	case model.PaymentPaid:
		return model.Payment{}, ErrPaymentClosed
	case model.PaymentPending:
		p.Status = model.PaymentExpired
		f.payments[id] = p
	}
	return p, nil
}

func (f *fakeLedger) ListPendingPayments(_ context.Context) ([]model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Payment
	for _, p := range f.payments {
		if p.Status == model.PaymentPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) CreatePromoCode(_ context.Context, p model.PromoCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.promos[p.Code]; ok {
		return tryout.ErrInvalidState
	}
	f.promos[p.Code] = p
	return nil
}

func (f *fakeLedger) GetPromoCode(_ context.Context, code string) (model.PromoCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.promos[code]
	if !ok {
		return model.PromoCode{}, fmt.Errorf("%w: promo code %q", tryout.ErrNotFound, code)
	}
	return p, nil
}

func fund(t *testing.T, svc *Service, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	p, err := svc.TopUp(ctx, userID, decimal.NewFromInt(amount))
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, p.ID, "ext"); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
}

func TestTopUpValidation(t *testing.T) {
	svc := NewService(newFakeLedger(), time.Hour)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		amount decimal.Decimal
	}{
		{"missing user", "", decimal.NewFromInt(10)},
		{"zero amount", "u1", decimal.Zero},
		{"negative amount", "u1", decimal.NewFromInt(-5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.TopUp(ctx, tt.user, tt.amount); !errors.Is(err, tryout.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestMarkPaidCreditsOnce(t *testing.T) {
	svc := NewService(newFakeLedger(), time.Hour)
	ctx := context.Background()

	p, err := svc.TopUp(ctx, "u1", decimal.RequireFromString("25.50"))
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if p.Status != model.PaymentPending {
		t.Errorf("expected pending invoice, got %q", p.Status)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.MarkPaid(ctx, p.ID, "ext-1"); err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}
	}

	bal, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Balance.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("expected balance 25.5, got %s", bal.Balance)
	}
}

func TestMarkPaidAfterExpiry(t *testing.T) {
	svc := NewService(newFakeLedger(), time.Hour)
	ctx := context.Background()

	p, err := svc.TopUp(ctx, "u1", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := svc.MarkPaid(ctx, p.ID, "late"); !errors.Is(err, ErrPaymentClosed) {
		t.Fatalf("expected ErrPaymentClosed, got %v", err)
	}
	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.IsZero() {
		t.Errorf("expired invoice must not credit, got %s", bal.Balance)
	}
}

func TestExpireStale(t *testing.T) {
	svc := NewService(newFakeLedger(), time.Hour)
	ctx := context.Background()

	old, _ := svc.TopUp(ctx, "u1", decimal.NewFromInt(10))
	svc.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	fresh, _ := svc.TopUp(ctx, "u1", decimal.NewFromInt(10))

	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired invoice, got %d", n)
	}
	if _, err := svc.MarkPaid(ctx, old.ID, "x"); !errors.Is(err, ErrPaymentClosed) {
		t.Errorf("expected old invoice closed, got %v", err)
	}
	if _, err := svc.MarkPaid(ctx, fresh.ID, "y"); err != nil {
		t.Errorf("fresh invoice should still be payable: %v", err)
	}
}

func TestPurchase(t *testing.T) {
	ledger := newFakeLedger()
	svc := NewService(ledger, time.Hour)
	ctx := context.Background()

	if _, err := svc.Purchase(ctx, "u1", "paid", ""); !errors.Is(err, ErrInsufficientBalance) || !errors.Is(err, tryout.ErrInvalidState) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	fund(t, svc, "u1", 150)
	purchase, err := svc.Purchase(ctx, "u1", "paid", "")
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if purchase.TransactionID == nil {
		t.Error("expected purchase to reference its debit")
	}
	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected balance 50, got %s", bal.Balance)
	}

	if _, err := svc.Purchase(ctx, "u1", "paid", ""); !errors.Is(err, ErrAlreadyOwned) {
		t.Errorf("expected ErrAlreadyOwned, got %v", err)
	}
	if _, err := svc.Purchase(ctx, "u1", "missing", ""); !errors.Is(err, tryout.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	free, err := svc.Purchase(ctx, "u1", "free", "")
	if err != nil {
		t.Fatalf("Purchase free: %v", err)
	}
	if free.TransactionID != nil {
		t.Error("free package should not create a debit")
	}
	purchases, _ := svc.Purchases(ctx, "u1")
	if len(purchases) != 2 {
		t.Errorf("expected 2 purchases, got %d", len(purchases))
	}
}

func TestPurchaseWithPromoCode(t *testing.T) {
	ledger := newFakeLedger()
	svc := NewService(ledger, time.Hour)
	ctx := context.Background()

	if _, err := svc.CreatePromoCode(ctx, model.PromoCode{Code: " quarter ", DiscountPercent: 25, MaxUses: 1}); err != nil {
		t.Fatalf("CreatePromoCode: %v", err)
	}
	price, err := svc.Quote(ctx, "paid", "Quarter")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(75)) {
		t.Errorf("expected quote 75, got %s", price)
	}

	fund(t, svc, "u1", 75)
	fund(t, svc, "u2", 100)
	if _, err := svc.Purchase(ctx, "u1", "paid", "QUARTER"); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.IsZero() {
		t.Errorf("expected balance 0, got %s", bal.Balance)
	}

	if _, err := svc.Purchase(ctx, "u2", "paid", "QUARTER"); !errors.Is(err, ErrPromoUnavailable) {
		t.Errorf("expected exhausted promo, got %v", err)
	}
	if _, err := svc.Purchase(ctx, "u2", "paid", "NOPE"); !errors.Is(err, tryout.ErrNotFound) {
		t.Errorf("expected unknown promo to be not found, got %v", err)
	}
}

func TestCreatePromoCodeValidation(t *testing.T) {
	svc := NewService(newFakeLedger(), time.Hour)
	ctx := context.Background()

	tests := []struct {
		name  string
		promo model.PromoCode
	}{
		{"empty code", model.PromoCode{Code: "  ", DiscountPercent: 10}},
		{"zero discount", model.PromoCode{Code: "A", DiscountPercent: 0}},
		{"over 100 percent", model.PromoCode{Code: "A", DiscountPercent: 101}},
		{"negative uses", model.PromoCode{Code: "A", DiscountPercent: 10, MaxUses: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreatePromoCode(ctx, tt.promo); !errors.Is(err, tryout.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPromoApply(t *testing.T) {
	tests := []struct {
		price   string
		percent int
		want    string
	}{
		{"100", 25, "75"},
		{"99.99", 10, "89.99"},
		{"10", 100, "0"},
	}
	for _, tt := range tests {
		got := model.PromoCode{DiscountPercent: tt.percent}.Apply(decimal.RequireFromString(tt.price))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Apply(%s, %d%%) = %s, want %s", tt.price, tt.percent, got, tt.want)
		}
	}
}
