package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

var _ wallet.Ledger = (*Store)(nil)

// Transactions returns the ledger entries of a user, newest first.
func (s *Store) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, kind, package_id, promo_code, payment_id, created_at
		 FROM transactions WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.PackageID, &t.PromoCode, &t.PaymentID, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Purchases returns the purchases of a user, newest first.
func (s *Store) Purchases(ctx context.Context, userID string) ([]model.Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, package_id, transaction_id, created_at
		 FROM purchases WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var purchases []model.Purchase
	for rows.Next() {
		var p model.Purchase
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageID, &p.TransactionID, &p.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t model.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount, kind, package_id, promo_code, payment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Amount, t.Kind, t.PackageID, t.PromoCode, t.PaymentID, t.CreatedAt,
	)
	return err
}

// balanceTx sums a user's transactions inside tx.
func balanceTx(ctx context.Context, tx *sql.Tx, userID string) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, `SELECT amount FROM transactions WHERE user_id = ?`, userID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// RecordPurchase stores a purchase and its optional debit atomically.
func (s *Store) RecordPurchase(ctx context.Context, p model.Purchase, debit *model.Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM purchases WHERE user_id = ? AND package_id = ?`, p.UserID, p.PackageID,
	).Scan(&one)
	if err == nil {
		return wallet.ErrAlreadyOwned
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if debit != nil {
		balance, err := balanceTx(ctx, tx, p.UserID)
		if err != nil {
			return fmt.Errorf("compute balance: %w", err)
		}
		if balance.Add(debit.Amount).IsNegative() {
			return wallet.ErrInsufficientBalance
		}
		if debit.PromoCode != nil {
			res, err := tx.ExecContext(ctx,
				`UPDATE promo_codes SET uses = uses + 1
				 WHERE code = ? AND (max_uses = 0 OR uses < max_uses)`, *debit.PromoCode)
			if err != nil {
				return fmt.Errorf("redeem promo code: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return wallet.ErrPromoUnavailable
			}
		}
		if err := insertTransaction(ctx, tx, *debit); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO purchases (id, user_id, package_id, transaction_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.PackageID, p.TransactionID, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return wallet.ErrAlreadyOwned
	}
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return tx.Commit()
}

const paymentColumns = `id, user_id, amount, status, external_id, invoice_url, expires_at, paid_at, created_at`

func scanPayment(row rowScanner) (model.Payment, error) {
	var p model.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.ExternalID, &p.InvoiceURL, &p.ExpiresAt, &p.PaidAt, &p.CreatedAt)
	return p, err
}

// CreatePayment stores a new invoice.
func (s *Store) CreatePayment(ctx context.Context, p model.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Amount, p.Status, p.ExternalID, p.InvoiceURL, p.ExpiresAt, p.PaidAt, p.CreatedAt,
	)
	return err
}

// GetPayment returns an invoice by ID.
func (s *Store) GetPayment(ctx context.Context, id string) (model.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if err != nil {
		return model.Payment{}, notFound(err, "payment", id)
	}
	return p, nil
}

// MarkPaymentPaid settles a pending invoice and inserts its credit.
func (s *Store) MarkPaymentPaid(ctx context.Context, id, externalID string, paidAt time.Time) (model.Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Payment{}, false, err
	}
	defer tx.Rollback()

	p, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if err != nil {
		return model.Payment{}, false, notFound(err, "payment", id)
	}
	switch p.Status {
	case model.PaymentPaid:
		return p, false, nil
	case model.PaymentExpired:
		return model.Payment{}, false, wallet.ErrPaymentClosed
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, external_id = ?, paid_at = ? WHERE id = ? AND status = ?`,
		model.PaymentPaid, externalID, paidAt, id, model.PaymentPending,
	)
	if err != nil {
		return model.Payment{}, false, fmt.Errorf("update payment: %w", err)
	}
	paymentID := p.ID
	credit := model.Transaction{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Amount:    p.Amount,
		Kind:      model.KindTopUp,
		PaymentID: &paymentID,
		CreatedAt: paidAt,
	}
	if err := insertTransaction(ctx, tx, credit); err != nil {
		return model.Payment{}, false, fmt.Errorf("insert credit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Payment{}, false, err
	}

	p.Status = model.PaymentPaid
	p.ExternalID = externalID
	p.PaidAt = &paidAt
	return p, true, nil
}

// ExpirePayment closes a pending invoice. Expiring an expired invoice is a no-op.
func (s *Store) ExpirePayment(ctx context.Context, id string) (model.Payment, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE id = ? AND status = ?`,
		model.PaymentExpired, id, model.PaymentPending,
	)
	if err != nil {
		return model.Payment{}, fmt.Errorf("expire payment: %w", err)
	}
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return model.Payment{}, err
	}
	if p.Status == model.PaymentPaid {
		return model.Payment{}, wallet.ErrPaymentClosed
	}
	return p, nil
}

// ListPendingPayments returns every invoice still awaiting payment.
func (s *Store) ListPendingPayments(ctx context.Context) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = ? ORDER BY created_at, id`, model.PaymentPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CreatePromoCode stores a promo code. Duplicate codes fail with ErrInvalidState.
func (s *Store) CreatePromoCode(ctx context.Context, p model.PromoCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO promo_codes (code, discount_percent, max_uses, uses, expires_at) VALUES (?, ?, ?, ?, ?)`,
		p.Code, p.DiscountPercent, p.MaxUses, p.Uses, p.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: promo code %q already exists", tryout.ErrInvalidState, p.Code)
	}
	return err
}

// GetPromoCode returns a promo code.
func (s *Store) GetPromoCode(ctx context.Context, code string) (model.PromoCode, error) {
	var p model.PromoCode
	err := s.db.QueryRowContext(ctx,
		`SELECT code, discount_percent, max_uses, uses, expires_at FROM promo_codes WHERE code = ?`, code,
	).Scan(&p.Code, &p.DiscountPercent, &p.MaxUses, &p.Uses, &p.ExpiresAt)
	if err != nil {
		return model.PromoCode{}, notFound(err, "promo code", code)
	}
	return p, nil
}
