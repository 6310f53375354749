package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
	"github.com/pavelanni/tryout/internal/wallet"
)

// Transactions returns the ledger entries of a user, newest first.
func (s *Store) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::text, kind, package_id, promo_code, payment_id, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &t.Kind, &t.PackageID, &t.PromoCode, &t.PaymentID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Purchases returns the purchases of a user, newest first.
func (s *Store) Purchases(ctx context.Context, userID string) ([]model.Purchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, package_id, transaction_id, created_at
		 FROM purchases WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
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

func insertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, kind, package_id, promo_code, payment_id, created_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.Amount.String(), t.Kind, t.PackageID, t.PromoCode, t.PaymentID, t.CreatedAt,
	)
	return err
}

// RecordPurchase stores a purchase and its optional debit atomically.
// Purchases of one user are serialized with an advisory lock.
func (s *Store) RecordPurchase(ctx context.Context, p model.Purchase, debit *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.UserID); err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}

	var owned bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchases WHERE user_id = $1 AND package_id = $2)`, p.UserID, p.PackageID,
	).Scan(&owned)
	if err != nil {
		return err
	}
	if owned {
		return wallet.ErrAlreadyOwned
	}

	if debit != nil {
		var balanceText string
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0)::text FROM transactions WHERE user_id = $1`, p.UserID,
		).Scan(&balanceText)
		if err != nil {
			return fmt.Errorf("compute balance: %w", err)
		}
		balance, err := parseAmount(balanceText)
		if err != nil {
			return err
		}
		if balance.Add(debit.Amount).IsNegative() {
			return wallet.ErrInsufficientBalance
		}
		if debit.PromoCode != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE promo_codes SET uses = uses + 1
				 WHERE code = $1 AND (max_uses = 0 OR uses < max_uses)`, *debit.PromoCode)
			if err != nil {
				return fmt.Errorf("redeem promo code: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return wallet.ErrPromoUnavailable
			}
		}
		if err := insertTransaction(ctx, tx, *debit); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO purchases (id, user_id, package_id, transaction_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.UserID, p.PackageID, p.TransactionID, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return wallet.ErrAlreadyOwned
	}
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return tx.Commit(ctx)
}

const paymentColumns = `id, user_id, amount::text, status, external_id, invoice_url, expires_at, paid_at, created_at`

func scanPayment(row pgx.Row) (model.Payment, error) {
	var p model.Payment
	var amount string
	if err := row.Scan(&p.ID, &p.UserID, &amount, &p.Status, &p.ExternalID, &p.InvoiceURL, &p.ExpiresAt, &p.PaidAt, &p.CreatedAt); err != nil {
		return p, err
	}
	var err error
	p.Amount, err = parseAmount(amount)
	return p, err
}

// CreatePayment stores a new invoice.
func (s *Store) CreatePayment(ctx context.Context, p model.Payment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, user_id, amount, status, external_id, invoice_url, expires_at, paid_at, created_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.Amount.String(), p.Status, p.ExternalID, p.InvoiceURL, p.ExpiresAt, p.PaidAt, p.CreatedAt,
	)
	return err
}

// GetPayment returns an invoice by ID.
func (s *Store) GetPayment(ctx context.Context, id string) (model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return model.Payment{}, notFound(err, "payment", id)
	}
	return p, nil
}

// MarkPaymentPaid settles a pending invoice and inserts its credit.
func (s *Store) MarkPaymentPaid(ctx context.Context, id, externalID string, paidAt time.Time) (model.Payment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Payment{}, false, err
	}
	defer tx.Rollback(ctx)

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Payment{}, false, notFound(err, "payment", id)
	}
	switch p.Status {
	case model.PaymentPaid:
		return p, false, nil
	case model.PaymentExpired:
		return model.Payment{}, false, wallet.ErrPaymentClosed
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET status = $1, external_id = $2, paid_at = $3 WHERE id = $4`,
		model.PaymentPaid, externalID, paidAt, id,
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
	if err := tx.Commit(ctx); err != nil {
		return model.Payment{}, false, err
	}

	p.Status = model.PaymentPaid
	p.ExternalID = externalID
	p.PaidAt = &paidAt
	return p, true, nil
}

// ExpirePayment closes a pending invoice. Expiring an expired invoice is a no-op.
func (s *Store) ExpirePayment(ctx context.Context, id string) (model.Payment, error) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = $1 WHERE id = $2 AND status = $3`,
		model.PaymentExpired, id, model.PaymentPending,
	); err != nil {
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
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at, id`, model.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO promo_codes (code, discount_percent, max_uses, uses, expires_at) VALUES ($1, $2, $3, $4, $5)`,
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
	err := s.pool.QueryRow(ctx,
		`SELECT code, discount_percent, max_uses, uses, expires_at FROM promo_codes WHERE code = $1`, code,
	).Scan(&p.Code, &p.DiscountPercent, &p.MaxUses, &p.Uses, &p.ExpiresAt)
	if err != nil {
		return model.PromoCode{}, notFound(err, "promo code", code)
	}
	return p, nil
}
