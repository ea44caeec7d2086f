package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/simpleclaw/fleet/internal/model"
)

const subscriptionColumns = `id, user_id, active, auto_renew, status, period_start_ns, period_end_ns,
	payment_method_token, cancelled_at_ns`

// GetSubscriptionByUserID returns the user's subscription row.
func (s *Store) GetSubscriptionByUserID(userID int64) (*model.Subscription, error) {
	return s.scanSubscription(s.db.QueryRow(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID,
	))
}

// ActivateSubscription creates or extends the user's subscription for one
// billing period. An empty methodToken leaves the saved token untouched.
// Paying again restores auto-renew even after a period-end cancellation.
func (s *Store) ActivateSubscription(userID, periodStartNs, periodEndNs int64, methodToken string) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (user_id, active, auto_renew, status, period_start_ns, period_end_ns, payment_method_token, cancelled_at_ns)
		 VALUES (?, 1, 1, ?, ?, ?, ?, 0)
		 ON CONFLICT (user_id) DO UPDATE SET
			active = 1,
			auto_renew = 1,
			status = ?,
			period_start_ns = excluded.period_start_ns,
			period_end_ns = excluded.period_end_ns,
			payment_method_token = CASE WHEN excluded.payment_method_token != ''
				THEN excluded.payment_method_token ELSE subscriptions.payment_method_token END,
			cancelled_at_ns = 0`,
		userID, model.SubStatusActive, periodStartNs, periodEndNs, methodToken,
		model.SubStatusActive,
	)
	if err != nil {
		return fmt.Errorf("activate subscription user=%d: %w", userID, err)
	}
	return nil
}

// UpdateSubscription writes the full mutable portion of a subscription.
func (s *Store) UpdateSubscription(sub *model.Subscription) error {
	res, err := s.db.Exec(
		`UPDATE subscriptions SET active = ?, auto_renew = ?, status = ?, period_start_ns = ?,
			period_end_ns = ?, payment_method_token = ?, cancelled_at_ns = ?
		 WHERE id = ?`,
		sub.Active, sub.AutoRenew, sub.Status, sub.PeriodStartNs,
		sub.PeriodEndNs, sub.PaymentMethodToken, sub.CancelledAtNs,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	return checkAffected(res, ErrNotFound)
}

// ListDueAutoRenew returns active auto-renew subscriptions whose period
// ended and which carry a saved payment method.
func (s *Store) ListDueAutoRenew(nowNs int64) ([]*model.Subscription, error) {
	return s.querySubscriptions(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		  WHERE active = 1 AND auto_renew = 1 AND period_end_ns <= ? AND payment_method_token != ''
		  ORDER BY id`,
		nowNs,
	)
}

// ListDueExpiry returns active subscriptions past their period end that
// will not auto-renew (either opted out or with no saved method).
func (s *Store) ListDueExpiry(nowNs int64) ([]*model.Subscription, error) {
	return s.querySubscriptions(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		  WHERE active = 1 AND period_end_ns <= ? AND (auto_renew = 0 OR payment_method_token = '')
		  ORDER BY id`,
		nowNs,
	)
}

func (s *Store) querySubscriptions(query string, args ...any) ([]*model.Subscription, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.Active, &sub.AutoRenew, &sub.Status, &sub.PeriodStartNs,
			&sub.PeriodEndNs, &sub.PaymentMethodToken, &sub.CancelledAtNs,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *Store) scanSubscription(row *sql.Row) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Active, &sub.AutoRenew, &sub.Status, &sub.PeriodStartNs,
		&sub.PeriodEndNs, &sub.PaymentMethodToken, &sub.CancelledAtNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}

// InsertPayment records a payment attempt keyed by the gateway's id.
// ErrConflict signals a replay of an already-seen external id.
func (s *Store) InsertPayment(p *model.Payment) error {
	p.CreatedAtNs = nowNs()
	res, err := s.db.Exec(
		`INSERT INTO payments (user_id, amount, currency, status, recurring, external_id, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO NOTHING`,
		p.UserID, p.Amount, p.Currency, p.Status, p.Recurring, p.ExternalID, p.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ExternalID, err)
	}
	return checkAffected(res, ErrConflict)
}

// GetPaymentByExternalID returns the payment with the gateway id.
func (s *Store) GetPaymentByExternalID(externalID string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.QueryRow(
		`SELECT id, user_id, amount, currency, status, recurring, external_id, created_at_ns
		   FROM payments WHERE external_id = ?`, externalID,
	).Scan(&p.ID, &p.UserID, &p.Amount, &p.Currency, &p.Status, &p.Recurring, &p.ExternalID, &p.CreatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

// AdvancePaymentStatus moves a payment forward. Transitions are
// forward-only: pending may advance anywhere, succeeded only to refunded,
// terminal states never move. Returns ErrConflict on a disallowed move
// and reports via the bool whether a row actually changed.
func (s *Store) AdvancePaymentStatus(externalID, status string) (bool, error) {
	p, err := s.GetPaymentByExternalID(externalID)
	if err != nil {
		return false, err
	}
	if p.Status == status {
		return false, nil
	}
	allowed := false
	switch p.Status {
	case model.PaymentPending:
		allowed = status == model.PaymentSucceeded || status == model.PaymentCanceled || status == model.PaymentRefunded
	case model.PaymentSucceeded:
		allowed = status == model.PaymentRefunded
	}
	if !allowed {
		return false, ErrConflict
	}
	res, err := s.db.Exec(
		`UPDATE payments SET status = ? WHERE external_id = ? AND status = ?`,
		status, externalID, p.Status,
	)
	if err != nil {
		return false, fmt.Errorf("advance payment %s: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
