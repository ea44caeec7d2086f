// Package sweeper runs the scheduled billing passes: the daily renewal
// and expiry sweep and the monthly spend-limit reset.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/payments"
	"github.com/simpleclaw/fleet/internal/state"
)

// Sweeper drives subscriptions across period boundaries.
type Sweeper struct {
	Store      *state.Store
	Gateway    payments.Gateway
	Router     modelrouter.API
	Controller *lifecycle.Controller
	Notifier   *notify.Notifier

	Price           float64
	Currency        string
	MonthlyLimitUSD float64
}

// Run performs one sweep: charge every due auto-renew subscription,
// then expire everything past its period end that cannot renew. A
// subscription whose charge fails expires the same way; the saved
// method already had its chance.
func (sw *Sweeper) Run(ctx context.Context) {
	now := time.Now().UnixNano()

	due, err := sw.Store.ListDueAutoRenew(now)
	if err != nil {
		log.Printf("[sweeper] list renewals: %v", err)
		return
	}
	for _, sub := range due {
		if ctx.Err() != nil {
			return
		}
		if err := sw.renew(ctx, sub); err != nil {
			log.Printf("[sweeper] renew subscription %d: %v", sub.ID, err)
			sw.expire(ctx, sub)
		}
	}

	expired, err := sw.Store.ListDueExpiry(now)
	if err != nil {
		log.Printf("[sweeper] list expiries: %v", err)
		return
	}
	for _, sub := range expired {
		if ctx.Err() != nil {
			return
		}
		sw.expire(ctx, sub)
	}
}

// renew charges the saved method for one more period. The idempotence
// key is derived from the subscription and the period being renewed, so
// a sweep retried after a crash cannot double-charge.
func (sw *Sweeper) renew(ctx context.Context, sub *model.Subscription) error {
	key := payments.RenewalIdempotenceKey(sub.ID, sub.PeriodEndNs)
	pay, err := sw.Gateway.ChargeRecurring(ctx, sub.PaymentMethodToken,
		payments.Amount{Value: fmt.Sprintf("%.2f", sw.Price), Currency: sw.Currency},
		"simpleclaw subscription renewal", key,
		payments.Metadata{UserID: strconv.FormatInt(sub.UserID, 10)})
	if err != nil {
		return err
	}
	if pay.Status != "succeeded" && !pay.Paid {
		return fmt.Errorf("charge %s declined: status %s", pay.ID, pay.Status)
	}

	if err := sw.Store.InsertPayment(&model.Payment{
		UserID:     sub.UserID,
		Amount:     sw.Price,
		Currency:   sw.Currency,
		Status:     model.PaymentSucceeded,
		Recurring:  true,
		ExternalID: pay.ID,
	}); err != nil && !errors.Is(err, state.ErrConflict) {
		return err
	}

	// The new period starts where the old one ended, not at sweep time.
	start := sub.PeriodEndNs
	end := start + int64(lifecycle.SubscriptionPeriod)
	if err := sw.Store.ActivateSubscription(sub.UserID, start, end, ""); err != nil {
		return err
	}

	p, err := sw.Store.GetProfileByUserID(sub.UserID)
	if err != nil {
		return err
	}
	if err := sw.Store.SetProfileSubscriptionStatus(p.ID, model.SubStatusActive); err != nil {
		return err
	}
	log.Printf("[sweeper] subscription %d renewed through %s", sub.ID, time.Unix(0, end).Format(time.RFC3339))
	sw.Notifier.NotifyUser(p.SalesChatID, "✅ Your subscription renewed for another month.")
	return nil
}

// expire shuts the user's service down: subscription closed, router key
// disabled, runtime stopped and node parked. The node keeps its binding
// and data so a later payment reactivates in place.
func (sw *Sweeper) expire(ctx context.Context, sub *model.Subscription) {
	sub.Active = false
	sub.Status = model.SubStatusExpired
	if err := sw.Store.UpdateSubscription(sub); err != nil {
		log.Printf("[sweeper] expire subscription %d: %v", sub.ID, err)
		return
	}

	p, err := sw.Store.GetProfileByUserID(sub.UserID)
	if err != nil {
		log.Printf("[sweeper] expire subscription %d: profile: %v", sub.ID, err)
		return
	}
	if err := sw.Store.SetProfileSubscriptionStatus(p.ID, model.SubStatusExpired); err != nil {
		log.Printf("[sweeper] expire profile %d: %v", p.ID, err)
	}

	if p.RouterKeyHandle != "" {
		disabled := true
		if err := sw.Router.PatchKey(ctx, p.RouterKeyHandle, modelrouter.Patch{Disabled: &disabled}); err != nil {
			log.Printf("[sweeper] disable router key for profile %d: %v", p.ID, err)
		}
	}

	n, err := sw.Store.GetNodeByProfileID(p.ID)
	if errors.Is(err, state.ErrNotFound) {
		n = nil
	} else if err != nil {
		log.Printf("[sweeper] expire profile %d: node: %v", p.ID, err)
		return
	}
	if n != nil {
		if err := sw.Controller.Deactivate(ctx, n); err != nil {
			log.Printf("[sweeper] deactivate node %d: %v", n.ID, err)
		}
	}

	log.Printf("[sweeper] subscription %d expired for user %d", sub.ID, sub.UserID)
	sw.Notifier.NotifyUser(p.SalesChatID, "Your subscription has expired. Renew any time; your bot's data is kept.")
}

// ResetMonthlyLimits restores every provisioned key's spend limit at the
// start of the month and zeroes the cached usage.
func (sw *Sweeper) ResetMonthlyLimits(ctx context.Context) {
	profiles, err := sw.Store.ListProfilesWithRouterKey()
	if err != nil {
		log.Printf("[sweeper] list keyed profiles: %v", err)
		return
	}
	for _, p := range profiles {
		if ctx.Err() != nil {
			return
		}
		limit := sw.MonthlyLimitUSD
		monthly := true
		if err := sw.Router.PatchKey(ctx, p.RouterKeyHandle, modelrouter.Patch{
			LimitUSD:     &limit,
			MonthlyReset: &monthly,
		}); err != nil {
			log.Printf("[sweeper] reset limit for profile %d: %v", p.ID, err)
			continue
		}
		if err := sw.Store.SetProfileUsage(p.ID, 0, limit); err != nil {
			log.Printf("[sweeper] reset cached usage for profile %d: %v", p.ID, err)
		}
	}
	log.Printf("[sweeper] monthly limit reset done for %d profiles", len(profiles))
}
