package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/payments"
	"github.com/simpleclaw/fleet/internal/state"
)

// SubscriptionPeriod is one billing period.
const SubscriptionPeriod = 30 * 24 * time.Hour

// JobKindProvision is the durable job enqueued by a successful payment.
const JobKindProvision = "provision"

// JobKindRedeploy is the durable job enqueued by a redeploy request.
const JobKindRedeploy = "redeploy"

// ErrNoCapacity is returned when neither the pool nor the provider can
// produce a node.
var ErrNoCapacity = errors.New("no node capacity")

// ErrSubscriptionExpired is returned when an operation needs a running
// billing period and the subscription's has already ended.
var ErrSubscriptionExpired = errors.New("subscription expired; a new payment is required")

// NodeCreator produces a fresh warm node outside the pool cadence, used
// when a paying user arrives and the pool is empty.
type NodeCreator interface {
	CreateWarmNode(ctx context.Context) (*model.Node, error)
}

// Coordinator turns billing events into node assignments. The webhook
// path only records facts and enqueues work; the slow provisioning runs
// from the durable queue.
type Coordinator struct {
	Store      *state.Store
	Controller *Controller
	Router     modelrouter.API
	Gateway    payments.Gateway
	Sender     notify.Sender
	Notifier   *notify.Notifier
	Creator    NodeCreator

	Price           float64
	Currency        string
	MonthlyLimitUSD float64
	ReturnURL       string

	// MaxTotal caps the fleet size for cold creation; zero means no cap.
	MaxTotal int
}

// StartCheckout validates the order and opens a gateway checkout.
// Everything provisioning needs later rides in the payment metadata.
func (co *Coordinator) StartCheckout(ctx context.Context, userID int64, botToken, modelSlug string) (string, error) {
	info, err := co.Sender.GetBotInfo(ctx, botToken)
	if err != nil {
		return "", err
	}
	if modelSlug == "" {
		modelSlug = DefaultModelSlug
	}
	if _, err := co.Controller.Engine.ResolveModel(modelSlug); err != nil {
		return "", err
	}

	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return "", err
	}
	if err := co.Store.SetProfileBot(p.ID, botToken, info.Username); err != nil {
		return "", err
	}
	if err := co.Store.SetProfileModel(p.ID, modelSlug); err != nil {
		return "", err
	}

	pay, err := co.Gateway.CreatePayment(ctx,
		payments.Amount{Value: fmt.Sprintf("%.2f", co.Price), Currency: co.Currency},
		"simpleclaw subscription", co.ReturnURL,
		payments.Metadata{
			UserID:        strconv.FormatInt(userID, 10),
			BotToken:      botToken,
			SelectedModel: modelSlug,
		})
	if err != nil {
		return "", err
	}

	if err := co.Store.InsertPayment(&model.Payment{
		UserID:     userID,
		Amount:     co.Price,
		Currency:   co.Currency,
		Status:     model.PaymentPending,
		ExternalID: pay.ID,
	}); err != nil && !errors.Is(err, state.ErrConflict) {
		return "", err
	}

	if pay.Confirmation == nil || pay.Confirmation.ConfirmationURL == "" {
		return "", fmt.Errorf("gateway returned no confirmation url")
	}
	return pay.Confirmation.ConfirmationURL, nil
}

// HandleWebhook processes one gateway notification. It must be cheap
// and replay-safe: record the transition, extend the subscription, and
// enqueue the provisioning job. Replays of an already-applied event are
// acknowledged without side effects.
func (co *Coordinator) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) error {
	switch ev.Event {
	case payments.EventPaymentSucceeded:
		return co.paymentSucceeded(ctx, ev.Object)
	case payments.EventPaymentCanceled:
		return co.paymentCanceled(ev.Object)
	case payments.EventRefundSucceeded:
		_, err := co.Store.AdvancePaymentStatus(ev.Object.ID, model.PaymentRefunded)
		if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrConflict) {
			return nil
		}
		return err
	default:
		log.Printf("[coordinator] ignoring webhook event %q", ev.Event)
		return nil
	}
}

func (co *Coordinator) paymentSucceeded(ctx context.Context, obj payments.Payment) error {
	userID, err := co.webhookUserID(obj)
	if err != nil {
		return err
	}

	// Record the payment; a replayed webhook changes nothing and stops here.
	insertErr := co.Store.InsertPayment(&model.Payment{
		UserID:     userID,
		Amount:     co.Price,
		Currency:   co.Currency,
		Status:     model.PaymentSucceeded,
		Recurring:  obj.PaymentMethod.Saved,
		ExternalID: obj.ID,
	})
	if errors.Is(insertErr, state.ErrConflict) {
		advanced, err := co.Store.AdvancePaymentStatus(obj.ID, model.PaymentSucceeded)
		if err != nil && !errors.Is(err, state.ErrConflict) {
			return err
		}
		if !advanced {
			log.Printf("[coordinator] payment %s replayed, ignoring", obj.ID)
			return nil
		}
	} else if insertErr != nil {
		return insertErr
	}

	methodToken := ""
	if obj.PaymentMethod.Saved {
		methodToken = obj.PaymentMethod.ID
	}
	now := time.Now()
	if err := co.Store.ActivateSubscription(userID, now.UnixNano(), now.Add(SubscriptionPeriod).UnixNano(), methodToken); err != nil {
		return err
	}

	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return err
	}
	if err := co.Store.SetProfileSubscriptionStatus(p.ID, model.SubStatusActive); err != nil {
		return err
	}
	if obj.Metadata.BotToken != "" && obj.Metadata.BotToken != p.BotToken {
		info, err := co.Sender.GetBotInfo(ctx, obj.Metadata.BotToken)
		if err != nil {
			return err
		}
		if err := co.Store.SetProfileBot(p.ID, obj.Metadata.BotToken, info.Username); err != nil {
			return err
		}
	}
	if obj.Metadata.SelectedModel != "" {
		if err := co.Store.SetProfileModel(p.ID, obj.Metadata.SelectedModel); err != nil {
			return err
		}
	}

	job := &model.Job{
		ID:      uuid.NewString(),
		Kind:    JobKindProvision,
		Payload: fmt.Sprintf(`{"user_id": %d}`, userID),
	}
	if err := co.Store.EnqueueJob(job); err != nil {
		return err
	}
	log.Printf("[coordinator] payment %s: subscription extended for user %d, provision job %s", obj.ID, userID, job.ID)
	return nil
}

func (co *Coordinator) paymentCanceled(obj payments.Payment) error {
	_, err := co.Store.AdvancePaymentStatus(obj.ID, model.PaymentCanceled)
	if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrConflict) {
		return nil
	}
	return err
}

func (co *Coordinator) webhookUserID(obj payments.Payment) (int64, error) {
	if obj.Metadata.UserID != "" {
		id, err := strconv.ParseInt(obj.Metadata.UserID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("webhook user id %q: %w", obj.Metadata.UserID, err)
		}
		return id, nil
	}
	// Recurring charges carry no metadata; fall back to the recorded payment.
	p, err := co.Store.GetPaymentByExternalID(obj.ID)
	if err != nil {
		return 0, fmt.Errorf("webhook payment %s has no user", obj.ID)
	}
	return p.UserID, nil
}

// ProvisionUser is the durable-job body behind a successful payment:
// make sure the user holds a live router key and a converged node, then
// tell them their bot is up.
func (co *Coordinator) ProvisionUser(ctx context.Context, userID int64) error {
	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return err
	}
	if err := co.ensureRouterKey(ctx, p); err != nil {
		return err
	}

	n, err := co.Store.GetNodeByProfileID(p.ID)
	switch {
	case err == nil:
		err = co.deployExisting(ctx, p, n)
	case errors.Is(err, state.ErrNotFound):
		err = co.assignNew(ctx, p)
	}
	if err != nil {
		return err
	}

	co.Notifier.NotifyUser(p.SalesChatID,
		fmt.Sprintf("🎉 Your bot is ready! Open Telegram and message @%s to start.", p.BotUsername))
	return nil
}

// ensureRouterKey mints or re-enables the profile's model-router key.
// A fresh secret is persisted before any deploy can observe it: the
// router shows a secret exactly once.
func (co *Coordinator) ensureRouterKey(ctx context.Context, p *model.UserProfile) error {
	if p.RouterKeyHandle != "" {
		enabled := false
		limit := co.MonthlyLimitUSD
		if err := co.Router.PatchKey(ctx, p.RouterKeyHandle, modelrouter.Patch{
			Disabled: &enabled,
			LimitUSD: &limit,
		}); err != nil {
			return fmt.Errorf("re-enable router key: %w", err)
		}
		if p.LimitUSD != limit {
			if err := co.Store.SetProfileUsage(p.ID, p.UsageUSD, limit); err != nil {
				return err
			}
			p.LimitUSD = limit
		}
		return nil
	}

	u, err := co.Store.GetUserByID(p.UserID)
	if err != nil {
		return err
	}
	secret, handle, err := co.Router.CreateKey(ctx, u.Email, co.MonthlyLimitUSD)
	if err != nil {
		return fmt.Errorf("mint router key: %w", err)
	}
	if err := co.Store.SetProfileRouterKey(p.ID, secret, handle, co.MonthlyLimitUSD); err != nil {
		return fmt.Errorf("persist router key: %w", err)
	}
	p.RouterKey = secret
	p.RouterKeyHandle = handle
	p.LimitUSD = co.MonthlyLimitUSD
	return nil
}

// deployExisting handles a payment from a user who already holds a
// node. A running service needs nothing beyond the key re-enable that
// already happened; only a parked or broken node is touched.
func (co *Coordinator) deployExisting(ctx context.Context, p *model.UserProfile, n *model.Node) error {
	if err := co.ensureGatewayToken(n); err != nil {
		return err
	}
	if n.State == model.NodeStateActive && n.RuntimeRunning {
		log.Printf("[coordinator] profile %d renews on running node %d, no deploy needed", p.ID, n.ID)
		return nil
	}
	spec, err := co.Controller.BuildSpec(p, n)
	if err != nil {
		return err
	}
	if n.State == model.NodeStateDeactivated {
		return co.Controller.Reactivate(ctx, n, spec)
	}
	return co.Controller.DeployUser(ctx, n, spec, false)
}

// assignNew claims a warm node, or creates one when the pool is empty.
func (co *Coordinator) assignNew(ctx context.Context, p *model.UserProfile) error {
	n, err := co.Store.ClaimNode(p.ID)
	if errors.Is(err, state.ErrNotFound) {
		counts, cerr := co.Store.GetPoolCounts()
		if cerr != nil {
			return cerr
		}
		if co.MaxTotal > 0 && counts.TotalHealthy >= co.MaxTotal {
			co.Notifier.NotifyAdmin(fmt.Sprintf("🚨 No capacity for profile %d: fleet at cap (%d/%d nodes)", p.ID, counts.TotalHealthy, co.MaxTotal))
			co.Notifier.NotifyUser(p.SalesChatID, "Your bot is being prepared. We will message you when it is ready.")
			return fmt.Errorf("%w: fleet at cap (%d/%d nodes)", ErrNoCapacity, counts.TotalHealthy, co.MaxTotal)
		}
		log.Printf("[coordinator] pool empty, creating node for profile %d", p.ID)
		co.Notifier.NotifyAdmin(fmt.Sprintf("⚠️ Warm pool empty; cold-creating a node for profile %d", p.ID))

		created, cerr := co.Creator.CreateWarmNode(ctx)
		if cerr != nil {
			co.Notifier.NotifyAdmin(fmt.Sprintf("🚨 No capacity for profile %d: %v", p.ID, cerr))
			co.Notifier.NotifyUser(p.SalesChatID, "Your bot is being prepared. We will message you when it is ready.")
			return fmt.Errorf("%w: %v", ErrNoCapacity, cerr)
		}
		if berr := co.Store.BindNode(created.ID, p.ID); berr != nil {
			return berr
		}
		created.BoundProfileID = p.ID
		n = created
	} else if err != nil {
		return err
	}

	if err := co.ensureGatewayToken(n); err != nil {
		return err
	}
	spec, err := co.Controller.BuildSpec(p, n)
	if err != nil {
		return err
	}
	return co.Controller.DeployUser(ctx, n, spec, false)
}

// RedeployUser is the durable-job body behind a redeploy request. It
// runs detached from the HTTP request that scheduled it.
func (co *Coordinator) RedeployUser(ctx context.Context, userID int64) error {
	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return err
	}
	return co.Controller.Redeploy(ctx, p.ID)
}

// ensureGatewayToken mints the per-node gateway secret on first binding.
func (co *Coordinator) ensureGatewayToken(n *model.Node) error {
	if n.GatewayToken != "" {
		return nil
	}
	token := uuid.NewString()
	if err := co.Store.SetNodeGatewayToken(n.ID, token); err != nil {
		return err
	}
	n.GatewayToken = token
	return nil
}

// CancelSubscription turns off auto-renew; with immediate=true it also
// tears the service down now instead of at period end.
func (co *Coordinator) CancelSubscription(ctx context.Context, userID int64, immediate bool) error {
	sub, err := co.Store.GetSubscriptionByUserID(userID)
	if err != nil {
		return err
	}
	sub.AutoRenew = false
	sub.Status = model.SubStatusCancelled
	sub.CancelledAtNs = time.Now().UnixNano()
	if immediate {
		sub.Active = false
	}
	if err := co.Store.UpdateSubscription(sub); err != nil {
		return err
	}

	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return err
	}
	status := model.SubStatusCancelled
	if immediate {
		status = model.SubStatusExpired
	}
	if err := co.Store.SetProfileSubscriptionStatus(p.ID, status); err != nil {
		return err
	}
	if !immediate {
		return nil
	}
	return co.shutDownService(ctx, p)
}

// shutDownService disables the router key and parks the node.
func (co *Coordinator) shutDownService(ctx context.Context, p *model.UserProfile) error {
	if p.RouterKeyHandle != "" {
		disabled := true
		if err := co.Router.PatchKey(ctx, p.RouterKeyHandle, modelrouter.Patch{Disabled: &disabled}); err != nil {
			log.Printf("[coordinator] disable router key for profile %d: %v", p.ID, err)
		}
	}
	n, err := co.Store.GetNodeByProfileID(p.ID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return co.Controller.Deactivate(ctx, n)
}

// ReactivateSubscription undoes a period-end cancellation while the paid
// period still runs. Once expired, reactivation requires a new payment.
func (co *Coordinator) ReactivateSubscription(userID int64) error {
	sub, err := co.Store.GetSubscriptionByUserID(userID)
	if err != nil {
		return err
	}
	if !sub.Active || sub.PeriodEndNs <= time.Now().UnixNano() {
		return ErrSubscriptionExpired
	}
	sub.AutoRenew = true
	sub.Status = model.SubStatusActive
	sub.CancelledAtNs = 0
	if err := co.Store.UpdateSubscription(sub); err != nil {
		return err
	}
	p, err := co.Store.GetProfileByUserID(userID)
	if err != nil {
		return err
	}
	return co.Store.SetProfileSubscriptionStatus(p.ID, model.SubStatusActive)
}
