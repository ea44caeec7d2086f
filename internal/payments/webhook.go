package payments

import (
	"encoding/json"
	"fmt"
)

// Webhook event names the orchestrator reacts to.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// WebhookEvent is one gateway notification. Object carries the payment
// in its post-transition state.
type WebhookEvent struct {
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

// ParseWebhook decodes and minimally validates a webhook payload. The
// caller has already authenticated the request by its path secret;
// payloads are still untrusted input.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if ev.Event == "" {
		return WebhookEvent{}, fmt.Errorf("webhook has no event")
	}
	if ev.Object.ID == "" {
		return WebhookEvent{}, fmt.Errorf("webhook has no payment id")
	}
	return ev, nil
}
