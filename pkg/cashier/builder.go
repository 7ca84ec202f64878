package cashier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionBuilder accumulates the options for a new subscription and
// creates it at the gateway. Obtain one from Client.NewSubscription, chain
// option calls, then call Create.
type SubscriptionBuilder struct {
	client   *Client
	billable *Billable

	name     string
	plan     string
	quantity int64

	trialEnd  *time.Time
	skipTrial bool

	coupon     string
	anchor     *time.Time
	prorate    *bool
	feePercent float64
	metadata   map[string]string
}

// NewSubscription starts building a subscription with the given logical name
// on the given plan.
func (c *Client) NewSubscription(b *Billable, name, plan string) *SubscriptionBuilder {
	return &SubscriptionBuilder{
		client:   c,
		billable: b,
		name:     name,
		plan:     plan,
		quantity: 1,
	}
}

// Quantity sets the seat count, minimum one.
func (sb *SubscriptionBuilder) Quantity(q int64) *SubscriptionBuilder {
	sb.quantity = q
	return sb
}

// TrialDays grants a trial of the given number of days from now.
func (sb *SubscriptionBuilder) TrialDays(days int) *SubscriptionBuilder {
	end := sb.client.now().AddDate(0, 0, days)
	sb.trialEnd = &end
	sb.skipTrial = false
	return sb
}

// TrialUntil grants a trial ending at the given timestamp.
func (sb *SubscriptionBuilder) TrialUntil(end time.Time) *SubscriptionBuilder {
	sb.trialEnd = &end
	sb.skipTrial = false
	return sb
}

// SkipTrial suppresses any trial, including the billable's generic trial.
func (sb *SubscriptionBuilder) SkipTrial() *SubscriptionBuilder {
	sb.trialEnd = nil
	sb.skipTrial = true
	return sb
}

// WithCoupon applies a coupon to the subscription.
func (sb *SubscriptionBuilder) WithCoupon(coupon string) *SubscriptionBuilder {
	sb.coupon = coupon
	return sb
}

// AnchorBillingCycleOn pins the billing cycle to the given timestamp.
func (sb *SubscriptionBuilder) AnchorBillingCycleOn(anchor time.Time) *SubscriptionBuilder {
	sb.anchor = &anchor
	return sb
}

// Prorate enables proration for this subscription's future changes made via
// the gateway during creation.
func (sb *SubscriptionBuilder) Prorate() *SubscriptionBuilder {
	on := true
	sb.prorate = &on
	return sb
}

// NoProrate disables proration.
func (sb *SubscriptionBuilder) NoProrate() *SubscriptionBuilder {
	off := false
	sb.prorate = &off
	return sb
}

// WithApplicationFeePercent sets the platform's percentage cut when the
// subscription is created on a connected account.
func (sb *SubscriptionBuilder) WithApplicationFeePercent(pct float64) *SubscriptionBuilder {
	sb.feePercent = pct
	return sb
}

// WithMetadata attaches metadata to the remote subscription record.
func (sb *SubscriptionBuilder) WithMetadata(md map[string]string) *SubscriptionBuilder {
	sb.metadata = md
	return sb
}

// trialFor resolves the effective trial end: an explicit builder trial wins,
// then the billable's generic trial, unless the trial was skipped.
func (sb *SubscriptionBuilder) trialFor() *time.Time {
	if sb.skipTrial {
		return nil
	}
	if sb.trialEnd != nil {
		return sb.trialEnd
	}
	if sb.billable.OnGenericTrial() {
		return sb.billable.TrialEndsAt
	}
	return nil
}

// Create creates the subscription at the gateway and persists the local
// record. A non-empty paymentMethodID is made the customer's default first.
//
// The local record is saved before the first payment's outcome is inspected,
// so an incomplete subscription survives a failed or action-requiring
// payment. In those cases the saved *Subscription is returned together with
// a PaymentActionRequiredError or PaymentFailureError.
func (sb *SubscriptionBuilder) Create(ctx context.Context, paymentMethodID string) (*Subscription, error) {
	return sb.create(ctx, paymentMethodID, true)
}

// Add creates the subscription without inspecting its first payment. The
// customer's existing default payment method is charged for future invoices
// and the payment outcome is reconciled via webhooks.
func (sb *SubscriptionBuilder) Add(ctx context.Context) (*Subscription, error) {
	return sb.create(ctx, "", false)
}

func (sb *SubscriptionBuilder) create(ctx context.Context, paymentMethodID string, confirm bool) (*Subscription, error) {
	c := sb.client
	b := sb.billable

	if sb.quantity < 1 {
		return nil, ErrQuantityTooLow
	}

	if paymentMethodID != "" {
		if _, err := c.UpdateDefaultPaymentMethod(ctx, b, paymentMethodID); err != nil {
			return nil, err
		}
	}

	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	prorate := sb.prorate
	if prorate == nil {
		d := c.cfg.ProrateByDefault
		prorate = &d
	}

	params := &SubscriptionCreateParams{
		Customer:              cust.ID,
		Plan:                  sb.plan,
		Quantity:              sb.quantity,
		TrialEnd:              sb.trialFor(),
		Coupon:                sb.coupon,
		BillingCycleAnchor:    sb.anchor,
		ApplicationFeePercent: sb.feePercent,
		Prorate:               prorate,
		Metadata:              sb.metadata,
		IdempotencyKey:        uuid.NewString(),
		Account:               cust.Account,
	}

	start := c.now()
	remote, err := c.gateway.CreateSubscription(ctx, params)
	c.observe("subscription.create", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("create", "error")
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	sub := c.bind(&Subscription{
		BillableID:  b.ID,
		Name:        sb.name,
		RemoteID:    remote.ID,
		Plan:        sb.plan,
		Status:      remote.Status,
		Quantity:    sb.quantity,
		TrialEndsAt: remote.TrialEnd,
		CreatedAt:   c.now(),
	})
	if err := c.saveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	c.metrics.RecordSubscriptionOperation("create", "success")
	c.log.Info("created subscription",
		Field{"billable_id", b.ID},
		Field{"name", sb.name},
		Field{"subscription", remote.ID},
		Field{"status", string(remote.Status)},
	)

	if confirm && remote.LatestInvoice != nil && remote.LatestInvoice.PaymentIntent != nil {
		payment := NewPayment(remote.LatestInvoice.PaymentIntent)
		c.metrics.RecordPaymentOutcome("subscription.create", payment.Intent.Status)
		if err := payment.Validate(); err != nil {
			return sub, err
		}
	}
	return sub, nil
}
