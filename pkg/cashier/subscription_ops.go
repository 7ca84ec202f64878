package cashier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SwapOptions tune plan and quantity changes. A nil options value uses the
// configured defaults.
type SwapOptions struct {
	// Prorate overrides Config.ProrateByDefault for this change.
	Prorate *bool
}

func (c *Client) prorationFor(opts *SwapOptions) bool {
	if opts != nil && opts.Prorate != nil {
		return *opts.Prorate
	}
	return c.cfg.ProrateByDefault
}

// Subscription retrieves the billable's subscription with the given logical
// name, nil when none exists.
func (c *Client) Subscription(ctx context.Context, b *Billable, name string) (*Subscription, error) {
	sub, err := c.repo.Subscription(ctx, b.ID, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.bind(sub), nil
}

// Subscriptions lists the billable's subscriptions, newest first.
func (c *Client) Subscriptions(ctx context.Context, b *Billable) ([]*Subscription, error) {
	subs, err := c.repo.Subscriptions(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return c.bindAll(subs), nil
}

// Subscribed reports whether the billable has a valid subscription with the
// given name. A non-empty plan additionally requires that plan.
func (c *Client) Subscribed(ctx context.Context, b *Billable, name, plan string) (bool, error) {
	sub, err := c.Subscription(ctx, b, name)
	if err != nil || sub == nil {
		return false, err
	}
	if !sub.Valid() {
		return false, nil
	}
	return plan == "" || sub.OnPlan(plan), nil
}

// SubscribedToPlan reports whether the named subscription is valid and on
// one of the given plans.
func (c *Client) SubscribedToPlan(ctx context.Context, b *Billable, name string, plans ...string) (bool, error) {
	sub, err := c.Subscription(ctx, b, name)
	if err != nil || sub == nil {
		return false, err
	}
	if !sub.Valid() {
		return false, nil
	}
	for _, plan := range plans {
		if sub.OnPlan(plan) {
			return true, nil
		}
	}
	return false, nil
}

// OnTrial reports whether the billable is trialing: on a generic
// model-level trial when name is empty, otherwise on the named
// subscription's trial (optionally for a specific plan).
func (c *Client) OnTrial(ctx context.Context, b *Billable, name, plan string) (bool, error) {
	if name == "" {
		return b.OnGenericTrial(), nil
	}
	sub, err := c.Subscription(ctx, b, name)
	if err != nil || sub == nil {
		return false, err
	}
	if !sub.OnTrial() {
		return false, nil
	}
	return plan == "" || sub.OnPlan(plan), nil
}

// Cancel requests a deferred cancellation: the subscription remains usable
// until the end of the current period (or the trial, when still trialing).
// EndsAt marks the grace-period boundary; the status is left as reported.
func (c *Client) Cancel(ctx context.Context, sub *Subscription) error {
	start := c.now()
	cancel := true
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, &SubscriptionUpdateParams{
		CancelAtPeriodEnd: &cancel,
		Account:           accountOf(ctx),
	})
	c.observe("subscription.update", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("cancel", "error")
		return fmt.Errorf("cancel subscription %s: %w", sub.RemoteID, err)
	}

	endsAt := remote.CurrentPeriodEnd
	if sub.OnTrial() {
		endsAt = *sub.TrialEndsAt
	}
	sub.EndsAt = &endsAt
	sub.Status = remote.Status

	c.metrics.RecordSubscriptionOperation("cancel", "success")
	return c.saveSubscription(ctx, sub)
}

// CancelNow cancels immediately: the subscription ends at once and the
// status becomes canceled.
func (c *Client) CancelNow(ctx context.Context, sub *Subscription) error {
	start := c.now()
	_, err := c.gateway.CancelSubscription(ctx, sub.RemoteID, accountOf(ctx))
	c.observe("subscription.cancel", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("cancel_now", "error")
		return fmt.Errorf("cancel subscription %s now: %w", sub.RemoteID, err)
	}

	sub.markCancelledNow()
	c.metrics.RecordSubscriptionOperation("cancel_now", "success")
	return c.saveSubscription(ctx, sub)
}

// Resume un-cancels a subscription that is still within its grace period,
// clearing EndsAt and restoring the prior billing state. Outside the grace
// period it fails with ErrNotOnGracePeriod; a subscription that has ended
// must be recreated instead.
func (c *Client) Resume(ctx context.Context, sub *Subscription) error {
	if !sub.OnGracePeriod() {
		return ErrNotOnGracePeriod
	}

	cancel := false
	params := &SubscriptionUpdateParams{
		CancelAtPeriodEnd: &cancel,
		Plan:              &sub.Plan,
		Account:           accountOf(ctx),
	}
	// Re-activating must not restart or forfeit the running trial.
	if sub.OnTrial() {
		params.TrialEnd = sub.TrialEndsAt
	} else {
		params.TrialEndNow = true
	}

	start := c.now()
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, params)
	c.observe("subscription.update", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("resume", "error")
		return fmt.Errorf("resume subscription %s: %w", sub.RemoteID, err)
	}

	sub.EndsAt = nil
	sub.Status = remote.Status

	c.metrics.RecordSubscriptionOperation("resume", "success")
	return c.saveSubscription(ctx, sub)
}

// Swap changes the subscription's plan without forcing payment. The local
// record always persists whatever state the gateway returned: if the
// proration invoice cannot be paid at the next cycle the status is simply
// past_due, never an error from this call.
func (c *Client) Swap(ctx context.Context, sub *Subscription, plan string, opts *SwapOptions) error {
	prorate := c.prorationFor(opts)
	start := c.now()
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, &SubscriptionUpdateParams{
		Plan:    &plan,
		Prorate: &prorate,
		Account: accountOf(ctx),
	})
	c.observe("subscription.update", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("swap", "error")
		return fmt.Errorf("swap subscription %s to %s: %w", sub.RemoteID, plan, err)
	}

	c.applyRemote(sub, remote)
	c.metrics.RecordSubscriptionOperation("swap", "success")
	return c.saveSubscription(ctx, sub)
}

// SwapAndInvoice swaps the plan and immediately invoices the proration
// difference. The plan change is persisted before any payment is attempted;
// a payment failure surfaces as PaymentActionRequiredError or
// PaymentFailureError after the refreshed (typically past_due) state has
// been saved.
func (c *Client) SwapAndInvoice(ctx context.Context, sub *Subscription, plan string, opts *SwapOptions) error {
	if err := c.Swap(ctx, sub, plan, opts); err != nil {
		return err
	}

	b, err := c.repo.Billable(ctx, sub.BillableID)
	if err != nil {
		return fmt.Errorf("load billable %s: %w", sub.BillableID, err)
	}

	_, payErr := c.InvoiceNow(ctx, b)
	if payErr == nil {
		return nil
	}

	// The remote mutation already happened; report payment outcome only,
	// with the local record refreshed to the post-payment remote state.
	if refreshErr := c.refreshFromGateway(ctx, sub); refreshErr != nil {
		c.log.Warn("refresh after failed swap invoice",
			Field{"subscription", sub.RemoteID}, Field{"error", refreshErr.Error()})
	}
	return payErr
}

// IncrementQuantity raises the subscription quantity by count (default 1
// when count is zero).
func (c *Client) IncrementQuantity(ctx context.Context, sub *Subscription, count int64, opts *SwapOptions) error {
	if count == 0 {
		count = 1
	}
	return c.UpdateQuantity(ctx, sub, sub.Quantity+count, opts)
}

// DecrementQuantity lowers the subscription quantity by count (default 1
// when count is zero). The quantity can never drop below one.
func (c *Client) DecrementQuantity(ctx context.Context, sub *Subscription, count int64, opts *SwapOptions) error {
	if count == 0 {
		count = 1
	}
	return c.UpdateQuantity(ctx, sub, sub.Quantity-count, opts)
}

// UpdateQuantity sets the subscription quantity, re-invoicing per the
// proration policy.
func (c *Client) UpdateQuantity(ctx context.Context, sub *Subscription, quantity int64, opts *SwapOptions) error {
	if quantity < 1 {
		return ErrQuantityTooLow
	}

	prorate := c.prorationFor(opts)
	start := c.now()
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, &SubscriptionUpdateParams{
		Quantity: &quantity,
		Prorate:  &prorate,
		Account:  accountOf(ctx),
	})
	c.observe("subscription.update", start, err)
	if err != nil {
		c.metrics.RecordSubscriptionOperation("quantity", "error")
		return fmt.Errorf("update subscription %s quantity: %w", sub.RemoteID, err)
	}

	c.applyRemote(sub, remote)
	c.metrics.RecordSubscriptionOperation("quantity", "success")
	return c.saveSubscription(ctx, sub)
}

// ExtendTrial moves the trial end to a future timestamp.
func (c *Client) ExtendTrial(ctx context.Context, sub *Subscription, until time.Time) error {
	if !until.After(c.now()) {
		return ErrTrialNotInFuture
	}

	start := c.now()
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, &SubscriptionUpdateParams{
		TrialEnd: &until,
		Account:  accountOf(ctx),
	})
	c.observe("subscription.update", start, err)
	if err != nil {
		return fmt.Errorf("extend trial on %s: %w", sub.RemoteID, err)
	}

	sub.TrialEndsAt = &until
	sub.Status = remote.Status
	return c.saveSubscription(ctx, sub)
}

// SkipTrial ends the trial immediately, starting the paid period.
func (c *Client) SkipTrial(ctx context.Context, sub *Subscription) error {
	start := c.now()
	remote, err := c.gateway.UpdateSubscription(ctx, sub.RemoteID, &SubscriptionUpdateParams{
		TrialEndNow: true,
		Account:     accountOf(ctx),
	})
	c.observe("subscription.update", start, err)
	if err != nil {
		return fmt.Errorf("skip trial on %s: %w", sub.RemoteID, err)
	}

	sub.TrialEndsAt = nil
	sub.Status = remote.Status
	return c.saveSubscription(ctx, sub)
}

// LatestPayment fetches the most recent payment attempt on the
// subscription's latest invoice, nil when the subscription has no pending
// payment object.
func (c *Client) LatestPayment(ctx context.Context, sub *Subscription) (*Payment, error) {
	start := c.now()
	remote, err := c.gateway.Subscription(ctx, sub.RemoteID, accountOf(ctx))
	c.observe("subscription.retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", sub.RemoteID, err)
	}
	if remote.LatestInvoice == nil || remote.LatestInvoice.PaymentIntent == nil {
		return nil, nil
	}
	return NewPayment(remote.LatestInvoice.PaymentIntent), nil
}

// HasIncompletePayment reports whether the subscription is blocked on an
// unpaid invoice whose payment has not succeeded.
func (c *Client) HasIncompletePayment(ctx context.Context, sub *Subscription) (bool, error) {
	if !sub.Incomplete() && !sub.PastDue() {
		return false, nil
	}
	payment, err := c.LatestPayment(ctx, sub)
	if err != nil {
		if isGatewayError(err) {
			// The local status already says a payment is outstanding.
			return true, nil
		}
		return false, err
	}
	if payment == nil {
		return true, nil
	}
	return !payment.Succeeded(), nil
}

// refreshFromGateway overwrites the local record with the remote state.
func (c *Client) refreshFromGateway(ctx context.Context, sub *Subscription) error {
	remote, err := c.gateway.Subscription(ctx, sub.RemoteID, accountOf(ctx))
	if err != nil {
		return err
	}
	c.applyRemote(sub, remote)
	return c.saveSubscription(ctx, sub)
}

// applyRemote copies the authoritative remote fields onto the local record.
// RemoteID is immutable and never overwritten.
func (c *Client) applyRemote(sub *Subscription, remote *RemoteSubscription) {
	sub.Status = remote.Status
	sub.Plan = remote.PlanID
	if remote.Quantity > 0 {
		sub.Quantity = remote.Quantity
	}
	sub.TrialEndsAt = remote.TrialEnd
	if remote.CancelAtPeriodEnd {
		end := remote.CurrentPeriodEnd
		if sub.TrialEndsAt != nil && sub.OnTrial() {
			end = *sub.TrialEndsAt
		}
		sub.EndsAt = &end
	} else if remote.Status != StatusCanceled && remote.Status != StatusIncompleteExpired {
		sub.EndsAt = nil
	}
}

func (c *Client) saveSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = c.now()
	c.bind(sub)
	if err := c.repo.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("persist subscription %s: %w", sub.RemoteID, err)
	}
	return nil
}
