package cashier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Webhook reconciliation. The transport-specific handler (see the stripe
// subpackage) verifies and decodes events, routes ctx to the event's
// connected account, and calls into these methods. Events can arrive out of
// order and more than once; each handler treats the gateway as
// authoritative and re-fetches when an event looks stale.

// HandleSubscriptionUpdated applies a subscription change event. occurredAt
// is the event's creation time at the gateway; events older than the local
// record's last update are not applied directly, the current remote state
// is fetched instead.
func (c *Client) HandleSubscriptionUpdated(ctx context.Context, remote *RemoteSubscription, occurredAt time.Time) error {
	sub, err := c.repo.SubscriptionByRemoteID(ctx, remote.ID)
	if errors.Is(err, ErrNotFound) {
		// Not a subscription this system manages.
		c.log.Debug("ignoring update for unknown subscription", Field{"subscription", remote.ID})
		return nil
	}
	if err != nil {
		return err
	}
	c.bind(sub)

	if !occurredAt.After(sub.UpdatedAt) {
		return c.refreshFromGateway(ctx, sub)
	}

	c.applyRemote(sub, remote)
	return c.saveSubscription(ctx, sub)
}

// HandleSubscriptionDeleted marks the local record canceled and ended when
// the gateway reports the subscription gone.
func (c *Client) HandleSubscriptionDeleted(ctx context.Context, remoteID string, occurredAt time.Time) error {
	sub, err := c.repo.SubscriptionByRemoteID(ctx, remoteID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.bind(sub)

	sub.Status = StatusCanceled
	if sub.EndsAt == nil || sub.EndsAt.After(occurredAt) {
		end := occurredAt
		sub.EndsAt = &end
	}
	return c.saveSubscription(ctx, sub)
}

// HandleInvoicePaymentSucceeded reconciles the subscription behind a paid
// invoice; a past_due or incomplete record returns to the gateway's current
// status.
func (c *Client) HandleInvoicePaymentSucceeded(ctx context.Context, invoice *RemoteInvoice) error {
	if invoice.SubscriptionID == "" {
		return nil
	}
	return c.reconcileSubscription(ctx, invoice.SubscriptionID)
}

// HandleInvoicePaymentFailed reconciles the subscription behind an invoice
// whose payment failed, typically landing it in past_due.
func (c *Client) HandleInvoicePaymentFailed(ctx context.Context, invoice *RemoteInvoice) error {
	if invoice.SubscriptionID == "" {
		return nil
	}
	return c.reconcileSubscription(ctx, invoice.SubscriptionID)
}

func (c *Client) reconcileSubscription(ctx context.Context, remoteID string) error {
	sub, err := c.repo.SubscriptionByRemoteID(ctx, remoteID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.bind(sub)
	return c.refreshFromGateway(ctx, sub)
}

// HandlePaymentMethodUpdated re-syncs the cached card display fields of the
// billable owning the given gateway customer.
func (c *Client) HandlePaymentMethodUpdated(ctx context.Context, customerID string) error {
	b, err := c.repo.BillableByCustomerID(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.SyncPaymentMethodFromGateway(ctx, b)
}

// HandleCustomerDeleted clears the local linkage to a customer deleted at
// the gateway. Subscriptions are left to their own deletion events.
func (c *Client) HandleCustomerDeleted(ctx context.Context, customerID string) error {
	b, err := c.repo.BillableByCustomerID(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.CustomerID = ""
	b.CardBrand = ""
	b.CardLastFour = ""
	if err := c.repo.SaveBillable(ctx, b); err != nil {
		return fmt.Errorf("clear customer linkage: %w", err)
	}
	c.log.Info("cleared deleted customer", Field{"billable_id", b.ID}, Field{"customer", customerID})
	return nil
}
