package cashier

import (
	"context"
	"fmt"
)

// AddPaymentMethod attaches a payment method to the resolved customer
// without changing the default.
func (c *Client) AddPaymentMethod(ctx context.Context, b *Billable, paymentMethodID string) (*PaymentMethod, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}
	pm, err := c.gateway.AttachPaymentMethod(ctx, paymentMethodID, cust.ID, cust.Account)
	if err != nil {
		return nil, fmt.Errorf("attach payment method: %w", err)
	}
	return pm, nil
}

// UpdateDefaultPaymentMethod attaches the payment method to the billable's
// platform customer, designates it default, and syncs the display fields
// (brand, last four) to the local record. When ctx routes to a connected
// account the change is propagated to the shared customer there by cloning
// the new default.
func (c *Client) UpdateDefaultPaymentMethod(ctx context.Context, b *Billable, paymentMethodID string) (*PaymentMethod, error) {
	var pm *PaymentMethod

	// The platform customer is the source of truth for the default method;
	// connected-account copies are derived from it.
	err := OnPlatform(ctx, func(pctx context.Context) error {
		cust, err := c.ResolveCustomer(pctx, b)
		if err != nil {
			return err
		}

		// Attaching an already-attached method is a no-op at the gateway,
		// so the same method can be re-designated default safely.
		pm, err = c.gateway.AttachPaymentMethod(pctx, paymentMethodID, cust.ID, "")
		if err != nil {
			return fmt.Errorf("attach payment method: %w", err)
		}

		_, err = c.gateway.UpdateCustomer(pctx, cust.ID, &CustomerUpdateParams{
			DefaultPaymentMethod: &pm.ID,
		})
		if err != nil {
			return fmt.Errorf("set default payment method: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.fillPaymentMethodDetails(pm)
	if err := c.repo.SaveBillable(ctx, b); err != nil {
		return nil, fmt.Errorf("persist payment method details: %w", err)
	}

	if account, ok := AccountFrom(ctx); ok {
		if err := c.syncSharedCustomerPaymentMethod(ctx, b, account); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// syncSharedCustomerPaymentMethod clones the platform default onto the
// billable's shared customer on the given connected account and designates
// it default there.
func (c *Client) syncSharedCustomerPaymentMethod(ctx context.Context, b *Billable, account string) error {
	shared, err := c.ResolveCustomer(WithAccount(ctx, account), b)
	if err != nil {
		return err
	}

	var platform *Customer
	err = OnPlatform(ctx, func(pctx context.Context) error {
		var err error
		platform, err = c.ResolveCustomer(pctx, b)
		return err
	})
	if err != nil {
		return err
	}
	if platform.DefaultPaymentMethod == "" {
		return nil
	}

	clone, err := c.gateway.ClonePaymentMethod(ctx, platform.ID, platform.DefaultPaymentMethod, account)
	if err != nil {
		return fmt.Errorf("clone payment method to %s: %w", account, err)
	}
	if _, err := c.gateway.AttachPaymentMethod(ctx, clone.ID, shared.ID, account); err != nil {
		return fmt.Errorf("attach cloned payment method: %w", err)
	}
	_, err = c.gateway.UpdateCustomer(ctx, shared.ID, &CustomerUpdateParams{
		DefaultPaymentMethod: &clone.ID,
		Account:              account,
	})
	if err != nil {
		return fmt.Errorf("set shared default payment method: %w", err)
	}
	return nil
}

// RemovePaymentMethod detaches a payment method from the resolved customer.
// If it was the default, the local display fields are re-synced from the
// gateway.
func (c *Client) RemovePaymentMethod(ctx context.Context, b *Billable, paymentMethodID string) error {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return err
	}
	if _, err := c.gateway.DetachPaymentMethod(ctx, paymentMethodID, cust.Account); err != nil {
		return fmt.Errorf("detach payment method: %w", err)
	}
	if cust.DefaultPaymentMethod == paymentMethodID {
		return c.SyncPaymentMethodFromGateway(ctx, b)
	}
	return nil
}

// DeletePaymentMethods detaches every payment method on the resolved
// customer and clears the local display fields.
func (c *Client) DeletePaymentMethods(ctx context.Context, b *Billable) error {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return err
	}
	pms, err := c.gateway.PaymentMethods(ctx, cust.ID, cust.Account)
	if err != nil {
		return fmt.Errorf("list payment methods: %w", err)
	}
	for _, pm := range pms {
		if _, err := c.gateway.DetachPaymentMethod(ctx, pm.ID, cust.Account); err != nil {
			return fmt.Errorf("detach payment method %s: %w", pm.ID, err)
		}
	}
	return c.SyncPaymentMethodFromGateway(ctx, b)
}

// PaymentMethods lists the payment methods attached to the resolved
// customer.
func (c *Client) PaymentMethods(ctx context.Context, b *Billable) ([]*PaymentMethod, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}
	return c.gateway.PaymentMethods(ctx, cust.ID, cust.Account)
}

// DefaultPaymentMethod fetches the resolved customer's default payment
// method, nil when none is set.
func (c *Client) DefaultPaymentMethod(ctx context.Context, b *Billable) (*PaymentMethod, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}
	if cust.DefaultPaymentMethod == "" {
		return nil, nil
	}
	return c.gateway.PaymentMethod(ctx, cust.DefaultPaymentMethod, cust.Account)
}

// SyncPaymentMethodFromGateway refreshes the billable's cached display
// fields from the gateway's view of the default payment method, clearing
// them when none remains.
func (c *Client) SyncPaymentMethodFromGateway(ctx context.Context, b *Billable) error {
	pm, err := c.DefaultPaymentMethod(ctx, b)
	if err != nil {
		return err
	}
	if pm != nil {
		b.fillPaymentMethodDetails(pm)
	} else {
		b.CardBrand = ""
		b.CardLastFour = ""
	}
	if err := c.repo.SaveBillable(ctx, b); err != nil {
		return fmt.Errorf("persist payment method details: %w", err)
	}
	return nil
}

func (b *Billable) fillPaymentMethodDetails(pm *PaymentMethod) {
	switch pm.Type {
	case "bank_account":
		b.CardBrand = "Bank Account"
		b.CardLastFour = pm.LastFour
	default:
		b.CardBrand = pm.Brand
		b.CardLastFour = pm.LastFour
	}
}
