package cashier

import (
	"context"
	"fmt"
)

// ResolveCustomer maps a billable to the gateway customer all subsequent
// calls should operate on, creating records lazily.
//
// Platform routing: the billable's platform customer is created on first use
// and its ID persisted.
//
// Connected-account routing: the stored per-account mapping is
// authoritative. When no mapping exists the resolver falls back to an email
// lookup on the connected account (records created before mappings were
// kept), and otherwise runs the shared-customer protocol: the platform
// customer's default payment method is cloned onto the connected account and
// a parallel customer is created there with the clone as default. Either
// path writes the mapping back so it runs at most once per account.
func (c *Client) ResolveCustomer(ctx context.Context, b *Billable) (*Customer, error) {
	account := accountOf(ctx)

	key := b.ID + "|" + account
	v, err, _ := c.resolve.Do(key, func() (interface{}, error) {
		if account == "" {
			return c.resolvePlatformCustomer(ctx, b)
		}
		return c.resolveAccountCustomer(ctx, b, account)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Customer), nil
}

func (c *Client) resolvePlatformCustomer(ctx context.Context, b *Billable) (*Customer, error) {
	if !b.HasCustomer() {
		return c.CreateCustomer(ctx, b)
	}
	cust, err := c.gateway.Customer(ctx, b.CustomerID, "")
	if err != nil {
		return nil, fmt.Errorf("retrieve customer %s: %w", b.CustomerID, err)
	}
	return cust, nil
}

func (c *Client) resolveAccountCustomer(ctx context.Context, b *Billable, account string) (*Customer, error) {
	customerID, err := c.repo.AccountCustomer(ctx, b.ID, account)
	if err == nil && customerID != "" {
		cust, err := c.gateway.Customer(ctx, customerID, account)
		if err != nil {
			return nil, fmt.Errorf("retrieve mapped customer %s on %s: %w", customerID, account, err)
		}
		return cust, nil
	}

	// Records created before mappings were stored: match by email once and
	// persist the mapping so the fragile lookup never repeats.
	cust, err := c.gateway.CustomerByEmail(ctx, b.Email, account)
	if err != nil {
		return nil, fmt.Errorf("lookup customer by email on %s: %w", account, err)
	}
	if cust != nil {
		if err := c.repo.SaveAccountCustomer(ctx, b.ID, account, cust.ID); err != nil {
			return nil, fmt.Errorf("save account customer mapping: %w", err)
		}
		return cust, nil
	}

	return c.createSharedCustomer(ctx, b, account)
}

// createSharedCustomer duplicates the billable's platform customer onto a
// connected account. Payment methods are scoped to a single account, so the
// platform default is cloned and designated default on the copy.
func (c *Client) createSharedCustomer(ctx context.Context, b *Billable, account string) (*Customer, error) {
	// The platform customer must exist before it can be shared.
	var platform *Customer
	err := OnPlatform(ctx, func(pctx context.Context) error {
		var err error
		platform, err = c.resolvePlatformCustomer(pctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	create := &CustomerCreateParams{
		Email:   b.Email,
		Account: account,
		Metadata: map[string]string{
			"billable_id":       b.ID,
			"platform_customer": platform.ID,
		},
	}

	if platform.DefaultPaymentMethod != "" {
		clone, err := c.gateway.ClonePaymentMethod(ctx, platform.ID, platform.DefaultPaymentMethod, account)
		if err != nil {
			return nil, fmt.Errorf("clone payment method to %s: %w", account, err)
		}
		create.PaymentMethod = clone.ID
	}

	cust, err := c.gateway.CreateCustomer(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("create shared customer on %s: %w", account, err)
	}

	if err := c.repo.SaveAccountCustomer(ctx, b.ID, account, cust.ID); err != nil {
		return nil, fmt.Errorf("save account customer mapping: %w", err)
	}

	c.log.Info("created shared customer",
		Field{"billable_id", b.ID},
		Field{"account", account},
		Field{"customer", cust.ID},
	)
	return cust, nil
}

// CreateCustomer creates the billable's platform customer record and
// persists its ID. Creation always targets the platform account, regardless
// of the routing on ctx; the connected-account copy is made lazily by
// ResolveCustomer. If a customer already exists it is returned unchanged.
func (c *Client) CreateCustomer(ctx context.Context, b *Billable) (*Customer, error) {
	if b.HasCustomer() {
		return c.gateway.Customer(ctx, b.CustomerID, "")
	}

	cust, err := c.gateway.CreateCustomer(ctx, &CustomerCreateParams{
		Email:    b.Email,
		Account:  "",
		Metadata: map[string]string{"billable_id": b.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	b.CustomerID = cust.ID
	if err := c.repo.SaveBillable(ctx, b); err != nil {
		return nil, fmt.Errorf("persist customer id: %w", err)
	}

	c.log.Info("created customer", Field{"billable_id", b.ID}, Field{"customer", cust.ID})
	return cust, nil
}

// UpdateCustomer applies updates to the customer the current routing
// resolves to. The billable must already be a gateway customer; unlike
// ResolveCustomer, updates never create one.
func (c *Client) UpdateCustomer(ctx context.Context, b *Billable, p *CustomerUpdateParams) (*Customer, error) {
	if !b.HasCustomer() {
		return nil, ErrInvalidCustomer
	}
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}
	p.Account = cust.Account
	return c.gateway.UpdateCustomer(ctx, cust.ID, p)
}

// ApplyCoupon applies a coupon to the resolved customer; it discounts the
// customer's future invoices.
func (c *Client) ApplyCoupon(ctx context.Context, b *Billable, coupon string) error {
	_, err := c.UpdateCustomer(ctx, b, &CustomerUpdateParams{Coupon: &coupon})
	return err
}
