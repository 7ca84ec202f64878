package cashier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ChargeOptions tune a one-off charge.
type ChargeOptions struct {
	// PaymentMethod bills a specific method instead of the customer default.
	PaymentMethod string

	Description string

	// Currency overrides the configured default.
	Currency string

	Metadata map[string]string
}

// Charge makes a single off-session payment of amount minor units against
// the billable. The charge is confirmed immediately; a confirmation that
// needs customer action or fails is reported through the returned Payment
// and a matching payment error.
func (c *Client) Charge(ctx context.Context, b *Billable, amount int64, opts *ChargeOptions) (*Payment, error) {
	if opts == nil {
		opts = &ChargeOptions{}
	}

	params := &PaymentParams{
		Amount:         amount,
		Currency:       opts.Currency,
		PaymentMethod:  opts.PaymentMethod,
		Description:    opts.Description,
		Confirm:        true,
		OffSession:     true,
		Metadata:       opts.Metadata,
		IdempotencyKey: uuid.NewString(),
		Account:        accountOf(ctx),
	}
	if params.Currency == "" {
		params.Currency = c.cfg.Currency
	}

	if b.HasCustomer() {
		cust, err := c.ResolveCustomer(ctx, b)
		if err != nil {
			return nil, err
		}
		params.Customer = cust.ID
		params.Account = cust.Account
	} else if params.PaymentMethod == "" {
		return nil, ErrNoPaymentSource
	}

	start := c.now()
	intent, err := c.gateway.CreatePayment(ctx, params)
	c.observe("payment.create", start, err)
	if err != nil {
		return nil, fmt.Errorf("charge %d %s: %w", amount, params.Currency, err)
	}

	payment := NewPayment(intent)
	c.metrics.RecordPaymentOutcome("charge", intent.Status)
	return payment, payment.Validate()
}

// Refund refunds a previous payment. Amount zero refunds the full payment.
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64) (*Refund, error) {
	start := c.now()
	refund, err := c.gateway.RefundPayment(ctx, &RefundParams{
		PaymentIntent: paymentID,
		Amount:        amount,
		Account:       accountOf(ctx),
	})
	c.observe("payment.refund", start, err)
	if err != nil {
		return nil, fmt.Errorf("refund payment %s: %w", paymentID, err)
	}
	return refund, nil
}

// Tab adds a pending invoice item to the billable's account. It is swept
// onto the next invoice, or immediately by InvoiceNow.
func (c *Client) Tab(ctx context.Context, b *Billable, description string, amount int64) (*InvoiceLine, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	start := c.now()
	line, err := c.gateway.CreateInvoiceItem(ctx, &InvoiceItemParams{
		Customer:    cust.ID,
		Description: description,
		Amount:      amount,
		Currency:    c.cfg.Currency,
		Account:     cust.Account,
	})
	c.observe("invoiceitem.create", start, err)
	if err != nil {
		return nil, fmt.Errorf("add invoice item: %w", err)
	}
	return line, nil
}

// InvoiceFor adds a one-off item and invoices it immediately.
func (c *Client) InvoiceFor(ctx context.Context, b *Billable, description string, amount int64) (*Invoice, error) {
	if _, err := c.Tab(ctx, b, description, amount); err != nil {
		return nil, err
	}
	return c.InvoiceNow(ctx, b)
}

// InvoiceNow creates an invoice from the billable's pending items and
// attempts payment at once. When the payment needs customer action or
// fails, the created invoice is returned together with the matching payment
// error; the invoice itself is never rolled back.
func (c *Client) InvoiceNow(ctx context.Context, b *Billable) (*Invoice, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	start := c.now()
	remote, err := c.gateway.CreateInvoice(ctx, &InvoiceCreateParams{
		Customer: cust.ID,
		Account:  cust.Account,
	})
	c.observe("invoice.create", start, err)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	start = c.now()
	paid, err := c.gateway.PayInvoice(ctx, remote.ID, cust.Account)
	c.observe("invoice.pay", start, err)
	if err != nil {
		// The invoice exists regardless; classify the failed attempt so the
		// caller can run the confirmation flow.
		if fetched, ferr := c.gateway.Invoice(ctx, remote.ID, cust.Account); ferr == nil {
			inv := NewInvoice(fetched)
			if payment := inv.Payment(); payment != nil {
				c.metrics.RecordPaymentOutcome("invoice.pay", payment.Intent.Status)
				if verr := payment.Validate(); verr != nil {
					return inv, verr
				}
			}
		}
		return NewInvoice(remote), fmt.Errorf("pay invoice %s: %w", remote.ID, err)
	}

	inv := NewInvoice(paid)
	if payment := inv.Payment(); payment != nil {
		c.metrics.RecordPaymentOutcome("invoice.pay", payment.Intent.Status)
		if verr := payment.Validate(); verr != nil {
			return inv, verr
		}
	}
	return inv, nil
}

// UpcomingInvoice previews the billable's next invoice. Returns (nil, nil)
// when there is nothing upcoming or the gateway rejects the preview.
func (c *Client) UpcomingInvoice(ctx context.Context, b *Billable) (*Invoice, error) {
	if !b.HasCustomer() {
		return nil, nil
	}
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	remote, err := c.gateway.UpcomingInvoice(ctx, cust.ID, cust.Account)
	if err != nil {
		if isGatewayError(err) {
			return nil, nil
		}
		return nil, err
	}
	return NewInvoice(remote), nil
}

// FindInvoice fetches an invoice by ID. Missing invoices and invoices
// belonging to another customer both yield (nil, nil); the distinction is
// deliberately hidden from display paths, use FindInvoiceOrFail to surface
// it.
func (c *Client) FindInvoice(ctx context.Context, b *Billable, id string) (*Invoice, error) {
	inv, err := c.findOwnedInvoice(ctx, b, id)
	if errors.Is(err, ErrInvoiceNotFound) || errors.Is(err, ErrAccessDenied) {
		return nil, nil
	}
	return inv, err
}

// FindInvoiceOrFail fetches an invoice by ID, returning ErrInvoiceNotFound
// when it does not exist and ErrAccessDenied when it belongs to a different
// customer.
func (c *Client) FindInvoiceOrFail(ctx context.Context, b *Billable, id string) (*Invoice, error) {
	return c.findOwnedInvoice(ctx, b, id)
}

func (c *Client) findOwnedInvoice(ctx context.Context, b *Billable, id string) (*Invoice, error) {
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	remote, err := c.gateway.Invoice(ctx, id, cust.Account)
	if err != nil {
		if isGatewayError(err) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	if remote.CustomerID != cust.ID {
		return nil, ErrAccessDenied
	}
	return NewInvoice(remote), nil
}

// Invoices lists the billable's past invoices, newest first. Pending
// (unpaid, non-closed) invoices are excluded unless includePending is set.
func (c *Client) Invoices(ctx context.Context, b *Billable, includePending bool) ([]*Invoice, error) {
	if !b.HasCustomer() {
		return nil, nil
	}
	cust, err := c.ResolveCustomer(ctx, b)
	if err != nil {
		return nil, err
	}

	start := c.now()
	remotes, err := c.gateway.Invoices(ctx, cust.ID, cust.Account, c.cfg.InvoicePageSize)
	c.observe("invoice.list", start, err)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	invoices := make([]*Invoice, 0, len(remotes))
	for _, remote := range remotes {
		if remote.Paid || includePending {
			invoices = append(invoices, NewInvoice(remote))
		}
	}
	return invoices, nil
}
