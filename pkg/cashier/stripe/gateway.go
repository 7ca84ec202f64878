// Package stripe implements the cashier gateway and webhook handler on top
// of the Stripe API, including connected-account ("Connect") routing.
package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

const (
	// invoicePaymentExpand resolves an invoice's backing payment intent in
	// the same call.
	invoicePaymentExpand             = "payments.data.payment.payment_intent"
	subscriptionLatestInvoiceExpand  = "latest_invoice." + invoicePaymentExpand
	paymentBehaviorAllowIncomplete   = "allow_incomplete"
	prorationBehaviorCreateProration = "create_prorations"
	prorationBehaviorNone            = "none"
)

// Gateway implements cashier.Gateway against the Stripe API. All calls
// honor the Account field of the params by setting the Stripe-Account
// header, which scopes the request to that connected account.
type Gateway struct {
	sc *stripe.Client
}

// NewGateway creates a Gateway using the given platform secret key.
func NewGateway(apiKey string) (*Gateway, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe: api key is required")
	}
	return &Gateway{sc: stripe.NewClient(apiKey)}, nil
}

func applyAccount(p *stripe.Params, account string) {
	if account != "" {
		p.StripeAccount = stripe.String(account)
	}
}

func applyListAccount(p *stripe.ListParams, account string) {
	if account != "" {
		p.StripeAccount = stripe.String(account)
	}
}

// CreateCustomer creates a customer on the requested account.
func (g *Gateway) CreateCustomer(ctx context.Context, p *cashier.CustomerCreateParams) (*cashier.Customer, error) {
	params := &stripe.CustomerCreateParams{}
	applyAccount(&params.Params, p.Account)
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	if p.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethod)
		params.InvoiceSettings = &stripe.CustomerCreateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(p.PaymentMethod),
		}
	}
	if p.Coupon != "" {
		params.AddExtra("coupon", p.Coupon)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	cust, err := g.sc.V1Customers.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("customer.create", err)
	}
	return customerFromStripe(cust, p.Account), nil
}

// Customer retrieves a customer by ID.
func (g *Gateway) Customer(ctx context.Context, id, account string) (*cashier.Customer, error) {
	params := &stripe.CustomerRetrieveParams{}
	applyAccount(&params.Params, account)

	cust, err := g.sc.V1Customers.Retrieve(ctx, id, params)
	if err != nil {
		return nil, wrapErr("customer.retrieve", err)
	}
	return customerFromStripe(cust, account), nil
}

// UpdateCustomer applies the non-nil fields.
func (g *Gateway) UpdateCustomer(ctx context.Context, id string, p *cashier.CustomerUpdateParams) (*cashier.Customer, error) {
	params := &stripe.CustomerUpdateParams{}
	applyAccount(&params.Params, p.Account)
	if p.Email != nil {
		params.Email = stripe.String(*p.Email)
	}
	if p.DefaultPaymentMethod != nil {
		params.InvoiceSettings = &stripe.CustomerUpdateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(*p.DefaultPaymentMethod),
		}
	}
	if p.Coupon != nil {
		params.AddExtra("coupon", *p.Coupon)
	}

	cust, err := g.sc.V1Customers.Update(ctx, id, params)
	if err != nil {
		return nil, wrapErr("customer.update", err)
	}
	return customerFromStripe(cust, p.Account), nil
}

// CustomerByEmail finds a customer on the account by exact email, (nil, nil)
// when none matches.
func (g *Gateway) CustomerByEmail(ctx context.Context, email, account string) (*cashier.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	applyListAccount(&params.ListParams, account)
	params.Limit = stripe.Int64(1)

	for cust, err := range g.sc.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, wrapErr("customer.list", err)
		}
		return customerFromStripe(cust, account), nil
	}
	return nil, nil
}

// AttachPaymentMethod attaches a payment method to a customer. Attaching an
// already-attached method is accepted by Stripe as a no-op.
func (g *Gateway) AttachPaymentMethod(ctx context.Context, id, customerID, account string) (*cashier.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	applyAccount(&params.Params, account)

	pm, err := g.sc.V1PaymentMethods.Attach(ctx, id, params)
	if err != nil {
		return nil, wrapErr("paymentmethod.attach", err)
	}
	return paymentMethodFromStripe(pm), nil
}

// DetachPaymentMethod detaches a payment method from its customer.
func (g *Gateway) DetachPaymentMethod(ctx context.Context, id, account string) (*cashier.PaymentMethod, error) {
	params := &stripe.PaymentMethodDetachParams{}
	applyAccount(&params.Params, account)

	pm, err := g.sc.V1PaymentMethods.Detach(ctx, id, params)
	if err != nil {
		return nil, wrapErr("paymentmethod.detach", err)
	}
	return paymentMethodFromStripe(pm), nil
}

// PaymentMethod retrieves a payment method by ID.
func (g *Gateway) PaymentMethod(ctx context.Context, id, account string) (*cashier.PaymentMethod, error) {
	params := &stripe.PaymentMethodRetrieveParams{}
	applyAccount(&params.Params, account)

	pm, err := g.sc.V1PaymentMethods.Retrieve(ctx, id, params)
	if err != nil {
		return nil, wrapErr("paymentmethod.retrieve", err)
	}
	return paymentMethodFromStripe(pm), nil
}

// PaymentMethods lists a customer's card payment methods.
func (g *Gateway) PaymentMethods(ctx context.Context, customerID, account string) ([]*cashier.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	applyListAccount(&params.ListParams, account)

	var out []*cashier.PaymentMethod
	for pm, err := range g.sc.V1PaymentMethods.List(ctx, params) {
		if err != nil {
			return nil, wrapErr("paymentmethod.list", err)
		}
		out = append(out, paymentMethodFromStripe(pm))
	}
	return out, nil
}

// ClonePaymentMethod duplicates one of a platform customer's payment methods
// onto the destination connected account. Stripe creates a new method there;
// the original stays on the platform.
func (g *Gateway) ClonePaymentMethod(ctx context.Context, customerID, paymentMethodID, destAccount string) (*cashier.PaymentMethod, error) {
	params := &stripe.PaymentMethodCreateParams{
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(paymentMethodID),
	}
	applyAccount(&params.Params, destAccount)

	pm, err := g.sc.V1PaymentMethods.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("paymentmethod.clone", err)
	}
	return paymentMethodFromStripe(pm), nil
}

// CreateSubscription creates a subscription, tolerating an incomplete first
// payment so the record survives declines and 3-D Secure challenges.
func (g *Gateway) CreateSubscription(ctx context.Context, p *cashier.SubscriptionCreateParams) (*cashier.RemoteSubscription, error) {
	item := &stripe.SubscriptionCreateItemParams{Price: stripe.String(p.Plan)}
	if p.Quantity > 0 {
		item.Quantity = stripe.Int64(p.Quantity)
	}

	params := &stripe.SubscriptionCreateParams{
		Customer:        stripe.String(p.Customer),
		Items:           []*stripe.SubscriptionCreateItemParams{item},
		PaymentBehavior: stripe.String(paymentBehaviorAllowIncomplete),
	}
	applyAccount(&params.Params, p.Account)
	params.AddExpand(subscriptionLatestInvoiceExpand)

	if p.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(p.TrialEnd.Unix())
	}
	if p.Coupon != "" {
		params.Discounts = []*stripe.SubscriptionCreateDiscountParams{
			{Coupon: stripe.String(p.Coupon)},
		}
	}
	if p.BillingCycleAnchor != nil {
		params.BillingCycleAnchor = stripe.Int64(p.BillingCycleAnchor.Unix())
	}
	if p.DefaultPaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(p.DefaultPaymentMethod)
	}
	if p.ApplicationFeePercent > 0 {
		params.ApplicationFeePercent = stripe.Float64(p.ApplicationFeePercent)
	}
	if p.Prorate != nil {
		params.ProrationBehavior = stripe.String(prorationBehavior(*p.Prorate))
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}

	sub, err := g.sc.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("subscription.create", err)
	}
	return subscriptionFromStripe(sub), nil
}

// Subscription retrieves a subscription with its latest invoice payment
// expanded.
func (g *Gateway) Subscription(ctx context.Context, id, account string) (*cashier.RemoteSubscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	applyAccount(&params.Params, account)
	params.AddExpand(subscriptionLatestInvoiceExpand)

	sub, err := g.sc.V1Subscriptions.Retrieve(ctx, id, params)
	if err != nil {
		return nil, wrapErr("subscription.retrieve", err)
	}
	return subscriptionFromStripe(sub), nil
}

// UpdateSubscription applies the non-nil fields. Plan and quantity changes
// rewrite the subscription's single item in place.
func (g *Gateway) UpdateSubscription(ctx context.Context, id string, p *cashier.SubscriptionUpdateParams) (*cashier.RemoteSubscription, error) {
	params := &stripe.SubscriptionUpdateParams{}
	applyAccount(&params.Params, p.Account)
	params.AddExpand(subscriptionLatestInvoiceExpand)

	if p.Plan != nil || p.Quantity != nil {
		itemID, err := g.firstItemID(ctx, id, p.Account)
		if err != nil {
			return nil, err
		}
		item := &stripe.SubscriptionUpdateItemParams{ID: stripe.String(itemID)}
		if p.Plan != nil {
			item.Price = stripe.String(*p.Plan)
		}
		if p.Quantity != nil {
			item.Quantity = stripe.Int64(*p.Quantity)
		}
		params.Items = []*stripe.SubscriptionUpdateItemParams{item}
	}

	if p.Prorate != nil {
		params.ProrationBehavior = stripe.String(prorationBehavior(*p.Prorate))
	}
	if p.TrialEndNow {
		params.TrialEndNow = stripe.Bool(true)
	} else if p.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(p.TrialEnd.Unix())
	}
	if p.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*p.CancelAtPeriodEnd)
	}

	sub, err := g.sc.V1Subscriptions.Update(ctx, id, params)
	if err != nil {
		return nil, wrapErr("subscription.update", err)
	}
	return subscriptionFromStripe(sub), nil
}

// CancelSubscription cancels immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, id, account string) (*cashier.RemoteSubscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	applyAccount(&params.Params, account)

	sub, err := g.sc.V1Subscriptions.Cancel(ctx, id, params)
	if err != nil {
		return nil, wrapErr("subscription.cancel", err)
	}
	return subscriptionFromStripe(sub), nil
}

func (g *Gateway) firstItemID(ctx context.Context, subscriptionID, account string) (string, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	applyAccount(&params.Params, account)

	sub, err := g.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, params)
	if err != nil {
		return "", wrapErr("subscription.retrieve", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", wrapErr("subscription.retrieve", fmt.Errorf("subscription %s has no items", subscriptionID))
	}
	return sub.Items.Data[0].ID, nil
}

// CreateInvoiceItem adds a pending invoice item to a customer.
func (g *Gateway) CreateInvoiceItem(ctx context.Context, p *cashier.InvoiceItemParams) (*cashier.InvoiceLine, error) {
	params := &stripe.InvoiceItemCreateParams{
		Customer: stripe.String(p.Customer),
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	applyAccount(&params.Params, p.Account)
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}

	item, err := g.sc.V1InvoiceItems.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("invoiceitem.create", err)
	}
	return &cashier.InvoiceLine{
		ID:          item.ID,
		Description: item.Description,
		Amount:      item.Amount,
		Currency:    string(item.Currency),
		Quantity:    item.Quantity,
	}, nil
}

// CreateInvoice sweeps the customer's pending items into a new invoice.
func (g *Gateway) CreateInvoice(ctx context.Context, p *cashier.InvoiceCreateParams) (*cashier.RemoteInvoice, error) {
	params := &stripe.InvoiceCreateParams{Customer: stripe.String(p.Customer)}
	applyAccount(&params.Params, p.Account)
	params.AddExpand(invoicePaymentExpand)

	inv, err := g.sc.V1Invoices.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("invoice.create", err)
	}
	return invoiceFromStripe(inv), nil
}

// PayInvoice attempts payment of an open invoice.
func (g *Gateway) PayInvoice(ctx context.Context, id, account string) (*cashier.RemoteInvoice, error) {
	params := &stripe.InvoicePayParams{}
	applyAccount(&params.Params, account)
	params.AddExpand(invoicePaymentExpand)

	inv, err := g.sc.V1Invoices.Pay(ctx, id, params)
	if err != nil {
		return nil, wrapErr("invoice.pay", err)
	}
	return invoiceFromStripe(inv), nil
}

// Invoice retrieves an invoice with its payment expanded.
func (g *Gateway) Invoice(ctx context.Context, id, account string) (*cashier.RemoteInvoice, error) {
	params := &stripe.InvoiceRetrieveParams{}
	applyAccount(&params.Params, account)
	params.AddExpand(invoicePaymentExpand)

	inv, err := g.sc.V1Invoices.Retrieve(ctx, id, params)
	if err != nil {
		return nil, wrapErr("invoice.retrieve", err)
	}
	return invoiceFromStripe(inv), nil
}

// UpcomingInvoice previews the customer's next invoice without creating it.
func (g *Gateway) UpcomingInvoice(ctx context.Context, customerID, account string) (*cashier.RemoteInvoice, error) {
	params := &stripe.InvoiceCreatePreviewParams{Customer: stripe.String(customerID)}
	applyAccount(&params.Params, account)

	inv, err := g.sc.V1Invoices.CreatePreview(ctx, params)
	if err != nil {
		return nil, wrapErr("invoice.upcoming", err)
	}
	return invoiceFromStripe(inv), nil
}

// Invoices lists a customer's invoices, newest first.
func (g *Gateway) Invoices(ctx context.Context, customerID, account string, limit int) ([]*cashier.RemoteInvoice, error) {
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	applyListAccount(&params.ListParams, account)
	if limit > 0 {
		params.Limit = stripe.Int64(int64(limit))
	}

	var out []*cashier.RemoteInvoice
	for inv, err := range g.sc.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, wrapErr("invoice.list", err)
		}
		out = append(out, invoiceFromStripe(inv))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CreatePayment creates, and when requested confirms, a payment intent.
func (g *Gateway) CreatePayment(ctx context.Context, p *cashier.PaymentParams) (*cashier.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	applyAccount(&params.Params, p.Account)
	if p.Customer != "" {
		params.Customer = stripe.String(p.Customer)
	}
	if p.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethod)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	if p.Confirm {
		params.Confirm = stripe.Bool(true)
	}
	if p.OffSession {
		params.OffSession = stripe.Bool(true)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}

	intent, err := g.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		// A declined confirmation still carries the intent; surface it so
		// the caller can classify the failure.
		if fallback := intentFromStripeError(err); fallback != nil {
			return fallback, nil
		}
		return nil, wrapErr("payment.create", err)
	}
	return intentFromStripe(intent), nil
}

// Payment retrieves a payment intent by ID.
func (g *Gateway) Payment(ctx context.Context, id, account string) (*cashier.PaymentIntent, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	applyAccount(&params.Params, account)

	intent, err := g.sc.V1PaymentIntents.Retrieve(ctx, id, params)
	if err != nil {
		return nil, wrapErr("payment.retrieve", err)
	}
	return intentFromStripe(intent), nil
}

// RefundPayment refunds a payment, fully when Amount is zero.
func (g *Gateway) RefundPayment(ctx context.Context, p *cashier.RefundParams) (*cashier.Refund, error) {
	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(p.PaymentIntent)}
	applyAccount(&params.Params, p.Account)
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}

	refund, err := g.sc.V1Refunds.Create(ctx, params)
	if err != nil {
		return nil, wrapErr("payment.refund", err)
	}
	return &cashier.Refund{ID: refund.ID, Amount: refund.Amount, Status: string(refund.Status)}, nil
}

func prorationBehavior(prorate bool) string {
	if prorate {
		return prorationBehaviorCreateProration
	}
	return prorationBehaviorNone
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}
