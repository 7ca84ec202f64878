package cashier

import (
	"context"
	"time"
)

// Gateway is the request/response contract with the remote payment
// processor. Every params struct carries an Account field: empty routes the
// call to the platform account, non-empty routes it to that connected
// account. Implementations attach credentials themselves.
//
// The client never reads loosely-typed processor responses; adapters map
// them into the typed records in types.go and must error on missing required
// fields rather than returning zero values silently.
type Gateway interface {
	// Customers

	CreateCustomer(ctx context.Context, p *CustomerCreateParams) (*Customer, error)
	Customer(ctx context.Context, id, account string) (*Customer, error)
	UpdateCustomer(ctx context.Context, id string, p *CustomerUpdateParams) (*Customer, error)

	// CustomerByEmail finds a customer on the given account by email.
	// Returns (nil, nil) when none exists.
	CustomerByEmail(ctx context.Context, email, account string) (*Customer, error)

	// Payment methods

	AttachPaymentMethod(ctx context.Context, id, customerID, account string) (*PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, id, account string) (*PaymentMethod, error)
	PaymentMethod(ctx context.Context, id, account string) (*PaymentMethod, error)
	PaymentMethods(ctx context.Context, customerID, account string) ([]*PaymentMethod, error)

	// ClonePaymentMethod duplicates a platform customer's payment method
	// onto a connected account. Payment methods are scoped to one account;
	// this is the only way to reuse one across accounts.
	ClonePaymentMethod(ctx context.Context, customerID, paymentMethodID, destAccount string) (*PaymentMethod, error)

	// Subscriptions

	CreateSubscription(ctx context.Context, p *SubscriptionCreateParams) (*RemoteSubscription, error)
	Subscription(ctx context.Context, id, account string) (*RemoteSubscription, error)
	UpdateSubscription(ctx context.Context, id string, p *SubscriptionUpdateParams) (*RemoteSubscription, error)

	// CancelSubscription cancels immediately. Deferred cancellation is an
	// update with CancelAtPeriodEnd.
	CancelSubscription(ctx context.Context, id, account string) (*RemoteSubscription, error)

	// Invoices

	CreateInvoiceItem(ctx context.Context, p *InvoiceItemParams) (*InvoiceLine, error)
	CreateInvoice(ctx context.Context, p *InvoiceCreateParams) (*RemoteInvoice, error)
	PayInvoice(ctx context.Context, id, account string) (*RemoteInvoice, error)
	Invoice(ctx context.Context, id, account string) (*RemoteInvoice, error)
	UpcomingInvoice(ctx context.Context, customerID, account string) (*RemoteInvoice, error)
	Invoices(ctx context.Context, customerID, account string, limit int) ([]*RemoteInvoice, error)

	// Payments

	// CreatePayment creates (and optionally confirms) a payment attempt.
	CreatePayment(ctx context.Context, p *PaymentParams) (*PaymentIntent, error)
	Payment(ctx context.Context, id, account string) (*PaymentIntent, error)
	RefundPayment(ctx context.Context, p *RefundParams) (*Refund, error)
}

// CustomerCreateParams are the inputs to Gateway.CreateCustomer.
type CustomerCreateParams struct {
	Email string

	// PaymentMethod, when set, is attached and designated default.
	PaymentMethod string

	Coupon   string
	Metadata map[string]string
	Account  string
}

// CustomerUpdateParams are the inputs to Gateway.UpdateCustomer. Nil fields
// are left unchanged.
type CustomerUpdateParams struct {
	Email                *string
	DefaultPaymentMethod *string
	Coupon               *string
	Account              string
}

// SubscriptionCreateParams are the inputs to Gateway.CreateSubscription.
// Adapters must request incomplete-tolerant creation so a failed first
// payment still yields a subscription record, and must expand the latest
// invoice's payment attempt in the response.
type SubscriptionCreateParams struct {
	Customer string
	Plan     string
	Quantity int64

	TrialEnd             *time.Time
	Coupon               string
	BillingCycleAnchor   *time.Time
	DefaultPaymentMethod string

	// ApplicationFeePercent is the platform's cut on connected-account
	// subscriptions; zero means none.
	ApplicationFeePercent float64

	// Prorate controls proration when the billing cycle anchor lands
	// mid-cycle; nil leaves the gateway default.
	Prorate *bool

	Metadata map[string]string

	// IdempotencyKey guards the remote create against request retries.
	IdempotencyKey string

	Account string
}

// SubscriptionUpdateParams are the inputs to Gateway.UpdateSubscription.
// Nil fields are left unchanged.
type SubscriptionUpdateParams struct {
	Plan     *string
	Quantity *int64

	// TrialEnd sets a new trial end. TrialEndNow ends the trial immediately
	// and takes precedence.
	TrialEnd    *time.Time
	TrialEndNow bool

	Prorate           *bool
	CancelAtPeriodEnd *bool

	Account string
}

// InvoiceItemParams are the inputs to Gateway.CreateInvoiceItem.
type InvoiceItemParams struct {
	Customer    string
	Description string
	Amount      int64
	Currency    string
	Account     string
}

// InvoiceCreateParams are the inputs to Gateway.CreateInvoice.
type InvoiceCreateParams struct {
	Customer string
	Account  string
}

// PaymentParams are the inputs to Gateway.CreatePayment.
type PaymentParams struct {
	Amount        int64
	Currency      string
	Customer      string
	PaymentMethod string
	Description   string

	// Confirm attempts the payment in the same call.
	Confirm bool

	// OffSession marks the attempt as merchant-initiated.
	OffSession bool

	Metadata       map[string]string
	IdempotencyKey string
	Account        string
}

// RefundParams are the inputs to Gateway.RefundPayment. Amount zero refunds
// the full payment.
type RefundParams struct {
	PaymentIntent string
	Amount        int64
	Account       string
}
