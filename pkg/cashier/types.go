package cashier

import "time"

// Status is the lifecycle status of a subscription as reported by the
// payment gateway.
type Status string

const (
	// StatusIncomplete means the first invoice payment has not succeeded yet.
	StatusIncomplete Status = "incomplete"
	// StatusIncompleteExpired means the first invoice was never paid and the
	// subscription expired.
	StatusIncompleteExpired Status = "incomplete_expired"
	// StatusTrialing means the subscription is within its trial period.
	StatusTrialing Status = "trialing"
	// StatusActive means the subscription is paid up.
	StatusActive Status = "active"
	// StatusPastDue means the latest renewal invoice has not been paid.
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription has been canceled.
	StatusCanceled Status = "canceled"
	// StatusUnpaid means the gateway has given up retrying the latest invoice.
	StatusUnpaid Status = "unpaid"
)

// PaymentStatus is the state of a payment attempt at the gateway.
type PaymentStatus string

const (
	PaymentStatusSucceeded             PaymentStatus = "succeeded"
	PaymentStatusRequiresAction        PaymentStatus = "requires_action"
	PaymentStatusRequiresPaymentMethod PaymentStatus = "requires_payment_method"
	PaymentStatusRequiresConfirmation  PaymentStatus = "requires_confirmation"
	PaymentStatusProcessing            PaymentStatus = "processing"
)

// Billable is the local principal capable of being billed (a user or an
// organization). CustomerID is set only after a customer record has been
// created at the gateway; it is never fabricated locally.
type Billable struct {
	ID    string
	Email string

	// CustomerID is the platform-account customer ID at the gateway.
	CustomerID string

	// AccountID is the connected account owned by this principal, if it is
	// an account holder in a marketplace setup. It is a routing target, not
	// a customer record.
	AccountID string

	// Cached display fields of the default payment method.
	CardBrand    string
	CardLastFour string

	// TrialEndsAt is the model-level ("generic") trial that applies before
	// any subscription exists.
	TrialEndsAt *time.Time
}

// HasCustomer reports whether a gateway customer has been created for this
// principal.
func (b *Billable) HasCustomer() bool {
	return b.CustomerID != ""
}

// HasCardOnFile reports whether default payment method display data has been
// synced to this record.
func (b *Billable) HasCardOnFile() bool {
	return b.CardBrand != ""
}

// OnGenericTrial reports whether the principal is on a model-level trial that
// is independent of any subscription.
func (b *Billable) OnGenericTrial() bool {
	return b.TrialEndsAt != nil && b.TrialEndsAt.After(time.Now())
}

// Customer is the typed view of a gateway customer record.
type Customer struct {
	ID       string
	Email    string
	Currency string
	Balance  int64

	// DefaultPaymentMethod is the ID of the customer's default payment
	// method, empty when none is set.
	DefaultPaymentMethod string

	// Account is the connected account the record lives on; empty means the
	// platform account.
	Account string

	Deleted bool
}

// PaymentMethod is the typed view of a gateway payment method.
type PaymentMethod struct {
	ID       string
	Type     string // "card" or "bank_account"
	Brand    string
	LastFour string
	Customer string
}

// RemoteSubscription is the typed view of a gateway subscription record.
type RemoteSubscription struct {
	ID                string
	CustomerID        string
	PlanID            string
	Status            Status
	Quantity          int64
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	Created           time.Time

	// LatestInvoice is populated on create/retrieve when the gateway call
	// expanded it, nil otherwise.
	LatestInvoice *RemoteInvoice
}

// RemoteInvoice is the typed view of a gateway invoice.
type RemoteInvoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Status         string
	Paid           bool

	// Monetary fields are integer minor-currency units.
	Total           int64
	Subtotal        int64
	Tax             int64
	StartingBalance int64
	Currency        string

	Discount *Discount
	Created  time.Time
	Lines    []InvoiceLine

	// PaymentIntent is the payment attempt backing this invoice, nil when
	// the invoice needed no payment or the call did not expand it.
	PaymentIntent *PaymentIntent
}

// InvoiceLine is a single line item on an invoice.
type InvoiceLine struct {
	ID          string
	Description string
	Amount      int64
	Currency    string
	Quantity    int64
	Proration   bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Discount is a discount applied to an invoice or customer.
type Discount struct {
	Coupon *Coupon
}

// Coupon describes a gateway coupon.
type Coupon struct {
	ID         string
	AmountOff  int64
	PercentOff float64
	Currency   string
	Duration   string
}

// PaymentIntent is the typed view of a gateway payment attempt.
type PaymentIntent struct {
	ID              string
	Status          PaymentStatus
	ClientSecret    string
	Amount          int64
	Currency        string
	PaymentMethodID string

	// LastError holds the gateway's decline reason when the last
	// confirmation attempt failed.
	LastError string
}

// Refund is the result of refunding a payment.
type Refund struct {
	ID     string
	Amount int64
	Status string
}
