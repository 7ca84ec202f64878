package cashier

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCustomer is returned when an operation requires an existing
	// gateway customer but the billable has none.
	ErrInvalidCustomer = errors.New("billable is not a gateway customer")

	// ErrNoPaymentSource is returned when a charge has neither a customer
	// nor an explicit payment method to bill.
	ErrNoPaymentSource = errors.New("no payment source provided")

	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvoiceNotFound is returned when a requested invoice does not exist.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrAccessDenied is returned when a requested invoice belongs to a
	// different customer.
	ErrAccessDenied = errors.New("invoice belongs to another customer")

	// ErrNotOnGracePeriod is returned when resume is attempted on a
	// subscription that is not within its cancellation grace period.
	ErrNotOnGracePeriod = errors.New("subscription is not within its grace period")

	// ErrQuantityTooLow is returned when a quantity change would drop the
	// subscription below one seat.
	ErrQuantityTooLow = errors.New("subscription quantity cannot go below one")

	// ErrTrialNotInFuture is returned when a trial extension timestamp is
	// not in the future.
	ErrTrialNotInFuture = errors.New("trial end must be in the future")
)

// GatewayError wraps a transport or validation failure from the payment
// gateway. Read-only operations recover these into absent results; mutating
// operations propagate them.
type GatewayError struct {
	// Op is the gateway operation that failed, e.g. "subscription.create".
	Op string

	// Code is the gateway's error code when one was supplied.
	Code string

	Err error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PaymentActionRequiredError is returned when a payment needs additional
// customer-side confirmation (e.g. 3-D Secure). The carried Payment exposes
// the client secret for the step-up flow.
type PaymentActionRequiredError struct {
	Payment *Payment
}

func (e *PaymentActionRequiredError) Error() string {
	return "payment attempt requires additional customer action"
}

// PaymentFailureError is returned when a payment attempt failed because the
// payment method was declined or invalid. The carried Payment reports
// RequiresPaymentMethod.
type PaymentFailureError struct {
	Payment *Payment

	// InvalidPaymentMethod distinguishes a structurally invalid method from
	// an ordinary decline.
	InvalidPaymentMethod bool
}

func (e *PaymentFailureError) Error() string {
	if e.InvalidPaymentMethod {
		return "payment attempt failed: invalid payment method"
	}
	return "payment attempt failed: a valid payment method is required"
}
