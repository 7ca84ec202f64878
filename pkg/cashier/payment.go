package cashier

// Payment wraps one gateway payment attempt and classifies its outcome. It
// is transient: constructed per attempt and either discarded or embedded in
// a returned payment error.
type Payment struct {
	Intent *PaymentIntent
}

// NewPayment wraps a payment intent. Returns nil for a nil intent.
func NewPayment(intent *PaymentIntent) *Payment {
	if intent == nil {
		return nil
	}
	return &Payment{Intent: intent}
}

// Succeeded reports whether the payment completed.
func (p *Payment) Succeeded() bool {
	return p.Intent.Status == PaymentStatusSucceeded
}

// RequiresAction reports whether the customer must complete an additional
// confirmation step (e.g. 3-D Secure).
func (p *Payment) RequiresAction() bool {
	return p.Intent.Status == PaymentStatusRequiresAction
}

// RequiresPaymentMethod reports whether the attempt was declined and a new
// payment method is needed.
func (p *Payment) RequiresPaymentMethod() bool {
	return p.Intent.Status == PaymentStatusRequiresPaymentMethod
}

// RequiresConfirmation reports whether the attempt is staged but not yet
// confirmed.
func (p *Payment) RequiresConfirmation() bool {
	return p.Intent.Status == PaymentStatusRequiresConfirmation
}

// Processing reports whether the attempt is still in flight at the gateway.
func (p *Payment) Processing() bool {
	return p.Intent.Status == PaymentStatusProcessing
}

// ClientSecret is the secret the client-side confirmation flow needs.
func (p *Payment) ClientSecret() string { return p.Intent.ClientSecret }

// Amount is the payment amount in minor currency units.
func (p *Payment) Amount() int64 { return p.Intent.Amount }

// Currency is the payment's ISO currency code.
func (p *Payment) Currency() string { return p.Intent.Currency }

// Validate classifies the attempt: nil for a completed or in-flight payment,
// PaymentActionRequiredError when the customer must confirm, and
// PaymentFailureError when a new payment method is needed. Callers branch on
// the error type with errors.As.
func (p *Payment) Validate() error {
	switch {
	case p.RequiresAction():
		return &PaymentActionRequiredError{Payment: p}
	case p.RequiresPaymentMethod():
		return &PaymentFailureError{Payment: p}
	}
	return nil
}
