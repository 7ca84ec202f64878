package stripe

import (
	"errors"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

// wrapErr converts a Stripe SDK error into the typed gateway error the core
// package branches on, preserving the decline/validation code.
func wrapErr(op string, err error) error {
	code := ""
	var se *stripe.Error
	if errors.As(err, &se) {
		code = string(se.Code)
	}
	return &cashier.GatewayError{Op: op, Code: code, Err: err}
}

// intentFromStripeError pulls the payment intent off a card error, which
// Stripe attaches when a confirm-on-create attempt is declined or needs
// customer action. Returns nil when the error carries no intent.
func intentFromStripeError(err error) *cashier.PaymentIntent {
	var se *stripe.Error
	if !errors.As(err, &se) || se.PaymentIntent == nil {
		return nil
	}
	return intentFromStripe(se.PaymentIntent)
}

func customerFromStripe(cust *stripe.Customer, account string) *cashier.Customer {
	out := &cashier.Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Currency: string(cust.Currency),
		Balance:  cust.Balance,
		Account:  account,
		Deleted:  cust.Deleted,
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethod = cust.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return out
}

func paymentMethodFromStripe(pm *stripe.PaymentMethod) *cashier.PaymentMethod {
	out := &cashier.PaymentMethod{
		ID:   pm.ID,
		Type: string(pm.Type),
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.LastFour = pm.Card.Last4
	}
	if pm.USBankAccount != nil {
		out.Type = "bank_account"
		out.LastFour = pm.USBankAccount.Last4
	}
	if pm.Customer != nil {
		out.Customer = pm.Customer.ID
	}
	return out
}

func subscriptionFromStripe(sub *stripe.Subscription) *cashier.RemoteSubscription {
	out := &cashier.RemoteSubscription{
		ID:                sub.ID,
		Status:            cashier.Status(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if t := unixTime(sub.TrialEnd); t != nil {
		out.TrialEnd = t
	}
	if t := unixTime(sub.Created); t != nil {
		out.Created = *t
	}

	// The billing period lives on the items; a multi-item subscription ends
	// its period when the last item does.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil && out.PlanID == "" {
				out.PlanID = item.Price.ID
			}
			if out.Quantity == 0 {
				out.Quantity = item.Quantity
			}
			if end := unixTime(item.CurrentPeriodEnd); end != nil && end.After(out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = *end
			}
		}
	}

	if sub.LatestInvoice != nil {
		out.LatestInvoice = invoiceFromStripe(sub.LatestInvoice)
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *cashier.RemoteInvoice {
	out := &cashier.RemoteInvoice{
		ID:              inv.ID,
		Status:          string(inv.Status),
		Paid:            inv.Status == stripe.InvoiceStatusPaid,
		Total:           inv.Total,
		Subtotal:        inv.Subtotal,
		StartingBalance: inv.StartingBalance,
		Currency:        string(inv.Currency),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if t := unixTime(inv.Created); t != nil {
		out.Created = *t
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}

	for _, tax := range inv.TotalTaxes {
		out.Tax += tax.Amount
	}

	if len(inv.Discounts) > 0 && inv.Discounts[0].Source != nil && inv.Discounts[0].Source.Coupon != nil {
		c := inv.Discounts[0].Source.Coupon
		out.Discount = &cashier.Discount{Coupon: &cashier.Coupon{
			ID:         c.ID,
			AmountOff:  c.AmountOff,
			PercentOff: c.PercentOff,
			Currency:   string(c.Currency),
			Duration:   string(c.Duration),
		}}
	}

	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			out.Lines = append(out.Lines, invoiceLineFromStripe(line))
		}
	}

	out.PaymentIntent = invoicePaymentIntent(inv)
	return out
}

func invoiceLineFromStripe(line *stripe.InvoiceLineItem) cashier.InvoiceLine {
	out := cashier.InvoiceLine{
		ID:          line.ID,
		Description: line.Description,
		Amount:      line.Amount,
		Currency:    string(line.Currency),
		Quantity:    line.Quantity,
	}
	if line.Period != nil {
		if t := unixTime(line.Period.Start); t != nil {
			out.PeriodStart = *t
		}
		if t := unixTime(line.Period.End); t != nil {
			out.PeriodEnd = *t
		}
	}
	if line.Parent != nil && line.Parent.SubscriptionItemDetails != nil {
		out.Proration = line.Parent.SubscriptionItemDetails.Proration
	}
	return out
}

// invoicePaymentIntent finds the most recent expanded payment intent backing
// an invoice, nil when the invoice needed no payment or nothing was
// expanded.
func invoicePaymentIntent(inv *stripe.Invoice) *cashier.PaymentIntent {
	if inv.Payments == nil {
		return nil
	}
	for i := len(inv.Payments.Data) - 1; i >= 0; i-- {
		p := inv.Payments.Data[i]
		if p.Payment != nil && p.Payment.PaymentIntent != nil {
			return intentFromStripe(p.Payment.PaymentIntent)
		}
	}
	return nil
}

func intentFromStripe(intent *stripe.PaymentIntent) *cashier.PaymentIntent {
	out := &cashier.PaymentIntent{
		ID:           intent.ID,
		Status:       cashier.PaymentStatus(intent.Status),
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     string(intent.Currency),
	}
	if intent.PaymentMethod != nil {
		out.PaymentMethodID = intent.PaymentMethod.ID
	}
	if intent.LastPaymentError != nil {
		out.LastError = intent.LastPaymentError.Msg
	}
	return out
}
