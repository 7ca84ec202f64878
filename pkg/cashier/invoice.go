package cashier

import (
	"fmt"
	"strings"
	"time"
)

// Invoice wraps a gateway invoice with formatting helpers. Monetary getters
// return display strings; the Raw* variants return integer minor units.
type Invoice struct {
	Remote *RemoteInvoice
}

// NewInvoice wraps a gateway invoice. Returns nil for a nil invoice.
func NewInvoice(remote *RemoteInvoice) *Invoice {
	if remote == nil {
		return nil
	}
	return &Invoice{Remote: remote}
}

// ID is the gateway invoice ID.
func (i *Invoice) ID() string { return i.Remote.ID }

// Date is the invoice creation time.
func (i *Invoice) Date() time.Time { return i.Remote.Created }

// Paid reports whether the invoice has been settled.
func (i *Invoice) Paid() bool { return i.Remote.Paid }

// RawTotal is the amount actually due after the customer's starting balance
// has been applied, clamped at zero, in minor units.
func (i *Invoice) RawTotal() int64 {
	total := i.Remote.Total + i.Remote.StartingBalance
	if total < 0 {
		return 0
	}
	return total
}

// Total is RawTotal formatted for display, e.g. "$10.00".
func (i *Invoice) Total() string {
	return FormatAmount(i.RawTotal(), i.Remote.Currency)
}

// Subtotal is the pre-discount, pre-balance amount formatted for display.
func (i *Invoice) Subtotal() string {
	return FormatAmount(i.Remote.Subtotal, i.Remote.Currency)
}

// HasStartingBalance reports whether a customer credit balance was applied.
func (i *Invoice) HasStartingBalance() bool {
	return i.Remote.StartingBalance < 0
}

// StartingBalance is the applied balance formatted for display, e.g.
// "-$4.50".
func (i *Invoice) StartingBalance() string {
	return FormatAmount(i.Remote.StartingBalance, i.Remote.Currency)
}

// HasDiscount reports whether a coupon discounts this invoice.
func (i *Invoice) HasDiscount() bool {
	return i.Remote.Discount != nil && i.Remote.Discount.Coupon != nil
}

// Coupon is the ID of the applied coupon, empty when none.
func (i *Invoice) Coupon() string {
	if !i.HasDiscount() {
		return ""
	}
	return i.Remote.Discount.Coupon.ID
}

// DiscountIsPercentage reports whether the applied coupon is a percentage
// discount rather than a fixed amount.
func (i *Invoice) DiscountIsPercentage() bool {
	return i.HasDiscount() && i.Remote.Discount.Coupon.PercentOff > 0
}

// PercentOff is the coupon's percentage, zero when not a percentage coupon.
func (i *Invoice) PercentOff() float64 {
	if !i.DiscountIsPercentage() {
		return 0
	}
	return i.Remote.Discount.Coupon.PercentOff
}

// AmountOff is the coupon's fixed discount formatted for display, e.g.
// "$5.00".
func (i *Invoice) AmountOff() string {
	if !i.HasDiscount() {
		return FormatAmount(0, i.Remote.Currency)
	}
	return FormatAmount(i.Remote.Discount.Coupon.AmountOff, i.Remote.Currency)
}

// Lines returns all invoice line items.
func (i *Invoice) Lines() []InvoiceLine { return i.Remote.Lines }

// InvoiceItems returns the one-off (non-subscription, non-proration) lines.
func (i *Invoice) InvoiceItems() []InvoiceLine {
	var items []InvoiceLine
	for _, line := range i.Remote.Lines {
		if !line.Proration {
			items = append(items, line)
		}
	}
	return items
}

// Payment is the payment attempt backing this invoice, nil when none.
func (i *Invoice) Payment() *Payment {
	return NewPayment(i.Remote.PaymentIntent)
}

// currencySymbols maps lowercase ISO codes to display symbols. Codes not
// listed fall back to the upper-cased code plus a space.
var currencySymbols = map[string]string{
	"usd": "$",
	"aud": "$",
	"cad": "$",
	"nzd": "$",
	"sgd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
}

// zeroDecimalCurrencies have no minor unit; amounts are already whole.
var zeroDecimalCurrencies = map[string]bool{
	"jpy": true, "krw": true, "vnd": true, "clp": true,
}

// FormatAmount renders an integer minor-unit amount as a display string with
// the currency's symbol, thousands separators and sign, e.g.
// FormatAmount(1000, "usd") == "$10.00" and FormatAmount(-450, "usd") ==
// "-$4.50".
func FormatAmount(amount int64, currency string) string {
	currency = strings.ToLower(currency)
	if currency == "" {
		currency = defaultCurrency
	}

	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	symbol, ok := currencySymbols[currency]
	if !ok {
		symbol = strings.ToUpper(currency) + " "
	}

	if zeroDecimalCurrencies[currency] {
		return sign + symbol + groupThousands(amount)
	}
	return fmt.Sprintf("%s%s%s.%02d", sign, symbol, groupThousands(amount/100), amount%100)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
