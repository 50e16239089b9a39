package money

import "github.com/shopspring/decimal"

var (
	// CheckoutTaxRate is the client-side tax estimate applied at checkout. The backend
	// applies its own rate to created orders; the two are not reconciled here.
	CheckoutTaxRate = decimal.RequireFromString("0.08")
	// AdvanceRate is the share of the total collected up front for advance payments.
	AdvanceRate = decimal.RequireFromString("0.5")
	// FreeShippingThreshold drives the free shipping banner only. Shipping is always zero.
	FreeShippingThreshold = NewFromInt(100)
)

// Breakdown is the derived price summary for a single-product order.
type Breakdown struct {
	ItemsPrice    Amount `json:"itemsPrice"`
	ShippingPrice Amount `json:"shippingPrice"`
	TaxPrice      Amount `json:"taxPrice"`
	TotalPrice    Amount `json:"totalPrice"`
	AdvanceAmount Amount `json:"advanceAmount"`
}

// Calculate derives the breakdown from the unit price and quantity. It never stores state,
// so every page that calls it with the same inputs renders the same figures.
func Calculate(unitPrice Amount, quantity int) Breakdown {
	if quantity < 0 {
		quantity = 0
	}
	if unitPrice.value.IsNegative() {
		unitPrice = Zero
	}
	items := unitPrice.MulInt(quantity)
	shipping := Zero
	tax := items.MulRate(CheckoutTaxRate).Round2()
	total := items.Add(shipping).Add(tax)
	return Breakdown{
		ItemsPrice:    items,
		ShippingPrice: shipping,
		TaxPrice:      tax,
		TotalPrice:    total,
		AdvanceAmount: total.MulRate(AdvanceRate).Round2(),
	}
}

// IsPositive reports whether the order total is above zero.
func (b Breakdown) IsPositive() bool {
	return b.TotalPrice.IsPositive()
}

// QualifiesForFreeShipping drives the cosmetic banner.
func (b Breakdown) QualifiesForFreeShipping() bool {
	return b.ItemsPrice.Cmp(FreeShippingThreshold) > 0
}
