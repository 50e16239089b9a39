package checkout

import (
	"errors"
	"strings"

	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
)

// ErrNonPositiveTotal blocks submission of an order whose total resolved to zero, which
// happens when the product price could not be parsed.
var ErrNonPositiveTotal = errors.New("checkout: order total must be positive")

// SubmitRequest is the POST /orders body.
type SubmitRequest struct {
	OrderItems      []OrderItemRequest     `json:"orderItems"`
	ShippingAddress ShippingAddressRequest `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	PaymentType     string                 `json:"paymentType"`
	ItemsPrice      money.Amount           `json:"itemsPrice"`
	ShippingPrice   money.Amount           `json:"shippingPrice"`
	TaxPrice        money.Amount           `json:"taxPrice"`
	TotalPrice      money.Amount           `json:"totalPrice"`
	Notes           string                 `json:"notes"`
	AmountToPay     money.Amount           `json:"amountToPay"`
}

// OrderItemRequest is one order line on the wire.
type OrderItemRequest struct {
	Product string       `json:"product"`
	Name    string       `json:"name"`
	Image   string       `json:"image"`
	Price   money.Amount `json:"price"`
	Qty     int          `json:"qty"`
	Size    string       `json:"size,omitempty"`
}

// ShippingAddressRequest is the wire shipping address; the phone travels as phoneNumber.
type ShippingAddressRequest struct {
	FullName    string `json:"fullName"`
	Address     string `json:"address"`
	City        string `json:"city"`
	PostalCode  string `json:"postalCode"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
}

// BuildOrderRequest checks every submission precondition and serialises the draft.
// It never touches the network, so a failure here means no call is made.
func BuildOrderRequest(draft *order.Draft, selection order.PaymentSelection) (SubmitRequest, error) {
	if draft == nil || !draft.Ready() {
		return SubmitRequest{}, order.ErrDraftNotReady
	}
	if err := draft.Validate(); err != nil {
		return SubmitRequest{}, err
	}
	if err := selection.Validate(); err != nil {
		return SubmitRequest{}, err
	}

	breakdown := draft.Breakdown()
	if !breakdown.IsPositive() {
		return SubmitRequest{}, ErrNonPositiveTotal
	}

	product := draft.Product()
	shipping := draft.Shipping()
	return SubmitRequest{
		OrderItems: []OrderItemRequest{{
			Product: product.ID,
			Name:    product.Name,
			Image:   product.PrimaryImage(),
			Price:   product.Price,
			Qty:     draft.Quantity(),
			Size:    strings.TrimSpace(draft.SelectedSize()),
		}},
		ShippingAddress: ShippingAddressRequest{
			FullName:    strings.TrimSpace(shipping.FullName),
			Address:     strings.TrimSpace(shipping.Address),
			City:        strings.TrimSpace(shipping.City),
			PostalCode:  strings.TrimSpace(shipping.PostalCode),
			Country:     strings.TrimSpace(shipping.Country),
			PhoneNumber: strings.TrimSpace(shipping.Phone),
			Email:       strings.TrimSpace(shipping.Email),
		},
		PaymentMethod: string(selection.Method),
		PaymentType:   string(selection.Type),
		ItemsPrice:    breakdown.ItemsPrice,
		ShippingPrice: breakdown.ShippingPrice,
		TaxPrice:      breakdown.TaxPrice,
		TotalPrice:    breakdown.TotalPrice,
		Notes:         draft.Notes(),
		AmountToPay:   selection.AmountDue(breakdown),
	}, nil
}
