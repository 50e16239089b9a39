package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"finitefield.org/market-web/internal/money"
)

const (
	// MinimumQuantity is the bulk order floor.
	MinimumQuantity = 20
	// MessageMinimumQuantity is shown when a decrement would cross the floor.
	MessageMinimumQuantity = "Order minimum 20 products"

	maxNotesLength = 2000
)

var (
	// ErrValidation is the root of every field-level validation failure.
	ErrValidation = errors.New("order: validation failed")
	// ErrDraftNotReady is returned when a draft is mutated before initialisation completed.
	ErrDraftNotReady = errors.New("order: draft not initialised")
	// ErrUnknownDirection is returned for quantity changes other than increase/decrease.
	ErrUnknownDirection = errors.New("order: unknown quantity direction")
)

var notesPolicy = bluemonday.StrictPolicy()

// Direction selects a quantity stepper action.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// FieldError is a single user-facing validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets callers match any field error with errors.Is(err, ErrValidation).
func (e *FieldError) Unwrap() error { return ErrValidation }

// ShippingAddress holds the delivery contact. Field order is the validation order.
type ShippingAddress struct {
	FullName   string `json:"fullName" validate:"required"`
	Address    string `json:"address" validate:"required"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
}

func (a ShippingAddress) normalized() ShippingAddress {
	return ShippingAddress{
		FullName:   strings.TrimSpace(a.FullName),
		Address:    strings.TrimSpace(a.Address),
		City:       strings.TrimSpace(a.City),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
		Phone:      strings.TrimSpace(a.Phone),
		Email:      strings.TrimSpace(a.Email),
	}
}

// ShippingPatch carries partial shipping updates; nil fields are left untouched.
type ShippingPatch struct {
	FullName   *string `json:"fullName,omitempty"`
	Address    *string `json:"address,omitempty"`
	City       *string `json:"city,omitempty"`
	PostalCode *string `json:"postalCode,omitempty"`
	Country    *string `json:"country,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Email      *string `json:"email,omitempty"`
}

// Draft is the in-progress order held for a visitor until submission.
type Draft struct {
	mu       sync.Mutex
	ready    bool
	product  Product
	quantity int
	size     string
	shipping ShippingAddress
	notes    string
}

// DraftView is the serialisable snapshot of a draft, including its derived prices.
type DraftView struct {
	Product      Product         `json:"product"`
	Quantity     int             `json:"quantity"`
	SelectedSize string          `json:"selectedSize,omitempty"`
	Shipping     ShippingAddress `json:"shipping"`
	Notes        string          `json:"notes,omitempty"`
	Breakdown    money.Breakdown `json:"breakdown"`
	FreeShipping bool            `json:"freeShippingBanner"`
}

// NewDraftFromNavigation initialises a draft from state carried by in-app navigation.
// A nil quantity defaults to the minimum; an empty size defaults to the first listed size.
func NewDraftFromNavigation(product Product, quantity *int, size string) (*Draft, error) {
	if strings.TrimSpace(product.ID) == "" {
		return nil, ErrProductRequired
	}
	qty := MinimumQuantity
	if quantity != nil {
		qty = *quantity
	}
	if qty < MinimumQuantity {
		return nil, &FieldError{Field: "quantity", Message: MessageMinimumQuantity}
	}

	size = strings.TrimSpace(size)
	switch {
	case !product.HasSizes():
		size = ""
	case size == "":
		size = product.Sizes[0]
	case !product.offersSize(size):
		return nil, &FieldError{Field: "size", Message: "Please select a valid size"}
	}

	return &Draft{
		ready:    true,
		product:  product,
		quantity: qty,
		size:     size,
	}, nil
}

// NewDraftFromProductID is the fallback used when the checkout is opened directly by URL.
func NewDraftFromProductID(ctx context.Context, fetcher ProductFetcher, id string) (*Draft, error) {
	id = strings.TrimSpace(id)
	if id == "" || fetcher == nil {
		return nil, ErrProductNotFound
	}
	product, err := fetcher.FetchProduct(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("order: fetch product %s: %w", id, err)
	}
	if strings.TrimSpace(product.ID) == "" {
		product.ID = id
	}
	return NewDraftFromNavigation(product, nil, "")
}

// Ready reports whether initialisation completed.
func (d *Draft) Ready() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// ChangeQuantity steps the quantity. Decrements below the minimum are rejected and leave
// the quantity untouched.
func (d *Draft) ChangeQuantity(direction Direction) error {
	if d == nil {
		return ErrDraftNotReady
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrDraftNotReady
	}
	switch direction {
	case DirectionIncrease:
		d.quantity++
		return nil
	case DirectionDecrease:
		if d.quantity-1 < MinimumQuantity {
			return &FieldError{Field: "quantity", Message: MessageMinimumQuantity}
		}
		d.quantity--
		return nil
	default:
		return ErrUnknownDirection
	}
}

// SelectSize chooses one of the product's sizes.
func (d *Draft) SelectSize(size string) error {
	if d == nil {
		return ErrDraftNotReady
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrDraftNotReady
	}
	size = strings.TrimSpace(size)
	if !d.product.HasSizes() {
		return nil
	}
	if size != "" && !d.product.offersSize(size) {
		return &FieldError{Field: "size", Message: "Please select a valid size"}
	}
	d.size = size
	return nil
}

// UpdateShipping applies the non-nil fields of the patch.
func (d *Draft) UpdateShipping(patch ShippingPatch) error {
	if d == nil {
		return ErrDraftNotReady
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrDraftNotReady
	}
	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	apply(&d.shipping.FullName, patch.FullName)
	apply(&d.shipping.Address, patch.Address)
	apply(&d.shipping.City, patch.City)
	apply(&d.shipping.PostalCode, patch.PostalCode)
	apply(&d.shipping.Country, patch.Country)
	apply(&d.shipping.Phone, patch.Phone)
	apply(&d.shipping.Email, patch.Email)
	return nil
}

// SetNotes stores free-text delivery notes with markup stripped.
func (d *Draft) SetNotes(notes string) error {
	if d == nil {
		return ErrDraftNotReady
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrDraftNotReady
	}
	cleaned := strings.TrimSpace(notesPolicy.Sanitize(notes))
	if runes := []rune(cleaned); len(runes) > maxNotesLength {
		cleaned = string(runes[:maxNotesLength])
	}
	d.notes = cleaned
	return nil
}

// Clone returns an independent copy. Submission serialises a clone so that every field of
// the request comes from the same moment.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	product := d.product
	product.Images = append([]string(nil), d.product.Images...)
	product.Sizes = append([]string(nil), d.product.Sizes...)
	return &Draft{
		ready:    d.ready,
		product:  product,
		quantity: d.quantity,
		size:     d.size,
		shipping: d.shipping,
		notes:    d.notes,
	}
}

// Product returns the product the draft was built for.
func (d *Draft) Product() Product {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.product
}

// Quantity returns the current quantity.
func (d *Draft) Quantity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quantity
}

// SelectedSize returns the chosen size, if any.
func (d *Draft) SelectedSize() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Shipping returns the shipping address as entered.
func (d *Draft) Shipping() ShippingAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shipping
}

// Notes returns the sanitized notes.
func (d *Draft) Notes() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notes
}

// Breakdown recomputes prices from the product price and quantity.
func (d *Draft) Breakdown() money.Breakdown {
	d.mu.Lock()
	defer d.mu.Unlock()
	return money.Calculate(d.product.Price, d.quantity)
}

// View returns a JSON-friendly snapshot.
func (d *Draft) View() DraftView {
	d.mu.Lock()
	defer d.mu.Unlock()
	breakdown := money.Calculate(d.product.Price, d.quantity)
	return DraftView{
		Product:      d.product,
		Quantity:     d.quantity,
		SelectedSize: d.size,
		Shipping:     d.shipping,
		Notes:        d.notes,
		Breakdown:    breakdown,
		FreeShipping: breakdown.QualifiesForFreeShipping(),
	}
}

// SizeRequiredViolated reports a missing size for a product that offers sizes.
func (d *Draft) SizeRequiredViolated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.product.HasSizes() && strings.TrimSpace(d.size) == ""
}

// QuantityBelowMinimum reports whether the floor is violated.
func (d *Draft) QuantityBelowMinimum() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quantity < MinimumQuantity
}
