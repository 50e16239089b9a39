package order

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

var requiredMessages = map[string]string{
	"fullName":   "Please enter your full name",
	"address":    "Please enter your address",
	"city":       "Please enter your city",
	"postalCode": "Please enter your postal code",
	"country":    "Please enter your country",
	"phone":      "Please enter your phone number",
	"email":      "Please enter your email address",
}

const (
	messageInvalidEmail = "Please enter a valid email address"
	messageSizeRequired = "Please select a size"
)

func shippingValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// Validate returns the first failing check in the order fullName, address, city,
// postalCode, country, phone, email, size, quantity. A nil result means the draft can be
// submitted.
func (d *Draft) Validate() error {
	if errs := d.validate(true); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateAll returns every failing check in the same order as Validate.
func (d *Draft) ValidateAll() []*FieldError {
	return d.validate(false)
}

func (d *Draft) validate(firstOnly bool) []*FieldError {
	if d == nil {
		return []*FieldError{{Field: "draft", Message: "Order is still loading"}}
	}
	d.mu.Lock()
	ready := d.ready
	shipping := d.shipping.normalized()
	hasSizes := d.product.HasSizes()
	size := strings.TrimSpace(d.size)
	quantity := d.quantity
	d.mu.Unlock()

	if !ready {
		return []*FieldError{{Field: "draft", Message: "Order is still loading"}}
	}

	var out []*FieldError
	out = append(out, shippingErrors(shipping)...)
	if firstOnly && len(out) > 0 {
		return out[:1]
	}
	if hasSizes && size == "" {
		out = append(out, &FieldError{Field: "size", Message: messageSizeRequired})
		if firstOnly {
			return out
		}
	}
	if quantity < MinimumQuantity {
		out = append(out, &FieldError{Field: "quantity", Message: MessageMinimumQuantity})
	}
	return out
}

// shippingErrors maps validator failures onto user-facing messages. The validator reports
// fields in declaration order, which is the required validation order.
func shippingErrors(addr ShippingAddress) []*FieldError {
	err := shippingValidator().Struct(addr)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []*FieldError{{Field: "shipping", Message: "Please check your shipping details"}}
	}
	out := make([]*FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		msg := requiredMessages[field]
		if fe.Tag() == "email" {
			msg = messageInvalidEmail
		}
		if msg == "" {
			msg = "Please check your shipping details"
		}
		out = append(out, &FieldError{Field: field, Message: msg})
	}
	return out
}
