package order

import (
	"errors"
	"strings"

	"finitefield.org/market-web/internal/money"
)

var (
	// ErrUnknownPaymentMethod is returned when the method is not one of the supported gateways.
	ErrUnknownPaymentMethod = errors.New("order: unknown payment method")
	// ErrUnknownPaymentType is returned when the type is neither full nor advance payment.
	ErrUnknownPaymentType = errors.New("order: unknown payment type")
)

const (
	messageSelectMethod = "Please select a payment method"
	messageSelectType   = "Please select a payment type"
)

// PaymentMethod identifies how the buyer pays.
type PaymentMethod string

const (
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodPayPal     PaymentMethod = "paypal"
	PaymentMethodUPI        PaymentMethod = "upi"
	PaymentMethodNetbanking PaymentMethod = "netbanking"
	PaymentMethodWallet     PaymentMethod = "wallet"
	PaymentMethodCOD        PaymentMethod = "cod"
)

// PaymentType identifies how much is collected up front.
type PaymentType string

const (
	PaymentTypeFull    PaymentType = "full_payment"
	PaymentTypeAdvance PaymentType = "50_percent_advance"
)

// ParsePaymentMethod normalises and checks a raw method value.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case PaymentMethodCreditCard, PaymentMethodPayPal, PaymentMethodUPI,
		PaymentMethodNetbanking, PaymentMethodWallet, PaymentMethodCOD:
		return m, nil
	default:
		return "", ErrUnknownPaymentMethod
	}
}

// ParsePaymentType normalises and checks a raw type value.
func ParsePaymentType(raw string) (PaymentType, error) {
	t := PaymentType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case PaymentTypeFull, PaymentTypeAdvance:
		return t, nil
	default:
		return "", ErrUnknownPaymentType
	}
}

// PaymentSelection holds the two independent payment choices. Neither has a default.
type PaymentSelection struct {
	Method PaymentMethod `json:"paymentMethod,omitempty"`
	Type   PaymentType   `json:"paymentType,omitempty"`
}

// SetMethod records the payment method.
func (s *PaymentSelection) SetMethod(raw string) error {
	m, err := ParsePaymentMethod(raw)
	if err != nil {
		return err
	}
	s.Method = m
	return nil
}

// SetType records the payment type.
func (s *PaymentSelection) SetType(raw string) error {
	t, err := ParsePaymentType(raw)
	if err != nil {
		return err
	}
	s.Type = t
	return nil
}

// IsComplete reports whether both choices were made.
func (s PaymentSelection) IsComplete() bool {
	return s.Method != "" && s.Type != ""
}

// Validate reports the first missing choice, method before type.
func (s PaymentSelection) Validate() error {
	if s.Method == "" {
		return &FieldError{Field: "paymentMethod", Message: messageSelectMethod}
	}
	if s.Type == "" {
		return &FieldError{Field: "paymentType", Message: messageSelectType}
	}
	return nil
}

// AmountDue is the total for full payment and the advance amount otherwise.
func (s PaymentSelection) AmountDue(b money.Breakdown) money.Amount {
	if s.Type == PaymentTypeFull {
		return b.TotalPrice
	}
	return b.AdvanceAmount
}
