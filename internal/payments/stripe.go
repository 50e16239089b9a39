package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeSignatureVerifier validates Stripe webhook deliveries and extracts the order id
// from the session or intent metadata.
type StripeSignatureVerifier struct {
	secret    string
	tolerance time.Duration
}

// StripeOption customises the Stripe verifier.
type StripeOption func(*StripeSignatureVerifier)

// WithTolerance overrides the accepted timestamp age.
func WithTolerance(d time.Duration) StripeOption {
	return func(v *StripeSignatureVerifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// NewStripeSignatureVerifier builds a verifier for the endpoint secret.
func NewStripeSignatureVerifier(secret string, opts ...StripeOption) *StripeSignatureVerifier {
	v := &StripeSignatureVerifier{
		secret:    strings.TrimSpace(secret),
		tolerance: webhook.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements Verifier.
func (v *StripeSignatureVerifier) Verify(_ context.Context, req CallbackRequest) (Verified, error) {
	if v.secret == "" {
		return Verified{}, &VerificationError{Provider: ProviderStripe, Reason: "not_configured", Err: ErrNotConfigured}
	}
	header := req.Header.Get(stripeSignatureHeader)
	if strings.TrimSpace(header) == "" {
		return Verified{}, &VerificationError{Provider: ProviderStripe, Reason: "signature_missing", Err: ErrSignatureMismatch}
	}

	event, err := webhook.ConstructEventWithOptions(req.Body, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Verified{}, &VerificationError{Provider: ProviderStripe, Reason: "signature_mismatch", Err: err}
	}

	orderID, paymentID := stripeReferences(event)
	if !paymentSucceeded(event) {
		return Verified{}, &VerificationError{
			Provider: ProviderStripe,
			OrderID:  orderID,
			Reason:   "event_not_payment_success",
			Err:      fmt.Errorf("%w: %s", ErrEventIgnored, event.Type),
		}
	}
	if orderID == "" {
		return Verified{}, &VerificationError{Provider: ProviderStripe, Reason: "order_reference_missing"}
	}
	return Verified{
		OrderID:       orderID,
		PaymentID:     paymentID,
		TransactionID: paymentID,
		EventType:     string(event.Type),
	}, nil
}

// paymentSucceeded accepts only events that mean the money was collected. A completed
// checkout session counts once its payment_status is "paid".
func paymentSucceeded(event stripe.Event) bool {
	switch string(event.Type) {
	case "payment_intent.succeeded", "checkout.session.async_payment_succeeded":
		return true
	case "checkout.session.completed":
		if event.Data == nil {
			return false
		}
		return stringValue(event.Data.Object["payment_status"]) == "paid"
	default:
		return false
	}
}

// stripeReferences reads metadata.orderId (or client_reference_id) and the intent id.
func stripeReferences(event stripe.Event) (orderID, paymentID string) {
	if event.Data == nil || event.Data.Object == nil {
		return "", ""
	}
	obj := event.Data.Object
	if md, ok := obj["metadata"].(map[string]interface{}); ok {
		orderID = stringValue(md["orderId"])
		if orderID == "" {
			orderID = stringValue(md["order_id"])
		}
	}
	if orderID == "" {
		orderID = stringValue(obj["client_reference_id"])
	}
	paymentID = stringValue(obj["payment_intent"])
	if paymentID == "" {
		paymentID = stringValue(obj["id"])
	}
	return orderID, paymentID
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
