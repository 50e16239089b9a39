package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// GatewayCallback is the body a payment gateway posts after the buyer pays.
type GatewayCallback struct {
	OrderID       string `json:"orderId"`
	PaymentID     string `json:"paymentId"`
	Signature     string `json:"signature"`
	TransactionID string `json:"transactionId,omitempty"`
}

// GatewaySignatureVerifier checks hex(HMAC-SHA256(secret, orderId + "|" + paymentId)).
type GatewaySignatureVerifier struct {
	secret []byte
}

// NewGatewaySignatureVerifier builds a verifier. An empty secret fails every callback.
func NewGatewaySignatureVerifier(secret string) *GatewaySignatureVerifier {
	return &GatewaySignatureVerifier{secret: []byte(strings.TrimSpace(secret))}
}

// Verify implements Verifier.
func (v *GatewaySignatureVerifier) Verify(_ context.Context, req CallbackRequest) (Verified, error) {
	var cb GatewayCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return Verified{}, &VerificationError{Provider: ProviderGateway, Reason: "invalid_body", Err: err}
	}
	cb.OrderID = strings.TrimSpace(cb.OrderID)
	cb.PaymentID = strings.TrimSpace(cb.PaymentID)
	fail := func(reason string, err error) (Verified, error) {
		return Verified{}, &VerificationError{Provider: ProviderGateway, OrderID: cb.OrderID, Reason: reason, Err: err}
	}

	if len(v.secret) == 0 {
		return fail("not_configured", ErrNotConfigured)
	}
	if cb.OrderID == "" || cb.PaymentID == "" {
		return fail("missing_fields", nil)
	}
	signature, err := hex.DecodeString(strings.TrimSpace(cb.Signature))
	if err != nil || len(signature) == 0 {
		return fail("signature_invalid", ErrSignatureMismatch)
	}
	if !hmac.Equal(signature, GatewaySignature(v.secret, cb.OrderID, cb.PaymentID)) {
		return fail("signature_mismatch", ErrSignatureMismatch)
	}

	return Verified{
		OrderID:       cb.OrderID,
		PaymentID:     cb.PaymentID,
		TransactionID: defaultString(cb.TransactionID, cb.PaymentID),
		Signature:     strings.ToLower(strings.TrimSpace(cb.Signature)),
	}, nil
}

// GatewaySignature computes the raw gateway MAC.
func GatewaySignature(secret []byte, orderID, paymentID string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return mac.Sum(nil)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
