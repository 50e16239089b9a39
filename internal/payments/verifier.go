package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// ProviderGateway is the generic HMAC-signed gateway callback.
	ProviderGateway = "gateway"
	// ProviderStripe is a Stripe webhook delivery.
	ProviderStripe = "stripe"

	messageVerificationFailed = "We couldn't verify your payment. Your order is pending verification and our team will follow up."
)

var (
	// ErrUnsupportedProvider is returned when no verifier is registered for a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSignatureMismatch is the cause of a VerificationError whose signature did not match.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrNotConfigured is the cause of a VerificationError when the provider has no secret.
	ErrNotConfigured = errors.New("payments: verifier not configured")
	// ErrEventIgnored is the cause of a VerificationError for an authentic event that does
	// not confirm collected funds (failed intents, refunds, expired sessions).
	ErrEventIgnored = errors.New("payments: event does not confirm a payment")
)

// CallbackRequest is the raw callback as received over HTTP.
type CallbackRequest struct {
	Provider string
	Body     []byte
	Header   http.Header
}

// Verified is a callback whose signature checked out.
type Verified struct {
	Provider      string
	OrderID       string
	PaymentID     string
	TransactionID string
	Signature     string
	EventType     string
}

// Verifier checks a provider callback.
type Verifier interface {
	Verify(ctx context.Context, req CallbackRequest) (Verified, error)
}

// VerificationError reports a callback that could not be verified. The order it names, if
// any, is left untouched.
type VerificationError struct {
	Provider string
	OrderID  string
	Reason   string
	Err      error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("payments: %s verification failed: %s", e.Provider, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the buyer.
func (e *VerificationError) UserMessage() string { return messageVerificationFailed }

// ManagerDeps wires a Manager.
type ManagerDeps struct {
	Verifiers map[string]Verifier
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Manager routes callbacks to the verifier registered for their provider.
type Manager struct {
	verifiers map[string]Verifier
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewManager validates registrations and builds a Manager.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if len(deps.Verifiers) == 0 {
		return nil, errors.New("payments: at least one verifier is required")
	}
	verifiers := make(map[string]Verifier, len(deps.Verifiers))
	for k, v := range deps.Verifiers {
		key := normalizeProvider(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid verifier registration for key %q", k)
		}
		verifiers[key] = v
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Manager{verifiers: verifiers, logger: logger}, nil
}

// Verify checks the callback with the provider's verifier.
func (m *Manager) Verify(ctx context.Context, req CallbackRequest) (Verified, error) {
	provider := normalizeProvider(req.Provider)
	v, ok := m.verifiers[provider]
	if !ok {
		return Verified{}, ErrUnsupportedProvider
	}
	req.Provider = provider
	verified, err := v.Verify(ctx, req)
	if err != nil {
		fields := map[string]any{"provider": provider, "error": err.Error()}
		var ve *VerificationError
		if errors.As(err, &ve) {
			fields["reason"] = ve.Reason
			fields["orderId"] = ve.OrderID
		}
		m.logger(ctx, "payments.verify.failed", fields)
		return Verified{}, err
	}
	verified.Provider = provider
	m.logger(ctx, "payments.verified", map[string]any{
		"provider":  provider,
		"orderId":   verified.OrderID,
		"paymentId": verified.PaymentID,
	})
	return verified, nil
}

// Providers lists registered provider keys.
func (m *Manager) Providers() []string {
	out := make([]string, 0, len(m.verifiers))
	for k := range m.verifiers {
		out = append(out, k)
	}
	return out
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
