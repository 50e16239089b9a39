package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"finitefield.org/market-web/internal/checkout"
	"finitefield.org/market-web/internal/payments"
	"finitefield.org/market-web/internal/platform/events"
	"finitefield.org/market-web/internal/platform/httpx"
	"finitefield.org/market-web/internal/platform/requestctx"
)

const maxCallbackBytes = 1 << 20

type callbackResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// paymentCallback verifies a gateway callback. A failed verification leaves the order as
// it is and reports it as pending verification.
func (s *server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBadRequest, "invalid callback body", http.StatusBadRequest))
		return
	}

	verified, err := s.verifier.Verify(ctx, payments.CallbackRequest{Provider: provider, Body: body, Header: r.Header})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBadRequest, "unsupported payment provider", http.StatusNotFound))
			return
		}
		var ve *payments.VerificationError
		if !errors.As(err, &ve) {
			ve = &payments.VerificationError{Provider: provider, Reason: "unknown", Err: err}
		}
		// Authentic but not a payment confirmation: acknowledge so the provider stops
		// redelivering, and leave the order alone.
		if errors.Is(err, payments.ErrEventIgnored) {
			s.log(ctx, "payments.callback.ignored", map[string]any{"provider": ve.Provider, "orderId": ve.OrderID, "error": err.Error()})
			httpx.WriteJSON(w, http.StatusOK, callbackResponse{OrderID: ve.OrderID, Status: "ignored"})
			return
		}
		s.publish(ctx, events.Event{
			Type:    events.TypePaymentVerificationFailed,
			OrderID: ve.OrderID,
			Data:    map[string]any{"provider": ve.Provider, "reason": ve.Reason},
		})
		e := httpx.PaymentVerificationFailed(ve.UserMessage())
		if ve.OrderID != "" {
			e = e.WithDetails(map[string]any{"orderId": ve.OrderID})
		}
		httpx.WriteError(ctx, w, e)
		return
	}

	if err := s.backend.ReportPaymentVerification(ctx, checkout.PaymentVerification{
		OrderID:       verified.OrderID,
		PaymentID:     verified.PaymentID,
		Provider:      verified.Provider,
		Signature:     verified.Signature,
		TransactionID: verified.TransactionID,
	}); err != nil {
		s.log(ctx, "payments.report.failed", map[string]any{"orderId": verified.OrderID, "error": err.Error()})
		httpx.WriteError(ctx, w, httpx.FetchFailed("We couldn't record your payment yet. It will be confirmed shortly."))
		return
	}

	s.publish(ctx, events.Event{
		Type:    events.TypePaymentVerified,
		OrderID: verified.OrderID,
		Data: map[string]any{
			"provider":  verified.Provider,
			"paymentId": verified.PaymentID,
			"eventType": verified.EventType,
		},
	})
	httpx.WriteJSON(w, http.StatusOK, callbackResponse{OrderID: verified.OrderID, Status: "verified"})
}

func (s *server) publish(ctx context.Context, event events.Event) {
	if event.SessionID == "" {
		event.SessionID = requestctx.SessionID(ctx)
	}
	if _, err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log(ctx, "events.publish.failed", map[string]any{"type": event.Type, "error": err.Error()})
	}
}
