package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/market-web/internal/platform/requestctx"
)

// Error codes returned to the storefront.
const (
	CodeBadRequest                = "bad_request"
	CodeValidationFailed          = "validation_failed"
	CodeProductNotFound           = "product_not_found"
	CodeOrderNotFound             = "order_not_found"
	CodeDraftNotFound             = "draft_not_found"
	CodeFetchFailed               = "fetch_failed"
	CodeSubmissionFailed          = "submission_failed"
	CodeSubmissionInFlight        = "submission_in_flight"
	CodePaymentVerificationFailed = "payment_verification_failed"
	CodeCSRFInvalid               = "csrf_invalid"
	CodeInternal                  = "internal_server_error"
)

// Error is the JSON error envelope.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, 80),
		Message: clip(message, 512),
		Status:  status,
	}
}

// ValidationFailed reports a single field-level failure.
func ValidationFailed(field, message string) Error {
	return NewError(CodeValidationFailed, message, http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"field": field})
}

// ProductNotFound tells the page to send the visitor back to the catalog list.
func ProductNotFound() Error {
	return NewError(CodeProductNotFound, "We couldn't find that product.", http.StatusNotFound).
		WithDetails(map[string]any{"redirect": "/products"})
}

// FetchFailed reports an upstream read failure the visitor can retry.
func FetchFailed(message string) Error {
	if strings.TrimSpace(message) == "" {
		message = "We couldn't load this page. Please try again."
	}
	return NewError(CodeFetchFailed, message, http.StatusBadGateway)
}

// SubmissionFailed reports a rejected order; the draft is kept for retry.
func SubmissionFailed(message string) Error {
	return NewError(CodeSubmissionFailed, message, http.StatusBadGateway).
		WithDetails(map[string]any{"draftPreserved": true})
}

// SubmissionInFlight rejects a duplicate click while an order is being placed.
func SubmissionInFlight() Error {
	return NewError(CodeSubmissionInFlight, "Your order is already being placed.", http.StatusConflict)
}

// PaymentVerificationFailed reports a rejected payment callback. The order itself is left
// in pending verification.
func PaymentVerificationFailed(message string) Error {
	return NewError(CodePaymentVerificationFailed, message, http.StatusBadRequest).
		WithDetails(map[string]any{"orderStatus": "pending_verification"})
}

// WithRequestID overrides the request id.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clip(id, 80)
	return e
}

// WithTraceID overrides the trace id.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clip(id, 64)
	return e
}

// WithDetails merges extra keys into the payload.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// Error implements error so handlers can return it through helper layers.
func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WriteError writes err as JSON, filling request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	requestID := err.RequestID
	if requestID == "" {
		requestID = clip(middleware.GetReqID(ctx), 80)
	}
	traceID := err.TraceID
	if traceID == "" {
		traceID = clip(requestctx.TraceID(ctx), 64)
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// DecodeJSON reads a bounded JSON body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
