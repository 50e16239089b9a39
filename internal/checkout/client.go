package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/platform/observability"
	"finitefield.org/market-web/internal/platform/requestctx"
)

const (
	defaultTimeout    = 8 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
	generatedIDPrefix = "local-"
)

// TokenSource supplies the visitor's bearer token. Returning false means anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, bool)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, bool) { return f(ctx) }

// Client talks to the commerce REST backend. With an empty base URL it serves an
// in-memory catalog and order book instead.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	newID   func() string
	fake    *fakeBackend
}

// ClientOption customises NewClient.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// NewClient constructs a backend client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		newID:   func() string { return generatedIDPrefix + ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.fake = newFakeBackend()
	}
	return c
}

// SubmitResult is the outcome of a successful order creation.
type SubmitResult struct {
	OrderID string `json:"orderId"`
	// GeneratedID is set when the backend omitted the id and one was made up locally.
	GeneratedID bool         `json:"generatedId"`
	Order       *order.Order `json:"order,omitempty"`
}

// PaymentVerification is forwarded to the backend once a gateway callback is verified.
type PaymentVerification struct {
	OrderID       string `json:"orderId"`
	PaymentID     string `json:"paymentId"`
	Provider      string `json:"provider"`
	Signature     string `json:"signature,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// FetchProduct loads a product by id; unknown ids return order.ErrProductNotFound.
func (c *Client) FetchProduct(ctx context.Context, id string) (order.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return order.Product{}, order.ErrProductNotFound
	}
	if c.fake != nil {
		return c.fake.product(id)
	}

	status, body, err := c.do(ctx, "checkout.fetch_product", http.MethodGet, []string{"products", id}, nil)
	if err != nil {
		return order.Product{}, &FetchError{Resource: "product", Message: messageFetchFailed, Err: err}
	}
	if status == http.StatusNotFound {
		return order.Product{}, order.ErrProductNotFound
	}
	if status >= 400 {
		return order.Product{}, &FetchError{Resource: "product", Status: status, Message: defaultString(serverMessage(body), messageFetchFailed)}
	}

	var product order.Product
	if err := json.Unmarshal(unwrapEnvelope(body, "product"), &product); err != nil {
		return order.Product{}, &FetchError{Resource: "product", Status: status, Message: messageFetchFailed, Err: err}
	}
	if product.ID == "" {
		product.ID = id
	}
	return product, nil
}

// SubmitOrder issues exactly one POST /orders. Any failure is reported as *SubmissionError.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if c.fake != nil {
		return c.fake.submit(req, c.newID), nil
	}

	status, body, err := c.do(ctx, "checkout.submit_order", http.MethodPost, []string{"orders"}, req)
	if err != nil {
		return SubmitResult{}, &SubmissionError{Message: messageSubmitFailed, Err: err}
	}
	if status < 200 || status >= 300 {
		return SubmitResult{}, &SubmissionError{Status: status, Message: defaultString(serverMessage(body), messageSubmitFailed)}
	}
	if !json.Valid(body) {
		return SubmitResult{}, &SubmissionError{Status: status, Message: messageSubmitFailed, Err: errors.New("response is not JSON")}
	}

	var created order.Order
	if err := json.Unmarshal(unwrapEnvelope(body, "order"), &created); err != nil {
		return SubmitResult{}, &SubmissionError{Status: status, Message: messageSubmitFailed, Err: err}
	}

	result := SubmitResult{OrderID: created.ID, Order: &created}
	if result.OrderID == "" {
		result.OrderID = c.newID()
		result.GeneratedID = true
		requestctx.Logger(ctx).Warn("order created without id; using generated id",
			zap.String("order_id", result.OrderID))
	}
	return result, nil
}

// FetchOrder loads the authoritative order snapshot.
func (c *Client) FetchOrder(ctx context.Context, id string) (order.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return order.Order{}, ErrMissingOrderID
	}
	if c.fake != nil {
		return c.fake.order(id)
	}

	status, body, err := c.do(ctx, "checkout.fetch_order", http.MethodGet, []string{"orders", id}, nil)
	if err != nil {
		return order.Order{}, &FetchError{Resource: "order", Message: messageFetchFailed, Err: err}
	}
	if status == http.StatusNotFound {
		return order.Order{}, ErrOrderNotFound
	}
	if status >= 400 {
		return order.Order{}, &FetchError{Resource: "order", Status: status, Message: defaultString(serverMessage(body), messageFetchFailed)}
	}

	var o order.Order
	if err := json.Unmarshal(unwrapEnvelope(body, "order"), &o); err != nil {
		return order.Order{}, &FetchError{Resource: "order", Status: status, Message: messageFetchFailed, Err: err}
	}
	if o.ID == "" {
		o.ID = id
	}
	return o, nil
}

// FetchPaymentDetails loads the transactions recorded for an order.
func (c *Client) FetchPaymentDetails(ctx context.Context, orderID string) ([]order.PaymentRecord, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	if c.fake != nil {
		return c.fake.payments(orderID), nil
	}

	status, body, err := c.do(ctx, "checkout.fetch_payments", http.MethodGet, []string{"payments", "details", orderID}, nil)
	if err != nil {
		return nil, &FetchError{Resource: "payments", Message: messageFetchFailed, Err: err}
	}
	if status == http.StatusNotFound {
		return []order.PaymentRecord{}, nil
	}
	if status >= 400 {
		return nil, &FetchError{Resource: "payments", Status: status, Message: defaultString(serverMessage(body), messageFetchFailed)}
	}

	records := []order.PaymentRecord{}
	if err := json.Unmarshal(unwrapEnvelope(body, "data"), &records); err != nil {
		return nil, &FetchError{Resource: "payments", Status: status, Message: messageFetchFailed, Err: err}
	}
	return records, nil
}

// ReportPaymentVerification forwards a verified gateway callback to POST /payments/verify.
func (c *Client) ReportPaymentVerification(ctx context.Context, v PaymentVerification) error {
	if strings.TrimSpace(v.OrderID) == "" {
		return ErrMissingOrderID
	}
	if c.fake != nil {
		c.fake.markPaid(v)
		return nil
	}

	status, body, err := c.do(ctx, "checkout.verify_payment", http.MethodPost, []string{"payments", "verify"}, v)
	if err != nil {
		return fmt.Errorf("checkout: verify payment: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("checkout: verify payment status %d: %s", status, defaultString(serverMessage(body), string(body)))
	}
	return nil
}

// HTTPClient exposes the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// do performs one request. Transport failures return an error; HTTP failures are returned
// as a status for the caller to classify.
func (c *Client) do(ctx context.Context, op, method string, path []string, body any) (int, []byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, path...)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}

	ctx, end := observability.StartClientSpan(ctx, op, method, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		end(0, err)
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set(idempotencyHeader, ulid.Make().String())
	}
	if c.tokens != nil {
		if token, ok := c.tokens.Token(ctx); ok && strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		end(0, err)
		requestctx.Logger(ctx).Warn("backend call failed", zap.String("op", op), zap.Error(err))
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	end(resp.StatusCode, err)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	requestctx.Logger(ctx).Debug("backend call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return resp.StatusCode, data, nil
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return strings.TrimSpace(val)
}
