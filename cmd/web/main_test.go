package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"finitefield.org/market-web/internal/checkout"
	"finitefield.org/market-web/internal/middleware"
	"finitefield.org/market-web/internal/payments"
	"finitefield.org/market-web/internal/platform/events"
)

const (
	gatewaySecret = "gateway-test-secret"
	stripeSecret  = "whsec_test"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return "msg", nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	events *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test wrap the order creator the submitter calls.
func newTestEnvWith(t *testing.T, wrap func(checkout.OrderCreator) checkout.OrderCreator) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pub := &recordingPublisher{}

	sessions, err := middleware.NewSessionManager(middleware.SessionConfig{
		CookieName: "market_session",
		HashKey:    strings.Repeat("h", 32),
	}, logger)
	require.NoError(t, err)

	backend := checkout.NewClient("", checkout.WithTokenSource(checkout.TokenSourceFunc(middleware.SessionToken)))
	var orders checkout.OrderCreator = backend
	if wrap != nil {
		orders = wrap(backend)
	}
	submitter, err := checkout.NewSubmitter(checkout.SubmitterDeps{Orders: orders, Events: pub})
	require.NoError(t, err)
	verifier, err := payments.NewManager(payments.ManagerDeps{Verifiers: map[string]payments.Verifier{
		payments.ProviderGateway: payments.NewGatewaySignatureVerifier(gatewaySecret),
		payments.ProviderStripe:  payments.NewStripeSignatureVerifier(stripeSecret),
	}})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(routerDeps{
		Logger:          logger,
		Sessions:        sessions,
		Backend:         backend,
		Submitter:       submitter,
		Drafts:          checkout.NewMemoryDraftStore(0),
		Verifier:        verifier,
		Events:          pub,
		DisplayCurrency: "USD",
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{srv: srv, client: &http.Client{Jar: jar}, events: pub}
}

func (e *testEnv) csrf(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == middleware.CSRFCookieName {
			return c.Value
		}
	}
	return ""
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token := e.csrf(t); token != "" {
		req.Header.Set(middleware.CSRFHeader, token)
	}
	res, err := e.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return res.StatusCode, out
}

type result struct {
	status int
	body   map[string]any
	err    error
}

// doAsync sends a request from another goroutine; it reports failures instead of failing
// the test directly.
func (e *testEnv) doAsync(method, path, csrf string) <-chan result {
	out := make(chan result, 1)
	go func() {
		req, err := http.NewRequest(method, e.srv.URL+path, nil)
		if err != nil {
			out <- result{err: err}
			return
		}
		req.Header.Set(middleware.CSRFHeader, csrf)
		res, err := e.client.Do(req)
		if err != nil {
			out <- result{err: err}
			return
		}
		defer res.Body.Close()
		body := map[string]any{}
		err = json.NewDecoder(res.Body).Decode(&body)
		out <- result{status: res.StatusCode, body: body, err: err}
	}()
	return out
}

// readyToSubmit walks a fresh session through a complete demo-chair draft.
func readyToSubmit(t *testing.T, env *testEnv) {
	t.Helper()
	env.do(t, http.MethodGet, "/api/checkout/draft", nil)
	status, _ := env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{"productId": "demo-chair"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPatch, "/api/checkout/draft", map[string]any{
		"shipping": map[string]string{
			"fullName": "Asha Rao", "address": "12 Lake Road", "city": "Pune", "postalCode": "411001",
			"country": "India", "phone": "+91 90000 00000", "email": "asha@example.com",
		},
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/api/checkout/payment", map[string]any{"paymentMethod": "upi", "paymentType": "50_percent_advance"})
	require.Equal(t, http.StatusOK, status)
}

func stripeSignature(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func dig(t *testing.T, m map[string]any, path ...string) any {
	t.Helper()
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		require.Truef(t, ok, "expected object at %q", p)
		cur = obj[p]
	}
	return cur
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.client.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestCheckoutFlow(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/checkout/draft", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "draft_not_found", body["error"])
	require.NotEmpty(t, env.csrf(t))

	status, body = env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{"productId": "demo-chair"})
	require.Equal(t, http.StatusCreated, status)
	require.EqualValues(t, 20, dig(t, body, "draft", "quantity"))
	require.Equal(t, "Standard", dig(t, body, "draft", "selectedSize"))
	require.EqualValues(t, 5400, dig(t, body, "draft", "breakdown", "totalPrice"))
	require.True(t, strings.HasPrefix(dig(t, body, "display", "totalPrice").(string), "$"))
	require.Contains(t, dig(t, body, "summary", "descriptionHtml"), "<strong>hand-rubbed oil</strong>")
	issues := body["issues"].([]any)
	require.NotEmpty(t, issues)

	status, body = env.do(t, http.MethodPost, "/api/checkout/draft/quantity", map[string]any{"direction": "decrease"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "quantity", body["field"])
	require.Equal(t, "Order minimum 20 products", body["message"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "fullName", body["field"])
	require.Equal(t, "Please enter your full name", body["message"])

	status, _ = env.do(t, http.MethodPatch, "/api/checkout/draft", map[string]any{
		"shipping": map[string]string{
			"fullName": "Asha Rao", "address": "12 Lake Road", "city": "Pune", "postalCode": "411001",
			"country": "India", "phone": "+91 90000 00000", "email": "asha@example.com",
		},
		"notes": "<b>Leave at gate</b>",
	})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "paymentMethod", body["field"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/payment", map[string]any{"paymentMethod": "bitcoin"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "paymentMethod", body["field"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/payment", map[string]any{"paymentMethod": "upi", "paymentType": "50_percent_advance"})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2700, body["amountDue"])
	require.Empty(t, body["issues"])
	require.Equal(t, "Leave at gate", dig(t, body, "draft", "notes"))

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusCreated, status)
	orderID, _ := body["orderId"].(string)
	require.NotEmpty(t, orderID)
	require.EqualValues(t, 2700, body["amountToPay"])
	require.Equal(t, "/orders/"+orderID, body["redirect"])
	require.Equal(t, []string{events.TypeOrderSubmitted}, env.events.types())

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, orderID, body["orderId"])
	require.Equal(t, true, body["replayed"])
	require.EqualValues(t, 2700, body["amountToPay"])
	require.Equal(t, []string{events.TypeOrderSubmitted}, env.events.types())

	status, body = env.do(t, http.MethodGet, "/api/checkout/draft", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, orderID, body["lastOrderId"])

	status, body = env.do(t, http.MethodGet, "/api/orders/"+orderID+"/tracking", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 0, dig(t, body, "tracking", "currentIndex"))
	require.Equal(t, "pending", dig(t, body, "tracking", "payment", "status"))
	require.Equal(t, "Tax (18% GST)", body["taxLabel"])

	sig := hex.EncodeToString(payments.GatewaySignature([]byte(gatewaySecret), orderID, "pay_1"))
	status, body = env.do(t, http.MethodPost, "/api/payments/callback/gateway", map[string]string{
		"orderId": orderID, "paymentId": "pay_1", "signature": sig,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "verified", body["status"])

	status, body = env.do(t, http.MethodGet, "/api/orders/"+orderID+"/tracking", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "50_percent_advance_paid", dig(t, body, "tracking", "payment", "status"))
	require.Len(t, dig(t, body, "tracking", "transactions"), 1)
	require.Equal(t, []string{events.TypeOrderSubmitted, events.TypePaymentVerified}, env.events.types())
}

func TestPaymentCallbackVerificationFailure(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/payments/callback/gateway", map[string]string{
		"orderId": "o1", "paymentId": "pay_1", "signature": "deadbeef",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "payment_verification_failed", body["error"])
	require.Equal(t, "pending_verification", body["orderStatus"])
	require.Equal(t, "o1", body["orderId"])
	require.Equal(t, []string{events.TypePaymentVerificationFailed}, env.events.types())

	status, body = env.do(t, http.MethodPost, "/api/payments/callback/stripe", map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "payment_verification_failed", body["error"])

	status, _ = env.do(t, http.MethodPost, "/api/payments/callback/paypal", map[string]string{})
	require.Equal(t, http.StatusNotFound, status)
}

func TestCheckoutInitWithoutProduct(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/checkout/draft", nil)

	status, body := env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "product_not_found", body["error"])
	require.Equal(t, "/products", body["redirect"])

	status, body = env.do(t, http.MethodGet, "/api/checkout/draft?productId=missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "product_not_found", body["error"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{
		"product":  map[string]any{"_id": "demo-chair", "name": "Oak Chair", "price": "$250"},
		"quantity": 5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "quantity", body["field"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{
		"product": map[string]any{"_id": "nav-1", "name": "Bench", "price": "$40"},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "product_not_found", body["error"])

	status, body = env.do(t, http.MethodGet, "/api/checkout/draft?productId=demo-table", nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 18500, dig(t, body, "draft", "product", "price"))
}

func TestCheckoutUsesCatalogPriceOverPostedProduct(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/checkout/draft", nil)

	status, body := env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{
		"product":  map[string]any{"_id": "demo-chair", "name": "Oak Chair", "price": "$1"},
		"quantity": 20,
	})
	require.Equal(t, http.StatusCreated, status)
	require.EqualValues(t, 250, dig(t, body, "draft", "product", "price"))
	require.EqualValues(t, 5400, dig(t, body, "draft", "breakdown", "totalPrice"))
}

// blockingOrders holds SubmitOrder until released and counts calls.
type blockingOrders struct {
	next    checkout.OrderCreator
	arrived chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingOrders) SubmitOrder(ctx context.Context, req checkout.SubmitRequest) (checkout.SubmitResult, error) {
	b.calls.Add(1)
	b.arrived <- struct{}{}
	<-b.release
	return b.next.SubmitOrder(ctx, req)
}

func TestCheckoutRefusesEditsWhileSubmitting(t *testing.T) {
	orders := &blockingOrders{arrived: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnvWith(t, func(next checkout.OrderCreator) checkout.OrderCreator {
		orders.next = next
		return orders
	})
	readyToSubmit(t, env)

	pending := env.doAsync(http.MethodPost, "/api/checkout/submit", env.csrf(t))
	select {
	case <-orders.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("submission never reached the backend")
	}

	status, body := env.do(t, http.MethodPost, "/api/checkout/draft/quantity", map[string]any{"direction": "increase"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "submission_in_flight", body["error"])

	status, _ = env.do(t, http.MethodPatch, "/api/checkout/draft", map[string]any{"notes": "late edit"})
	require.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, "/api/checkout/draft", map[string]any{"productId": "demo-table"})
	require.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "submission_in_flight", body["error"])

	status, body = env.do(t, http.MethodGet, "/api/checkout/draft", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["submitting"])
	require.EqualValues(t, 20, dig(t, body, "draft", "quantity"))

	close(orders.release)
	first := <-pending
	require.NoError(t, first.err)
	require.Equal(t, http.StatusCreated, first.status)
	require.EqualValues(t, 2700, first.body["amountToPay"])

	status, body = env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, first.body["orderId"], body["orderId"])
	require.EqualValues(t, 1, orders.calls.Load())
	require.Equal(t, []string{events.TypeOrderSubmitted}, env.events.types())
}

func TestStripeNonSuccessEventLeavesOrderUnpaid(t *testing.T) {
	env := newTestEnv(t)
	readyToSubmit(t, env)
	status, body := env.do(t, http.MethodPost, "/api/checkout/submit", nil)
	require.Equal(t, http.StatusCreated, status)
	orderID := body["orderId"].(string)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","metadata":{"orderId":"` + orderID + `"}}}}`)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/payments/callback/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", stripeSignature(payload, time.Now()))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var ack map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&ack))
	require.Equal(t, "ignored", ack["status"])
	require.Equal(t, orderID, ack["orderId"])

	status, body = env.do(t, http.MethodGet, "/api/orders/"+orderID+"/tracking", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pending", dig(t, body, "tracking", "payment", "status"))
	require.Equal(t, []string{events.TypeOrderSubmitted}, env.events.types())
}

func TestCheckoutRejectsMissingCSRF(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.client.Post(env.srv.URL+"/api/checkout/draft", "application/json", strings.NewReader(`{"productId":"demo-chair"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestTrackingUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/api/orders/nope/tracking", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "order_not_found", body["error"])
}
