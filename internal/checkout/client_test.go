package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/platform/events"
)

func staticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, bool) { return token, token != "" })
}

func completeDraft(t *testing.T) *order.Draft {
	t.Helper()
	product := order.Product{
		ID:     "prod_1",
		Name:   "Oak Chair",
		Price:  money.ParsePrice("$250"),
		Images: []string{"chair.jpg"},
		Sizes:  []string{"S", "M"},
	}
	d, err := order.NewDraftFromNavigation(product, nil, "M")
	require.NoError(t, err)
	s := func(v string) *string { return &v }
	require.NoError(t, d.UpdateShipping(order.ShippingPatch{
		FullName:   s("Asha Rao"),
		Address:    s("12 Lake Road"),
		City:       s("Pune"),
		PostalCode: s("411001"),
		Country:    s("India"),
		Phone:      s("+91 90000 00000"),
		Email:      s("asha@example.com"),
	}))
	require.NoError(t, d.SetNotes("Call before delivery"))
	return d
}

func advanceSelection() order.PaymentSelection {
	return order.PaymentSelection{Method: order.PaymentMethodUPI, Type: order.PaymentTypeAdvance}
}

func TestFetchProductAcceptsBothShapes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/products/wrapped":
			_, _ = io.WriteString(w, `{"product":{"_id":"wrapped","name":"Desk","price":"$120"}}`)
		case "/api/products/bare":
			_, _ = io.WriteString(w, `{"_id":"bare","name":"Lamp","price":45.5}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"Product not found"}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/api/")
	ctx := context.Background()

	p, err := c.FetchProduct(ctx, "wrapped")
	require.NoError(t, err)
	require.Equal(t, "Desk", p.Name)
	require.Equal(t, "120.00", p.Price.String())

	p, err = c.FetchProduct(ctx, "bare")
	require.NoError(t, err)
	require.Equal(t, "bare", p.ID)
	require.Equal(t, "45.50", p.Price.String())

	_, err = c.FetchProduct(ctx, "missing")
	require.ErrorIs(t, err, order.ErrProductNotFound)
}

func TestFetchProductServerErrorIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchProduct(context.Background(), "p1")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusServiceUnavailable, fe.Status)
	require.NotEmpty(t, fe.UserMessage())
}

func TestClientAttachesBearerTokenWhenPresent(t *testing.T) {
	t.Parallel()

	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"_id":"p1","name":"Desk","price":10}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithTokenSource(staticToken("tok_123"))).FetchProduct(context.Background(), "p1")
	require.NoError(t, err)
	_, err = NewClient(srv.URL, WithTokenSource(staticToken(""))).FetchProduct(context.Background(), "p1")
	require.NoError(t, err)
	_, err = NewClient(srv.URL).FetchProduct(context.Background(), "p1")
	require.NoError(t, err)

	require.Equal(t, []string{"Bearer tok_123", "", ""}, seen)
}

func TestSubmitOrderWireBody(t *testing.T) {
	t.Parallel()

	var body map[string]json.RawMessage
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		idem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"order":{"_id":"665f0c","orderStatus":"pending"}}`)
	}))
	defer srv.Close()

	req, err := BuildOrderRequest(completeDraft(t), advanceSelection())
	require.NoError(t, err)

	res, err := NewClient(srv.URL).SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "665f0c", res.OrderID)
	require.False(t, res.GeneratedID)
	require.NotEmpty(t, idem)

	require.Equal(t, "2700.00", string(body["amountToPay"]))
	require.Equal(t, "5400.00", string(body["totalPrice"]))
	require.Equal(t, "400.00", string(body["taxPrice"]))
	require.Equal(t, "0.00", string(body["shippingPrice"]))

	var items []map[string]any
	require.NoError(t, json.Unmarshal(body["orderItems"], &items))
	require.Len(t, items, 1)
	require.EqualValues(t, 250, items[0]["price"])
	require.EqualValues(t, 20, items[0]["qty"])
	require.Equal(t, "M", items[0]["size"])
	require.Equal(t, "prod_1", items[0]["product"])
	require.Equal(t, "chair.jpg", items[0]["image"])

	var addr map[string]string
	require.NoError(t, json.Unmarshal(body["shippingAddress"], &addr))
	require.Equal(t, "+91 90000 00000", addr["phoneNumber"])
	require.Equal(t, "asha@example.com", addr["email"])
	require.Len(t, addr, 7)
}

func TestSubmitOrderResponseShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		body      string
		wantID    string
		generated bool
		wantErr   string
	}{
		{name: "envelope", status: 201, body: `{"order":{"_id":"a1"}}`, wantID: "a1"},
		{name: "bare", status: 200, body: `{"_id":"b2","orderStatus":"pending"}`, wantID: "b2"},
		{name: "missing id", status: 201, body: `{"success":true}`, generated: true},
		{name: "server message", status: 400, body: `{"message":"Out of stock"}`, wantErr: "Out of stock"},
		{name: "error field", status: 422, body: `{"error":"Invalid address"}`, wantErr: "Invalid address"},
		{name: "html error", status: 502, body: `<html>bad gateway</html>`, wantErr: messageSubmitFailed},
		{name: "non json success", status: 200, body: `OK`, wantErr: messageSubmitFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			req, err := BuildOrderRequest(completeDraft(t), advanceSelection())
			require.NoError(t, err)
			res, err := NewClient(srv.URL).SubmitOrder(context.Background(), req)

			if tc.wantErr != "" {
				var se *SubmissionError
				require.ErrorAs(t, err, &se)
				require.Equal(t, tc.wantErr, se.UserMessage())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.generated, res.GeneratedID)
			if tc.generated {
				require.True(t, strings.HasPrefix(res.OrderID, generatedIDPrefix))
				require.Len(t, res.OrderID, len(generatedIDPrefix)+26)
			} else {
				require.Equal(t, tc.wantID, res.OrderID)
			}
		})
	}
}

func TestSubmitOrderTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	req, err := BuildOrderRequest(completeDraft(t), advanceSelection())
	require.NoError(t, err)
	_, err = NewClient(url).SubmitOrder(context.Background(), req)
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	require.Equal(t, messageSubmitFailed, se.UserMessage())
}

func TestFetchOrderAndPayments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/o1":
			_, _ = io.WriteString(w, `{"order":{"_id":"o1","orderStatus":"manufacturing","paymentStatus":"50_percent_advance_paid","taxPrice":900}}`)
		case "/orders/o2":
			_, _ = io.WriteString(w, `{"orderStatus":"shipped"}`)
		case "/payments/details/o1":
			_, _ = io.WriteString(w, `{"data":[{"transactionId":"tx1","amount":2950,"status":"verified","verifiedAt":"2024-05-02T10:00:00Z"}]}`)
		case "/payments/details/o2":
			_, _ = io.WriteString(w, `[]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	o, err := c.FetchOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "manufacturing", o.OrderStatus)
	require.Equal(t, "900.00", o.TaxPrice.String())

	o, err = c.FetchOrder(ctx, "o2")
	require.NoError(t, err)
	require.Equal(t, "o2", o.ID)

	_, err = c.FetchOrder(ctx, "o3")
	require.ErrorIs(t, err, ErrOrderNotFound)

	records, err := c.FetchPaymentDetails(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tx1", records[0].TransactionID)
	require.NotNil(t, records[0].VerifiedAt)

	records, err = c.FetchPaymentDetails(ctx, "o2")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReportPaymentVerification(t *testing.T) {
	t.Parallel()

	var got PaymentVerification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/verify", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).ReportPaymentVerification(context.Background(), PaymentVerification{
		OrderID: "o1", PaymentID: "pay_1", Provider: "gateway",
	})
	require.NoError(t, err)
	require.Equal(t, "pay_1", got.PaymentID)

	require.ErrorIs(t, NewClient(srv.URL).ReportPaymentVerification(context.Background(), PaymentVerification{}), ErrMissingOrderID)
}

func TestBuildOrderRequestPreconditions(t *testing.T) {
	t.Parallel()

	_, err := BuildOrderRequest(completeDraft(t), order.PaymentSelection{Method: order.PaymentMethodCOD})
	var fe *order.FieldError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "Please select a payment type", fe.Message)

	d := completeDraft(t)
	blank := ""
	require.NoError(t, d.UpdateShipping(order.ShippingPatch{Email: &blank}))
	_, err = BuildOrderRequest(d, advanceSelection())
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "email", fe.Field)

	free, err := order.NewDraftFromNavigation(order.Product{ID: "p", Name: "Mystery", Price: money.ParsePrice("TBD")}, nil, "")
	require.NoError(t, err)
	s := func(v string) *string { return &v }
	require.NoError(t, free.UpdateShipping(order.ShippingPatch{
		FullName: s("A"), Address: s("B"), City: s("C"), PostalCode: s("D"),
		Country: s("E"), Phone: s("F"), Email: s("g@example.com"),
	}))
	_, err = BuildOrderRequest(free, advanceSelection())
	require.ErrorIs(t, err, ErrNonPositiveTotal)

	full, err := BuildOrderRequest(completeDraft(t), order.PaymentSelection{Method: order.PaymentMethodCOD, Type: order.PaymentTypeFull})
	require.NoError(t, err)
	require.Equal(t, "5400.00", full.AmountToPay.String())
	require.Equal(t, "Call before delivery", full.Notes)
}

func TestSubmitterBlocksInvalidDraftWithoutNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"_id":"x"}`)
	}))
	defer srv.Close()

	sub, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL)})
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), "sess", completeDraft(t), order.PaymentSelection{})
	require.ErrorIs(t, err, order.ErrValidation)

	d := completeDraft(t)
	require.NoError(t, d.SelectSize(""))
	_, err = sub.Submit(context.Background(), "sess", d, advanceSelection())
	require.ErrorIs(t, err, order.ErrValidation)

	require.Zero(t, hits.Load())
	require.False(t, sub.InFlight("sess"))
}

func TestSubmitterRejectsReentrantSubmit(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		_, _ = io.WriteString(w, `{"_id":"only-one"}`)
	}))
	defer srv.Close()

	sub, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL)})
	require.NoError(t, err)
	draft := completeDraft(t)
	before := draft.View()

	type outcome struct {
		res SubmitResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := sub.Submit(context.Background(), "sess", draft, advanceSelection())
		first <- outcome{res, err}
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first submission never reached the backend")
	}
	require.True(t, sub.InFlight("sess"))

	_, err = sub.Submit(context.Background(), "sess", draft, advanceSelection())
	require.ErrorIs(t, err, ErrSubmissionInFlight)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, "only-one", got.res.OrderID)
	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, before, draft.View())
	require.False(t, sub.InFlight("sess"))
}

func TestSubmitDraftClaimsDraftAndReplaysOrder(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived <- struct{}{}
		<-release
		_, _ = io.WriteString(w, `{"_id":"only-one"}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryDraftStore(time.Hour)
	require.NoError(t, store.Put(ctx, "sess", SessionState{Draft: completeDraft(t), Selection: advanceSelection()}))
	sub, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL)})
	require.NoError(t, err)
	// A second instance shares the store but not the in-process guard.
	other, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL)})
	require.NoError(t, err)

	type outcome struct {
		placed Placement
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		placed, err := sub.SubmitDraft(ctx, store, "sess")
		first <- outcome{placed, err}
	}()
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first submission never reached the backend")
	}

	state, err := store.Get(ctx, "sess")
	require.NoError(t, err)
	require.True(t, state.Submitting)
	_, err = sub.SubmitDraft(ctx, store, "sess")
	require.ErrorIs(t, err, ErrSubmissionInFlight)
	_, err = other.SubmitDraft(ctx, store, "sess")
	require.ErrorIs(t, err, ErrSubmissionInFlight)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, "only-one", got.placed.OrderID)
	require.False(t, got.placed.Replayed)
	require.Equal(t, "2700.00", got.placed.AmountToPay.String())

	again, err := other.SubmitDraft(ctx, store, "sess")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, "only-one", again.OrderID)
	require.Equal(t, "2700.00", again.AmountToPay.String())
	require.EqualValues(t, 1, hits.Load())

	state, err = store.Get(ctx, "sess")
	require.NoError(t, err)
	require.Nil(t, state.Draft)
	require.False(t, state.Submitting)
	require.Equal(t, "only-one", state.LastOrderID)
}

func TestSubmitDraftReleasesClaimOnFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryDraftStore(time.Hour)
	sub, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL)})
	require.NoError(t, err)

	_, err = sub.SubmitDraft(ctx, store, "sess")
	require.ErrorIs(t, err, ErrDraftNotFound)

	require.NoError(t, store.Put(ctx, "sess", SessionState{Draft: completeDraft(t), Selection: advanceSelection()}))
	_, err = sub.SubmitDraft(ctx, store, "sess")
	var se *SubmissionError
	require.True(t, errors.As(err, &se))

	state, err := store.Get(ctx, "sess")
	require.NoError(t, err)
	require.False(t, state.Submitting)
	require.NotNil(t, state.Draft)
	require.Equal(t, order.MinimumQuantity, state.Draft.Quantity())
	require.Empty(t, state.LastOrderID)
	require.False(t, sub.InFlight("sess"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return "msg-1", nil
}

func TestSubmitterPublishesOnSuccessOnly(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"_id":"o9"}`)
	}))
	defer srv.Close()

	pub := &recordingPublisher{}
	sub, err := NewSubmitter(SubmitterDeps{Orders: NewClient(srv.URL), Events: pub})
	require.NoError(t, err)
	draft := completeDraft(t)

	_, err = sub.Submit(context.Background(), "sess", draft, advanceSelection())
	var se *SubmissionError
	require.True(t, errors.As(err, &se))
	require.Empty(t, pub.events)

	fail.Store(false)
	res, err := sub.Submit(context.Background(), "sess", draft, advanceSelection())
	require.NoError(t, err)
	require.Equal(t, "o9", res.OrderID)
	require.Len(t, pub.events, 1)
	require.Equal(t, events.TypeOrderSubmitted, pub.events[0].Type)
	require.Equal(t, "o9", pub.events[0].OrderID)
}

func TestFakeBackendRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewClient("")
	ctx := context.Background()

	p, err := c.FetchProduct(ctx, "demo-chair")
	require.NoError(t, err)
	require.Equal(t, "250.00", p.Price.String())
	_, err = c.FetchProduct(ctx, "nope")
	require.ErrorIs(t, err, order.ErrProductNotFound)

	req, err := BuildOrderRequest(completeDraft(t), advanceSelection())
	require.NoError(t, err)
	res, err := c.SubmitOrder(ctx, req)
	require.NoError(t, err)
	require.False(t, res.GeneratedID)

	o, err := c.FetchOrder(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, "2700.00", o.AmountToPay.String())

	require.NoError(t, c.ReportPaymentVerification(ctx, PaymentVerification{OrderID: res.OrderID, PaymentID: "pay_1"}))
	o, err = c.FetchOrder(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentStatusAdvancePaid, o.PaymentStatus)
	require.Equal(t, "2700.00", o.RemainingAmount.String())

	records, err := c.FetchPaymentDetails(ctx, res.OrderID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestUnwrapEnvelope(t *testing.T) {
	t.Parallel()

	require.JSONEq(t, `{"_id":"a"}`, string(unwrapEnvelope([]byte(`{"order":{"_id":"a"}}`), "order")))
	require.JSONEq(t, `{"_id":"a"}`, string(unwrapEnvelope([]byte(`{"_id":"a"}`), "order")))
	require.JSONEq(t, `{"order":null,"_id":"a"}`, string(unwrapEnvelope([]byte(`{"order":null,"_id":"a"}`), "order")))
	require.JSONEq(t, `[1]`, string(unwrapEnvelope([]byte(`{"data":[1]}`), "data")))
	require.JSONEq(t, `[1]`, string(unwrapEnvelope([]byte(` [1] `), "data")))
}

func TestApplyIfActive(t *testing.T) {
	t.Parallel()

	ran := false
	require.True(t, ApplyIfActive(context.Background(), func() { ran = true }))
	require.True(t, ran)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran = false
	require.False(t, ApplyIfActive(ctx, func() { ran = true }))
	require.False(t, ran)
}
