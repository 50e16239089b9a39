package main

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"finitefield.org/market-web/internal/checkout"
	"finitefield.org/market-web/internal/middleware"
	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/payments"
	"finitefield.org/market-web/internal/platform/events"
	"finitefield.org/market-web/internal/platform/observability"
)

// backend is the part of checkout.Client the handlers read through.
type backend interface {
	order.ProductFetcher
	FetchOrder(ctx context.Context, id string) (order.Order, error)
	FetchPaymentDetails(ctx context.Context, orderID string) ([]order.PaymentRecord, error)
	ReportPaymentVerification(ctx context.Context, v checkout.PaymentVerification) error
}

type callbackVerifier interface {
	Verify(ctx context.Context, req payments.CallbackRequest) (payments.Verified, error)
}

type routerDeps struct {
	Logger          *zap.Logger
	TraceProjectID  string
	Sessions        *middleware.SessionManager
	SecureCookies   bool
	Backend         backend
	Submitter       *checkout.Submitter
	Drafts          checkout.DraftStore
	Verifier        callbackVerifier
	Events          events.Publisher
	DisplayCurrency string
}

type server struct {
	backend   backend
	submitter *checkout.Submitter
	drafts    checkout.DraftStore
	verifier  callbackVerifier
	events    events.Publisher
	currency  string
	log       func(ctx context.Context, event string, fields map[string]any)
}

func newRouter(deps routerDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.NopPublisher{}
	}
	s := &server{
		backend:   deps.Backend,
		submitter: deps.Submitter,
		drafts:    deps.Drafts,
		verifier:  deps.Verifier,
		events:    pub,
		currency:  deps.DisplayCurrency,
		log:       observability.EventLogger(logger),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TraceMiddleware(deps.TraceProjectID))
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.Recoverer(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Sessions.Sessions)
		r.Route("/api/checkout", func(r chi.Router) {
			r.Use(middleware.CSRF(deps.SecureCookies))
			r.Post("/draft", s.initDraft)
			r.Get("/draft", s.getDraft)
			r.Patch("/draft", s.patchDraft)
			r.Post("/draft/quantity", s.changeQuantity)
			r.Post("/payment", s.selectPayment)
			r.Post("/submit", s.submit)
		})
		r.Get("/api/orders/{id}/tracking", s.tracking)
	})

	r.Post("/api/payments/callback/{provider}", s.paymentCallback)
	return r
}
