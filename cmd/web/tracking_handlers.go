package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/platform/httpx"
)

type trackingResponse struct {
	Tracking order.Tracking `json:"tracking"`
	TaxLabel string         `json:"taxLabel"`
}

// tracking loads the order and its payment records concurrently and projects them.
// Payment records are optional; their failure only empties the transaction list.
func (s *server) tracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var (
		snapshot order.Order
		records  []order.PaymentRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := s.backend.FetchOrder(gctx, id)
		if err != nil {
			return err
		}
		snapshot = o
		return nil
	})
	g.Go(func() error {
		recs, err := s.backend.FetchPaymentDetails(gctx, id)
		if err != nil {
			s.log(ctx, "tracking.payments.error", map[string]any{"orderId": id, "error": err.Error()})
			return nil
		}
		records = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, trackingResponse{
		Tracking: order.Project(snapshot, records...),
		TaxLabel: order.ServerTaxLabel,
	})
}
