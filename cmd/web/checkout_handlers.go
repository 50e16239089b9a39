package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"finitefield.org/market-web/internal/catalog"
	"finitefield.org/market-web/internal/checkout"
	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/platform/httpx"
	"finitefield.org/market-web/internal/platform/requestctx"
)

type initDraftRequest struct {
	Product   *order.Product `json:"product"`
	ProductID string         `json:"productId"`
	Quantity  *int           `json:"quantity"`
	Size      string         `json:"size"`
}

type patchDraftRequest struct {
	Size     *string              `json:"size"`
	Shipping *order.ShippingPatch `json:"shipping"`
	Notes    *string              `json:"notes"`
}

type quantityRequest struct {
	Direction string `json:"direction"`
}

type paymentRequest struct {
	PaymentMethod *string `json:"paymentMethod"`
	PaymentType   *string `json:"paymentType"`
}

type displayAmounts struct {
	ItemsPrice    string `json:"itemsPrice"`
	ShippingPrice string `json:"shippingPrice"`
	TaxPrice      string `json:"taxPrice"`
	TotalPrice    string `json:"totalPrice"`
	AdvanceAmount string `json:"advanceAmount"`
	AmountDue     string `json:"amountDue,omitempty"`
}

type draftResponse struct {
	Draft      order.DraftView        `json:"draft"`
	Summary    catalog.Summary        `json:"summary"`
	Selection  order.PaymentSelection `json:"selection"`
	AmountDue  *money.Amount          `json:"amountDue,omitempty"`
	Display    displayAmounts         `json:"display"`
	Issues     []*order.FieldError    `json:"issues"`
	Submitting bool                   `json:"submitting"`
}

type submitResponse struct {
	OrderID     string       `json:"orderId"`
	GeneratedID bool         `json:"generatedId"`
	AmountToPay money.Amount `json:"amountToPay"`
	Redirect    string       `json:"redirect"`
	Replayed    bool         `json:"replayed,omitempty"`
}

// initDraft starts a checkout from the navigation state the product page hands over.
// Only the product id is taken from the browser; the product itself, price included, is
// always loaded from the catalog.
func (s *server) initDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req initDraftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeBadRequest, "invalid request body", http.StatusBadRequest))
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	if req.Product != nil && strings.TrimSpace(req.Product.ID) != "" {
		productID = strings.TrimSpace(req.Product.ID)
	}
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.ProductNotFound())
		return
	}
	product, err := s.backend.FetchProduct(ctx, productID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	if strings.TrimSpace(product.ID) == "" {
		product.ID = productID
	}
	if req.Product != nil && !req.Product.Price.Equal(product.Price) {
		s.log(ctx, "checkout.draft.price_mismatch", map[string]any{
			"productId":   productID,
			"postedPrice": req.Product.Price.String(),
			"price":       product.Price.String(),
		})
	}

	draft, err := order.NewDraftFromNavigation(product, req.Quantity, req.Size)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.storeDraft(ctx, w, r, draft, http.StatusCreated)
}

// getDraft returns the current draft, or builds one from ?productId= when the page was
// opened directly.
func (s *server) getDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := requestctx.SessionID(ctx)
	productID := strings.TrimSpace(r.URL.Query().Get("productId"))

	state, err := s.drafts.Get(ctx, sid)
	hasDraft := err == nil && state.Draft != nil
	if hasDraft && (productID == "" || state.Draft.Product().ID == productID) {
		httpx.WriteJSON(w, http.StatusOK, s.draftView(r, sid, state))
		return
	}
	if productID == "" {
		e := httpx.NewError(httpx.CodeDraftNotFound, "There is no checkout in progress.", http.StatusNotFound).
			WithDetails(map[string]any{"redirect": "/products"})
		if err == nil && state.LastOrderID != "" {
			e = e.WithDetails(map[string]any{"lastOrderId": state.LastOrderID, "redirect": "/orders/" + state.LastOrderID})
		}
		httpx.WriteError(ctx, w, e)
		return
	}

	draft, err := order.NewDraftFromProductID(ctx, s.backend, productID)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.storeDraft(ctx, w, r, draft, http.StatusOK)
}

func (s *server) storeDraft(ctx context.Context, w http.ResponseWriter, r *http.Request, draft *order.Draft, status int) {
	sid := requestctx.SessionID(ctx)
	state := checkout.SessionState{Draft: draft}
	var err error
	if !checkout.ApplyIfActive(ctx, func() { err = s.replaceDraft(ctx, sid, state) }) {
		s.log(ctx, "checkout.draft.discarded", map[string]any{"productId": draft.Product().ID})
		return
	}
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.log(ctx, "checkout.draft.initialised", map[string]any{
		"productId": draft.Product().ID,
		"quantity":  draft.Quantity(),
	})
	httpx.WriteJSON(w, status, s.draftView(r, sid, state))
}

// replaceDraft stores a fresh draft unless the current one is claimed by a submission.
func (s *server) replaceDraft(ctx context.Context, sid string, state checkout.SessionState) error {
	_, err := s.drafts.Update(ctx, sid, func(current *checkout.SessionState) error {
		if current.Submitting {
			return checkout.ErrSubmissionInFlight
		}
		*current = state
		return nil
	})
	if errors.Is(err, checkout.ErrDraftNotFound) {
		return s.drafts.Put(ctx, sid, state)
	}
	return err
}

func (s *server) patchDraft(w http.ResponseWriter, r *http.Request) {
	var req patchDraftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeBadRequest, "invalid request body", http.StatusBadRequest))
		return
	}
	s.mutate(w, r, func(state *checkout.SessionState) error {
		if req.Size != nil {
			if err := state.Draft.SelectSize(*req.Size); err != nil {
				return err
			}
		}
		if req.Shipping != nil {
			if err := state.Draft.UpdateShipping(*req.Shipping); err != nil {
				return err
			}
		}
		if req.Notes != nil {
			if err := state.Draft.SetNotes(*req.Notes); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *server) changeQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeBadRequest, "invalid request body", http.StatusBadRequest))
		return
	}
	direction := order.Direction(strings.ToLower(strings.TrimSpace(req.Direction)))
	s.mutate(w, r, func(state *checkout.SessionState) error {
		return state.Draft.ChangeQuantity(direction)
	})
}

func (s *server) selectPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError(httpx.CodeBadRequest, "invalid request body", http.StatusBadRequest))
		return
	}
	s.mutate(w, r, func(state *checkout.SessionState) error {
		selection := state.Selection
		if req.PaymentMethod != nil {
			if err := selection.SetMethod(*req.PaymentMethod); err != nil {
				return err
			}
		}
		if req.PaymentType != nil {
			if err := selection.SetType(*req.PaymentType); err != nil {
				return err
			}
		}
		state.Selection = selection
		return nil
	})
}

// mutate applies fn to the session's draft. Edits are refused while an order is being placed.
func (s *server) mutate(w http.ResponseWriter, r *http.Request, fn func(*checkout.SessionState) error) {
	ctx := r.Context()
	sid := requestctx.SessionID(ctx)
	state, err := s.drafts.Update(ctx, sid, func(state *checkout.SessionState) error {
		switch {
		case state.Submitting:
			return checkout.ErrSubmissionInFlight
		case state.Draft == nil:
			return checkout.ErrDraftNotFound
		}
		return fn(state)
	})
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.draftView(r, sid, state))
}

// submit places the session's order. A repeat after success answers with the order
// already placed instead of creating another.
func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := requestctx.SessionID(ctx)
	placed, err := s.submitter.SubmitDraft(ctx, s.drafts, sid)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if placed.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, submitResponse{
		OrderID:     placed.OrderID,
		GeneratedID: placed.GeneratedID,
		AmountToPay: placed.AmountToPay,
		Redirect:    "/orders/" + placed.OrderID,
		Replayed:    placed.Replayed,
	})
}

func (s *server) draftView(r *http.Request, sid string, state checkout.SessionState) draftResponse {
	view := state.Draft.View()
	lang := r.Header.Get("Accept-Language")
	b := view.Breakdown
	resp := draftResponse{
		Draft:     view,
		Summary:   catalog.Summarize(view.Product),
		Selection: state.Selection,
		Display: displayAmounts{
			ItemsPrice:    money.Format(b.ItemsPrice, s.currency, lang),
			ShippingPrice: money.Format(b.ShippingPrice, s.currency, lang),
			TaxPrice:      money.Format(b.TaxPrice, s.currency, lang),
			TotalPrice:    money.Format(b.TotalPrice, s.currency, lang),
			AdvanceAmount: money.Format(b.AdvanceAmount, s.currency, lang),
		},
		Issues:     state.Draft.ValidateAll(),
		Submitting: state.Submitting || s.submitter.InFlight(sid),
	}
	if state.Selection.Type != "" {
		due := state.Selection.AmountDue(b)
		resp.AmountDue = &due
		resp.Display.AmountDue = money.Format(due, s.currency, lang)
	}
	if resp.Issues == nil {
		resp.Issues = []*order.FieldError{}
	}
	return resp
}

// writeError maps domain errors onto the storefront error envelope.
func (s *server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		fieldErr  *order.FieldError
		submitErr *checkout.SubmissionError
		fetchErr  *checkout.FetchError
	)
	var e httpx.Error
	switch {
	case errors.As(err, &fieldErr):
		e = httpx.ValidationFailed(fieldErr.Field, fieldErr.Message)
	case errors.Is(err, order.ErrProductNotFound), errors.Is(err, order.ErrProductRequired):
		e = httpx.ProductNotFound()
	case errors.Is(err, checkout.ErrOrderNotFound), errors.Is(err, checkout.ErrMissingOrderID):
		e = httpx.NewError(httpx.CodeOrderNotFound, "We couldn't find that order.", http.StatusNotFound)
	case errors.Is(err, checkout.ErrDraftNotFound):
		e = httpx.NewError(httpx.CodeDraftNotFound, "Your checkout has expired. Please start again.", http.StatusNotFound).
			WithDetails(map[string]any{"redirect": "/products"})
	case errors.Is(err, order.ErrDraftNotReady):
		e = httpx.ValidationFailed("draft", "Order is still loading")
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		e = httpx.SubmissionInFlight()
	case errors.Is(err, checkout.ErrNonPositiveTotal):
		e = httpx.ValidationFailed("totalPrice", "Order total must be greater than zero")
	case errors.Is(err, order.ErrUnknownPaymentMethod):
		e = httpx.ValidationFailed("paymentMethod", "Please select a valid payment method")
	case errors.Is(err, order.ErrUnknownPaymentType):
		e = httpx.ValidationFailed("paymentType", "Please select a valid payment type")
	case errors.Is(err, order.ErrUnknownDirection):
		e = httpx.NewError(httpx.CodeBadRequest, "direction must be increase or decrease", http.StatusBadRequest)
	case errors.As(err, &submitErr):
		e = httpx.SubmissionFailed(submitErr.UserMessage())
	case errors.As(err, &fetchErr):
		e = httpx.FetchFailed(fetchErr.UserMessage())
	default:
		s.log(ctx, "http.unhandled.error", map[string]any{"error": err.Error()})
		e = httpx.NewError(httpx.CodeInternal, "internal server error", http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, e)
}
