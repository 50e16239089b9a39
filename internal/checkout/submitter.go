package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
	"finitefield.org/market-web/internal/platform/events"
)

// OrderCreator is the subset of Client the submitter needs.
type OrderCreator interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// SubmitterDeps wires the submitter.
type SubmitterDeps struct {
	Orders OrderCreator
	Events events.Publisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Submitter places orders, allowing at most one in-flight submission per session.
// A second submission while one is pending is rejected, not queued.
type Submitter struct {
	orders OrderCreator
	events events.Publisher
	clock  func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(deps SubmitterDeps) (*Submitter, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout: order creator is required")
	}
	s := &Submitter{
		orders:   deps.Orders,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger,
		inFlight: make(map[string]struct{}),
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = func(context.Context, string, map[string]any) {}
	}
	return s, nil
}

// Placement is the outcome of SubmitDraft.
type Placement struct {
	SubmitResult
	AmountToPay money.Amount
	// Replayed is set when the session had already placed its order and no new call was made.
	Replayed bool
}

// Submit validates and submits the draft. Neither the draft nor the selection is changed,
// so on failure the visitor can retry as-is.
func (s *Submitter) Submit(ctx context.Context, sessionID string, draft *order.Draft, selection order.PaymentSelection) (SubmitResult, error) {
	key := strings.TrimSpace(sessionID)
	if !s.acquire(key) {
		s.logger(ctx, "checkout.submit.rejected_in_flight", nil)
		return SubmitResult{}, ErrSubmissionInFlight
	}
	defer s.release(key)
	result, _, err := s.place(ctx, key, draft.Clone(), selection)
	return result, err
}

// SubmitDraft places the order for the session's stored draft. The draft is claimed in
// the store before the backend call and replaced by the order id before the in-flight
// guard is released, so a repeated click either waits out the guard or gets the same
// order back.
func (s *Submitter) SubmitDraft(ctx context.Context, store DraftStore, sessionID string) (Placement, error) {
	key := strings.TrimSpace(sessionID)
	if !s.acquire(key) {
		s.logger(ctx, "checkout.submit.rejected_in_flight", nil)
		return Placement{}, ErrSubmissionInFlight
	}
	defer s.release(key)

	var (
		snapshot  *order.Draft
		selection order.PaymentSelection
		replay    *Placement
	)
	_, err := store.Update(ctx, key, func(state *SessionState) error {
		switch {
		case state.Draft == nil && state.LastOrderID != "":
			replay = &Placement{
				SubmitResult: SubmitResult{OrderID: state.LastOrderID},
				AmountToPay:  state.LastAmountToPay,
				Replayed:     true,
			}
			return nil
		case state.Draft == nil:
			return ErrDraftNotFound
		case state.Submitting:
			return ErrSubmissionInFlight
		}
		state.Submitting = true
		snapshot = state.Draft.Clone()
		selection = state.Selection
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	if replay != nil {
		s.logger(ctx, "checkout.submit.replayed", map[string]any{"orderId": replay.OrderID})
		return *replay, nil
	}

	result, req, err := s.place(ctx, key, snapshot, selection)
	if err != nil {
		if _, uerr := store.Update(context.WithoutCancel(ctx), key, func(state *SessionState) error {
			state.Submitting = false
			return nil
		}); uerr != nil {
			s.logger(ctx, "checkout.draft.unclaim_failed", map[string]any{"error": uerr.Error()})
		}
		return Placement{}, err
	}

	placed := SessionState{LastOrderID: result.OrderID, LastAmountToPay: req.AmountToPay}
	if err := store.Put(context.WithoutCancel(ctx), key, placed); err != nil {
		s.logger(ctx, "checkout.draft.clear_failed", map[string]any{"orderId": result.OrderID, "error": err.Error()})
	}
	return Placement{SubmitResult: result, AmountToPay: req.AmountToPay}, nil
}

// place builds and sends the request. Callers hold the session guard and pass a draft
// nobody else mutates.
func (s *Submitter) place(ctx context.Context, key string, draft *order.Draft, selection order.PaymentSelection) (SubmitResult, SubmitRequest, error) {
	req, err := BuildOrderRequest(draft, selection)
	if err != nil {
		s.logger(ctx, "checkout.submit.blocked", map[string]any{"reason": err.Error()})
		return SubmitResult{}, SubmitRequest{}, err
	}

	started := s.clock()
	result, err := s.orders.SubmitOrder(ctx, req)
	if err != nil {
		s.logger(ctx, "checkout.submit.failed", map[string]any{"error": err.Error()})
		return SubmitResult{}, SubmitRequest{}, err
	}

	s.logger(ctx, "checkout.submitted", map[string]any{
		"orderId":     result.OrderID,
		"generatedId": result.GeneratedID,
		"amountToPay": req.AmountToPay.String(),
		"latencyMs":   s.clock().Sub(started).Milliseconds(),
	})
	s.publish(ctx, events.Event{
		Type:      events.TypeOrderSubmitted,
		OrderID:   result.OrderID,
		SessionID: key,
		Data: map[string]any{
			"paymentMethod": req.PaymentMethod,
			"paymentType":   req.PaymentType,
			"amountToPay":   req.AmountToPay,
			"totalPrice":    req.TotalPrice,
			"quantity":      req.OrderItems[0].Qty,
			"generatedId":   result.GeneratedID,
		},
	})
	return result, req, nil
}

// InFlight reports whether a submission is pending for the session.
func (s *Submitter) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[strings.TrimSpace(sessionID)]
	return ok
}

func (s *Submitter) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Submitter) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// publish is best effort: the order already exists, so a lost event is only logged.
func (s *Submitter) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock().UTC()
	}
	if _, err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger(ctx, "checkout.event.failed", map[string]any{"type": event.Type, "error": err.Error()})
	}
}

// ApplyIfActive runs apply only while ctx is live. Results of fetches that finish after
// the visitor has gone are dropped instead of being written into session state.
func ApplyIfActive(ctx context.Context, apply func()) bool {
	if ctx == nil || ctx.Err() != nil || apply == nil {
		return false
	}
	apply()
	return true
}
