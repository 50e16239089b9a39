package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"finitefield.org/market-web/internal/money"
	"finitefield.org/market-web/internal/order"
)

// ErrDraftNotFound is returned when the session has no checkout in progress.
var ErrDraftNotFound = errors.New("checkout: draft not found")

// SessionState is everything the checkout page holds for one visitor.
type SessionState struct {
	Draft     *order.Draft
	Selection order.PaymentSelection
	// Submitting is set while the draft is claimed by a submission; edits are refused.
	Submitting bool
	// LastOrderID is set after a successful submission so a retry can show the confirmation.
	LastOrderID     string
	LastAmountToPay money.Amount
	UpdatedAt       time.Time
}

// DraftStore keeps checkout state per session id.
type DraftStore interface {
	Get(ctx context.Context, sessionID string) (SessionState, error)
	Put(ctx context.Context, sessionID string, state SessionState) error
	Update(ctx context.Context, sessionID string, fn func(*SessionState) error) (SessionState, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryDraftStore is an in-process DraftStore with idle expiry.
type MemoryDraftStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]SessionState
}

// NewMemoryDraftStore builds a store whose entries expire after ttl without updates.
func NewMemoryDraftStore(ttl time.Duration) *MemoryDraftStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDraftStore{ttl: ttl, now: time.Now, items: map[string]SessionState{}}
}

// Get implements DraftStore.
func (s *MemoryDraftStore) Get(_ context.Context, sessionID string) (SessionState, error) {
	key := strings.TrimSpace(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.lookup(key)
	if !ok {
		return SessionState{}, ErrDraftNotFound
	}
	return state, nil
}

// Put implements DraftStore.
func (s *MemoryDraftStore) Put(_ context.Context, sessionID string, state SessionState) error {
	key := strings.TrimSpace(sessionID)
	if key == "" {
		return ErrDraftNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.now()
	s.items[key] = state
	return nil
}

// Update applies fn to a copy of the stored state under the store lock and stores the copy
// when fn succeeds. An fn error leaves the stored state, draft included, as it was.
func (s *MemoryDraftStore) Update(_ context.Context, sessionID string, fn func(*SessionState) error) (SessionState, error) {
	key := strings.TrimSpace(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.lookup(key)
	if !ok {
		return SessionState{}, ErrDraftNotFound
	}
	state.Draft = state.Draft.Clone()
	if err := fn(&state); err != nil {
		return SessionState{}, err
	}
	state.UpdatedAt = s.now()
	s.items[key] = state
	return state, nil
}

// Delete implements DraftStore.
func (s *MemoryDraftStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.items, strings.TrimSpace(sessionID))
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (s *MemoryDraftStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, v := range s.items {
		if s.expired(v) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryDraftStore) lookup(key string) (SessionState, bool) {
	state, ok := s.items[key]
	if !ok {
		return SessionState{}, false
	}
	if s.expired(state) {
		delete(s.items, key)
		return SessionState{}, false
	}
	return state, true
}

func (s *MemoryDraftStore) expired(state SessionState) bool {
	return s.now().Sub(state.UpdatedAt) > s.ttl
}
