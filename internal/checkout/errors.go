package checkout

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOrderNotFound is returned when the backend has no order with the requested id.
	ErrOrderNotFound = errors.New("checkout: order not found")
	// ErrSubmissionInFlight is returned when a second submit arrives while one is pending.
	ErrSubmissionInFlight = errors.New("checkout: submission already in flight")
	// ErrMissingOrderID is returned by calls that need an order id.
	ErrMissingOrderID = errors.New("checkout: missing order id")
)

const (
	messageSubmitFailed = "We couldn't place your order. Please try again."
	messageFetchFailed  = "We couldn't reach the store right now. Please try again."
)

// SubmissionError is a failed order creation reduced to one human-readable message.
type SubmissionError struct {
	Status  int
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("checkout: submit order status %d: %s", e.Status, e.Message)
	}
	return "checkout: submit order: " + e.Message
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// UserMessage returns the text shown in the submission banner.
func (e *SubmissionError) UserMessage() string {
	if strings.TrimSpace(e.Message) == "" {
		return messageSubmitFailed
	}
	return e.Message
}

// FetchError is a failed read from the backend.
type FetchError struct {
	Resource string
	Status   int
	Message  string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("checkout: fetch %s status %d: %s", e.Resource, e.Status, e.Message)
	}
	return fmt.Sprintf("checkout: fetch %s: %s", e.Resource, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UserMessage returns the text shown on the full-page error state.
func (e *FetchError) UserMessage() string {
	if strings.TrimSpace(e.Message) == "" {
		return messageFetchFailed
	}
	return e.Message
}
