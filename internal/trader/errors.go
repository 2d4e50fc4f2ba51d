package trader

import (
	"errors"
	"fmt"

	"kis-trade-bot-go/internal/strategy"
)

var (
	// ErrDailyLimitReached reports a decision suppressed by the daily trade cap.
	// It is a normal condition, not a failure.
	ErrDailyLimitReached = errors.New("daily trade limit reached")

	// ErrInvalidTransition is returned by engine commands issued from a state they do not apply to.
	ErrInvalidTransition = errors.New("invalid engine state transition")

	ErrInstrumentNotFound  = errors.New("instrument not found")
	ErrDuplicateInstrument = errors.New("instrument already exists")
)

// AuthenticationError is returned by Engine.Start when the broker rejects authentication.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// QuoteFetchError is a per-instrument failure to obtain market data.
type QuoteFetchError struct {
	Code string
	Err  error
}

func (e *QuoteFetchError) Error() string {
	return fmt.Sprintf("quote fetch failed for %s: %v", e.Code, e.Err)
}

func (e *QuoteFetchError) Unwrap() error { return e.Err }

// OrderSubmissionError is a per-instrument order failure or rejection.
// The instrument's state is left as it was before the order.
type OrderSubmissionError struct {
	Code string
	Side strategy.Action
	Err  error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("%s order failed for %s: %v", e.Side, e.Code, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error { return e.Err }
