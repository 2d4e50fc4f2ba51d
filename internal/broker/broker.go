// Package broker defines the quote and order capability the trading core depends on.
package broker

import (
	"context"
	"errors"
	"time"

	"kis-trade-bot-go/internal/strategy"
)

// ErrNoData reports that the requested reference data does not exist,
// e.g. there is no prior trading day for the instrument.
var ErrNoData = errors.New("no data available")

// Quote is a current price observation.
type Quote struct {
	Price int64
	// Open is today's opening price, zero when the session has not opened yet.
	Open int64
}

// OrderResult is the brokerage's answer to an order submission.
type OrderResult struct {
	Accepted bool
	OrderNo  string
	Message  string
}

// Broker is the execution/quote collaborator. Every call must honor ctx.
type Broker interface {
	Authenticate(ctx context.Context) error
	GetCurrentPrice(ctx context.Context, code string) (Quote, error)
	GetPriorDayRange(ctx context.Context, code string) (high, low int64, err error)
	SubmitOrder(ctx context.Context, code string, side strategy.Action, quantity, price int64) (*OrderResult, error)
}

// Bar is one OHLCV candle. Time is the bar's close time in the market location.
type Bar struct {
	Time   time.Time
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// History serves historical candles for backtests.
type History interface {
	DailyBars(ctx context.Context, code string, from, to strategy.Day) ([]Bar, error)
	MinuteBars(ctx context.Context, code string, from, to strategy.Day) ([]Bar, error)
}

// Holding is a stock held in the brokerage account.
type Holding struct {
	Code     string
	Name     string
	Quantity int64
	// AvgPrice is the average purchase price, truncated to whole won.
	AvgPrice int64
}

// Account reads the brokerage account. A Broker that also implements Account lets
// the runtime start from the real holdings and cap buys by the orderable cash.
type Account interface {
	Holdings(ctx context.Context) ([]Holding, error)
	AvailableCash(ctx context.Context) (int64, error)
}
