package backtest

import (
	"context"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

// simBroker fills every order immediately at the quoted price and keeps the cash
// balance and position size of the replay.
type simBroker struct {
	price int64
	open  int64

	prevHigh int64
	prevLow  int64
	hasPrev  bool

	cash     int64
	position int64
}

var _ broker.Broker = (*simBroker)(nil)

func (s *simBroker) Authenticate(context.Context) error { return nil }

func (s *simBroker) GetCurrentPrice(context.Context, string) (broker.Quote, error) {
	return broker.Quote{Price: s.price, Open: s.open}, nil
}

func (s *simBroker) GetPriorDayRange(context.Context, string) (int64, int64, error) {
	if !s.hasPrev {
		return 0, 0, broker.ErrNoData
	}
	return s.prevHigh, s.prevLow, nil
}

func (s *simBroker) SubmitOrder(_ context.Context, _ string, side strategy.Action, quantity, price int64) (*broker.OrderResult, error) {
	amount := quantity * price
	switch side {
	case strategy.ActionBuy:
		if amount > s.cash {
			return &broker.OrderResult{Accepted: false, Message: "insufficient cash"}, nil
		}
		s.cash -= amount
		s.position += quantity
	case strategy.ActionSell:
		if quantity > s.position {
			return &broker.OrderResult{Accepted: false, Message: "insufficient position"}, nil
		}
		s.cash += amount
		s.position -= quantity
	}
	return &broker.OrderResult{Accepted: true}, nil
}
