// Package backtest replays historical bars through the live instrument runtime with a
// simulated broker.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
	"kis-trade-bot-go/internal/trader"
)

var (
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrNoData           = errors.New("no historical data for the requested range")
)

// MalformedDataError reports an unusable bar in the historical series.
type MalformedDataError struct {
	Index  int
	Reason string
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed historical data at bar %d: %s", e.Index, e.Reason)
}

// Params describe one backtest run.
type Params struct {
	// Instrument carries the code, name, strategy and its parameters. A zero MaxAmount
	// allocates the whole initial capital.
	Instrument     strategy.Instrument `json:"instrument"`
	From           strategy.Day        `json:"from"`
	To             strategy.Day        `json:"to"`
	InitialCapital int64               `json:"initial_capital"`
	Intraday       bool                `json:"intraday"`
	// CloseAtEnd liquidates an open position at the last close. When false the position
	// stays open and is only marked to market.
	CloseAtEnd bool `json:"close_at_end"`
}

func (p Params) validate() error {
	if p.From.IsZero() || p.To.IsZero() || p.To.Before(p.From) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidDateRange, p.From, p.To)
	}
	if p.InitialCapital <= 0 {
		return &strategy.ConfigurationError{Code: p.Instrument.Code, Field: "initial_capital", Reason: "must be positive"}
	}
	return nil
}

// EquityPoint is the mark-to-market capital at a bar close.
type EquityPoint struct {
	Time     time.Time `json:"time"`
	Capital  int64     `json:"capital"`
	Drawdown float64   `json:"drawdown"`
}

// Result is the outcome of a completed run.
type Result struct {
	Params          Params                 `json:"params"`
	FinalCapital    int64                  `json:"final_capital"`
	TotalProfitLoss int64                  `json:"total_profit_loss"`
	TotalReturnRate float64                `json:"total_return_rate"`
	WinRate         float64                `json:"win_rate"`
	MaxDrawdown     float64                `json:"max_drawdown"`
	TotalTrades     int                    `json:"total_trades"`
	WinningTrades   int                    `json:"winning_trades"`
	LosingTrades    int                    `json:"losing_trades"`
	OpenQuantity    int64                  `json:"open_quantity"`
	Trades          []strategy.TradeRecord `json:"trades"`
	Equity          []EquityPoint          `json:"equity"`
}

type tick struct {
	time  time.Time
	price int64
}

// ticksOf expands a bar into the prices the evaluator sees. Daily bars follow an
// open, low, high, close path for up bars and open, high, low, close for down bars,
// with the close at the forced-close cutoff. Intraday bars are one tick at their close.
func ticksOf(bar broker.Bar, intraday bool) []tick {
	if intraday {
		return []tick{{time: bar.Time, price: bar.Close}}
	}
	day := strategy.DayOf(bar.Time)
	loc := bar.Time.Location()
	first, second := bar.Low, bar.High
	if bar.Close < bar.Open {
		first, second = bar.High, bar.Low
	}
	return []tick{
		{time: day.At(9, 0, loc), price: bar.Open},
		{time: day.At(11, 0, loc), price: first},
		{time: day.At(13, 0, loc), price: second},
		{time: day.At(15, 15, loc), price: bar.Close},
	}
}

type session struct {
	day       strategy.Day
	bars      []broker.Bar
	high, low int64
}

func sessions(bars []broker.Bar) []session {
	var out []session
	for _, b := range bars {
		d := strategy.DayOf(b.Time)
		if n := len(out); n > 0 && out[n-1].day == d {
			s := &out[n-1]
			s.bars = append(s.bars, b)
			s.high = max(s.high, b.High)
			s.low = min(s.low, b.Low)
			continue
		}
		out = append(out, session{day: d, bars: []broker.Bar{b}, high: b.High, low: b.Low})
	}
	return out
}

func validateBars(p Params, bars []broker.Bar) error {
	if len(bars) == 0 {
		return ErrNoData
	}
	for i, b := range bars {
		switch {
		case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
			return &MalformedDataError{Index: i, Reason: "non-positive price"}
		case b.High < max(b.Open, b.Close) || b.Low > min(b.Open, b.Close) || b.High < b.Low:
			return &MalformedDataError{Index: i, Reason: "high/low do not bound open/close"}
		case i > 0 && !b.Time.After(bars[i-1].Time):
			return &MalformedDataError{Index: i, Reason: "bars are not in ascending time order"}
		}
		d := strategy.DayOf(b.Time)
		if d.Before(p.From) || p.To.Before(d) {
			return &MalformedDataError{Index: i, Reason: fmt.Sprintf("bar dated %s is outside the requested range", d)}
		}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// Simulate replays bars through the instrument runtime. It is synchronous and
// deterministic. Any data or parameter error fails the whole run.
func Simulate(p Params, bars []broker.Bar) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := validateBars(p, bars); err != nil {
		return nil, err
	}

	inst := p.Instrument
	inst.Enabled = true
	inst.Interval = 0
	if inst.MaxAmount <= 0 {
		inst.MaxAmount = p.InitialCapital
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	p.Instrument = inst

	sim := &simBroker{cash: p.InitialCapital}
	rt := trader.NewRuntime(inst, sim, 0, zap.NewNop())
	counter := trader.NewDailyCounter(0)
	ctx := context.Background()

	res := &Result{Params: p}
	var peak int64
	maxDrawdown := decimal.Zero

	days := sessions(bars)
	for i, s := range days {
		sim.open = s.bars[0].Open
		if i > 0 {
			sim.prevHigh, sim.prevLow, sim.hasPrev = days[i-1].high, days[i-1].low, true
		}

		for _, bar := range s.bars {
			for _, tk := range ticksOf(bar, p.Intraday) {
				sim.price = tk.price
				allocate(rt, inst.MaxAmount, sim.cash)

				rec, err := rt.Process(ctx, tk.time, counter)
				if err != nil {
					return nil, fmt.Errorf("simulation failed at %s: %w", tk.time.Format(time.RFC3339), err)
				}
				if rec != nil {
					res.Trades = append(res.Trades, *rec)
				}
			}

			capital := sim.cash + sim.position*bar.Close
			if len(res.Equity) == 0 || capital > peak {
				peak = capital
			}
			dd := decimal.Zero
			if peak > 0 {
				dd = decimal.NewFromInt(peak - capital).Div(decimal.NewFromInt(peak))
			}
			if dd.GreaterThan(maxDrawdown) {
				maxDrawdown = dd
			}
			res.Equity = append(res.Equity, EquityPoint{Time: bar.Time, Capital: capital, Drawdown: dd.Round(6).InexactFloat64()})
		}
	}

	last := bars[len(bars)-1]
	if p.CloseAtEnd && sim.position > 0 {
		st := rt.State()
		d := strategy.Decision{Action: strategy.ActionSell, Quantity: sim.position, Reason: strategy.ReasonEndOfBacktest}
		_, rec := strategy.Fill(inst, st, d, last.Close, last.Time)
		sim.cash += sim.position * last.Close
		sim.position = 0
		res.Trades = append(res.Trades, rec)
	}

	res.OpenQuantity = sim.position
	res.FinalCapital = sim.cash + sim.position*last.Close
	res.TotalProfitLoss = res.FinalCapital - p.InitialCapital
	res.TotalReturnRate = decimal.NewFromInt(res.TotalProfitLoss).
		Div(decimal.NewFromInt(p.InitialCapital)).Mul(hundred).Round(4).InexactFloat64()
	res.MaxDrawdown = maxDrawdown.Round(6).InexactFloat64()
	res.TotalTrades = len(res.Trades)

	sells := 0
	for _, t := range res.Trades {
		if t.Action != strategy.ActionSell {
			continue
		}
		sells++
		if t.ProfitLoss > 0 {
			res.WinningTrades++
		} else {
			res.LosingTrades++
		}
	}
	if sells > 0 {
		res.WinRate = decimal.NewFromInt(int64(res.WinningTrades)).
			Div(decimal.NewFromInt(int64(sells))).Mul(hundred).Round(4).InexactFloat64()
	}
	return res, nil
}

// allocate caps the buy allocation by the cash left while no position is open.
func allocate(rt *trader.Runtime, maxAmount, cash int64) {
	if rt.State().Holding() {
		return
	}
	amount := min(maxAmount, cash)
	if inst := rt.Instrument(); inst.MaxAmount != amount {
		inst.MaxAmount = amount
		rt.SetInstrument(inst)
	}
}
