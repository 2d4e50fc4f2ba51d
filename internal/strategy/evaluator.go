package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market hours in local market time. Breakout decisions are only taken between
// 09:00 and 15:20; the forced close fires from 15:15 until the market closes at 15:30.
const (
	sessionOpenSec  = 9 * 3600
	closeCutoffSec  = 15*3600 + 15*60
	sessionCloseSec = 15*3600 + 20*60
	marketCloseSec  = 15*3600 + 30*60
)

// Action is the side of a decision or trade.
type Action int

const (
	ActionNone Action = iota
	ActionBuy
	ActionSell
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*a = ActionBuy
	case "sell":
		*a = ActionSell
	case "none", "":
		*a = ActionNone
	default:
		return fmt.Errorf("unknown action %q", string(b))
	}
	return nil
}

// Reason is a human-readable reason code attached to decisions and trades.
type Reason string

const (
	ReasonBuyPriceReached  Reason = "target buy price reached"
	ReasonSellPriceReached Reason = "target sell price reached"
	ReasonBreakout         Reason = "breakout target reached"
	ReasonTargetProfit     Reason = "target profit reached"
	ReasonStopLoss         Reason = "stop loss"
	ReasonForcedClose      Reason = "forced close"
	ReasonEndOfBacktest    Reason = "end of backtest"
)

// Decision is the evaluator's output. Quantity is zero for ActionNone.
type Decision struct {
	Action   Action
	Quantity int64
	Reason   Reason
}

// IsNone reports whether the decision requires no order.
func (d Decision) IsNone() bool { return d.Action == ActionNone }

// Tick is one market observation. Time must be expressed in the market's location.
// Reference is set when the day's open and the prior-day range are known.
type Tick struct {
	Code      string
	Price     int64
	Time      time.Time
	Reference *Reference
}

// Evaluate maps the instrument's state and a tick to a decision and the updated state.
// It has no side effects: the same inputs always produce the same outputs.
// The returned state does not reflect the execution of the decision; see Fill.
func Evaluate(inst Instrument, s State, tick Tick) (Decision, State) {
	s, _ = Rollover(s, DayOf(tick.Time))
	if tick.Price <= 0 {
		return Decision{}, s
	}

	switch inst.Kind {
	case KindRangeTrading:
		return evaluateRange(inst, s, tick), s
	case KindVolatilityBreakout:
		return evaluateBreakout(inst, s, tick)
	default:
		return Decision{}, s
	}
}

func evaluateRange(inst Instrument, s State, tick Tick) Decision {
	p := inst.Range
	if s.Holding() {
		if tick.Price >= p.SellPrice {
			return Decision{Action: ActionSell, Quantity: s.Position.Quantity, Reason: ReasonSellPriceReached}
		}
		return Decision{}
	}

	if tick.Price <= p.BuyPrice {
		if qty := inst.MaxAmount / tick.Price; qty > 0 {
			return Decision{Action: ActionBuy, Quantity: qty, Reason: ReasonBuyPriceReached}
		}
	}
	return Decision{}
}

func evaluateBreakout(inst Instrument, s State, tick Tick) (Decision, State) {
	p := inst.Breakout
	if !s.HasTarget && tick.Reference != nil && tick.Reference.valid() {
		s.Reference = *tick.Reference
		s.TargetPrice = TargetPrice(*tick.Reference, p.K)
		s.HasTarget = true
	}

	sec := secondOfDay(tick.Time)
	inSession := sec >= sessionOpenSec && sec < sessionCloseSec

	if s.Holding() {
		if inSession {
			rate := ProfitRate(s.Position.EntryPrice, tick.Price)
			// Target profit is checked first so it wins if both thresholds match.
			if rate.GreaterThanOrEqual(decimal.NewFromFloat(p.TargetProfitRate)) {
				return Decision{Action: ActionSell, Quantity: s.Position.Quantity, Reason: ReasonTargetProfit}, s
			}
			if rate.LessThanOrEqual(decimal.NewFromFloat(p.StopLossRate)) {
				return Decision{Action: ActionSell, Quantity: s.Position.Quantity, Reason: ReasonStopLoss}, s
			}
		}
		if p.SellAtClose && sec >= closeCutoffSec && sec < marketCloseSec {
			return Decision{Action: ActionSell, Quantity: s.Position.Quantity, Reason: ReasonForcedClose}, s
		}
		return Decision{}, s
	}

	if !inSession || s.BoughtToday || !s.HasTarget {
		return Decision{}, s
	}
	if tick.Price < s.TargetPrice {
		return Decision{}, s
	}
	qty := inst.MaxAmount / tick.Price
	if qty <= 0 {
		return Decision{}, s
	}
	s.BoughtToday = true
	return Decision{Action: ActionBuy, Quantity: qty, Reason: ReasonBreakout}, s
}

// TargetPrice computes open + (prevHigh - prevLow) * k, floored to a whole price unit.
func TargetPrice(ref Reference, k float64) int64 {
	width := decimal.NewFromInt(ref.PrevHigh - ref.PrevLow)
	return ref.Open + width.Mul(decimal.NewFromFloat(k)).Floor().IntPart()
}

func secondOfDay(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}
