package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Day is a calendar date in the market's local time.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay accepts "2006-01-02" or "20060102".
func ParseDay(s string) (Day, error) {
	layout := "2006-01-02"
	if !strings.Contains(s, "-") {
		layout = "20060102"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

func (d Day) IsZero() bool { return d == Day{} }

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Before reports whether d is an earlier date than o.
func (d Day) Before(o Day) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// At returns the given wall-clock time on day d in loc.
func (d Day) At(hour, min int, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, min, 0, 0, loc)
}

func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Position is an open holding. Values are never mutated once created.
type Position struct {
	EntryPrice int64 `json:"entry_price"`
	Quantity   int64 `json:"quantity"`
	EntryDay   Day   `json:"entry_day"`
}

// Reference is the breakout reference data for one trading day.
type Reference struct {
	Open     int64 `json:"open"`
	PrevHigh int64 `json:"prev_high"`
	PrevLow  int64 `json:"prev_low"`
}

func (r Reference) valid() bool {
	return r.Open > 0 && r.PrevHigh > 0 && r.PrevLow > 0 && r.PrevHigh >= r.PrevLow
}

// State is the mutable per-instrument state. It is a value: evaluators and
// Fill return an updated copy rather than modifying their input.
type State struct {
	Position    *Position `json:"position,omitempty"`
	TradesToday int       `json:"trades_today"`
	TradingDay  Day       `json:"trading_day"`

	Reference   Reference `json:"reference"`
	TargetPrice int64     `json:"target_price"`
	HasTarget   bool      `json:"has_target"`
	BoughtToday bool      `json:"bought_today"`
}

// Holding reports whether a position is open.
func (s State) Holding() bool {
	return s.Position != nil && s.Position.Quantity > 0
}

// Rollover resets the daily fields when day differs from the state's trading day.
// It reports whether a reset happened; calling it again for the same day is a no-op.
func Rollover(s State, day Day) (State, bool) {
	if s.TradingDay == day {
		return s, false
	}
	s.TradingDay = day
	s.TradesToday = 0
	s.BoughtToday = false
	s.Reference = Reference{}
	s.TargetPrice = 0
	s.HasTarget = false
	return s, true
}

// TradeRecord is an executed trade. Records are append-only.
type TradeRecord struct {
	Time       time.Time `json:"time"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Action     Action    `json:"action"`
	Price      int64     `json:"price"`
	Quantity   int64     `json:"quantity"`
	Amount     int64     `json:"amount"`
	ProfitLoss int64     `json:"profit_loss"`
	ProfitRate float64   `json:"profit_rate"`
	Reason     Reason    `json:"reason"`
}

// Fill applies an executed decision to s and returns the new state with the trade record.
func Fill(inst Instrument, s State, d Decision, price int64, at time.Time) (State, TradeRecord) {
	rec := TradeRecord{
		Time:     at,
		Code:     inst.Code,
		Name:     inst.DisplayName(),
		Action:   d.Action,
		Price:    price,
		Quantity: d.Quantity,
		Amount:   price * d.Quantity,
		Reason:   d.Reason,
	}

	switch d.Action {
	case ActionBuy:
		s.Position = &Position{EntryPrice: price, Quantity: d.Quantity, EntryDay: DayOf(at)}
		s.TradesToday++
	case ActionSell:
		if s.Position != nil {
			rec.ProfitLoss = (price - s.Position.EntryPrice) * d.Quantity
			rec.ProfitRate = ProfitRate(s.Position.EntryPrice, price).Round(4).InexactFloat64()
		}
		s.Position = nil
		s.TradesToday++
	}
	return s, rec
}

var hundred = decimal.NewFromInt(100)

// ProfitRate returns (price-entry)/entry*100 as an exact decimal.
func ProfitRate(entry, price int64) decimal.Decimal {
	if entry <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(price - entry).Div(decimal.NewFromInt(entry)).Mul(hundred)
}
