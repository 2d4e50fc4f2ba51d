package strategy

import "fmt"

// Kind selects which evaluator an instrument is traded with.
type Kind string

const (
	KindRangeTrading       Kind = "range_trading"
	KindVolatilityBreakout Kind = "volatility_breakout"
)

// DefaultPriority is the lowest processing priority. Lower values are processed first.
const DefaultPriority = 100

// Breakout parameter bounds.
const (
	MinK = 0.1
	MaxK = 1.0
)

// RangeParams holds the thresholds of the range-trading strategy.
type RangeParams struct {
	BuyPrice  int64 `json:"buy_price"`
	SellPrice int64 `json:"sell_price"`
}

// BreakoutParams holds the volatility-breakout settings.
// Rates are signed percentages, e.g. TargetProfitRate=2.0, StopLossRate=-2.0.
type BreakoutParams struct {
	K                float64 `json:"k"`
	TargetProfitRate float64 `json:"target_profit_rate"`
	StopLossRate     float64 `json:"stop_loss_rate"`
	SellAtClose      bool    `json:"sell_at_close"`
}

// DefaultBreakoutParams mirrors the defaults used when an instrument omits them.
func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{K: 0.5, TargetProfitRate: 2.0, StopLossRate: -2.0, SellAtClose: true}
}

// Instrument is the immutable configuration of one traded instrument.
// Only the params block matching Kind is consulted.
type Instrument struct {
	Code      string         `json:"code"`
	Name      string         `json:"name"`
	Kind      Kind           `json:"strategy"`
	Range     RangeParams    `json:"range"`
	Breakout  BreakoutParams `json:"breakout"`
	MaxAmount int64          `json:"max_amount"`
	Enabled   bool           `json:"enabled"`
	Priority  int            `json:"priority"`
	// Interval is the optional per-instrument monitoring interval in seconds.
	// Zero means the instrument is checked on every engine tick.
	Interval int `json:"interval,omitempty"`
}

// DisplayName returns Name, falling back to Code.
func (i Instrument) DisplayName() string {
	if i.Name == "" {
		return i.Code
	}
	return i.Name
}

// ConfigurationError reports an invalid instrument configuration.
type ConfigurationError struct {
	Code   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("invalid instrument configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for instrument %s: %s %s", e.Code, e.Field, e.Reason)
}

// Validate checks the instrument settings. The returned error, if any, is a *ConfigurationError.
func (i Instrument) Validate() error {
	invalid := func(field, reason string) error {
		return &ConfigurationError{Code: i.Code, Field: field, Reason: reason}
	}

	if i.Code == "" {
		return invalid("code", "must not be empty")
	}
	if i.MaxAmount <= 0 {
		return invalid("max_amount", "must be positive")
	}
	if i.Interval < 0 {
		return invalid("interval", "must not be negative")
	}

	switch i.Kind {
	case KindRangeTrading:
		if i.Range.BuyPrice <= 0 {
			return invalid("buy_price", "must be positive")
		}
		if i.Range.SellPrice <= 0 {
			return invalid("sell_price", "must be positive")
		}
		if i.Range.SellPrice <= i.Range.BuyPrice {
			return invalid("sell_price", "must be greater than buy_price")
		}
	case KindVolatilityBreakout:
		p := i.Breakout
		if p.K < MinK || p.K > MaxK {
			return invalid("k", fmt.Sprintf("must be between %.1f and %.1f", MinK, MaxK))
		}
		if p.TargetProfitRate <= 0 {
			return invalid("target_profit_rate", "must be positive")
		}
		if p.StopLossRate >= 0 {
			return invalid("stop_loss_rate", "must be negative")
		}
	default:
		return invalid("strategy", fmt.Sprintf("unknown strategy %q", i.Kind))
	}
	return nil
}
