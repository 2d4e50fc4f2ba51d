package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

// Runtime owns one instrument's configuration and state and drives the evaluator for it.
type Runtime struct {
	mu        sync.Mutex
	inst      strategy.Instrument
	state     strategy.State
	lastCheck time.Time
	removed   bool
	synced    bool

	broker      broker.Broker
	account     broker.Account
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewRuntime creates a runtime with an empty state. A callTimeout of zero disables
// the per-call deadline. When b also implements broker.Account, the position is
// seeded from the account holdings on the first tick and buys are capped by the
// orderable cash.
func NewRuntime(inst strategy.Instrument, b broker.Broker, callTimeout time.Duration, logger *zap.Logger) *Runtime {
	acct, _ := b.(broker.Account)
	return &Runtime{
		inst:        inst,
		broker:      b,
		account:     acct,
		callTimeout: callTimeout,
		logger:      logger.With(zap.String("code", inst.Code)),
	}
}

// Instrument returns the current configuration.
func (r *Runtime) Instrument() strategy.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst
}

// State returns a copy of the current state.
func (r *Runtime) State() strategy.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetInstrument replaces the configuration. An open position and today's counters are kept.
func (r *Runtime) SetInstrument(inst strategy.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst.Kind != r.inst.Kind || inst.Breakout.K != r.inst.Breakout.K {
		r.state.HasTarget = false
		r.state.TargetPrice = 0
		r.state.Reference = strategy.Reference{}
	}
	r.inst = inst
}

func (r *Runtime) markRemoved() {
	r.mu.Lock()
	r.removed = true
	r.mu.Unlock()
}

// due reports whether the instrument's own interval has elapsed since its last check.
func (r *Runtime) due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inst.Interval <= 0 || r.lastCheck.IsZero() {
		return true
	}
	return !now.Before(r.lastCheck.Add(time.Duration(r.inst.Interval) * time.Second))
}

func (r *Runtime) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// Process runs one evaluation for now. It returns the trade record when an order was
// executed, nil when no decision was taken. Failures leave the position and trade
// counts untouched and are returned as *QuoteFetchError, *OrderSubmissionError or
// ErrDailyLimitReached.
func (r *Runtime) Process(ctx context.Context, now time.Time, counter *DailyCounter) (*strategy.TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed || !r.inst.Enabled {
		return nil, nil
	}
	r.lastCheck = now
	r.state, _ = strategy.Rollover(r.state, strategy.DayOf(now))

	if err := r.syncHoldings(ctx, now); err != nil {
		return nil, err
	}

	tick, err := r.observe(ctx, now)
	if err != nil {
		return nil, err
	}

	d, next := strategy.Evaluate(r.inst, r.state, tick)
	if d.IsNone() {
		r.state = next
		return nil, nil
	}

	// Only the cached reference data survives a decision that is not executed.
	revert := func() {
		next.BoughtToday = r.state.BoughtToday
		r.state = next
	}

	if counter.Reached() {
		revert()
		return nil, ErrDailyLimitReached
	}

	if d.Action == strategy.ActionBuy && r.account != nil {
		qty, err := r.affordable(ctx, d.Quantity, tick.Price)
		if err != nil {
			revert()
			return nil, &OrderSubmissionError{Code: r.inst.Code, Side: d.Action, Err: err}
		}
		if qty <= 0 {
			revert()
			r.logger.Info("Buy skipped, no orderable cash", zap.Int64("price", tick.Price))
			return nil, nil
		}
		d.Quantity = qty
	}

	cctx, cancel := r.call(ctx)
	res, err := r.broker.SubmitOrder(cctx, r.inst.Code, d.Action, d.Quantity, tick.Price)
	cancel()
	if err == nil && (res == nil || !res.Accepted) {
		msg := "order not accepted"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		err = errors.New(msg)
	}
	if err != nil {
		revert()
		return nil, &OrderSubmissionError{Code: r.inst.Code, Side: d.Action, Err: err}
	}

	var rec strategy.TradeRecord
	r.state, rec = strategy.Fill(r.inst, next, d, tick.Price, now)
	counter.Increment()

	r.logger.Info("Trade executed",
		zap.Stringer("side", d.Action),
		zap.Int64("price", tick.Price),
		zap.Int64("quantity", d.Quantity),
		zap.String("reason", string(d.Reason)),
		zap.Int64("profit_loss", rec.ProfitLoss),
	)
	return &rec, nil
}

// observe builds the tick for now, fetching breakout reference data while the day's
// target is still unknown.
func (r *Runtime) observe(ctx context.Context, now time.Time) (strategy.Tick, error) {
	cctx, cancel := r.call(ctx)
	quote, err := r.broker.GetCurrentPrice(cctx, r.inst.Code)
	cancel()
	if err != nil {
		return strategy.Tick{}, &QuoteFetchError{Code: r.inst.Code, Err: err}
	}
	if quote.Price <= 0 {
		return strategy.Tick{}, &QuoteFetchError{Code: r.inst.Code, Err: fmt.Errorf("invalid price %d", quote.Price)}
	}

	tick := strategy.Tick{Code: r.inst.Code, Price: quote.Price, Time: now}
	if r.inst.Kind != strategy.KindVolatilityBreakout || r.state.HasTarget || quote.Open <= 0 {
		return tick, nil
	}

	cctx, cancel = r.call(ctx)
	high, low, err := r.broker.GetPriorDayRange(cctx, r.inst.Code)
	cancel()
	switch {
	case errors.Is(err, broker.ErrNoData):
		r.logger.Debug("No prior day range yet")
	case err != nil:
		return strategy.Tick{}, &QuoteFetchError{Code: r.inst.Code, Err: err}
	default:
		tick.Reference = &strategy.Reference{Open: quote.Open, PrevHigh: high, PrevLow: low}
	}
	return tick, nil
}

// syncHoldings seeds the position from the account once, so a restart does not lose
// track of shares bought before it. A failed lookup is retried on the next tick.
func (r *Runtime) syncHoldings(ctx context.Context, now time.Time) error {
	if r.account == nil || r.synced {
		return nil
	}
	cctx, cancel := r.call(ctx)
	holdings, err := r.account.Holdings(cctx)
	cancel()
	if err != nil {
		return &QuoteFetchError{Code: r.inst.Code, Err: fmt.Errorf("holdings: %w", err)}
	}
	r.synced = true
	if r.state.Holding() {
		return nil
	}
	for _, h := range holdings {
		if h.Code != r.inst.Code || h.Quantity <= 0 {
			continue
		}
		r.state.Position = &strategy.Position{EntryPrice: h.AvgPrice, Quantity: h.Quantity, EntryDay: strategy.DayOf(now)}
		r.logger.Info("Position restored from account",
			zap.Int64("quantity", h.Quantity),
			zap.Int64("avg_price", h.AvgPrice),
		)
		break
	}
	return nil
}

// affordable caps want by the cash the account can spend at price.
func (r *Runtime) affordable(ctx context.Context, want, price int64) (int64, error) {
	cctx, cancel := r.call(ctx)
	cash, err := r.account.AvailableCash(cctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("available cash: %w", err)
	}
	return min(want, cash/price), nil
}
