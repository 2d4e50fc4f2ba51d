package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

// Status is the engine's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Store persists executed trades and instrument configuration changes.
type Store interface {
	SaveTrade(rec strategy.TradeRecord) error
	SaveInstrument(inst strategy.Instrument) error
	DeleteInstrument(code string) error
}

type nopStore struct{}

func (nopStore) SaveTrade(strategy.TradeRecord) error      { return nil }
func (nopStore) SaveInstrument(strategy.Instrument) error { return nil }
func (nopStore) DeleteInstrument(string) error            { return nil }

// Options tune the engine. Zero values fall back to the defaults.
type Options struct {
	TickInterval   time.Duration
	MaxDailyTrades int
	CallTimeout    time.Duration
	Location       *time.Location
	RecentTrades   int
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.RecentTrades <= 0 {
		o.RecentTrades = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type commandKind int

const (
	cmdStop commandKind = iota
	cmdPause
	cmdResume
)

type command struct {
	kind  commandKind
	reply chan error
}

// Engine is the scheduling loop. It owns the instrument runtimes and the daily trade
// counter and processes enabled instruments in priority order on every tick.
type Engine struct {
	logger  *zap.Logger
	broker  broker.Broker
	store   Store
	metrics *Metrics
	opts    Options
	counter *DailyCounter

	// ctrlMu serializes lifecycle commands.
	ctrlMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	runtimes []*Runtime
	recent   []strategy.TradeRecord
	cmds     chan command
	done     chan struct{}
}

// NewEngine creates a stopped engine seeded with instruments.
// store may be nil when nothing should be persisted.
func NewEngine(logger *zap.Logger, b broker.Broker, store Store, metrics *Metrics, opts Options, instruments []strategy.Instrument) (*Engine, error) {
	if store == nil {
		store = nopStore{}
	}
	opts = opts.withDefaults()

	e := &Engine{
		logger:  logger.Named("engine"),
		broker:  b,
		store:   store,
		metrics: metrics,
		opts:    opts,
		counter: NewDailyCounter(opts.MaxDailyTrades),
	}
	for _, inst := range instruments {
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		if e.find(inst.Code) >= 0 {
			return nil, fmt.Errorf("%s: %w", inst.Code, ErrDuplicateInstrument)
		}
		e.runtimes = append(e.runtimes, e.newRuntime(inst))
	}
	return e, nil
}

func (e *Engine) newRuntime(inst strategy.Instrument) *Runtime {
	return NewRuntime(inst, e.broker, e.opts.CallTimeout, e.logger)
}

// Start authenticates with the broker and starts the scheduling loop. The loop runs
// until Stop is called or ctx is cancelled. On authentication failure the engine
// stays stopped and an *AuthenticationError is returned.
func (e *Engine) Start(ctx context.Context) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	if e.Status() != StatusStopped {
		return fmt.Errorf("start while %s: %w", e.Status(), ErrInvalidTransition)
	}

	actx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	err := e.broker.Authenticate(actx)
	cancel()
	if err != nil {
		e.logger.Error("Authentication failed, engine stays stopped", zap.Error(err))
		return &AuthenticationError{Err: err}
	}

	cmds := make(chan command)
	done := make(chan struct{})

	e.mu.Lock()
	e.cmds, e.done = cmds, done
	e.mu.Unlock()
	e.setStatus(StatusRunning)

	e.logger.Info("Starting scheduling loop",
		zap.Duration("interval", e.opts.TickInterval),
		zap.Int("max_daily_trades", e.opts.MaxDailyTrades),
	)
	go e.loop(ctx, cmds, done)
	return nil
}

// Stop finishes the instrument being processed, skips the rest of the tick and waits
// for the loop to exit.
func (e *Engine) Stop() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	if err := e.send(cmdStop); err != nil {
		return err
	}
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	<-done
	return nil
}

// Pause suspends instrument processing. The loop keeps running.
func (e *Engine) Pause() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	return e.send(cmdPause)
}

// Resume continues instrument processing after Pause.
func (e *Engine) Resume() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	return e.send(cmdResume)
}

// Done is closed when the current loop exits. It is nil before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

func (e *Engine) send(kind commandKind) error {
	e.mu.RLock()
	status, cmds, done := e.status, e.cmds, e.done
	e.mu.RUnlock()

	if status == StatusStopped {
		return ErrInvalidTransition
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case cmds <- cmd:
	case <-done:
		return ErrInvalidTransition
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-done:
		// The reply is written before done is closed.
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrInvalidTransition
		}
	}
}

func (e *Engine) loop(ctx context.Context, cmds <-chan command, done chan struct{}) {
	defer func() {
		e.setStatus(StatusStopped)
		e.logger.Info("Scheduling loop stopped")
		close(done)
	}()

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	if e.tick(ctx, cmds) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			if e.apply(cmd) {
				return
			}
		case <-ticker.C:
			if e.tick(ctx, cmds) {
				return
			}
		}
	}
}

// apply executes a lifecycle command and reports whether the loop must exit.
func (e *Engine) apply(cmd command) bool {
	switch cmd.kind {
	case cmdStop:
		e.logger.Info("Stop requested")
		cmd.reply <- nil
		return true
	case cmdPause:
		if e.Status() != StatusRunning {
			cmd.reply <- ErrInvalidTransition
			return false
		}
		e.setStatus(StatusPaused)
		e.logger.Info("Engine paused")
	case cmdResume:
		if e.Status() != StatusPaused {
			cmd.reply <- ErrInvalidTransition
			return false
		}
		e.setStatus(StatusRunning)
		e.logger.Info("Engine resumed")
	}
	cmd.reply <- nil
	return false
}

// tick processes every due, enabled instrument once. Pending commands are polled
// before each instrument; it reports whether the loop must exit.
func (e *Engine) tick(ctx context.Context, cmds <-chan command) bool {
	// The day rolls over while paused too, so a resume starts from a fresh count.
	now := e.opts.Now().In(e.opts.Location)
	if e.counter.Rollover(strategy.DayOf(now)) {
		e.logger.Info("New trading day", zap.Stringer("day", strategy.DayOf(now)))
		if e.metrics != nil {
			e.metrics.tradesToday.Set(0)
		}
	}
	if e.Status() != StatusRunning {
		return false
	}
	if e.metrics != nil {
		e.metrics.ticks.Inc()
	}

	for _, rt := range e.schedule() {
		select {
		case cmd := <-cmds:
			if e.apply(cmd) {
				return true
			}
			if e.Status() != StatusRunning {
				return false
			}
		default:
		}
		if ctx.Err() != nil {
			return false
		}
		if !rt.due(now) {
			continue
		}
		e.process(ctx, rt, now)
	}

	if e.metrics != nil {
		e.metrics.tradesToday.Set(float64(e.counter.Count()))
	}
	return false
}

// schedule returns the enabled runtimes sorted by ascending priority; ties keep
// configuration order.
func (e *Engine) schedule() []*Runtime {
	e.mu.RLock()
	out := make([]*Runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		if rt.Instrument().Enabled {
			out = append(out, rt)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Instrument().Priority < out[j].Instrument().Priority
	})
	return out
}

func (e *Engine) process(ctx context.Context, rt *Runtime, now time.Time) {
	rec, err := rt.Process(ctx, now, e.counter)

	var quoteErr *QuoteFetchError
	var orderErr *OrderSubmissionError
	switch {
	case err == nil && rec == nil:
	case err == nil:
		e.record(*rec)
	case errors.Is(err, ErrDailyLimitReached):
		e.logger.Info("Daily trade limit reached, decision suppressed",
			zap.String("code", rt.Instrument().Code),
			zap.Int("max_daily_trades", e.counter.Max()),
		)
		if e.metrics != nil {
			e.metrics.suppressed.Inc()
		}
	case errors.As(err, &quoteErr):
		e.logger.Warn("Quote fetch failed", zap.String("code", quoteErr.Code), zap.Error(quoteErr.Err))
		if e.metrics != nil {
			e.metrics.quoteFailures.Inc()
		}
	case errors.As(err, &orderErr):
		e.logger.Error("Order submission failed",
			zap.String("code", orderErr.Code),
			zap.Stringer("side", orderErr.Side),
			zap.Error(orderErr.Err),
		)
		if e.metrics != nil {
			e.metrics.orderFailures.Inc()
		}
	default:
		e.logger.Error("Instrument processing failed", zap.String("code", rt.Instrument().Code), zap.Error(err))
	}
}

func (e *Engine) record(rec strategy.TradeRecord) {
	e.mu.Lock()
	e.recent = append(e.recent, rec)
	if over := len(e.recent) - e.opts.RecentTrades; over > 0 {
		e.recent = append([]strategy.TradeRecord(nil), e.recent[over:]...)
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.orders.WithLabelValues(rec.Action.String()).Inc()
	}
	if err := e.store.SaveTrade(rec); err != nil {
		e.logger.Error("Failed to save trade record", zap.String("code", rec.Code), zap.Error(err))
	}
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.status.Set(float64(s))
	}
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Status             Status                 `json:"status"`
	EnabledInstruments int                    `json:"enabled_instruments"`
	TotalInstruments   int                    `json:"total_instruments"`
	TradesToday        int                    `json:"trades_today"`
	MaxDailyTrades     int                    `json:"max_daily_trades"`
	DailyLimitReached  bool                   `json:"daily_limit_reached"`
	IntervalSeconds    int                    `json:"interval_seconds"`
	RecentTrades       []strategy.TradeRecord `json:"recent_trades"`
}

// Snapshot returns the engine status with the most recent trades, newest first.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	runtimes := append([]*Runtime(nil), e.runtimes...)
	status := e.status
	e.mu.RUnlock()

	enabled := 0
	for _, rt := range runtimes {
		if rt.Instrument().Enabled {
			enabled++
		}
	}
	// A stopped engine does not tick, so the count is read against today's date.
	today := e.counter.CountOn(strategy.DayOf(e.opts.Now().In(e.opts.Location)))
	limit := e.counter.Max()
	return Snapshot{
		Status:             status,
		EnabledInstruments: enabled,
		TotalInstruments:   len(runtimes),
		TradesToday:        today,
		MaxDailyTrades:     limit,
		DailyLimitReached:  limit > 0 && today >= limit,
		IntervalSeconds:    int(e.opts.TickInterval / time.Second),
		RecentTrades:       e.RecentTrades(0),
	}
}

// RecentTrades returns up to limit executed trades, newest first. A limit of zero
// or less returns the whole retained ledger.
func (e *Engine) RecentTrades(limit int) []strategy.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]strategy.TradeRecord, 0, n)
	for i := len(e.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// find returns the index of the runtime for code or -1. Callers hold e.mu.
func (e *Engine) find(code string) int {
	for i, rt := range e.runtimes {
		if rt.Instrument().Code == code {
			return i
		}
	}
	return -1
}

// InstrumentView is an instrument's configuration with its live state.
type InstrumentView struct {
	strategy.Instrument
	State strategy.State `json:"state"`
}

// Instruments returns every instrument in configuration order.
func (e *Engine) Instruments() []InstrumentView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]InstrumentView, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		out = append(out, InstrumentView{Instrument: rt.Instrument(), State: rt.State()})
	}
	return out
}

// Instrument returns the instrument registered under code.
func (e *Engine) Instrument(code string) (InstrumentView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	i := e.find(code)
	if i < 0 {
		return InstrumentView{}, ErrInstrumentNotFound
	}
	rt := e.runtimes[i]
	return InstrumentView{Instrument: rt.Instrument(), State: rt.State()}, nil
}

// AddInstrument validates and registers a new instrument.
func (e *Engine) AddInstrument(inst strategy.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.find(inst.Code) >= 0 {
		return ErrDuplicateInstrument
	}
	if err := e.store.SaveInstrument(inst); err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.Code, err)
	}
	e.runtimes = append(e.runtimes, e.newRuntime(inst))
	e.logger.Info("Instrument added", zap.String("code", inst.Code), zap.String("strategy", string(inst.Kind)))
	return nil
}

// UpdateInstrument replaces the configuration of code. The open position is kept.
func (e *Engine) UpdateInstrument(code string, inst strategy.Instrument) error {
	inst.Code = code
	if err := inst.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.find(code)
	if i < 0 {
		return ErrInstrumentNotFound
	}
	if err := e.store.SaveInstrument(inst); err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", code, err)
	}
	e.runtimes[i].SetInstrument(inst)
	e.logger.Info("Instrument updated", zap.String("code", code))
	return nil
}

// DeleteInstrument unregisters code. A tick already holding the instrument skips it.
func (e *Engine) DeleteInstrument(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.find(code)
	if i < 0 {
		return ErrInstrumentNotFound
	}
	if err := e.store.DeleteInstrument(code); err != nil {
		return fmt.Errorf("failed to delete instrument %s: %w", code, err)
	}
	rt := e.runtimes[i]
	rt.markRemoved()
	e.runtimes = append(e.runtimes[:i:i], e.runtimes[i+1:]...)
	if st := rt.State(); st.Holding() {
		e.logger.Warn("Instrument deleted with an open position, shares are no longer managed",
			zap.String("code", code),
			zap.Int64("quantity", st.Position.Quantity),
			zap.Int64("entry_price", st.Position.EntryPrice),
		)
		return nil
	}
	e.logger.Info("Instrument deleted", zap.String("code", code))
	return nil
}

// ToggleInstrument flips the enabled flag of code and returns the new value.
func (e *Engine) ToggleInstrument(code string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.find(code)
	if i < 0 {
		return false, ErrInstrumentNotFound
	}
	inst := e.runtimes[i].Instrument()
	inst.Enabled = !inst.Enabled
	if err := e.store.SaveInstrument(inst); err != nil {
		return false, fmt.Errorf("failed to save instrument %s: %w", code, err)
	}
	e.runtimes[i].SetInstrument(inst)
	e.logger.Info("Instrument toggled", zap.String("code", code), zap.Bool("enabled", inst.Enabled))
	return inst.Enabled, nil
}

// ReloadSummary lists the instrument codes changed by ReloadInstruments.
type ReloadSummary struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// ReloadInstruments replaces the registered instruments with instruments. The whole
// set is validated first and nothing changes when any entry is invalid or duplicated.
// Instruments kept across the reload keep their position and daily state; the
// resulting order follows instruments.
func (e *Engine) ReloadInstruments(instruments []strategy.Instrument) (ReloadSummary, error) {
	var sum ReloadSummary
	seen := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		if err := inst.Validate(); err != nil {
			return sum, err
		}
		if _, dup := seen[inst.Code]; dup {
			return sum, &strategy.ConfigurationError{Code: inst.Code, Field: "code", Reason: "is configured more than once"}
		}
		seen[inst.Code] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := make(map[string]*Runtime, len(e.runtimes))
	for _, rt := range e.runtimes {
		current[rt.Instrument().Code] = rt
	}

	// Storage is written before any runtime changes so that a failed write leaves
	// the engine as it was.
	type update struct {
		rt   *Runtime
		inst strategy.Instrument
	}
	var updates []update
	for _, inst := range instruments {
		rt, ok := current[inst.Code]
		switch {
		case !ok:
			sum.Added = append(sum.Added, inst.Code)
		case rt.Instrument() != inst:
			sum.Updated = append(sum.Updated, inst.Code)
			updates = append(updates, update{rt: rt, inst: inst})
		default:
			sum.Unchanged = append(sum.Unchanged, inst.Code)
			continue
		}
		if err := e.store.SaveInstrument(inst); err != nil {
			return ReloadSummary{}, fmt.Errorf("failed to save instrument %s: %w", inst.Code, err)
		}
	}
	var removed []*Runtime
	for _, rt := range e.runtimes {
		code := rt.Instrument().Code
		if _, keep := seen[code]; keep {
			continue
		}
		if err := e.store.DeleteInstrument(code); err != nil {
			return ReloadSummary{}, fmt.Errorf("failed to delete instrument %s: %w", code, err)
		}
		sum.Removed = append(sum.Removed, code)
		removed = append(removed, rt)
	}

	next := make([]*Runtime, 0, len(instruments))
	for _, inst := range instruments {
		rt, ok := current[inst.Code]
		if !ok {
			rt = e.newRuntime(inst)
		}
		next = append(next, rt)
	}
	for _, u := range updates {
		u.rt.SetInstrument(u.inst)
	}
	for _, rt := range removed {
		rt.markRemoved()
		if st := rt.State(); st.Holding() {
			e.logger.Warn("Instrument removed by reload with an open position, shares are no longer managed",
				zap.String("code", rt.Instrument().Code),
				zap.Int64("quantity", st.Position.Quantity),
			)
		}
	}
	e.runtimes = next

	e.logger.Info("Instruments reloaded",
		zap.Strings("added", sum.Added),
		zap.Strings("updated", sum.Updated),
		zap.Strings("removed", sum.Removed),
	)
	return sum, nil
}
