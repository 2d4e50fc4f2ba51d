package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

// MockStore is a mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveTrade(rec strategy.TradeRecord) error {
	return m.Called(rec).Error(0)
}

func (m *MockStore) SaveInstrument(inst strategy.Instrument) error {
	return m.Called(inst).Error(0)
}

func (m *MockStore) DeleteInstrument(code string) error {
	return m.Called(code).Error(0)
}

// fakeClock is a settable clock for the engine.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// setupEngine creates an engine with a mock broker, a fake clock and a long tick
// interval so that only the initial tick runs during a test.
func setupEngine(t *testing.T, maxDaily int, instruments ...strategy.Instrument) (*Engine, *MockBroker, *fakeClock) {
	b := new(MockBroker)
	clock := &fakeClock{now: marketTime(2, 10, 0)}
	e, err := NewEngine(zap.NewNop(), b, nil, NewMetrics(prometheus.NewRegistry()), Options{
		TickInterval:   time.Hour,
		MaxDailyTrades: maxDaily,
		CallTimeout:    time.Second,
		Location:       kst,
		RecentTrades:   10,
		Now:            clock.Now,
	}, instruments)
	require.NoError(t, err)
	return e, b, clock
}

// runTick executes one tick synchronously as the loop would while running.
func runTick(e *Engine) {
	e.setStatus(StatusRunning)
	e.tick(context.Background(), nil)
}

func TestEngine_StartAuthenticationFailure(t *testing.T) {
	e, b, _ := setupEngine(t, 10)
	b.On("Authenticate", mock.Anything).Return(errors.New("invalid appkey"))

	err := e.Start(context.Background())

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, StatusStopped, e.Status())
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Stop(), ErrInvalidTransition)
}

func TestEngine_Transitions(t *testing.T) {
	e, b, _ := setupEngine(t, 10)
	b.On("Authenticate", mock.Anything).Return(nil)

	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StatusRunning, e.Status())
	assert.ErrorIs(t, e.Start(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)

	require.NoError(t, e.Pause())
	assert.Equal(t, StatusPaused, e.Status())
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)

	require.NoError(t, e.Resume())
	assert.Equal(t, StatusRunning, e.Status())

	require.NoError(t, e.Pause())
	require.NoError(t, e.Stop())
	assert.Equal(t, StatusStopped, e.Status())
	assert.ErrorIs(t, e.Stop(), ErrInvalidTransition)

	// A stopped engine can be started again.
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
}

func TestEngine_ContextCancelStopsLoop(t *testing.T) {
	e, b, _ := setupEngine(t, 10)
	b.On("Authenticate", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
	assert.Equal(t, StatusStopped, e.Status())
}

func TestEngine_PriorityOrder(t *testing.T) {
	low := rangeInstrument("C")
	low.Priority = 1
	a := rangeInstrument("A")
	b2 := rangeInstrument("B")
	disabled := rangeInstrument("D")
	disabled.Priority = 0
	disabled.Enabled = false

	e, b, _ := setupEngine(t, 10, a, b2, low, disabled)

	var order []string
	b.On("GetCurrentPrice", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, args.String(1))
	}).Return(broker.Quote{Price: 55000}, nil)

	runTick(e)

	// C has the lowest priority value; A and B tie and keep configuration order.
	assert.Equal(t, []string{"C", "A", "B"}, order)
}

func TestEngine_FailureIsolation(t *testing.T) {
	first := rangeInstrument("A")
	first.Priority = 1
	second := rangeInstrument("B")
	second.Priority = 2
	third := rangeInstrument("C")
	third.Priority = 3

	e, b, _ := setupEngine(t, 10, first, second, third)

	b.On("GetCurrentPrice", mock.Anything, "A").Return(broker.Quote{}, errors.New("timeout"))
	b.On("GetCurrentPrice", mock.Anything, "B").Return(broker.Quote{Price: 51000}, nil)
	b.On("GetCurrentPrice", mock.Anything, "C").Return(broker.Quote{Price: 51000}, nil)
	b.On("SubmitOrder", mock.Anything, "B", strategy.ActionBuy, int64(19), int64(51000)).Return(nil, errors.New("rejected"))
	b.On("SubmitOrder", mock.Anything, "C", strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil)

	runTick(e)

	snap := e.Snapshot()
	assert.Equal(t, 1, snap.TradesToday)
	require.Len(t, snap.RecentTrades, 1)
	assert.Equal(t, "C", snap.RecentTrades[0].Code)

	view, err := e.Instrument("B")
	require.NoError(t, err)
	assert.False(t, view.State.Holding())
	b.AssertExpectations(t)
}

func TestEngine_DailyCap(t *testing.T) {
	e, b, clock := setupEngine(t, 1, rangeInstrument("A"), rangeInstrument("B"))

	b.On("GetCurrentPrice", mock.Anything, mock.Anything).Return(broker.Quote{Price: 51000}, nil)
	b.On("SubmitOrder", mock.Anything, mock.Anything, strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil)

	runTick(e)

	b.AssertNumberOfCalls(t, "SubmitOrder", 1)
	snap := e.Snapshot()
	assert.True(t, snap.DailyLimitReached)
	assert.Equal(t, 1, snap.TradesToday)

	// Still capped later the same day.
	clock.Set(marketTime(2, 11, 0))
	runTick(e)
	b.AssertNumberOfCalls(t, "SubmitOrder", 1)

	// The cap resets on the next trading day.
	clock.Set(marketTime(3, 10, 0))
	runTick(e)
	b.AssertNumberOfCalls(t, "SubmitOrder", 2)
	assert.Equal(t, 1, e.Snapshot().TradesToday)
}

func TestEngine_StopMidTickFinishesCurrentInstrument(t *testing.T) {
	first := rangeInstrument("A")
	first.Priority = 1
	second := rangeInstrument("B")
	second.Priority = 2

	e, b, _ := setupEngine(t, 10, first, second)

	started := make(chan struct{})
	release := make(chan struct{})
	b.On("Authenticate", mock.Anything).Return(nil)
	b.On("GetCurrentPrice", mock.Anything, "A").Run(func(args mock.Arguments) {
		close(started)
		<-release
	}).Return(broker.Quote{Price: 51000}, nil).Once()
	b.On("SubmitOrder", mock.Anything, "A", strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil).Once()

	require.NoError(t, e.Start(context.Background()))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- e.Stop() }()

	select {
	case <-stopped:
		t.Fatal("stop returned while an instrument was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusRunning, e.Status())

	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not complete")
	}

	assert.Equal(t, StatusStopped, e.Status())
	view, err := e.Instrument("A")
	require.NoError(t, err)
	assert.True(t, view.State.Holding(), "the in-flight instrument completed its trade")
	b.AssertNotCalled(t, "GetCurrentPrice", mock.Anything, "B")
}

func TestEngine_PausedTickSkipsInstruments(t *testing.T) {
	e, b, _ := setupEngine(t, 10, rangeInstrument("A"))

	e.setStatus(StatusPaused)
	e.tick(context.Background(), nil)

	b.AssertNotCalled(t, "GetCurrentPrice", mock.Anything, mock.Anything)
}

func TestEngine_CountResetsWhilePaused(t *testing.T) {
	e, b, clock := setupEngine(t, 1, rangeInstrument("A"))

	b.On("GetCurrentPrice", mock.Anything, "A").Return(broker.Quote{Price: 51000}, nil)
	b.On("SubmitOrder", mock.Anything, "A", strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil).Once()

	runTick(e)
	require.True(t, e.Snapshot().DailyLimitReached)

	// Paused across midnight: the snapshot reads the new day before any tick runs.
	e.setStatus(StatusPaused)
	clock.Set(marketTime(3, 8, 0))
	snap := e.Snapshot()
	assert.Equal(t, 0, snap.TradesToday)
	assert.False(t, snap.DailyLimitReached)

	// A paused tick rolls the counter itself.
	e.tick(context.Background(), nil)
	assert.Equal(t, 0, e.counter.Count())
	b.AssertNumberOfCalls(t, "GetCurrentPrice", 1)

	// Stopped engines report the same way.
	e.setStatus(StatusStopped)
	clock.Set(marketTime(4, 9, 0))
	assert.Equal(t, 0, e.Snapshot().TradesToday)
}

func TestEngine_DeleteWithOpenPositionWarns(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	b := new(MockBroker)
	clock := &fakeClock{now: marketTime(2, 10, 0)}
	e, err := NewEngine(zap.New(core), b, nil, nil, Options{
		TickInterval: time.Hour,
		CallTimeout:  time.Second,
		Location:     kst,
		Now:          clock.Now,
	}, []strategy.Instrument{rangeInstrument("A"), rangeInstrument("B")})
	require.NoError(t, err)

	b.On("GetCurrentPrice", mock.Anything, "A").Return(broker.Quote{Price: 51000}, nil)
	b.On("GetCurrentPrice", mock.Anything, "B").Return(broker.Quote{Price: 55000}, nil)
	b.On("SubmitOrder", mock.Anything, "A", strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil).Once()
	runTick(e)

	require.NoError(t, e.DeleteInstrument("A"))
	warns := logs.FilterMessageSnippet("open position").AllUntimed()
	require.Len(t, warns, 1)
	assert.Equal(t, zap.WarnLevel, warns[0].Level)
	fields := warns[0].ContextMap()
	assert.Equal(t, "A", fields["code"])
	assert.Equal(t, int64(19), fields["quantity"])

	// Nothing is held on B, so its deletion is a plain info entry.
	require.NoError(t, e.DeleteInstrument("B"))
	assert.Equal(t, 1, logs.FilterMessageSnippet("open position").Len())
	assert.Equal(t, 1, logs.FilterMessage("Instrument deleted").Len())
}

func TestEngine_RecentTradesBounded(t *testing.T) {
	e, _, _ := setupEngine(t, 0)
	for i := 0; i < 15; i++ {
		e.record(strategy.TradeRecord{Code: "A", Quantity: int64(i)})
	}

	all := e.RecentTrades(0)
	require.Len(t, all, 10)
	assert.Equal(t, int64(14), all[0].Quantity)
	assert.Equal(t, int64(5), all[9].Quantity)
	assert.Len(t, e.RecentTrades(3), 3)
}

func TestEngine_InstrumentCRUD(t *testing.T) {
	store := new(MockStore)
	e, err := NewEngine(zap.NewNop(), new(MockBroker), store, nil, Options{}, []strategy.Instrument{rangeInstrument("A")})
	require.NoError(t, err)

	t.Run("AddInvalid", func(t *testing.T) {
		bad := rangeInstrument("X")
		bad.Range.SellPrice = 1
		var cfgErr *strategy.ConfigurationError
		assert.True(t, errors.As(e.AddInstrument(bad), &cfgErr))
	})

	t.Run("AddDuplicate", func(t *testing.T) {
		assert.ErrorIs(t, e.AddInstrument(rangeInstrument("A")), ErrDuplicateInstrument)
	})

	t.Run("Add", func(t *testing.T) {
		store.On("SaveInstrument", mock.MatchedBy(func(i strategy.Instrument) bool { return i.Code == "B" })).Return(nil).Once()
		require.NoError(t, e.AddInstrument(rangeInstrument("B")))
		assert.Len(t, e.Instruments(), 2)
	})

	t.Run("Update", func(t *testing.T) {
		upd := rangeInstrument("ignored")
		upd.MaxAmount = 500000
		store.On("SaveInstrument", mock.MatchedBy(func(i strategy.Instrument) bool { return i.Code == "A" && i.MaxAmount == 500000 })).Return(nil).Once()
		require.NoError(t, e.UpdateInstrument("A", upd))

		view, err := e.Instrument("A")
		require.NoError(t, err)
		assert.Equal(t, int64(500000), view.MaxAmount)
	})

	t.Run("Toggle", func(t *testing.T) {
		store.On("SaveInstrument", mock.MatchedBy(func(i strategy.Instrument) bool { return i.Code == "B" && !i.Enabled })).Return(nil).Once()
		enabled, err := e.ToggleInstrument("B")
		require.NoError(t, err)
		assert.False(t, enabled)
		assert.Equal(t, 1, e.Snapshot().EnabledInstruments)
	})

	t.Run("Delete", func(t *testing.T) {
		store.On("DeleteInstrument", "B").Return(nil).Once()
		require.NoError(t, e.DeleteInstrument("B"))
		assert.ErrorIs(t, e.DeleteInstrument("B"), ErrInstrumentNotFound)
		_, err := e.ToggleInstrument("B")
		assert.ErrorIs(t, err, ErrInstrumentNotFound)
		assert.Equal(t, 1, e.Snapshot().TotalInstruments)
	})

	store.AssertExpectations(t)
}

func TestEngine_ReloadInstruments(t *testing.T) {
	t.Run("AppliesDiffAndKeepsPositions", func(t *testing.T) {
		e, b, _ := setupEngine(t, 10, rangeInstrument("A"), rangeInstrument("B"), rangeInstrument("D"))

		b.On("GetCurrentPrice", mock.Anything, "A").Return(broker.Quote{Price: 51000}, nil)
		b.On("GetCurrentPrice", mock.Anything, mock.Anything).Return(broker.Quote{Price: 55000}, nil)
		b.On("SubmitOrder", mock.Anything, "A", strategy.ActionBuy, int64(19), int64(51000)).Return(accepted, nil).Once()
		runTick(e)

		a := rangeInstrument("A")
		a.Range.SellPrice = 60000
		sum, err := e.ReloadInstruments([]strategy.Instrument{rangeInstrument("C"), a, rangeInstrument("D")})
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, sum.Added)
		assert.Equal(t, []string{"A"}, sum.Updated)
		assert.Equal(t, []string{"B"}, sum.Removed)
		assert.Equal(t, []string{"D"}, sum.Unchanged)

		views := e.Instruments()
		require.Len(t, views, 3)
		assert.Equal(t, "C", views[0].Code)
		assert.Equal(t, "A", views[1].Code)
		assert.Equal(t, int64(60000), views[1].Range.SellPrice)
		require.True(t, views[1].State.Holding(), "the open position survives the reload")
		assert.Equal(t, int64(19), views[1].State.Position.Quantity)

		_, err = e.Instrument("B")
		assert.ErrorIs(t, err, ErrInstrumentNotFound)
	})

	t.Run("InvalidEntryRejectsEverything", func(t *testing.T) {
		e, _, _ := setupEngine(t, 10, rangeInstrument("A"), rangeInstrument("B"))

		bad := rangeInstrument("C")
		bad.Range.SellPrice = 1
		a := rangeInstrument("A")
		a.MaxAmount = 500000
		_, err := e.ReloadInstruments([]strategy.Instrument{a, bad})

		var cfgErr *strategy.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "C", cfgErr.Code)
		views := e.Instruments()
		require.Len(t, views, 2)
		assert.Equal(t, int64(1000000), views[0].MaxAmount)
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		e, _, _ := setupEngine(t, 10, rangeInstrument("A"))

		_, err := e.ReloadInstruments([]strategy.Instrument{rangeInstrument("B"), rangeInstrument("B")})

		var cfgErr *strategy.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Len(t, e.Instruments(), 1)
	})

	t.Run("StoreFailureLeavesEngineUnchanged", func(t *testing.T) {
		store := new(MockStore)
		e, err := NewEngine(zap.NewNop(), new(MockBroker), store, nil, Options{}, []strategy.Instrument{rangeInstrument("A")})
		require.NoError(t, err)

		a := rangeInstrument("A")
		a.MaxAmount = 500000
		store.On("SaveInstrument", a).Return(nil).Once()
		store.On("SaveInstrument", rangeInstrument("B")).Return(errors.New("disk full")).Once()

		_, err = e.ReloadInstruments([]strategy.Instrument{a, rangeInstrument("B")})
		assert.ErrorContains(t, err, "disk full")

		views := e.Instruments()
		require.Len(t, views, 1)
		assert.Equal(t, int64(1000000), views[0].MaxAmount)
		store.AssertNotCalled(t, "DeleteInstrument", mock.Anything)
	})
}

func TestNewEngine_RejectsInvalidSeed(t *testing.T) {
	_, err := NewEngine(zap.NewNop(), new(MockBroker), nil, nil, Options{}, []strategy.Instrument{rangeInstrument("A"), rangeInstrument("A")})
	assert.ErrorIs(t, err, ErrDuplicateInstrument)
}
