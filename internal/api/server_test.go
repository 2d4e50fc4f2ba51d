package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kis-trade-bot-go/internal/backtest"
	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/config"
	"kis-trade-bot-go/internal/models"
	"kis-trade-bot-go/internal/strategy"
	"kis-trade-bot-go/internal/trader"
)

// MockBroker is a mock implementation of broker.Broker.
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Authenticate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBroker) GetCurrentPrice(ctx context.Context, code string) (broker.Quote, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(broker.Quote), args.Error(1)
}

func (m *MockBroker) GetPriorDayRange(ctx context.Context, code string) (int64, int64, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockBroker) SubmitOrder(ctx context.Context, code string, side strategy.Action, quantity, price int64) (*broker.OrderResult, error) {
	args := m.Called(ctx, code, side, quantity, price)
	res, _ := args.Get(0).(*broker.OrderResult)
	return res, args.Error(1)
}

// MockBacktestStore is a mock implementation of BacktestStore.
type MockBacktestStore struct {
	mock.Mock
}

func (m *MockBacktestStore) SaveBacktestRun(res *backtest.Result) (*models.BacktestRun, error) {
	args := m.Called(res)
	run, _ := args.Get(0).(*models.BacktestRun)
	return run, args.Error(1)
}

func samsung() strategy.Instrument {
	return strategy.Instrument{
		Code:      "005930",
		Name:      "Samsung Electronics",
		Kind:      strategy.KindRangeTrading,
		Range:     strategy.RangeParams{BuyPrice: 50000, SellPrice: 55000},
		Breakout:  strategy.DefaultBreakoutParams(),
		MaxAmount: 1000000,
		Enabled:   true,
		Priority:  1,
	}
}

type fixture struct {
	handler http.Handler
	engine  *trader.Engine
	broker  *MockBroker
	store   *MockBacktestStore
}

func setupServer(t *testing.T, instruments ...strategy.Instrument) *fixture {
	t.Helper()
	return setupServerWith(t, nil, instruments...)
}

// setupServerWith is setupServer with a hook to adjust the server options.
func setupServerWith(t *testing.T, configure func(*Options), instruments ...strategy.Instrument) *fixture {
	t.Helper()
	b := new(MockBroker)
	reg := prometheus.NewRegistry()
	engine, err := trader.NewEngine(zap.NewNop(), b, nil, trader.NewMetrics(reg), trader.Options{TickInterval: time.Hour}, instruments)
	require.NoError(t, err)
	t.Cleanup(func() {
		if engine.Status() != trader.StatusStopped {
			_ = engine.Stop()
		}
	})

	store := new(MockBacktestStore)
	opts := Options{
		Providers:     map[string]backtest.Provider{"sample": backtest.SampleProvider{BasePrice: 50000, Seed: 7, Location: time.UTC}},
		DefaultSource: "sample",
		Backtests:     store,
		Gatherer:      reg,
	}
	if configure != nil {
		configure(&opts)
	}
	srv := NewServer(context.Background(), engine, opts, zap.NewNop())
	return &fixture{handler: srv.Handler(), engine: engine, broker: b, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := setupServer(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestEngineLifecycle(t *testing.T) {
	f := setupServer(t)
	f.broker.On("Authenticate", mock.Anything).Return(nil)

	rec := f.do(t, http.MethodGet, "/api/engine/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "stopped", snap["status"])

	steps := []struct {
		action string
		code   int
		status trader.Status
	}{
		{"pause", http.StatusConflict, trader.StatusStopped},
		{"start", http.StatusOK, trader.StatusRunning},
		{"start", http.StatusConflict, trader.StatusRunning},
		{"resume", http.StatusConflict, trader.StatusRunning},
		{"pause", http.StatusOK, trader.StatusPaused},
		{"resume", http.StatusOK, trader.StatusRunning},
		{"stop", http.StatusOK, trader.StatusStopped},
		{"stop", http.StatusConflict, trader.StatusStopped},
		{"reboot", http.StatusNotFound, trader.StatusStopped},
	}
	for _, s := range steps {
		rec := f.do(t, http.MethodPost, "/api/engine/"+s.action, nil)
		assert.Equal(t, s.code, rec.Code, "%s: %s", s.action, rec.Body.String())
		assert.Equal(t, s.status, f.engine.Status(), s.action)
	}
}

func TestEngineStart_AuthenticationFailure(t *testing.T) {
	f := setupServer(t)
	f.broker.On("Authenticate", mock.Anything).Return(errors.New("invalid app key"))

	rec := f.do(t, http.MethodPost, "/api/engine/start", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid app key")
	assert.Equal(t, trader.StatusStopped, f.engine.Status())
}

func TestInstrumentCRUD(t *testing.T) {
	f := setupServer(t, samsung())

	rec := f.do(t, http.MethodPost, "/api/instruments", map[string]any{
		"code":       "000660",
		"name":       "SK Hynix",
		"strategy":   "volatility_breakout",
		"max_amount": 2000000,
		"k":          0.6,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	view, err := f.engine.Instrument("000660")
	require.NoError(t, err)
	assert.Equal(t, 0.6, view.Breakout.K)
	assert.Equal(t, -2.0, view.Breakout.StopLossRate)
	assert.Equal(t, strategy.DefaultPriority, view.Priority)
	assert.True(t, view.Enabled)

	rec = f.do(t, http.MethodPost, "/api/instruments", map[string]any{
		"code": "000660", "strategy": "volatility_breakout", "max_amount": 1000,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/instruments", map[string]any{
		"code": "035420", "strategy": "range_trading", "max_amount": 1000, "buy_price": 200000, "sell_price": 190000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sell_price")

	rec = f.do(t, http.MethodPut, "/api/instruments/005930", map[string]any{
		"strategy": "range_trading", "max_amount": 500000, "buy_price": 48000, "sell_price": 53000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view, err = f.engine.Instrument("005930")
	require.NoError(t, err)
	assert.Equal(t, int64(48000), view.Range.BuyPrice)
	assert.Equal(t, int64(500000), view.MaxAmount)

	rec = f.do(t, http.MethodPut, "/api/instruments/005930", map[string]any{
		"code": "000660", "strategy": "range_trading", "max_amount": 1, "buy_price": 1, "sell_price": 2,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/instruments/999999", map[string]any{
		"strategy": "range_trading", "max_amount": 1, "buy_price": 1, "sell_price": 2,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/instruments/005930/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":"005930","enabled":false}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []trader.InstrumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "005930", list[0].Code)
	assert.False(t, list[0].Enabled)

	rec = f.do(t, http.MethodDelete, "/api/instruments/005930", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/instruments/005930", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/instruments/005930", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddInstrument_MalformedBody(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodPost, "/api/instruments", `{"code": "005930", "colour": "red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/instruments", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrades(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/api/trades?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/trades?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBacktest(t *testing.T) {
	f := setupServer(t, samsung())
	f.store.On("SaveBacktestRun", mock.AnythingOfType("*backtest.Result")).Return(&models.BacktestRun{}, nil).Once()

	rec := f.do(t, http.MethodPost, "/api/backtest", map[string]any{
		"code":            "005930",
		"from":            "2024-01-01",
		"to":              "2024-01-31",
		"initial_capital": 1000000,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res backtest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "005930", res.Params.Instrument.Code)
	assert.Equal(t, int64(1000000), res.Params.InitialCapital)
	assert.Len(t, res.Equity, 23)
	f.store.AssertExpectations(t)
}

func TestBacktest_InlineInstrument(t *testing.T) {
	f := setupServer(t)
	f.store.On("SaveBacktestRun", mock.Anything).Return(nil, errors.New("disk full")).Once()

	rec := f.do(t, http.MethodPost, "/api/backtest", map[string]any{
		"instrument":      map[string]any{"code": "000660", "strategy": "volatility_breakout"},
		"from":            "20240102",
		"to":              "20240105",
		"initial_capital": 5000000,
		"intraday":        true,
	})
	// a failed save is logged, the result is still returned
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res backtest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, strategy.KindVolatilityBreakout, res.Params.Instrument.Kind)
	assert.Equal(t, int64(5000000), res.Params.Instrument.MaxAmount)
	assert.Len(t, res.Equity, 4*78)
}

func TestBacktest_Errors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{
			name: "unknown instrument",
			body: map[string]any{"code": "999999", "from": "2024-01-01", "to": "2024-01-31", "initial_capital": 1000},
			code: http.StatusNotFound,
		},
		{
			name: "no instrument",
			body: map[string]any{"from": "2024-01-01", "to": "2024-01-31", "initial_capital": 1000},
			code: http.StatusBadRequest,
		},
		{
			name: "reversed range",
			body: map[string]any{"code": "005930", "from": "2024-02-01", "to": "2024-01-01", "initial_capital": 1000},
			code: http.StatusBadRequest,
		},
		{
			name: "weekend only",
			body: map[string]any{"code": "005930", "from": "2024-01-06", "to": "2024-01-07", "initial_capital": 1000},
			code: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown source",
			body: map[string]any{"code": "005930", "from": "2024-01-01", "to": "2024-01-31", "initial_capital": 1000, "source": "bloomberg"},
			code: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupServer(t, samsung())
			rec := f.do(t, http.MethodPost, "/api/backtest", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			f.store.AssertNotCalled(t, "SaveBacktestRun", mock.Anything)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupServer(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trader_engine_status")
}

func boolPtr(v bool) *bool { return &v }

func TestConfig_Redacted(t *testing.T) {
	f := setupServerWith(t, func(o *Options) {
		o.Config = config.Config{
			KIS:      config.KIS{AppKey: "PSkey", AppSecret: "topsecret", AccountNo: "50012345-01", Environment: "dev"},
			Trading:  config.Trading{TickInterval: 60, Timezone: "Asia/Seoul"},
			Database: config.Database{Driver: "sqlite", DSN: "trader.db"},
		}
	})

	rec := f.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "PSkey")
	assert.NotContains(t, body, "topsecret")
	assert.NotContains(t, body, "50012345")

	var got config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dev", got.KIS.Environment)
	assert.Equal(t, "********-01", got.KIS.AccountNo)
	assert.Equal(t, 60, got.Trading.TickInterval)
	assert.Equal(t, "trader.db", got.Database.DSN)
}

func TestConfig_Reload(t *testing.T) {
	hynix := config.Instrument{Code: "000660", Strategy: "volatility_breakout", MaxAmount: 2000000}
	next := config.Config{
		KIS: config.KIS{AppKey: "PSnew"},
		Instruments: []config.Instrument{
			{Code: "005930", Name: "Samsung Electronics", Strategy: "range_trading", MaxAmount: 1000000, BuyPrice: 49000, SellPrice: 55000},
			hynix,
		},
	}
	var loadErr error
	f := setupServerWith(t, func(o *Options) {
		o.LoadConfig = func() (config.Config, error) { return next, loadErr }
	}, samsung(), strategy.Instrument{
		Code: "035420", Kind: strategy.KindRangeTrading, MaxAmount: 1000000,
		Range: strategy.RangeParams{BuyPrice: 180000, SellPrice: 200000}, Enabled: true,
	})

	t.Run("AppliesInstruments", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/config/reload", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var sum trader.ReloadSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
		assert.Equal(t, []string{"000660"}, sum.Added)
		assert.Equal(t, []string{"005930"}, sum.Updated)
		assert.Equal(t, []string{"035420"}, sum.Removed)

		view, err := f.engine.Instrument("005930")
		require.NoError(t, err)
		assert.Equal(t, int64(49000), view.Range.BuyPrice)
		_, err = f.engine.Instrument("035420")
		assert.ErrorIs(t, err, trader.ErrInstrumentNotFound)

		// The stored configuration follows the reload and stays redacted.
		rec = f.do(t, http.MethodGet, "/api/config", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "000660")
		assert.NotContains(t, rec.Body.String(), "PSnew")
	})

	t.Run("InvalidInstrumentRejectsReload", func(t *testing.T) {
		next.Instruments = []config.Instrument{
			hynix,
			{Code: "005380", Strategy: "range_trading", MaxAmount: 1000000, BuyPrice: 200000, SellPrice: 190000, Enabled: boolPtr(true)},
		}
		rec := f.do(t, http.MethodPost, "/api/config/reload", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "sell_price")

		// Nothing from the rejected file was applied.
		assert.Len(t, f.engine.Instruments(), 2)
		_, err := f.engine.Instrument("005930")
		assert.NoError(t, err)
	})

	t.Run("LoadFailure", func(t *testing.T) {
		loadErr = errors.New("yaml: line 3: did not find expected key")
		rec := f.do(t, http.MethodPost, "/api/config/reload", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "did not find expected key")
		assert.Len(t, f.engine.Instruments(), 2)
	})
}

func TestConfig_ReloadDisabledWithoutLoader(t *testing.T) {
	f := setupServer(t)
	rec := f.do(t, http.MethodPost, "/api/config/reload", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
