package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kis-trade-bot-go/internal/database"
	"kis-trade-bot-go/internal/models"
)

func setupHandler(t *testing.T, now time.Time, trades ...models.Trade) http.Handler {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	for i := range trades {
		require.NoError(t, db.Create(&trades[i]).Error)
	}

	h := NewAPIHandler(zap.NewNop(), db)
	h.now = func() time.Time { return now }
	return routes(h)
}

func get(t *testing.T, h http.Handler, path string, v any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestStatisticsHandler(t *testing.T) {
	now := time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC)
	h := setupHandler(t, now,
		models.Trade{Code: "005930", Side: "buy", Price: 50000, Quantity: 20, ExecutedAt: now.Add(-72 * time.Hour)},
		models.Trade{Code: "005930", Side: "sell", Price: 55000, Quantity: 20, ProfitLoss: 100000, ExecutedAt: now.Add(-48 * time.Hour)},
		models.Trade{Code: "000660", Side: "sell", ProfitLoss: -20000, ExecutedAt: now.Add(-2 * time.Hour)},
		models.Trade{Code: "000660", Side: "sell", ProfitLoss: 30000, ExecutedAt: now.Add(-time.Hour)},
	)

	var resp StatisticsResponse
	get(t, h, "/api/statistics", &resp)

	assert.Equal(t, int64(3), resp.AllTime.TotalTrades)
	assert.Equal(t, int64(2), resp.AllTime.ProfitableTrades)
	assert.InDelta(t, 66.6667, resp.AllTime.WinRate, 0.001)
	assert.Equal(t, int64(110000), resp.AllTime.TotalProfit)

	assert.Equal(t, StatsDetail{TotalTrades: 2, ProfitableTrades: 1, WinRate: 50, TotalProfit: 10000}, resp.Since24h)
}

func TestStatisticsHandler_Empty(t *testing.T) {
	h := setupHandler(t, time.Now())

	var resp StatisticsResponse
	get(t, h, "/api/statistics", &resp)
	assert.Zero(t, resp.AllTime.WinRate)
	assert.Zero(t, resp.Since24h.TotalTrades)
}

func TestTradesHandler(t *testing.T) {
	now := time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC)
	h := setupHandler(t, now,
		models.Trade{Code: "005930", Side: "buy", ExecutedAt: now.Add(-3 * time.Hour)},
		models.Trade{Code: "000660", Side: "buy", ExecutedAt: now.Add(-2 * time.Hour)},
		models.Trade{Code: "005930", Side: "sell", ExecutedAt: now.Add(-time.Hour)},
	)

	var all []models.Trade
	get(t, h, "/api/trades", &all)
	require.Len(t, all, 3)
	assert.Equal(t, "sell", all[0].Side)
	assert.Equal(t, "000660", all[1].Code)

	var samsung []models.Trade
	get(t, h, "/api/trades?code=005930&limit=1", &samsung)
	require.Len(t, samsung, 1)
	assert.Equal(t, "sell", samsung[0].Side)
}

func TestBacktestsHandler(t *testing.T) {
	h := setupHandler(t, time.Now())

	var runs []models.BacktestRun
	get(t, h, "/api/backtests", &runs)
	assert.Empty(t, runs)
}
