package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"kis-trade-bot-go/internal/models"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
	now func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db, now: time.Now}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

// limitParam reads ?limit=N. Missing or invalid values mean no limit.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// TradesHandler returns historical trades, most recent first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	q := h.db.Order("executed_at desc, id desc")
	if code := r.URL.Query().Get("code"); code != "" {
		q = q.Where("code = ?", code)
	}
	if n := limitParam(r); n > 0 {
		q = q.Limit(n)
	}

	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// BacktestsHandler returns stored backtest summaries, most recent first.
func (h *APIHandler) BacktestsHandler(w http.ResponseWriter, r *http.Request) {
	q := h.db.Order("id desc")
	if n := limitParam(r); n > 0 {
		q = q.Limit(n)
	}

	var runs []models.BacktestRun
	if err := q.Find(&runs).Error; err != nil {
		h.log.Error("Failed to get backtest runs from database", zap.Error(err))
		http.Error(w, "Failed to get backtest runs", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, runs)
}

// StatsDetail holds calculated statistics for a given period. Only closing (sell)
// trades count.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      int64   `json:"total_profit"`
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if t.ProfitLoss > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += t.ProfitLoss
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades) * 100
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var sells []models.Trade
	if err := h.db.Where("side = ?", "sell").Find(&sells).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour)

	var resp StatisticsResponse
	for _, trade := range sells {
		resp.AllTime.add(trade)
		if trade.ExecutedAt.After(since24h) {
			resp.Since24h.add(trade)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	h.writeJSON(w, resp)
}
