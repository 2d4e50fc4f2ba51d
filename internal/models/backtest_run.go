package models

import "gorm.io/gorm"

// BacktestRun is the summary of one completed backtest.
type BacktestRun struct {
	gorm.Model
	Code            string  `gorm:"index" json:"code"`
	Name            string  `json:"name"`
	Strategy        string  `json:"strategy"`
	FromDate        string  `json:"from_date"`
	ToDate          string  `json:"to_date"`
	Intraday        bool    `json:"intraday"`
	CloseAtEnd      bool    `json:"close_at_end"`
	InitialCapital  int64   `json:"initial_capital"`
	FinalCapital    int64   `json:"final_capital"`
	TotalProfitLoss int64   `json:"total_profit_loss"`
	TotalReturnRate float64 `json:"total_return_rate"`
	WinRate         float64 `json:"win_rate"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	// Params is the JSON encoded instrument configuration the run used.
	Params string `json:"params"`
}
