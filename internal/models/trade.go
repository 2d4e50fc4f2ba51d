package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade represents an executed trade record in the database. Rows are never updated.
type Trade struct {
	gorm.Model
	Code         string    `gorm:"index;not null" json:"code"`
	Name         string    `json:"name"`
	Side         string    `gorm:"not null" json:"side"` // "buy" or "sell"
	Price        int64     `json:"price"`
	Quantity     int64     `json:"quantity"`
	Amount       int64     `json:"amount"`
	ProfitLoss   int64     `json:"profit_loss"`
	ProfitRate   float64   `json:"profit_rate"`
	Reason       string    `json:"reason"`
	ExecutedAt   time.Time `gorm:"index" json:"executed_at"`
	IsSimulation bool      `json:"is_simulation"`
}
