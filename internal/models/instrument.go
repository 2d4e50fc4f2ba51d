package models

import "gorm.io/gorm"

// Instrument is a persisted instrument configuration.
type Instrument struct {
	gorm.Model
	Code      string `gorm:"uniqueIndex;not null"`
	Name      string
	Strategy  string `gorm:"not null"`
	MaxAmount int64  `gorm:"not null"`
	Enabled   bool   `gorm:"not null"`
	Priority  int    `gorm:"not null"`
	Interval  int

	BuyPrice  int64
	SellPrice int64

	K                float64
	TargetProfitRate float64
	StopLossRate     float64
	SellAtClose      bool
}
