package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"kis-trade-bot-go/internal/backtest"
	"kis-trade-bot-go/internal/models"
	"kis-trade-bot-go/internal/strategy"
	"kis-trade-bot-go/internal/trader"
)

// Repository persists trades, instruments and backtest runs.
type Repository struct {
	db     *gorm.DB
	dryRun bool
}

var _ trader.Store = (*Repository)(nil)

// NewRepository wraps db. Trades saved while dryRun is set are flagged as simulations.
func NewRepository(db *gorm.DB, dryRun bool) *Repository {
	return &Repository{db: db, dryRun: dryRun}
}

// SaveTrade appends an executed trade.
func (r *Repository) SaveTrade(rec strategy.TradeRecord) error {
	trade := models.Trade{
		Code:         rec.Code,
		Name:         rec.Name,
		Side:         rec.Action.String(),
		Price:        rec.Price,
		Quantity:     rec.Quantity,
		Amount:       rec.Amount,
		ProfitLoss:   rec.ProfitLoss,
		ProfitRate:   rec.ProfitRate,
		Reason:       string(rec.Reason),
		ExecutedAt:   rec.Time,
		IsSimulation: r.dryRun,
	}
	if err := r.db.Create(&trade).Error; err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// Trades returns persisted trades, most recent first. A limit of zero or less returns all.
func (r *Repository) Trades(limit int) ([]models.Trade, error) {
	var trades []models.Trade
	q := r.db.Order("executed_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	return trades, nil
}

func toModel(inst strategy.Instrument) models.Instrument {
	return models.Instrument{
		Code:             inst.Code,
		Name:             inst.Name,
		Strategy:         string(inst.Kind),
		MaxAmount:        inst.MaxAmount,
		Enabled:          inst.Enabled,
		Priority:         inst.Priority,
		Interval:         inst.Interval,
		BuyPrice:         inst.Range.BuyPrice,
		SellPrice:        inst.Range.SellPrice,
		K:                inst.Breakout.K,
		TargetProfitRate: inst.Breakout.TargetProfitRate,
		StopLossRate:     inst.Breakout.StopLossRate,
		SellAtClose:      inst.Breakout.SellAtClose,
	}
}

func fromModel(m models.Instrument) strategy.Instrument {
	return strategy.Instrument{
		Code:      m.Code,
		Name:      m.Name,
		Kind:      strategy.Kind(m.Strategy),
		MaxAmount: m.MaxAmount,
		Enabled:   m.Enabled,
		Priority:  m.Priority,
		Interval:  m.Interval,
		Range:     strategy.RangeParams{BuyPrice: m.BuyPrice, SellPrice: m.SellPrice},
		Breakout: strategy.BreakoutParams{
			K:                m.K,
			TargetProfitRate: m.TargetProfitRate,
			StopLossRate:     m.StopLossRate,
			SellAtClose:      m.SellAtClose,
		},
	}
}

// SaveInstrument inserts or replaces the configuration stored under inst.Code.
func (r *Repository) SaveInstrument(inst strategy.Instrument) error {
	m := toModel(inst)

	var existing models.Instrument
	err := r.db.Where("code = ?", inst.Code).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = r.db.Create(&m).Error
	case err == nil:
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		err = r.db.Save(&m).Error
	}
	if err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.Code, err)
	}
	return nil
}

// DeleteInstrument removes the configuration of code. Deleting an unknown code is not an error.
func (r *Repository) DeleteInstrument(code string) error {
	if err := r.db.Unscoped().Where("code = ?", code).Delete(&models.Instrument{}).Error; err != nil {
		return fmt.Errorf("failed to delete instrument %s: %w", code, err)
	}
	return nil
}

// Instruments returns every stored configuration in insertion order.
func (r *Repository) Instruments() ([]strategy.Instrument, error) {
	var rows []models.Instrument
	if err := r.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	out := make([]strategy.Instrument, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

// SeedInstruments returns the stored instruments. When none are stored yet, the
// configured ones are written and returned instead.
func (r *Repository) SeedInstruments(configured []strategy.Instrument) ([]strategy.Instrument, error) {
	stored, err := r.Instruments()
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		for _, inst := range configured {
			m := toModel(inst)
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to seed instrument %s: %w", inst.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return configured, nil
}

// SaveBacktestRun stores the summary of a completed backtest.
func (r *Repository) SaveBacktestRun(res *backtest.Result) (*models.BacktestRun, error) {
	params, err := json.Marshal(res.Params.Instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backtest params: %w", err)
	}
	run := models.BacktestRun{
		Code:            res.Params.Instrument.Code,
		Name:            res.Params.Instrument.DisplayName(),
		Strategy:        string(res.Params.Instrument.Kind),
		FromDate:        res.Params.From.String(),
		ToDate:          res.Params.To.String(),
		Intraday:        res.Params.Intraday,
		CloseAtEnd:      res.Params.CloseAtEnd,
		InitialCapital:  res.Params.InitialCapital,
		FinalCapital:    res.FinalCapital,
		TotalProfitLoss: res.TotalProfitLoss,
		TotalReturnRate: res.TotalReturnRate,
		WinRate:         res.WinRate,
		MaxDrawdown:     res.MaxDrawdown,
		TotalTrades:     res.TotalTrades,
		WinningTrades:   res.WinningTrades,
		LosingTrades:    res.LosingTrades,
		Params:          string(params),
	}
	if err := r.db.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to save backtest run: %w", err)
	}
	return &run, nil
}

// BacktestRuns returns stored backtest summaries, most recent first.
func (r *Repository) BacktestRuns(limit int) ([]models.BacktestRun, error) {
	var runs []models.BacktestRun
	q := r.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to load backtest runs: %w", err)
	}
	return runs, nil
}
