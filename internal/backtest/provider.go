package backtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

// Provider supplies the bars of one instrument between two days inclusive, oldest first.
type Provider interface {
	Bars(ctx context.Context, code string, from, to strategy.Day, intraday bool) ([]broker.Bar, error)
}

// HistoryProvider serves bars from a broker's history endpoints.
type HistoryProvider struct {
	History broker.History
}

func (h HistoryProvider) Bars(ctx context.Context, code string, from, to strategy.Day, intraday bool) ([]broker.Bar, error) {
	var bars []broker.Bar
	var err error
	if intraday {
		bars, err = h.History.MinuteBars(ctx, code, from, to)
	} else {
		bars, err = h.History.DailyBars(ctx, code, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", code, err)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// SampleProvider generates a reproducible random walk on weekdays. The same seed and
// range always produce the same bars.
type SampleProvider struct {
	BasePrice  int64
	Volatility float64
	Seed       int64
	Location   *time.Location
}

func (s SampleProvider) Bars(_ context.Context, _ string, from, to strategy.Day, intraday bool) ([]broker.Bar, error) {
	if to.Before(from) {
		return nil, ErrInvalidDateRange
	}
	base := s.BasePrice
	if base <= 0 {
		base = 50000
	}
	vol := s.Volatility
	if vol <= 0 {
		vol = 0.02
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}

	rng := rand.New(rand.NewSource(s.Seed))
	price := float64(base)
	var bars []broker.Bar

	end := to.At(0, 0, loc)
	for d := from.At(0, 0, loc); !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		day := strategy.DayOf(d)
		if intraday {
			bars = append(bars, intradaySession(rng, day, loc, &price, vol)...)
			continue
		}

		open := price * (1 + rng.Float64()*0.01 - 0.005)
		closing := price * (1 + (rng.Float64()*2-1)*vol)
		high := max(open, closing) * (1 + rng.Float64()*vol)
		low := min(open, closing) * (1 - rng.Float64()*vol)
		bars = append(bars, broker.Bar{
			Time:   day.At(15, 30, loc),
			Open:   int64(open),
			High:   int64(high),
			Low:    int64(low),
			Close:  int64(closing),
			Volume: 1000000 + rng.Int63n(9000000),
		})
		price = float64(int64(closing))
	}
	return bars, nil
}

// intradaySession generates five-minute bars closing from 09:05 to 15:30.
func intradaySession(rng *rand.Rand, day strategy.Day, loc *time.Location, price *float64, vol float64) []broker.Bar {
	const step = 5 * time.Minute
	stepVol := vol / 10
	var out []broker.Bar
	for t := day.At(9, 0, loc).Add(step); !t.After(day.At(15, 30, loc)); t = t.Add(step) {
		open := *price
		closing := open * (1 + (rng.Float64()*2-1)*stepVol)
		high := max(open, closing) * (1 + rng.Float64()*stepVol/2)
		low := min(open, closing) * (1 - rng.Float64()*stepVol/2)
		out = append(out, broker.Bar{
			Time:   t,
			Open:   int64(open),
			High:   int64(high),
			Low:    int64(low),
			Close:  int64(closing),
			Volume: 1000 + rng.Int63n(50000),
		})
		*price = float64(int64(closing))
	}
	return out
}

// Run fetches the bars for p from provider and simulates them.
func Run(ctx context.Context, provider Provider, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	bars, err := provider.Bars(ctx, p.Instrument.Code, p.From, p.To, p.Intraday)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return Simulate(p, bars)
}
