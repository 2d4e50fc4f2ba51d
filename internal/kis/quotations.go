package kis

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

const (
	pricePath       = "/uapi/domestic-stock/v1/quotations/inquire-price"
	dailyPricePath  = "/uapi/domestic-stock/v1/quotations/inquire-daily-price"
	minutePricePath = "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice"
)

type priceResponse struct {
	envelope
	Output struct {
		Price string `json:"stck_prpr"`
		Open  string `json:"stck_oprc"`
		High  string `json:"stck_hgpr"`
		Low   string `json:"stck_lwpr"`
	} `json:"output"`
}

// GetCurrentPrice fetches the current price and today's open of a stock.
func (c *Client) GetCurrentPrice(ctx context.Context, code string) (broker.Quote, error) {
	req, err := c.authorized(ctx, c.tr.price)
	if err != nil {
		return broker.Quote{}, err
	}
	req.SetQueryParams(map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketStock,
		"FID_INPUT_ISCD":         code,
	}).SetResult(&priceResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, pricePath, req, true)
	if err != nil {
		return broker.Quote{}, fmt.Errorf("failed to get price of %s: %w", code, err)
	}

	result := resp.Result().(*priceResponse)
	if err := result.err(); err != nil {
		return broker.Quote{}, fmt.Errorf("failed to get price of %s: %w", code, err)
	}

	price, err := parsePrice("stck_prpr", result.Output.Price)
	if err != nil {
		return broker.Quote{}, err
	}
	open, err := parsePrice("stck_oprc", result.Output.Open)
	if err != nil {
		return broker.Quote{}, err
	}
	if price <= 0 {
		return broker.Quote{}, fmt.Errorf("no price for %s", code)
	}
	return broker.Quote{Price: price, Open: open}, nil
}

type dailyPriceResponse struct {
	envelope
	Output []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output"`
}

// recentDailyBars fetches the most recent daily candles (the API serves about 30),
// sorted oldest first.
func (c *Client) recentDailyBars(ctx context.Context, code string) ([]broker.Bar, error) {
	req, err := c.authorized(ctx, c.tr.dailyPrice)
	if err != nil {
		return nil, err
	}
	req.SetQueryParams(map[string]string{
		"FID_COND_MRKT_DIV_CODE": marketStock,
		"FID_INPUT_ISCD":         code,
		"FID_PERIOD_DIV_CODE":    "D",
		"FID_ORG_ADJ_PRC":        "0",
	}).SetResult(&dailyPriceResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, dailyPricePath, req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily prices of %s: %w", code, err)
	}

	result := resp.Result().(*dailyPriceResponse)
	if err := result.err(); err != nil {
		return nil, fmt.Errorf("failed to get daily prices of %s: %w", code, err)
	}

	bars := make([]broker.Bar, 0, len(result.Output))
	for _, row := range result.Output {
		if row.Date == "" {
			continue
		}
		day, err := strategy.ParseDay(row.Date)
		if err != nil {
			return nil, err
		}
		bar := broker.Bar{Time: day.At(15, 30, c.loc)}
		for _, f := range []struct {
			name  string
			value string
			dst   *int64
		}{
			{"stck_oprc", row.Open, &bar.Open},
			{"stck_hgpr", row.High, &bar.High},
			{"stck_lwpr", row.Low, &bar.Low},
			{"stck_clpr", row.Close, &bar.Close},
			{"acml_vol", row.Volume, &bar.Volume},
		} {
			if *f.dst, err = parsePrice(f.name, f.value); err != nil {
				return nil, err
			}
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

// GetPriorDayRange returns the high and low of the most recent trading day before today.
func (c *Client) GetPriorDayRange(ctx context.Context, code string) (int64, int64, error) {
	bars, err := c.recentDailyBars(ctx, code)
	if err != nil {
		return 0, 0, err
	}

	today := strategy.DayOf(time.Now().In(c.loc))
	for i := len(bars) - 1; i >= 0; i-- {
		if strategy.DayOf(bars[i].Time).Before(today) {
			return bars[i].High, bars[i].Low, nil
		}
	}
	return 0, 0, fmt.Errorf("prior day range of %s: %w", code, broker.ErrNoData)
}

// DailyBars returns daily candles between from and to inclusive, oldest first.
// Only the window served by the daily price endpoint is available.
func (c *Client) DailyBars(ctx context.Context, code string, from, to strategy.Day) ([]broker.Bar, error) {
	bars, err := c.recentDailyBars(ctx, code)
	if err != nil {
		return nil, err
	}
	return filterBars(bars, from, to), nil
}

type minutePriceResponse struct {
	envelope
	Output []struct {
		Date   string `json:"stck_bsop_date"`
		Hour   string `json:"stck_cntg_hour"`
		Price  string `json:"stck_prpr"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Volume string `json:"cntg_vol"`
	} `json:"output2"`
}

// MinuteBars returns one-minute candles between from and to inclusive, oldest first.
// The API only serves the current session, so older days come back empty.
func (c *Client) MinuteBars(ctx context.Context, code string, from, to strategy.Day) ([]broker.Bar, error) {
	req, err := c.authorized(ctx, c.tr.minutePrice)
	if err != nil {
		return nil, err
	}
	req.SetQueryParams(map[string]string{
		"FID_ETC_CLS_CODE":       "",
		"FID_COND_MRKT_DIV_CODE": marketStock,
		"FID_INPUT_ISCD":         code,
		"FID_INPUT_HOUR_1":       "153000",
		"FID_PW_DATA_INCU_YN":    "Y",
	}).SetResult(&minutePriceResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, minutePricePath, req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get minute prices of %s: %w", code, err)
	}

	result := resp.Result().(*minutePriceResponse)
	if err := result.err(); err != nil {
		return nil, fmt.Errorf("failed to get minute prices of %s: %w", code, err)
	}

	bars := make([]broker.Bar, 0, len(result.Output))
	for _, row := range result.Output {
		if row.Date == "" || row.Hour == "" {
			continue
		}
		t, err := time.ParseInLocation("20060102150405", row.Date+row.Hour, c.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid minute bar time %q: %w", row.Date+row.Hour, err)
		}
		bar := broker.Bar{Time: t}
		for _, f := range []struct {
			name  string
			value string
			dst   *int64
		}{
			{"stck_oprc", row.Open, &bar.Open},
			{"stck_hgpr", row.High, &bar.High},
			{"stck_lwpr", row.Low, &bar.Low},
			{"stck_prpr", row.Price, &bar.Close},
			{"cntg_vol", row.Volume, &bar.Volume},
		} {
			if *f.dst, err = parsePrice(f.name, f.value); err != nil {
				return nil, err
			}
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	c.logger.Debug("Fetched minute bars", zap.String("code", code), zap.Int("count", len(bars)))
	return filterBars(bars, from, to), nil
}

func filterBars(bars []broker.Bar, from, to strategy.Day) []broker.Bar {
	out := make([]broker.Bar, 0, len(bars))
	for _, b := range bars {
		d := strategy.DayOf(b.Time)
		if d.Before(from) || to.Before(d) {
			continue
		}
		out = append(out, b)
	}
	return out
}
