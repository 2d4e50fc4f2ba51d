package kis

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"kis-trade-bot-go/internal/broker"
)

const (
	balancePath   = "/uapi/domestic-stock/v1/trading/inquire-balance"
	orderablePath = "/uapi/domestic-stock/v1/trading/inquire-psbl-order"

	// maxBalancePages bounds the continuation requests of one balance inquiry.
	maxBalancePages = 10
)

type balanceResponse struct {
	envelope
	CtxAreaFK100 string `json:"ctx_area_fk100"`
	CtxAreaNK100 string `json:"ctx_area_nk100"`
	Output1      []struct {
		Code     string `json:"pdno"`
		Name     string `json:"prdt_name"`
		Quantity string `json:"hldg_qty"`
		AvgPrice string `json:"pchs_avg_pric"`
	} `json:"output1"`
}

// Holdings returns the stocks held in the account with a positive quantity.
func (c *Client) Holdings(ctx context.Context) ([]broker.Holding, error) {
	var holdings []broker.Holding
	fk, nk, cont := "", "", ""

	for page := 0; page < maxBalancePages; page++ {
		req, err := c.authorized(ctx, c.tr.balance)
		if err != nil {
			return nil, err
		}
		req.SetHeader("tr_cont", cont).
			SetQueryParams(map[string]string{
				"CANO":                  c.account,
				"ACNT_PRDT_CD":          c.product,
				"AFHR_FLPR_YN":          "N",
				"OFL_YN":                "",
				"INQR_DVSN":             "02",
				"UNPR_DVSN":             "01",
				"FUND_STTL_ICLD_YN":     "N",
				"FNCG_AMT_AUTO_RDPT_YN": "N",
				"PRCS_DVSN":             "00",
				"CTX_AREA_FK100":        fk,
				"CTX_AREA_NK100":        nk,
			}).
			SetResult(&balanceResponse{})

		resp, err := c.doRequest(ctx, http.MethodGet, balancePath, req, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get account balance: %w", err)
		}
		result := resp.Result().(*balanceResponse)
		if err := result.err(); err != nil {
			return nil, fmt.Errorf("failed to get account balance: %w", err)
		}

		for _, item := range result.Output1 {
			qty, err := parsePrice("hldg_qty", item.Quantity)
			if err != nil {
				return nil, err
			}
			if qty <= 0 {
				continue
			}
			avg, err := parseAmount("pchs_avg_pric", item.AvgPrice)
			if err != nil {
				return nil, err
			}
			holdings = append(holdings, broker.Holding{
				Code:     item.Code,
				Name:     strings.TrimSpace(item.Name),
				Quantity: qty,
				AvgPrice: avg,
			})
		}

		// "F" and "M" announce another page; "D" and "E" mark the last one.
		switch resp.Header().Get("tr_cont") {
		case "F", "M":
			fk, nk, cont = strings.TrimSpace(result.CtxAreaFK100), strings.TrimSpace(result.CtxAreaNK100), "N"
		default:
			return holdings, nil
		}
	}
	return nil, fmt.Errorf("account balance did not end within %d pages", maxBalancePages)
}

type orderableResponse struct {
	envelope
	Output struct {
		Cash string `json:"ord_psbl_cash"`
	} `json:"output"`
}

// AvailableCash returns the cash that can currently be spent on buy orders.
func (c *Client) AvailableCash(ctx context.Context) (int64, error) {
	req, err := c.authorized(ctx, c.tr.orderable)
	if err != nil {
		return 0, err
	}
	// The inquiry needs a stock code; the cash part of the answer does not depend on it.
	req.SetQueryParams(map[string]string{
		"CANO":                 c.account,
		"ACNT_PRDT_CD":         c.product,
		"PDNO":                 "005930",
		"ORD_UNPR":             "0",
		"ORD_DVSN":             orderMarket,
		"CMA_EVLU_AMT_ICLD_YN": "Y",
		"OVRS_ICLD_YN":         "N",
	}).SetResult(&orderableResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, orderablePath, req, true)
	if err != nil {
		return 0, fmt.Errorf("failed to get orderable cash: %w", err)
	}
	result := resp.Result().(*orderableResponse)
	if err := result.err(); err != nil {
		return 0, fmt.Errorf("failed to get orderable cash: %w", err)
	}
	return parsePrice("ord_psbl_cash", result.Output.Cash)
}

// parseAmount parses a decimal amount such as "71250.5000", truncating to whole won.
func parseAmount(field, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d.IntPart(), nil
}
