package kis

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/strategy"
)

const orderPath = "/uapi/domestic-stock/v1/trading/order-cash"

// Order divisions.
const (
	orderLimit  = "00"
	orderMarket = "01"
)

type orderResponse struct {
	envelope
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	} `json:"output"`
}

// SubmitOrder places a cash order. A positive price places a limit order at that
// price, zero places a market order. A rejection by the brokerage is returned as an
// *APIError.
func (c *Client) SubmitOrder(ctx context.Context, code string, side strategy.Action, quantity, price int64) (*broker.OrderResult, error) {
	var trID string
	switch side {
	case strategy.ActionBuy:
		trID = c.tr.buy
	case strategy.ActionSell:
		trID = c.tr.sell
	default:
		return nil, fmt.Errorf("invalid order side %s", side)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity %d", quantity)
	}

	if c.dryRun {
		seq := atomic.AddInt64(&c.dryRunSeq, 1)
		c.logger.Info("[Dry Run] Order not sent",
			zap.String("code", code),
			zap.Stringer("side", side),
			zap.Int64("quantity", quantity),
			zap.Int64("price", price),
		)
		return &broker.OrderResult{Accepted: true, OrderNo: fmt.Sprintf("DRYRUN-%d", seq), Message: "dry run"}, nil
	}

	division := orderMarket
	if price > 0 {
		division = orderLimit
	}
	body := map[string]string{
		"CANO":         c.account,
		"ACNT_PRDT_CD": c.product,
		"PDNO":         code,
		"ORD_DVSN":     division,
		"ORD_QTY":      strconv.FormatInt(quantity, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	}

	req, err := c.authorized(ctx, trID)
	if err != nil {
		return nil, err
	}
	req.SetBody(body).SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, orderPath, req, false)
	if err != nil {
		c.logger.Error("Failed to submit order",
			zap.Error(err),
			zap.String("code", code),
			zap.Stringer("side", side),
		)
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	result := resp.Result().(*orderResponse)
	if err := result.err(); err != nil {
		return nil, fmt.Errorf("order rejected: %w", err)
	}

	c.logger.Info("Successfully submitted order",
		zap.String("code", code),
		zap.Stringer("side", side),
		zap.String("order_no", result.Output.OrderNo),
	)
	return &broker.OrderResult{Accepted: true, OrderNo: result.Output.OrderNo, Message: result.Msg1}, nil
}
