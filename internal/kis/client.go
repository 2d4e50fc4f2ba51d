package kis

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kis-trade-bot-go/internal/broker"
	"kis-trade-bot-go/internal/config"
)

const (
	prodBaseURL = "https://openapi.koreainvestment.com:9443"
	devBaseURL  = "https://openapivts.koreainvestment.com:29443"

	tokenPath = "/oauth2/tokenP"

	marketStock = "J"
	maxRetries  = 3
)

// Transaction ids per operation. Paper trading uses the V-prefixed order ids.
type trIDs struct {
	price       string
	dailyPrice  string
	minutePrice string
	buy         string
	sell        string
	balance     string
	orderable   string
}

var (
	prodTR = trIDs{price: "FHKST01010100", dailyPrice: "FHKST01010400", minutePrice: "FHKST03010200", buy: "TTTC0802U", sell: "TTTC0801U", balance: "TTTC8434R", orderable: "TTTC8908R"}
	devTR  = trIDs{price: "FHKST01010100", dailyPrice: "FHKST01010400", minutePrice: "FHKST03010200", buy: "VTTC0802U", sell: "VTTC0801U", balance: "VTTC8434R", orderable: "VTTC8908R"}
)

// Client is a client for the KIS open trading REST API.
// It implements broker.Broker, broker.Account and broker.History.
type Client struct {
	client    *resty.Client
	appKey    string
	appSecret string
	account   string
	product   string
	tr        trIDs
	loc       *time.Location
	dryRun    bool
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu          sync.RWMutex
	token       string
	tokenType   string
	tokenExpiry time.Time

	dryRunSeq int64
}

var (
	_ broker.Broker  = (*Client)(nil)
	_ broker.Account = (*Client)(nil)
	_ broker.History = (*Client)(nil)
)

// NewClient creates a new KIS REST API client. loc is the market timezone used to
// interpret dates returned by the API.
func NewClient(cfg *config.KIS, dryRun bool, loc *time.Location, logger *zap.Logger) *Client {
	url, tr := devBaseURL, devTR
	if cfg.Production() {
		url, tr = prodBaseURL, prodTR
		logger.Info("Using KIS production API")
	} else {
		logger.Warn("Using KIS paper trading API")
	}

	client := resty.New().
		SetBaseURL(url).
		SetTimeout(time.Duration(cfg.Timeout) * time.Second)

	account, product, _ := strings.Cut(cfg.AccountNo, "-")

	return &Client{
		client:    client,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		account:   account,
		product:   product,
		tr:        tr,
		loc:       loc,
		dryRun:    dryRun,
		logger:    logger.Named("kis"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
	}
}

// APIError is a response whose rt_cd reports a failure.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kis api error %s: %s", e.Code, e.Message)
}

// envelope is the common part of every KIS response.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e envelope) err() error {
	if e.RtCd == "0" {
		return nil
	}
	return &APIError{Code: e.MsgCd, Message: strings.TrimSpace(e.Msg1)}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	// Set by the token endpoint on rejection.
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
}

// Authenticate issues a new access token.
func (c *Client) Authenticate(ctx context.Context) error {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"appsecret":  c.appSecret,
	}

	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&tokenResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, tokenPath, req, true)
	if err != nil {
		return fmt.Errorf("failed to issue access token: %w", err)
	}

	result := resp.Result().(*tokenResponse)
	if result.AccessToken == "" {
		reason := result.ErrorDescription
		if reason == "" {
			reason = "empty access token"
		}
		return fmt.Errorf("failed to issue access token: %s", reason)
	}

	tokenType := result.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiry := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)

	c.mu.Lock()
	c.token = result.AccessToken
	c.tokenType = tokenType
	c.tokenExpiry = expiry
	c.mu.Unlock()

	c.logger.Info("Access token issued", zap.Time("expires_at", expiry))
	return nil
}

// authorized returns a request carrying the auth headers and tr_id, re-issuing the
// token first when it is missing or expired.
func (c *Client) authorized(ctx context.Context, trID string) (*resty.Request, error) {
	c.mu.RLock()
	token, tokenType, expiry := c.token, c.tokenType, c.tokenExpiry
	c.mu.RUnlock()

	if token == "" || (!expiry.IsZero() && time.Now().After(expiry.Add(-time.Minute))) {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		c.mu.RLock()
		token, tokenType = c.token, c.tokenType
		c.mu.RUnlock()
	}

	return c.client.R().SetHeaders(map[string]string{
		"Content-Type":  "application/json; charset=utf-8",
		"authorization": tokenType + " " + token,
		"appkey":        c.appKey,
		"appsecret":     c.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}), nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Requests that are not idempotent are only retried when the server rejected them
// before processing (HTTP 429).
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	req.SetContext(ctx)

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			switch {
			case statusCode == http.StatusTooManyRequests:
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case statusCode >= 500:
				shouldRetry = idempotent
			}
			if !shouldRetry {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			err = fmt.Errorf("status %s", resp.Status())
		} else if !idempotent {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

func parsePrice(field, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return n, nil
}
