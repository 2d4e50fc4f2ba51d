package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kis-trade-bot-go/internal/strategy"
)

// Config holds all configuration for the application.
type Config struct {
	KIS         KIS          `mapstructure:"kis" json:"kis"`
	Trading     Trading      `mapstructure:"trading" json:"trading"`
	Instruments []Instrument `mapstructure:"instruments" json:"instruments"`
	Logger      Logger       `mapstructure:"logger" json:"logger"`
	Server      Server       `mapstructure:"server" json:"server"`
	Database    Database     `mapstructure:"database" json:"database"`
	Metrics     Metrics      `mapstructure:"metrics" json:"metrics"`
}

// KIS holds the configuration for the Korea Investment & Securities API.
type KIS struct {
	AppKey    string `mapstructure:"app_key" json:"app_key"`
	AppSecret string `mapstructure:"app_secret" json:"app_secret"`
	// AccountNo is "XXXXXXXX-XX": the 8 digit account and the 2 digit product code.
	AccountNo      string  `mapstructure:"account_no" json:"account_no"`
	Environment    string  `mapstructure:"environment" json:"environment"`
	RateLimit      float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	Timeout        int     `mapstructure:"timeout" json:"timeout"`
}

// Production reports whether the live (non-paper) environment is configured.
func (k KIS) Production() bool {
	return strings.EqualFold(k.Environment, "prod")
}

// Server holds the ports of the control API and the dashboard.
type Server struct {
	Port          int `mapstructure:"port" json:"port"`
	DashboardPort int `mapstructure:"dashboard_port" json:"dashboard_port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
}

// Metrics toggles the prometheus endpoint.
type Metrics struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// Trading holds the configuration for the trading loop.
type Trading struct {
	TickInterval   int    `mapstructure:"tick_interval" json:"tick_interval"`
	MaxDailyTrades int    `mapstructure:"max_daily_trades" json:"max_daily_trades"`
	CallTimeout    int    `mapstructure:"call_timeout" json:"call_timeout"`
	Timezone       string `mapstructure:"timezone" json:"timezone"`
	DryRun         bool   `mapstructure:"dry_run" json:"dry_run"`
	RecentTrades   int    `mapstructure:"recent_trades" json:"recent_trades"`
}

// Location resolves the market timezone.
func (t Trading) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	return loc, nil
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
	// File is an optional log file written in addition to stderr.
	File string `mapstructure:"file" json:"file"`
}

// Instrument is one entry of the instruments list. The HTTP API accepts the same
// shape as JSON.
type Instrument struct {
	Code      string `mapstructure:"code" json:"code,omitempty"`
	Name      string `mapstructure:"name" json:"name,omitempty"`
	Strategy  string `mapstructure:"strategy" json:"strategy,omitempty"`
	MaxAmount int64  `mapstructure:"max_amount" json:"max_amount,omitempty"`
	Enabled   *bool  `mapstructure:"enabled" json:"enabled,omitempty"`
	Priority  *int   `mapstructure:"priority" json:"priority,omitempty"`
	Interval  int    `mapstructure:"interval" json:"interval,omitempty"`

	BuyPrice  int64 `mapstructure:"buy_price" json:"buy_price,omitempty"`
	SellPrice int64 `mapstructure:"sell_price" json:"sell_price,omitempty"`

	K                *float64 `mapstructure:"k" json:"k,omitempty"`
	TargetProfitRate *float64 `mapstructure:"target_profit_rate" json:"target_profit_rate,omitempty"`
	StopLossRate     *float64 `mapstructure:"stop_loss_rate" json:"stop_loss_rate,omitempty"`
	SellAtClose      *bool    `mapstructure:"sell_at_close" json:"sell_at_close,omitempty"`
}

// ToStrategy converts the entry into a validated strategy.Instrument,
// filling omitted optional fields with their defaults.
func (i Instrument) ToStrategy() (strategy.Instrument, error) {
	inst := strategy.Instrument{
		Code:      i.Code,
		Name:      i.Name,
		Kind:      strategy.Kind(i.Strategy),
		MaxAmount: i.MaxAmount,
		Enabled:   true,
		Priority:  strategy.DefaultPriority,
		Interval:  i.Interval,
		Range:     strategy.RangeParams{BuyPrice: i.BuyPrice, SellPrice: i.SellPrice},
		Breakout:  strategy.DefaultBreakoutParams(),
	}
	if i.Enabled != nil {
		inst.Enabled = *i.Enabled
	}
	if i.Priority != nil {
		inst.Priority = *i.Priority
	}
	if i.K != nil {
		inst.Breakout.K = *i.K
	}
	if i.TargetProfitRate != nil {
		inst.Breakout.TargetProfitRate = *i.TargetProfitRate
	}
	if i.StopLossRate != nil {
		inst.Breakout.StopLossRate = *i.StopLossRate
	}
	if i.SellAtClose != nil {
		inst.Breakout.SellAtClose = *i.SellAtClose
	}

	if err := inst.Validate(); err != nil {
		return strategy.Instrument{}, err
	}
	return inst, nil
}

// LoadInstruments converts every configured instrument, failing on the first invalid
// entry or on a duplicated code.
func (c Config) LoadInstruments() ([]strategy.Instrument, error) {
	out := make([]strategy.Instrument, 0, len(c.Instruments))
	seen := make(map[string]struct{}, len(c.Instruments))
	for _, entry := range c.Instruments {
		inst, err := entry.ToStrategy()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[inst.Code]; dup {
			return nil, &strategy.ConfigurationError{Code: inst.Code, Field: "code", Reason: "is configured more than once"}
		}
		seen[inst.Code] = struct{}{}
		out = append(out, inst)
	}
	return out, nil
}

const redactedValue = "********"

// Redacted returns a copy of c that is safe to show: the API credentials, the account
// number and, for server databases, the DSN are masked. The account product code is
// kept so the masked number still identifies the product.
func (c Config) Redacted() Config {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return redactedValue
	}
	c.KIS.AppKey = mask(c.KIS.AppKey)
	c.KIS.AppSecret = mask(c.KIS.AppSecret)
	if acct, product, ok := strings.Cut(c.KIS.AccountNo, "-"); ok && acct != "" {
		c.KIS.AccountNo = redactedValue + "-" + product
	} else {
		c.KIS.AccountNo = mask(c.KIS.AccountNo)
	}
	if !strings.EqualFold(c.Database.Driver, "sqlite") {
		c.Database.DSN = mask(c.Database.DSN)
	}
	c.Instruments = append([]Instrument(nil), c.Instruments...)
	return c
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config file is loaded first without overriding variables
// that are already set.
func LoadConfig(path string) (config Config, err error) {
	if err = loadDotEnv(filepath.Join(path, ".env")); err != nil {
		return
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Keys that only come from the environment must be known to viper to be unmarshalled.
	for _, key := range []string{"kis.app_key", "kis.app_secret", "kis.account_no"} {
		_ = v.BindEnv(key)
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kis.environment", "dev")
	v.SetDefault("kis.rate_limit", 15) // requests per second
	v.SetDefault("kis.rate_limit_burst", 1)
	v.SetDefault("kis.timeout", 10)

	v.SetDefault("trading.tick_interval", 60)
	v.SetDefault("trading.max_daily_trades", 10)
	v.SetDefault("trading.call_timeout", 10)
	v.SetDefault("trading.timezone", "Asia/Seoul")
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.recent_trades", 50)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dashboard_port", 8081)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "trader.db")
	v.SetDefault("metrics.enabled", true)
}

func loadDotEnv(file string) error {
	if _, err := os.Stat(file); err != nil {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}
