package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kis-trade-bot-go/internal/api"
	"kis-trade-bot-go/internal/backtest"
	"kis-trade-bot-go/internal/config"
	"kis-trade-bot-go/internal/database"
	"kis-trade-bot-go/internal/kis"
	"kis-trade-bot-go/internal/logger"
	"kis-trade-bot-go/internal/strategy"
	"kis-trade-bot-go/internal/trader"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "kis-trader",
		Short:         "Automated stock trading on Korea Investment & Securities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./configs", "Directory containing config.yml and .env")

	rootCmd.AddCommand(newRunCmd(&configDir))
	rootCmd.AddCommand(newBacktestCmd(&configDir))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// app holds what every command builds from the configuration.
type app struct {
	dir string
	cfg config.Config
	log *zap.Logger
	loc *time.Location
}

func setup(configDir string) (*app, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	loc, err := cfg.Trading.Location()
	if err != nil {
		return nil, err
	}
	return &app{dir: configDir, cfg: cfg, log: log, loc: loc}, nil
}

func newRunCmd(configDir *string) *cobra.Command {
	var autostart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configDir)
			if err != nil {
				return err
			}
			defer a.log.Sync()
			return a.run(autostart)
		},
	}
	cmd.Flags().BoolVar(&autostart, "start", true, "Start the engine immediately instead of waiting for the API")
	return cmd
}

func (a *app) run(autostart bool) error {
	log, cfg := a.log, a.cfg
	log.Info("Configuration loaded",
		zap.String("environment", cfg.KIS.Environment),
		zap.Bool("dry_run", cfg.Trading.DryRun),
	)

	configured, err := cfg.LoadInstruments()
	if err != nil {
		return err
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return err
	}
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	repo := database.NewRepository(db, cfg.Trading.DryRun)
	instruments, err := repo.SeedInstruments(configured)
	if err != nil {
		return err
	}

	client := kis.NewClient(&cfg.KIS, cfg.Trading.DryRun, a.loc, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *trader.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		metrics = trader.NewMetrics(reg)
		gatherer = reg
	}

	engine, err := trader.NewEngine(log, client, repo, metrics, trader.Options{
		TickInterval:   time.Duration(cfg.Trading.TickInterval) * time.Second,
		MaxDailyTrades: cfg.Trading.MaxDailyTrades,
		CallTimeout:    time.Duration(cfg.Trading.CallTimeout) * time.Second,
		Location:       a.loc,
		RecentTrades:   cfg.Trading.RecentTrades,
	}, instruments)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(ctx, engine, api.Options{
		Port: cfg.Server.Port,
		Providers: map[string]backtest.Provider{
			"kis":    backtest.HistoryProvider{History: client},
			"sample": backtest.SampleProvider{Location: a.loc},
		},
		DefaultSource: "kis",
		Backtests:     repo,
		Gatherer:      gatherer,
		Config:        cfg,
		LoadConfig:    func() (config.Config, error) { return config.LoadConfig(a.dir) },
	}, log)
	server.Start()

	if autostart {
		if err := engine.Start(ctx); err != nil {
			log.Error("Engine did not start", zap.Error(err))
		}
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	if engine.Status() != trader.StatusStopped {
		if err := engine.Stop(); err != nil {
			log.Warn("Engine stop", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
	return nil
}

type backtestFlags struct {
	code       string
	from, to   string
	capital    int64
	intraday   bool
	closeAtEnd bool
	source     string
	seed       int64
	save       bool
}

func newBacktestCmd(configDir *string) *cobra.Command {
	var f backtestFlags

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical prices through a configured instrument",
		Long: `Replay historical daily or intraday bars through the strategy of a configured
instrument and print the resulting trades and performance.
Example: kis-trader backtest --code 005930 --from 2024-01-02 --to 2024-03-29`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configDir)
			if err != nil {
				return err
			}
			defer a.log.Sync()
			return a.backtest(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.code, "code", "", "Instrument code from the configuration")
	cmd.Flags().StringVar(&f.from, "from", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.to, "to", "", "Last day, YYYY-MM-DD")
	cmd.Flags().Int64Var(&f.capital, "capital", 10000000, "Initial capital in KRW")
	cmd.Flags().BoolVar(&f.intraday, "intraday", false, "Use minute bars instead of daily bars")
	cmd.Flags().BoolVar(&f.closeAtEnd, "close-at-end", false, "Liquidate an open position at the last close")
	cmd.Flags().StringVar(&f.source, "source", "kis", "Price source: kis or sample")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Seed of the sample price source")
	cmd.Flags().BoolVar(&f.save, "save", false, "Store the run summary in the database")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) backtest(ctx context.Context, f backtestFlags) error {
	from, err := strategy.ParseDay(f.from)
	if err != nil {
		return err
	}
	to, err := strategy.ParseDay(f.to)
	if err != nil {
		return err
	}

	instruments, err := a.cfg.LoadInstruments()
	if err != nil {
		return err
	}
	var inst *strategy.Instrument
	for i := range instruments {
		if instruments[i].Code == f.code {
			inst = &instruments[i]
			break
		}
	}
	if inst == nil {
		return fmt.Errorf("%s: %w", f.code, trader.ErrInstrumentNotFound)
	}

	var provider backtest.Provider
	switch f.source {
	case "kis":
		provider = backtest.HistoryProvider{History: kis.NewClient(&a.cfg.KIS, true, a.loc, a.log)}
	case "sample":
		provider = backtest.SampleProvider{Seed: f.seed, Location: a.loc}
	default:
		return fmt.Errorf("unknown price source %q", f.source)
	}

	res, err := backtest.Run(ctx, provider, backtest.Params{
		Instrument:     *inst,
		From:           from,
		To:             to,
		InitialCapital: f.capital,
		Intraday:       f.intraday,
		CloseAtEnd:     f.closeAtEnd,
	})
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, renderReport(res))

	if f.save {
		db, err := database.NewDatabase(a.cfg.Database)
		if err != nil {
			return err
		}
		run, err := database.NewRepository(db, true).SaveBacktestRun(res)
		if err != nil {
			return err
		}
		a.log.Info("Backtest run saved", zap.Uint("id", run.ID))
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("kis-trader " + version)
		},
	}
}
