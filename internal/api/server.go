// Package api exposes the trading engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kis-trade-bot-go/internal/backtest"
	"kis-trade-bot-go/internal/config"
	"kis-trade-bot-go/internal/models"
	"kis-trade-bot-go/internal/strategy"
	"kis-trade-bot-go/internal/trader"
)

// BacktestStore keeps completed backtest summaries.
type BacktestStore interface {
	SaveBacktestRun(res *backtest.Result) (*models.BacktestRun, error)
}

// Options configure the optional parts of the server.
type Options struct {
	Port int
	// Providers maps a backtest "source" to its data provider. Requests without a
	// source use DefaultSource.
	Providers     map[string]backtest.Provider
	DefaultSource string
	Backtests     BacktestStore
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
	// Config is served redacted by GET /api/config.
	Config config.Config
	// LoadConfig rereads the configuration; it enables POST /api/config/reload.
	LoadConfig func() (config.Config, error)
}

// Server provides an HTTP interface for the trading engine.
type Server struct {
	server *http.Server
	engine *trader.Engine
	opts   Options
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.Config
	// base outlives individual requests; the engine loop started over HTTP runs on it.
	base context.Context
}

// NewServer creates a Server. base bounds the lifetime of an engine started through
// the API.
func NewServer(base context.Context, engine *trader.Engine, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger.Named("api-server"),
		cfg:    opts.Config,
		base:   base,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/engine/status", s.statusHandler)
	mux.HandleFunc("POST /api/engine/{action}", s.engineActionHandler)
	mux.HandleFunc("GET /api/instruments", s.listInstrumentsHandler)
	mux.HandleFunc("POST /api/instruments", s.addInstrumentHandler)
	mux.HandleFunc("GET /api/instruments/{code}", s.getInstrumentHandler)
	mux.HandleFunc("PUT /api/instruments/{code}", s.updateInstrumentHandler)
	mux.HandleFunc("DELETE /api/instruments/{code}", s.deleteInstrumentHandler)
	mux.HandleFunc("POST /api/instruments/{code}/toggle", s.toggleInstrumentHandler)
	mux.HandleFunc("GET /api/trades", s.tradesHandler)
	mux.HandleFunc("POST /api/backtest", s.backtestHandler)
	mux.HandleFunc("GET /api/config", s.configHandler)
	if s.opts.LoadConfig != nil {
		mux.HandleFunc("POST /api/config/reload", s.reloadConfigHandler)
	}
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var cfgErr *strategy.ConfigurationError
	var authErr *trader.AuthenticationError
	var dataErr *backtest.MalformedDataError
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, backtest.ErrInvalidDateRange), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, trader.ErrInstrumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trader.ErrInvalidTransition), errors.Is(err, trader.ErrDuplicateInstrument):
		status = http.StatusConflict
	case errors.As(err, &dataErr), errors.Is(err, backtest.ErrNoData):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &authErr):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) engineActionHandler(w http.ResponseWriter, r *http.Request) {
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = s.engine.Start(s.base)
	case "stop":
		err = s.engine.Stop()
	case "pause":
		err = s.engine.Pause()
	case "resume":
		err = s.engine.Resume()
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown engine action %q", action)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) listInstrumentsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Instruments())
}

func (s *Server) getInstrumentHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Instrument(r.PathValue("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) addInstrumentHandler(w http.ResponseWriter, r *http.Request) {
	var req config.Instrument
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := req.ToStrategy()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.AddInstrument(inst); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) updateInstrumentHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	var req config.Instrument
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Code != "" && req.Code != code {
		s.writeError(w, fmt.Errorf("%w: code %q does not match path %q", errBadRequest, req.Code, code))
		return
	}
	req.Code = code
	inst, err := req.ToStrategy()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.UpdateInstrument(code, inst); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) deleteInstrumentHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteInstrument(r.PathValue("code")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleInstrumentHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	enabled, err := s.engine.ToggleInstrument(code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": code, "enabled": enabled})
}

func (s *Server) tradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.engine.RecentTrades(limit))
}

type backtestRequest struct {
	// Instrument is optional when Code names a registered instrument, whose
	// configuration is then used.
	Instrument     *config.Instrument `json:"instrument,omitempty"`
	Code           string             `json:"code,omitempty"`
	From           strategy.Day       `json:"from"`
	To             strategy.Day       `json:"to"`
	InitialCapital int64              `json:"initial_capital"`
	Intraday       bool               `json:"intraday"`
	CloseAtEnd     bool               `json:"close_at_end"`
	Source         string             `json:"source,omitempty"`
}

func (s *Server) backtestParams(req backtestRequest) (backtest.Params, error) {
	p := backtest.Params{
		From:           req.From,
		To:             req.To,
		InitialCapital: req.InitialCapital,
		Intraday:       req.Intraday,
		CloseAtEnd:     req.CloseAtEnd,
	}
	switch {
	case req.Instrument != nil:
		cfg := *req.Instrument
		if cfg.Code == "" {
			cfg.Code = req.Code
		}
		if cfg.MaxAmount == 0 {
			cfg.MaxAmount = req.InitialCapital
		}
		inst, err := cfg.ToStrategy()
		if err != nil {
			return p, err
		}
		p.Instrument = inst
	case req.Code != "":
		view, err := s.engine.Instrument(req.Code)
		if err != nil {
			return p, err
		}
		p.Instrument = view.Instrument
	default:
		return p, fmt.Errorf("%w: either code or instrument is required", errBadRequest)
	}
	return p, nil
}

func (s *Server) backtestHandler(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.backtestParams(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	source := req.Source
	if source == "" {
		source = s.opts.DefaultSource
	}
	provider, ok := s.opts.Providers[source]
	if !ok {
		s.writeError(w, fmt.Errorf("%w: unknown backtest source %q", errBadRequest, source))
		return
	}

	res, err := backtest.Run(r.Context(), provider, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Backtest completed",
		zap.String("code", p.Instrument.Code),
		zap.String("source", source),
		zap.Int("trades", res.TotalTrades),
		zap.Float64("return_rate", res.TotalReturnRate),
	)

	if s.opts.Backtests != nil {
		if _, err := s.opts.Backtests.SaveBacktestRun(res); err != nil {
			s.logger.Error("Failed to save backtest run", zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	cfg := s.cfg.Redacted()
	s.cfgMu.RUnlock()
	s.writeJSON(w, http.StatusOK, cfg)
}

// reloadConfigHandler rereads the configuration and applies its instrument list to
// the engine. Other sections are only recorded; they take effect on restart.
func (s *Server) reloadConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.opts.LoadConfig()
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	instruments, err := cfg.LoadInstruments()
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.engine.ReloadInstruments(instruments)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.logger.Info("Configuration reloaded",
		zap.Int("added", len(sum.Added)),
		zap.Int("updated", len(sum.Updated)),
		zap.Int("removed", len(sum.Removed)),
	)
	s.writeJSON(w, http.StatusOK, sum)
}
