package trader

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	ticks         prometheus.Counter
	orders        *prometheus.CounterVec
	orderFailures prometheus.Counter
	quoteFailures prometheus.Counter
	suppressed    prometheus.Counter
	status        prometheus.Gauge
	tradesToday   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks:         prometheus.NewCounter(prometheus.CounterOpts{Name: "trader_ticks_total", Help: "Scheduling ticks that processed instruments"}),
		orders:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trader_orders_total", Help: "Orders executed by side"}, []string{"side"}),
		orderFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "trader_order_failures_total", Help: "Orders that failed or were rejected"}),
		quoteFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "trader_quote_failures_total", Help: "Failed quote fetches"}),
		suppressed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "trader_decisions_suppressed_total", Help: "Decisions blocked by the daily trade cap"}),
		status:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "trader_engine_status", Help: "0=stopped, 1=running, 2=paused"}),
		tradesToday:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "trader_trades_today", Help: "Trades executed in the current trading day"}),
	}
	reg.MustRegister(m.ticks, m.orders, m.orderFailures, m.quoteFailures, m.suppressed, m.status, m.tradesToday)
	return m
}
