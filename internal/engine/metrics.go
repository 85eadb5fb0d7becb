package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TicksTotal        prometheus.Counter
	TickErrors        prometheus.Counter
	TickDuration      prometheus.Histogram
	OrdersEvaluated   *prometheus.CounterVec
	FillsTotal        *prometheus.CounterVec
	LiquidationsTotal prometheus.Counter
	MarginCallsTotal  prometheus.Counter
	OpenPositions     prometheus.Gauge
	PriceCacheSize    prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total execution loop ticks.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_tick_errors_total",
			Help: "Ticks that failed and backed off.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Execution loop tick duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		OrdersEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_evaluated_total",
				Help: "Pending orders evaluated, by outcome.",
			},
			[]string{"outcome"},
		),
		FillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_fills_total",
				Help: "Fills executed, by order type.",
			},
			[]string{"order_type"},
		),
		LiquidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_liquidations_total",
			Help: "Positions force-closed by the risk monitor.",
		}),
		MarginCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_margin_calls_total",
			Help: "Margin call events emitted.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Open positions tracked in the in-memory mirror.",
		}),
		PriceCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_price_cache_symbols",
			Help: "Symbols currently held in the price cache.",
		}),
	}

	registry.MustRegister(
		m.TicksTotal, m.TickErrors, m.TickDuration,
		m.OrdersEvaluated, m.FillsTotal,
		m.LiquidationsTotal, m.MarginCallsTotal,
		m.OpenPositions, m.PriceCacheSize,
	)
	return m
}

func (m *Metrics) ObserveTick(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(duration.Seconds())
	if err != nil {
		m.TickErrors.Inc()
	}
}

func (m *Metrics) IncOrderOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OrdersEvaluated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFill(orderType string) {
	if m == nil {
		return
	}
	m.FillsTotal.WithLabelValues(orderType).Inc()
}

func (m *Metrics) IncLiquidation() {
	if m == nil {
		return
	}
	m.LiquidationsTotal.Inc()
}

func (m *Metrics) IncMarginCall() {
	if m == nil {
		return
	}
	m.MarginCallsTotal.Inc()
}

func (m *Metrics) SetGauges(openPositions, priceCacheSize int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(openPositions))
	m.PriceCacheSize.Set(float64(priceCacheSize))
}
