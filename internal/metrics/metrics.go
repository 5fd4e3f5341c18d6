// Package metrics exposes engine health as Prometheus collectors:
//   - engine_ticks_total{status,result}        monitoring ticks by trade status
//   - engine_tick_duration_seconds             tick latency
//   - engine_gateway_errors_total{op,kind}     classified gateway failures
//   - engine_running_tasks                     live per-trade tasks
//   - engine_events_total{type}                committed trade events
//   - engine_trades_closed_total{reason}       closed trades by reason
//   - engine_http_requests_total{method,route,code}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
)

// Collector owns the engine's metrics and the registry serving them
type Collector struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	gatewayErrors *prometheus.CounterVec
	runningTasks  prometheus.Gauge
	events        *prometheus.CounterVec
	tradesClosed  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// NewCollector registers the engine metrics plus Go runtime collectors on a
// private registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_ticks_total",
				Help: "Monitoring ticks by trade status and result (ok|error)",
			},
			[]string{"status", "result"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_tick_duration_seconds",
				Help:    "Duration of one monitoring tick including gateway calls",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_gateway_errors_total",
				Help: "Gateway failures by operation and kind (transient|rejected|not_found)",
			},
			[]string{"op", "kind"},
		),
		runningTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_running_tasks",
				Help: "Trades with a live monitoring task",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_events_total",
				Help: "Committed trade events by type",
			},
			[]string{"type"},
		),
		tradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_closed_total",
				Help: "Closed trades by reason",
			},
			[]string{"reason"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_http_requests_total",
				Help: "Operator API requests",
			},
			[]string{"method", "route", "code"},
		),
	}

	c.registry.MustRegister(
		c.ticks, c.tickDuration, c.gatewayErrors, c.runningTasks,
		c.events, c.tradesClosed, c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveTick implements lifecycle.Observer
func (c *Collector) ObserveTick(status database.TradeStatus, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ticks.WithLabelValues(string(status), result).Inc()
	c.tickDuration.Observe(elapsed.Seconds())
}

// ObserveGatewayError implements lifecycle.Observer
func (c *Collector) ObserveGatewayError(op string, kind gateway.ErrorKind) {
	c.gatewayErrors.WithLabelValues(op, string(kind)).Inc()
}

// ObserveRunningTasks implements lifecycle.Observer
func (c *Collector) ObserveRunningTasks(n int) {
	c.runningTasks.Set(float64(n))
}

// ObserveHTTP counts one API request
func (c *Collector) ObserveHTTP(method, route string, code int) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// Subscribe counts every committed event published on bus
func (c *Collector) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(c.onEvent)
}

func (c *Collector) onEvent(ev events.TradeEvent) {
	c.events.WithLabelValues(string(ev.Type)).Inc()
	if ev.Type == events.TradeClosed {
		reason, _ := ev.Payload["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		c.tradesClosed.WithLabelValues(reason).Inc()
	}
}

// Handler serves the registry in Prometheus text exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
