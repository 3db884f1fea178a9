package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/service"
)

const namespace = "activityrank"

// Metrics 进程内指标集合，使用独立 Registry，不污染全局默认注册表
type Metrics struct {
	registry *prometheus.Registry

	outcomes    *prometheus.CounterVec
	points      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec

	queueDepth  prometheus.Gauge
	retries     prometheus.Counter
	deadLetters prometheus.Counter
	applyTime   prometheus.Histogram

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Activity events processed, by action and outcome.",
		}, []string{"action", "outcome"}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_total",
			Help:      "Absolute points written to leaderboards, by outcome.",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed score store calls, by operation.",
		}, []string{"op"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "queue_depth",
			Help:      "Events waiting in the dispatcher queues.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "retries_total",
			Help:      "Event redeliveries after retryable failures.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "dead_letters_total",
			Help:      "Events dropped after exhausting retries.",
		}),
		applyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one event, including retries.",
			Buckets:   prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.outcomes, m.points, m.storeErrors,
		m.queueDepth, m.retries, m.deadLetters, m.applyTime,
		m.requests, m.durations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOutcome 实现 service.ScoringObserver
func (m *Metrics) ObserveOutcome(action schema.ActionCode, outcome service.Outcome) {
	m.outcomes.WithLabelValues(action.String(), outcome.String()).Inc()
}

func (m *Metrics) ObservePoints(outcome service.Outcome, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	m.points.WithLabelValues(outcome.String()).Add(float64(amount))
}

func (m *Metrics) ObserveStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// 消费端指标

func (m *Metrics) QueueDepthAdd(delta float64) { m.queueDepth.Add(delta) }
func (m *Metrics) RetryInc()                   { m.retries.Inc() }
func (m *Metrics) DeadLetterInc()              { m.deadLetters.Inc() }

func (m *Metrics) ObserveApply(d time.Duration) {
	m.applyTime.Observe(d.Seconds())
}

// GinMiddleware 记录请求数与耗时；route 取路由模板避免高基数
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.durations.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 供测试读取
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ service.ScoringObserver = (*Metrics)(nil)
