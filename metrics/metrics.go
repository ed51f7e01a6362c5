// Package metrics 去背景服务的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "removebg"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector 收集指标；nil 接收者上的方法都是空操作，测试里可以直接传 nil
type Collector struct {
	registry *prometheus.Registry

	removalTotal    *prometheus.CounterVec
	removalDuration *prometheus.HistogramVec
	sessionTotal    *prometheus.CounterVec
	batchItemTotal  *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
}

// New 使用独立的 registry，避免与全局默认 registry 冲突
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		removalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Background removals by model and outcome.",
		}, []string{"model", "outcome"}),
		removalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "removal_duration_seconds",
			Help:      "Duration of background removals, inference and compositing included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Model session constructions by model and outcome.",
		}, []string{"model", "outcome"}),
		batchItemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items processed by outcome.",
		}, []string{"outcome"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_total",
			Help:      "Result cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.removalTotal,
		c.removalDuration,
		c.sessionTotal,
		c.batchItemTotal,
		c.cacheTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 底层 registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveRemoval(model string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.removalTotal.WithLabelValues(model, outcome(err)).Inc()
	c.removalDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (c *Collector) ObserveSession(model string, err error) {
	if c == nil {
		return
	}
	c.sessionTotal.WithLabelValues(model, outcome(err)).Inc()
}

func (c *Collector) ObserveBatchItem(err error) {
	if c == nil {
		return
	}
	c.batchItemTotal.WithLabelValues(outcome(err)).Inc()
}

func (c *Collector) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheTotal.WithLabelValues(result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
