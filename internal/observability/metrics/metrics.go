package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scholarvault"

// Registry 持有服务暴露的所有指标，每个实例使用独立的 prometheus.Registry。
type Registry struct {
	reg            *prometheus.Registry
	requests       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	releases       *prometheus.CounterVec
	releasedAmount prometheus.Counter
}

// New 创建并注册全部指标，同时附带 Go 运行时与进程指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a 5xx response.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Grant release attempts by outcome.",
		}, []string{"outcome"}),
		releasedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_amount_total",
			Help:      "Sum of amounts moved by successful releases.",
		}),
	}
	r.reg.MustRegister(
		r.requests,
		r.errors,
		r.latency,
		r.releases,
		r.releasedAmount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.errors.WithLabelValues(handler, method).Inc()
	}
	r.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRelease 记录一次放款尝试，只有成功放款计入金额。
func (r *Registry) ObserveRelease(outcome string, amount uint64) {
	if r == nil {
		return
	}
	r.releases.WithLabelValues(outcome).Inc()
	if outcome == "released" {
		r.releasedAmount.Add(float64(amount))
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer 暴露底层注册表，便于测试读取指标。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
