package observ

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hackerchat_ws_connections",
		Help: "Current number of open websocket connections on this instance",
	})
	WSEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hackerchat_ws_events_total",
		Help: "Inbound websocket events by kind and outcome",
	}, []string{"kind", "outcome"})
	PresenceSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hackerchat_presence_swept_total",
		Help: "Users forced offline by the presence sweep",
	})
	FanoutErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hackerchat_fanout_errors_total",
		Help: "Fan-out failures that were logged and dropped",
	}, []string{"stage"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WSConnections,
		WSEventsTotal,
		PresenceSweptTotal,
		FanoutErrorsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// GinMetrics records request count and latency per route template.
func GinMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
