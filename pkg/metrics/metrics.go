package metrics

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProgramsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "procman_programs_running",
		Help: "Number of supervised programs currently in the running state",
	})
	ProgramRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_program_restarts_total",
			Help: "Program restarts by program and trigger (exit, health_failure, manual)",
		},
		[]string{"program", "trigger"},
	)
	ProgramExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_program_exits_total",
			Help: "Program exits by program and kind (expected, unexpected, stopped)",
		},
		[]string{"program", "kind"},
	)
	LogLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_log_lines_total",
			Help: "Captured log lines by program and stream",
		},
		[]string{"program", "stream"},
	)
	LogBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_log_bytes_total",
			Help: "Captured log bytes by program and stream",
		},
		[]string{"program", "stream"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procman_http_requests_total",
			Help: "Control API requests by path, method and status",
		},
		[]string{"path", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procman_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

func init() {
	prometheus.MustRegister(ProgramsRunning, ProgramRestarts, ProgramExits, LogLines, LogBytes, HTTPRequests, HTTPLatency)
}

// Handler returns gin middleware recording request counts and latency.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start).Seconds()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		HTTPLatency.WithLabelValues(path, c.Request.Method).Observe(dur)
		HTTPRequests.WithLabelValues(path, c.Request.Method, fmt.Sprintf("%d", c.Writer.Status())).Inc()
	}
}

// Exposer returns the standard Prometheus exposition handler.
func Exposer() gin.HandlerFunc { return gin.WrapH(promhttp.Handler()) }
