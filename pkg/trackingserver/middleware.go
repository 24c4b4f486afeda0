package trackingserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mimir-aip/labelnoise/pkg/models"
)

type serverMetrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	runsReaped prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		// Labels: method, route (mux path template), code
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labelnoise",
			Subsystem: "tracker",
			Name:      "requests_total",
			Help:      "Total tracker HTTP requests",
		}, []string{"method", "route", "code"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labelnoise",
			Subsystem: "tracker",
			Name:      "request_duration_seconds",
			Help:      "Tracker HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route"}),

		runsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "labelnoise",
			Subsystem: "tracker",
			Name:      "runs_reaped_total",
			Help:      "Runs marked KILLED after staying RUNNING too long",
		}),
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// loggingMiddleware logs HTTP requests and responses
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Float64("duration_ms", time.Since(start).Seconds()*1000),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// metricsMiddleware records request counts and latency per route
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := routeName(r)
		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		s.metrics.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// recoveryMiddleware recovers from panics and logs errors
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("Panic recovered",
					zap.Error(fmt.Errorf("panic: %v", err)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, models.ErrorCodeInternal, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}
