package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes health, metrics and run progress over HTTP
// while a batch is running.
type MonitoringServer struct {
	collector    *Collector
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	progress     func() any
	server       *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the route table; useful for tests.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/health", ms.apiHealthHandler)
	mux.HandleFunc("/api/progress", ms.progressHandler)
	return mux
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	w.Header().Set("Content-Type", "application/json")
	if status != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style metrics
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := ms.collector.GetMetrics()
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Name < metrics[j].Name })

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := map[string]bool{}
	for _, metric := range metrics {
		if !typed[metric.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, promType(metric.Type))
			typed[metric.Name] = true
		}
		fmt.Fprintf(w, "%s%s %g %d\n", metric.Name, formatLabels(metric.Labels), metric.Value, metric.Timestamp.UnixMilli())
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

func (ms *MonitoringServer) progressHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	fn := ms.progress
	ms.mu.RUnlock()
	if fn == nil {
		http.Error(w, "no run in progress", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fn())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

// SetProgress installs the snapshot function served at /api/progress.
func (ms *MonitoringServer) SetProgress(fn func() any) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.progress = fn
}

func (ms *MonitoringServer) overall() (HealthStatus, []HealthCheck) {
	checks := ms.runHealthChecks()
	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy, checks
		}
		if check.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status, checks
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for name, fn := range ms.healthChecks {
		names = append(names, name)
		fns[name] = fn
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown is called.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server == nil {
		return nil
	}
	return ms.server.Shutdown(ctx)
}

// DefaultHealthChecks returns the process-level health checks.
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)
			if count > 5000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: message,
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}

func promType(t MetricType) string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return "untyped"
	}
}

// formatLabels renders labels as {k="v",...} with sorted keys.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf(`%s=%q`, k, labels[k])
	}
	return "{" + strings.Join(pairs, ",") + "}"
}
