package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// PerformanceMonitor tracks per-unit execution metrics and, when enabled,
// the supervisor process's own runtime footprint.
type PerformanceMonitor struct {
	mu          sync.Mutex
	enabled     bool
	collector   *Collector
	startTime   time.Time
	lastMetrics runtime.MemStats
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor(collector *Collector, enabled bool) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PerformanceMonitor{
		enabled:   enabled,
		collector: collector,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if enabled {
		go pm.collectSystemMetrics()
	}
	return pm
}

func (pm *PerformanceMonitor) collectSystemMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.recordSystemMetrics()
		}
	}
}

func (pm *PerformanceMonitor) recordSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	labels := map[string]string{"component": "system"}
	pm.collector.Gauge("batchprover_memory_heap_bytes", float64(m.HeapAlloc), labels)
	pm.collector.Counter("batchprover_gc_total", float64(m.NumGC-pm.lastMetrics.NumGC), labels)
	pm.collector.Gauge("batchprover_goroutines_total", float64(runtime.NumGoroutine()), labels)
	pm.collector.Gauge("batchprover_uptime_seconds", time.Since(pm.startTime).Seconds(), labels)
	pm.lastMetrics = m
}

// RecordUnitMetrics records one finished unit.
func (pm *PerformanceMonitor) RecordUnitMetrics(task, alias, outcome string, duration time.Duration, peakMemory uint64, cached bool) {
	if !pm.enabled {
		return
	}
	labels := map[string]string{
		"task":    task,
		"tool":    alias,
		"outcome": outcome,
	}
	pm.collector.Counter(MetricUnitsFinished, 1, labels)
	if cached {
		pm.collector.Counter(MetricUnitsCached, 1, map[string]string{"task": task})
		return
	}
	pm.collector.Timer(MetricUnitDuration, duration, labels)
	pm.collector.Histogram(MetricUnitPeakMemory, float64(peakMemory), labels)
}

// RecordRunMetrics records the aggregate outcome of a run.
func (pm *PerformanceMonitor) RecordRunMetrics(total, succeeded, failed int, wall time.Duration) {
	if !pm.enabled {
		return
	}
	labels := map[string]string{"component": "run"}
	pm.collector.Timer("batchprover_run_duration", wall, labels)
	pm.collector.Gauge("batchprover_run_units", float64(total), labels)
	if total > 0 {
		pm.collector.Gauge("batchprover_run_success_rate", float64(succeeded)/float64(total)*100, labels)
	}
	pm.collector.Gauge("batchprover_run_failed_units", float64(failed), labels)
}

// Shutdown stops the performance monitor
func (pm *PerformanceMonitor) Shutdown() {
	if pm.cancel != nil {
		pm.cancel()
	}
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	d := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, d, ts.labels)
	return d
}
