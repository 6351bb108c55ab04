package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric names emitted by the scheduler and supervisor.
const (
	MetricUnitsAdmitted   = "batchprover_units_admitted_total"
	MetricUnitsFinished   = "batchprover_units_finished_total"
	MetricUnitsCached     = "batchprover_units_cached_total"
	MetricUnitDuration    = "batchprover_unit_duration"
	MetricUnitPeakMemory  = "batchprover_unit_peak_memory_bytes"
	MetricPoolCoresFree   = "batchprover_pool_cores_available"
	MetricPoolMemoryFree  = "batchprover_pool_memory_gb_available"
	MetricUnitsRunning    = "batchprover_units_running"
	MetricUnitsPending    = "batchprover_units_pending"
	defaultFlushThreshold = 500
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics in memory. Counters accumulate and gauges keep
// their latest value; histogram and timer samples are kept until flushed.
type Collector struct {
	mu      sync.RWMutex
	enabled bool
	samples []Metric
	latest  map[string]Metric
	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled: enabled,
		latest:  make(map[string]Metric),
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if enabled {
		go c.periodicFlush()
	}
	return c
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.enabled }

// Counter adds value to a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := seriesKey(name, labels)
	m := c.latest[key]
	m.Name, m.Type, m.Labels = name, Counter, labels
	m.Value += value
	m.Timestamp = time.Now()
	c.latest[key] = m
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[seriesKey(name, labels)] = Metric{Name: name, Type: Gauge, Value: value, Labels: labels, Timestamp: time.Now()}
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.addSample(Metric{Name: name, Type: Histogram, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addSample(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) addSample(metric Metric) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, metric)
	if len(c.samples) >= defaultFlushThreshold {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns counters and gauges followed by buffered samples.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, 0, len(c.latest)+len(c.samples))
	for _, m := range c.latest {
		out = append(out, m)
	}
	return append(out, c.samples...)
}

// Value returns the current value of a counter or gauge series.
func (c *Collector) Value(name string, labels map[string]string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[seriesKey(name, labels)]
	return m.Value, ok
}

// FlushMetrics logs and drops buffered samples.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	samples := c.samples
	c.samples = nil
	c.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	log.Debug().Int("count", len(samples)).Msg("Flushing telemetry samples")
	for _, metric := range samples {
		log.Trace().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

// periodicFlush flushes samples every 30 seconds
func (c *Collector) periodicFlush() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		case <-c.flushCh:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

// Global collector instance
var (
	globalMu        sync.RWMutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.RLock()
	c := globalCollector
	globalMu.RUnlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}
