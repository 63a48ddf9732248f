package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/internal/worker"
	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/utils"
)

// Collector exports instance and worker activity as Prometheus metrics. It
// satisfies both instance.Observer and worker.Observer.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	detailed *DetailedMetrics
	log      zerolog.Logger

	// Access layer
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	mountCounter      *prometheus.CounterVec
	generationGauge   *prometheus.GaugeVec
	readyGauge        *prometheus.GaugeVec
	suspendCounter    *prometheus.CounterVec

	// Record API
	queueDepth        *prometheus.GaugeVec
	completionCounter *prometheus.CounterVec
	completionBytes   *prometheus.HistogramVec
	completionLatency *prometheus.HistogramVec
	rejectedCounter   *prometheus.CounterVec

	mu     sync.Mutex
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "flashfs",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	collector := &Collector{
		config:   config,
		detailed: NewDetailedMetrics(),
		log:      utils.ComponentLogger("metrics"),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Registry returns the Prometheus registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Detailed returns the in-process operation statistics.
func (c *Collector) Detailed() *DetailedMetrics { return c.detailed }

// Register adds an extra collector, such as a DeviceCollector, to the
// registry. It is a no-op when metrics are disabled.
func (c *Collector) Register(extra prometheus.Collector) error {
	if !c.config.Enabled {
		return nil
	}
	return c.registry.Register(extra)
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Int("port", c.config.Port).Msg("metrics server error")
		}
	}()

	c.log.Info().Int("port", c.config.Port).Str("path", c.config.Path).Msg("metrics server started")
	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// ObserveOp records one synchronous access
func (c *Collector) ObserveOp(fs int, op string, took time.Duration, err error) {
	c.detailed.RecordOperation(fs, op, took, err)
	if !c.config.Enabled {
		return
	}

	fsLabel := strconv.Itoa(fs)
	status := "success"
	if err != nil {
		status = "error"
		c.errorCounter.With(prometheus.Labels{
			"operation": op,
			"type":      classifyError(err),
		}).Inc()
	}
	c.operationCounter.With(prometheus.Labels{"fs": fsLabel, "operation": op, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": op}).Observe(took.Seconds())
}

// ObserveMount records a mount outcome
func (c *Collector) ObserveMount(fs int, generation uint32, ready bool) {
	if !c.config.Enabled {
		return
	}

	fsLabel := strconv.Itoa(fs)
	result, readyValue := "success", 1.0
	if !ready {
		result, readyValue = "failure", 0
	}
	c.mountCounter.With(prometheus.Labels{"fs": fsLabel, "result": result}).Inc()
	c.generationGauge.With(prometheus.Labels{"fs": fsLabel}).Set(float64(generation))
	c.readyGauge.With(prometheus.Labels{"fs": fsLabel}).Set(readyValue)
}

// ObserveSuspend records a device suspend
func (c *Collector) ObserveSuspend(fs int) {
	if !c.config.Enabled {
		return
	}
	c.suspendCounter.With(prometheus.Labels{"fs": strconv.Itoa(fs)}).Inc()
}

// ObserveQueue records a queue depth change
func (c *Collector) ObserveQueue(kind worker.Kind, depth int) {
	if !c.config.Enabled {
		return
	}
	c.queueDepth.With(prometheus.Labels{"kind": kind.String()}).Set(float64(depth))
}

// ObserveCompletion records a completed record request
func (c *Collector) ObserveCompletion(kind worker.Kind, n int, latency time.Duration) {
	c.detailed.RecordCompletion(kind.String(), n, latency)
	if !c.config.Enabled {
		return
	}

	result := "ok"
	if n == 0 {
		result = "empty"
	}
	k := kind.String()
	c.completionCounter.With(prometheus.Labels{"kind": k, "result": result}).Inc()
	c.completionBytes.With(prometheus.Labels{"kind": k}).Observe(float64(n))
	c.completionLatency.With(prometheus.Labels{"kind": k}).Observe(latency.Seconds())
}

// ObserveRejected records a request refused by a full queue
func (c *Collector) ObserveRejected(kind worker.Kind) {
	if !c.config.Enabled {
		return
	}
	c.rejectedCounter.With(prometheus.Labels{"kind": kind.String()}).Inc()
}

// Helper methods

func (c *Collector) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, labels)
}

func (c *Collector) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
		Buckets:     buckets,
	}, labels)
}

func (c *Collector) initMetrics() {
	c.operationCounter = c.counterVec("operations_total", "Total number of filesystem accesses", "fs", "operation", "status")
	c.operationDuration = c.histogramVec("operation_duration_seconds", "Duration of filesystem accesses in seconds",
		prometheus.ExponentialBuckets(0.00005, 2, 16), "operation") // 50us to ~1.6s
	c.errorCounter = c.counterVec("errors_total", "Total number of failed accesses", "operation", "type")
	c.mountCounter = c.counterVec("mounts_total", "Total number of mount attempts", "fs", "result")
	c.generationGauge = c.gaugeVec("mount_generation", "Current mount generation", "fs")
	c.readyGauge = c.gaugeVec("ready", "Whether the instance is mounted", "fs")
	c.suspendCounter = c.counterVec("suspends_total", "Total number of idle device suspends", "fs")

	c.queueDepth = c.gaugeVec("queue_depth", "Requests waiting in the record queue", "kind")
	c.completionCounter = c.counterVec("completions_total", "Total number of completed record requests", "kind", "result")
	c.completionBytes = c.histogramVec("completion_bytes", "Bytes transferred per record request",
		prometheus.ExponentialBuckets(16, 4, 8), "kind") // 16B to 256KB
	c.completionLatency = c.histogramVec("completion_latency_seconds", "Time from enqueue to completion",
		prometheus.ExponentialBuckets(0.0001, 2, 16), "kind")
	c.rejectedCounter = c.counterVec("rejected_total", "Record requests refused by a full queue", "kind")
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.mountCounter,
		c.generationGauge,
		c.readyGauge,
		c.suspendCounter,
		c.queueDepth,
		c.completionCounter,
		c.completionBytes,
		c.completionLatency,
		c.rejectedCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "other"
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"flashfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(c.detailed.Summary())
}
