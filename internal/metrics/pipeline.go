// Package metrics provides Prometheus metrics for the acquisition pipeline.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline contains the metrics reported by capture workers, the write
// queue and the writer pool. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	FramesCaptured  *prometheus.CounterVec
	FramesSkipped   *prometheus.CounterVec
	FramesPersisted *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	WriteLatency    prometheus.Histogram
	StartSkew       *prometheus.GaugeVec
	Sessions        *prometheus.CounterVec
}

// NewPipeline creates the pipeline metrics and registers them on registry.
func NewPipeline(registry prometheus.Registerer) (*Pipeline, error) {
	m := &Pipeline{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Pipeline) initMetrics() {
	m.FramesCaptured = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicap_frames_captured_total",
		Help: "Frames acquired from a device and handed to the write queue",
	}, []string{"device"})

	m.FramesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicap_frames_skipped_total",
		Help: "Sequence numbers consumed without a frame (timeout, incomplete, trigger failure)",
	}, []string{"device", "reason"})

	m.FramesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicap_frames_persisted_total",
		Help: "Frames written to storage",
	}, []string{"device"})

	m.FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicap_frames_dropped_total",
		Help: "Frames whose write failed",
	}, []string{"device"})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "multicap_write_queue_depth",
		Help: "Frames waiting in the write queue",
	})

	m.WriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "multicap_write_latency_seconds",
		Help:    "Time to persist one frame",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	m.StartSkew = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "multicap_acquisition_start_skew_seconds",
		Help: "Offset of each device's BeginAcquisition from the session epoch",
	}, []string{"device"})

	m.Sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multicap_sessions_total",
		Help: "Finished capture sessions by result",
	}, []string{"result"})
}

// Describe implements prometheus.Collector.
func (m *Pipeline) Describe(ch chan<- *prometheus.Desc) {
	m.FramesCaptured.Describe(ch)
	m.FramesSkipped.Describe(ch)
	m.FramesPersisted.Describe(ch)
	m.FramesDropped.Describe(ch)
	m.QueueDepth.Describe(ch)
	m.WriteLatency.Describe(ch)
	m.StartSkew.Describe(ch)
	m.Sessions.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Pipeline) Collect(ch chan<- prometheus.Metric) {
	m.FramesCaptured.Collect(ch)
	m.FramesSkipped.Collect(ch)
	m.FramesPersisted.Collect(ch)
	m.FramesDropped.Collect(ch)
	m.QueueDepth.Collect(ch)
	m.WriteLatency.Collect(ch)
	m.StartSkew.Collect(ch)
	m.Sessions.Collect(ch)
}

func label(device int) string { return strconv.Itoa(device) }

// Captured records one frame enqueued by device.
func (m *Pipeline) Captured(device int) {
	if m == nil {
		return
	}
	m.FramesCaptured.WithLabelValues(label(device)).Inc()
}

// Skipped records one skipped sequence number.
func (m *Pipeline) Skipped(device int, reason string) {
	if m == nil {
		return
	}
	m.FramesSkipped.WithLabelValues(label(device), reason).Inc()
}

// Persisted records one successful write and its latency.
func (m *Pipeline) Persisted(device int, latency time.Duration) {
	if m == nil {
		return
	}
	m.FramesPersisted.WithLabelValues(label(device)).Inc()
	m.WriteLatency.Observe(latency.Seconds())
}

// Dropped records one failed write.
func (m *Pipeline) Dropped(device int) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(label(device)).Inc()
}

// SetQueueDepth publishes the current write queue length.
func (m *Pipeline) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetStartSkew publishes a device's offset from the session epoch.
func (m *Pipeline) SetStartSkew(device int, skew time.Duration) {
	if m == nil {
		return
	}
	m.StartSkew.WithLabelValues(label(device)).Set(skew.Seconds())
}

// SessionFinished counts a finished session ("ok", "cancelled", "failed").
func (m *Pipeline) SessionFinished(result string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(result).Inc()
}
