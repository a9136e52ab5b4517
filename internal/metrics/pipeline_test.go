package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestNewPipeline_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipeline(reg)
	require.NoError(t, err)

	_, err = NewPipeline(reg)
	assert.Error(t, err, "registering a second pipeline on the same registry must fail")
}

func TestPipeline_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPipeline(reg)
	require.NoError(t, err)

	m.Captured(0)
	m.Captured(0)
	m.Captured(1)
	m.Skipped(1, "timeout")
	m.Persisted(0, 2*time.Millisecond)
	m.Dropped(1)
	m.SetQueueDepth(7)
	m.SetStartSkew(1, 3*time.Millisecond)
	m.SessionFinished("ok")

	captured := family(t, reg, "multicap_frames_captured_total")
	total := 0.0
	for _, metric := range captured.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	assert.Equal(t, 3.0, total)

	depth := family(t, reg, "multicap_write_queue_depth")
	assert.Equal(t, 7.0, depth.GetMetric()[0].GetGauge().GetValue())

	latency := family(t, reg, "multicap_write_latency_seconds")
	assert.Equal(t, uint64(1), latency.GetMetric()[0].GetHistogram().GetSampleCount())

	skipped := family(t, reg, "multicap_frames_skipped_total")
	require.Len(t, skipped.GetMetric(), 1)
	labels := map[string]string{}
	for _, lp := range skipped.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"device": "1", "reason": "timeout"}, labels)
}

func TestPipeline_NilIsNoop(t *testing.T) {
	var m *Pipeline
	assert.NotPanics(t, func() {
		m.Captured(0)
		m.Skipped(0, "incomplete")
		m.Persisted(0, time.Millisecond)
		m.Dropped(0)
		m.SetQueueDepth(1)
		m.SetStartSkew(0, 0)
		m.SessionFinished("failed")
	})
}
