package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gather は名前に一致するメトリクスファミリーを返す。
func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestRecordDispense_CountsByOutcome は結果ラベルごとにカウンタが増加することを検証する。
func TestRecordDispense_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispense("dispensed")
	c.RecordDispense("dispensed")
	c.RecordDispense("cooldown_active")

	got := map[string]float64{}
	for _, m := range gather(t, reg, "trialkey_dispense_total").GetMetric() {
		got[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	if got["dispensed"] != 2 || got["cooldown_active"] != 1 {
		t.Errorf("dispense_total = %v", got)
	}
}

func TestRecordLink(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLink("linked")

	m := gather(t, reg, "trialkey_link_total").GetMetric()[0]
	if labelValue(m, "outcome") != "linked" || m.GetCounter().GetValue() != 1 {
		t.Errorf("link_total = %v", m)
	}
}

// TestSetPoolAvailable_OverwritesGauge はゲージが最新値で上書きされることを検証する。
func TestSetPoolAvailable_OverwritesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetPoolAvailable(42)
	c.SetPoolAvailable(7)

	val := gather(t, reg, "trialkey_pool_available").GetMetric()[0].GetGauge().GetValue()
	if val != 7 {
		t.Errorf("pool_available = %v, want 7", val)
	}
}

func TestRecordNotifyFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotifyFailure()
	c.RecordNotifyFailure()

	val := gather(t, reg, "trialkey_notify_failures_total").GetMetric()[0].GetCounter().GetValue()
	if val != 2 {
		t.Errorf("notify_failures_total = %v, want 2", val)
	}
}

func TestRecordRateLimited_CountsByKeyspace(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimited("command")
	c.RecordRateLimited("callback")
	c.RecordRateLimited("callback")

	got := map[string]float64{}
	for _, m := range gather(t, reg, "trialkey_rate_limited_total").GetMetric() {
		got[labelValue(m, "keyspace")] = m.GetCounter().GetValue()
	}
	if got["command"] != 1 || got["callback"] != 2 {
		t.Errorf("rate_limited_total = %v", got)
	}
}

// TestRecordDispenseLatency_ObservesHistogram はヒストグラムに観測値が記録されることを検証する。
func TestRecordDispenseLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDispenseLatency(250 * time.Millisecond)

	h := gather(t, reg, "trialkey_dispense_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() != 0.25 {
		t.Errorf("sample sum = %v, want 0.25", h.GetSampleSum())
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}
