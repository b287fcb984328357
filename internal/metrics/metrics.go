// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 払い出し処理、通知、HTTP層から利用する。
type MetricsCollector interface {
	RecordDispense(outcome string)
	RecordLink(outcome string)
	SetPoolAvailable(count int)
	RecordNotifyFailure()
	RecordRateLimited(keyspace string)
	RecordDispenseLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	dispense        *prometheus.CounterVec
	link            *prometheus.CounterVec
	poolAvailable   prometheus.Gauge
	notifyFail      prometheus.Counter
	rateLimited     *prometheus.CounterVec
	dispenseLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispense: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialkey_dispense_total",
			Help: "払い出しリクエストの結果別の合計数",
		}, []string{"outcome"}),
		link: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialkey_link_total",
			Help: "OAuthコールバックの結果別の合計数",
		}, []string{"outcome"}),
		poolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trialkey_pool_available",
			Help: "利用可能なトライアルキー数",
		}),
		notifyFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trialkey_notify_failures_total",
			Help: "Webhook通知の送信失敗数",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trialkey_rate_limited_total",
			Help: "レート制限で拒否された呼び出し数",
		}, []string{"keyspace"}),
		dispenseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trialkey_dispense_latency_seconds",
			Help:    "払い出しリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.dispense,
		c.link,
		c.poolAvailable,
		c.notifyFail,
		c.rateLimited,
		c.dispenseLatency,
	)

	return c
}

// RecordDispense は払い出しの結果を記録する。
func (c *Collector) RecordDispense(outcome string) {
	c.dispense.WithLabelValues(outcome).Inc()
}

// RecordLink はOAuth連携の結果を記録する。
func (c *Collector) RecordLink(outcome string) {
	c.link.WithLabelValues(outcome).Inc()
}

// SetPoolAvailable は利用可能なキー数を設定する。
func (c *Collector) SetPoolAvailable(count int) {
	c.poolAvailable.Set(float64(count))
}

// RecordNotifyFailure は通知の送信失敗を記録する。
func (c *Collector) RecordNotifyFailure() {
	c.notifyFail.Inc()
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(keyspace string) {
	c.rateLimited.WithLabelValues(keyspace).Inc()
}

// RecordDispenseLatency は払い出しリクエストの処理時間を記録する。
func (c *Collector) RecordDispenseLatency(duration time.Duration) {
	c.dispenseLatency.Observe(duration.Seconds())
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
