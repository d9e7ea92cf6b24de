// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// Recorder はメトリクス記録のインターフェース。
// セッション調停の各コンポーネントから利用する。
type Recorder interface {
	RecordSyncAttempt(result string)
	RecordSyncOutcome(status model.SyncStatus)
	RecordSyncLatency(duration time.Duration)
	RecordWarmupProbe(ok bool)
	RecordTokenRefresh(result string)
	RecordSessionTransition(phase model.Phase)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncAttempts       *prometheus.CounterVec
	syncOutcomes       *prometheus.CounterVec
	syncLatency        prometheus.Histogram
	warmupProbes       *prometheus.CounterVec
	tokenRefresh       *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savlink_sync_attempts_total",
			Help: "バックエンドプロフィール取得の試行回数（結果別）",
		}, []string{"result"}),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savlink_sync_outcomes_total",
			Help: "プロフィール同期の最終結果の回数",
		}, []string{"status"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "savlink_sync_latency_seconds",
			Help:    "プロフィール同期の開始から確定までの時間（秒）",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
		}),
		warmupProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savlink_warmup_probes_total",
			Help: "ウォームアップ用ヘルスチェックの回数（結果別）",
		}, []string{"result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savlink_token_refresh_total",
			Help: "IDトークン定期更新の回数（結果別）",
		}, []string{"result"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "savlink_session_transitions_total",
			Help: "セッション状態の公開回数（フェーズ別）",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		c.syncAttempts,
		c.syncOutcomes,
		c.syncLatency,
		c.warmupProbes,
		c.tokenRefresh,
		c.sessionTransitions,
	)

	return c
}

// RecordSyncAttempt はプロフィール取得の1回の試行を記録する。
func (c *Collector) RecordSyncAttempt(result string) {
	c.syncAttempts.WithLabelValues(result).Inc()
}

// RecordSyncOutcome は同期の最終結果を記録する。
func (c *Collector) RecordSyncOutcome(status model.SyncStatus) {
	c.syncOutcomes.WithLabelValues(string(status)).Inc()
}

// RecordSyncLatency は同期にかかった時間を記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordWarmupProbe はウォームアップの結果を記録する。
func (c *Collector) RecordWarmupProbe(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.warmupProbes.WithLabelValues(result).Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordSessionTransition はセッション状態の公開を記録する。
func (c *Collector) RecordSessionTransition(phase model.Phase) {
	c.sessionTransitions.WithLabelValues(string(phase)).Inc()
}

// Nop は何も記録しないRecorder。
type Nop struct{}

func (Nop) RecordSyncAttempt(string) {}
func (Nop) RecordSyncOutcome(model.SyncStatus) {}
func (Nop) RecordSyncLatency(time.Duration) {}
func (Nop) RecordWarmupProbe(bool) {}
func (Nop) RecordTokenRefresh(string) {}
func (Nop) RecordSessionTransition(model.Phase) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
