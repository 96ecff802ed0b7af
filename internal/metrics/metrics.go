// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 照合結果のラベル値。
const (
	OutcomeVerified         = "verified"
	OutcomeNotYet           = "not_yet"
	OutcomeAlreadyConfirmed = "already_confirmed"
	OutcomeRateLimited      = "rate_limited"
	OutcomeUpstreamError    = "upstream_error"
	OutcomeUnidentifiable   = "unidentifiable"
	OutcomeExpired          = "expired"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とリプライ検索クライアントから利用する。
type MetricsCollector interface {
	RecordSessionCreated()
	RecordConfirmation(platform, status string)
	RecordReconcileOutcome(outcome string)
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RecordLinkCreated()
	RecordLinkRevoked()
	RecordVerifyQuery(verified bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionsCreated   prometheus.Counter
	confirmations     *prometheus.CounterVec
	reconcileOutcomes *prometheus.CounterVec
	upstreamStatus    *prometheus.CounterVec
	upstreamLatency   prometheus.Histogram
	linksCreated      prometheus.Counter
	linksRevoked      prometheus.Counter
	verifyQueries     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialverify_sessions_created_total",
			Help: "作成された検証セッションの合計数",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialverify_confirmations_total",
			Help: "プラットフォーム別の確認数と遷移後の状態",
		}, []string{"platform", "status"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialverify_reconcile_outcomes_total",
			Help: "リプライ照合の結果別の合計数",
		}, []string{"outcome"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialverify_upstream_status_total",
			Help: "リプライ検索APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialverify_upstream_latency_seconds",
			Help:    "リプライ検索APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialverify_links_created_total",
			Help: "作成されたIdentityLinkの合計数",
		}),
		linksRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialverify_links_revoked_total",
			Help: "revokedになったIdentityLinkの合計数",
		}),
		verifyQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialverify_verify_queries_total",
			Help: "検証済み問い合わせの結果別の合計数",
		}, []string{"verified"}),
	}

	reg.MustRegister(
		c.sessionsCreated,
		c.confirmations,
		c.reconcileOutcomes,
		c.upstreamStatus,
		c.upstreamLatency,
		c.linksCreated,
		c.linksRevoked,
		c.verifyQueries,
	)

	return c
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordConfirmation は確認と遷移後の状態を記録する。
func (c *Collector) RecordConfirmation(platform, status string) {
	c.confirmations.WithLabelValues(platform, status).Inc()
}

// RecordReconcileOutcome はリプライ照合の結果を記録する。
func (c *Collector) RecordReconcileOutcome(outcome string) {
	c.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

// RecordUpstreamStatus はリプライ検索APIのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency はリプライ検索APIのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RecordLinkCreated はリンク作成を記録する。
func (c *Collector) RecordLinkCreated() {
	c.linksCreated.Inc()
}

// RecordLinkRevoked はリンクのrevokeを記録する。
func (c *Collector) RecordLinkRevoked() {
	c.linksRevoked.Inc()
}

// RecordVerifyQuery は検証済み問い合わせの結果を記録する。
func (c *Collector) RecordVerifyQuery(verified bool) {
	c.verifyQueries.WithLabelValues(strconv.FormatBool(verified)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) RecordSessionCreated() {}
func (NopCollector) RecordConfirmation(string, string) {}
func (NopCollector) RecordReconcileOutcome(string) {}
func (NopCollector) RecordUpstreamStatus(int) {}
func (NopCollector) RecordUpstreamLatency(time.Duration) {}
func (NopCollector) RecordLinkCreated() {}
func (NopCollector) RecordLinkRevoked() {}
func (NopCollector) RecordVerifyQuery(bool) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
