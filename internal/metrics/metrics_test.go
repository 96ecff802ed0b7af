package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は指定名のメトリクスファミリーを返す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSessionCreated_IncrementsCounter はセッション作成カウンタが増加することを検証する。
func TestRecordSessionCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionCreated()
	c.RecordSessionCreated()

	mf := findMetricFamily(t, reg, "socialverify_sessions_created_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("sessions_created_total = %v, want 2", val)
	}
}

// TestRecordConfirmation_LabelsPlatformAndStatus はプラットフォームと状態のラベルが付くことを検証する。
func TestRecordConfirmation_LabelsPlatformAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConfirmation("twitter", "twitter_ok")
	c.RecordConfirmation("telegram", "complete")
	c.RecordConfirmation("telegram", "complete")

	mf := findMetricFamily(t, reg, "socialverify_confirmations_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		if labelValue(m, "platform") == "telegram" {
			if labelValue(m, "status") != "complete" {
				t.Errorf("status label = %q, want complete", labelValue(m, "status"))
			}
			if m.GetCounter().GetValue() != 2 {
				t.Errorf("telegram confirmations = %v, want 2", m.GetCounter().GetValue())
			}
		}
	}
}

// TestRecordReconcileOutcome_IncrementsCounterWithLabel は照合結果のラベル別に集計されることを検証する。
func TestRecordReconcileOutcome_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReconcileOutcome(OutcomeVerified)
	c.RecordReconcileOutcome(OutcomeRateLimited)
	c.RecordReconcileOutcome(OutcomeRateLimited)

	mf := findMetricFamily(t, reg, "socialverify_reconcile_outcomes_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	if got[OutcomeVerified] != 1 || got[OutcomeRateLimited] != 2 {
		t.Errorf("outcomes = %v", got)
	}
}

// TestRecordUpstreamStatus_IncrementsCounterWithLabel はステータスコード別に集計されることを検証する。
func TestRecordUpstreamStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamStatus(200)
	c.RecordUpstreamStatus(429)

	mf := findMetricFamily(t, reg, "socialverify_upstream_status_total")
	found := false
	for _, m := range mf.GetMetric() {
		if labelValue(m, "status_code") == "429" {
			found = true
			if m.GetCounter().GetValue() != 1 {
				t.Errorf("429 count = %v, want 1", m.GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Error("status_code=429 not recorded")
	}
}

// TestRecordUpstreamLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordUpstreamLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamLatency(150 * time.Millisecond)
	c.RecordUpstreamLatency(2 * time.Second)

	mf := findMetricFamily(t, reg, "socialverify_upstream_latency_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() < 2.1 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample sum = %v, want ~2.15", h.GetSampleSum())
	}
}

// TestRecordLinkCounters はリンク作成とrevokeのカウンタが独立して増加することを検証する。
func TestRecordLinkCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLinkCreated()
	c.RecordLinkCreated()
	c.RecordLinkRevoked()

	if v := findMetricFamily(t, reg, "socialverify_links_created_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("links_created_total = %v, want 2", v)
	}
	if v := findMetricFamily(t, reg, "socialverify_links_revoked_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("links_revoked_total = %v, want 1", v)
	}
}

// TestRecordVerifyQuery_LabelsResult は問い合わせ結果がラベル付けされることを検証する。
func TestRecordVerifyQuery_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordVerifyQuery(true)
	c.RecordVerifyQuery(false)
	c.RecordVerifyQuery(false)

	mf := findMetricFamily(t, reg, "socialverify_verify_queries_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "verified")] = m.GetCounter().GetValue()
	}
	if got["true"] != 1 || got["false"] != 2 {
		t.Errorf("verify queries = %v", got)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat はハンドラーがテキスト形式で出力することを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordReconcileOutcome(OutcomeNotYet)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), `socialverify_reconcile_outcomes_total{outcome="not_yet"} 1`) {
		t.Errorf("unexpected body:\n%s", body)
	}
}

func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
	var _ MetricsCollector = NopCollector{}
}

// TestMultipleCollectors_IndependentRegistries はレジストリごとに独立して登録できることを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)
	c1.RecordSessionCreated()

	if v := findMetricFamily(t, reg1, "socialverify_sessions_created_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("reg1 sessions_created_total = %v, want 1", v)
	}
	if v := findMetricFamily(t, reg2, "socialverify_sessions_created_total").GetMetric()[0].GetCounter().GetValue(); v != 0 {
		t.Errorf("reg2 sessions_created_total = %v, want 0", v)
	}
}
