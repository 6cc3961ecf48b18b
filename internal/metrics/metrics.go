// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/studypulse/internal/model"
)

// 認証結果のラベル値。
const (
	AuthCreated = "created"
	AuthLogin   = "login"
	AuthBlocked = "blocked"
)

// セッション確認結果のラベル値。
const (
	CheckValid     = "valid"
	CheckReplaced  = "replaced"
	CheckLoggedOut = "logged_out"
	CheckBlocked   = "blocked"
	CheckNotFound  = "not_found"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ハンドラー・ワーカーから利用する。
type MetricsCollector interface {
	RecordAuth(result string)
	RecordSessionCheck(result string)
	RecordSessionReplaced()
	RecordPresenceEvent(eventType string)
	RecordPresenceWriteFailure()
	PushConnectionOpened()
	PushConnectionClosed()
	SetFlaggedAccounts(counts map[model.Severity]int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	auth              *prometheus.CounterVec
	sessionChecks     *prometheus.CounterVec
	sessionsReplaced  prometheus.Counter
	presenceEvents    *prometheus.CounterVec
	presenceWriteFail prometheus.Counter
	pushConnections   prometheus.Gauge
	flaggedAccounts   *prometheus.GaugeVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypulse_auth_total",
			Help: "認証結果別の認証回数",
		}, []string{"result"}),
		sessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypulse_session_checks_total",
			Help: "判定結果別のセッション確認回数",
		}, []string{"result"}),
		sessionsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studypulse_sessions_replaced_total",
			Help: "新しいログインにより置き換えられたデバイスセッションの合計数",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypulse_presence_events_total",
			Help: "種別ごとのプレゼンスイベント数",
		}, []string{"type"}),
		presenceWriteFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studypulse_presence_write_failures_total",
			Help: "トラッキング記録に失敗した回数",
		}),
		pushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studypulse_push_connections",
			Help: "現在開いているプッシュ接続数",
		}),
		flaggedAccounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "studypulse_flagged_accounts",
			Help: "深刻度別のフラグ付きアカウント数",
		}, []string{"severity"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studypulse_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.auth,
		c.sessionChecks,
		c.sessionsReplaced,
		c.presenceEvents,
		c.presenceWriteFail,
		c.pushConnections,
		c.flaggedAccounts,
		c.httpStatus,
	)

	return c
}

// RecordAuth は認証結果を記録する。
func (c *Collector) RecordAuth(result string) {
	c.auth.WithLabelValues(result).Inc()
}

// RecordSessionCheck はセッション確認の判定結果を記録する。
func (c *Collector) RecordSessionCheck(result string) {
	c.sessionChecks.WithLabelValues(result).Inc()
}

// RecordSessionReplaced はデバイスセッションの置き換えを記録する。
func (c *Collector) RecordSessionReplaced() {
	c.sessionsReplaced.Inc()
}

// RecordPresenceEvent はプレゼンスイベントを記録する。
func (c *Collector) RecordPresenceEvent(eventType string) {
	c.presenceEvents.WithLabelValues(eventType).Inc()
}

// RecordPresenceWriteFailure はトラッキング記録の失敗を記録する。
func (c *Collector) RecordPresenceWriteFailure() {
	c.presenceWriteFail.Inc()
}

// PushConnectionOpened はプッシュ接続数を1増やす。
func (c *Collector) PushConnectionOpened() {
	c.pushConnections.Inc()
}

// PushConnectionClosed はプッシュ接続数を1減らす。
func (c *Collector) PushConnectionClosed() {
	c.pushConnections.Dec()
}

// SetFlaggedAccounts は深刻度別のフラグ付きアカウント数を設定する。
func (c *Collector) SetFlaggedAccounts(counts map[model.Severity]int) {
	for severity, n := range counts {
		c.flaggedAccounts.WithLabelValues(string(severity)).Set(float64(n))
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

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

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuth(string)                         {}
func (Nop) RecordSessionCheck(string)                 {}
func (Nop) RecordSessionReplaced()                    {}
func (Nop) RecordPresenceEvent(string)                {}
func (Nop) RecordPresenceWriteFailure()               {}
func (Nop) PushConnectionOpened()                     {}
func (Nop) PushConnectionClosed()                     {}
func (Nop) SetFlaggedAccounts(map[model.Severity]int) {}
func (Nop) RecordHTTPStatus(int)                      {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
