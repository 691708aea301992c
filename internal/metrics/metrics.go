// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// メッセージ送信結果のラベル値
const (
	SendResultCreated  = "created"
	SendResultReplayed = "replayed"
	SendResultRejected = "rejected"
	SendResultFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 接続層、チャット、通話、通知の各サービスから利用する。
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	SetOnlineUsers(n int)
	RecordEvent(eventType string, duration time.Duration)
	RecordMessageSent(result string)
	RecordReadReceipts(count int)
	RecordCallEnded(reason string)
	RecordNotificationCreated(notificationType string)
	RecordPushFailure()
	RecordRateLimited()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	events        *prometheus.CounterVec
	eventLatency  *prometheus.HistogramVec
	messagesSent  *prometheus.CounterVec
	readReceipts  prometheus.Counter
	callsEnded    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	pushFailures  prometheus.Counter
	rateLimited   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripmate_ws_connections",
			Help: "現在開いているWebSocket接続数",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripmate_online_users",
			Help: "join済みのオンラインユーザー数",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripmate_ws_events_total",
			Help: "受信したイベント種別ごとの件数",
		}, []string{"type"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripmate_ws_event_duration_seconds",
			Help:    "イベント処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripmate_messages_sent_total",
			Help: "メッセージ送信の結果別件数",
		}, []string{"result"}),
		readReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripmate_read_receipts_total",
			Help: "既読になったメッセージの合計数",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripmate_calls_ended_total",
			Help: "終了理由別の通話終了数",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripmate_notifications_created_total",
			Help: "種別ごとの通知作成数",
		}, []string{"type"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripmate_push_failures_total",
			Help: "プッシュ配信要求の失敗数",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripmate_ws_rate_limited_total",
			Help: "レート制限で拒否されたイベント数",
		}),
	}

	reg.MustRegister(
		c.connections,
		c.onlineUsers,
		c.events,
		c.eventLatency,
		c.messagesSent,
		c.readReceipts,
		c.callsEnded,
		c.notifications,
		c.pushFailures,
		c.rateLimited,
	)

	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }
func (c *Collector) SetOnlineUsers(n int) { c.onlineUsers.Set(float64(n)) }

// RecordEvent は受信イベントの件数と処理時間を記録する。
func (c *Collector) RecordEvent(eventType string, duration time.Duration) {
	c.events.WithLabelValues(eventType).Inc()
	c.eventLatency.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordMessageSent はメッセージ送信の結果を記録する。
func (c *Collector) RecordMessageSent(result string) {
	c.messagesSent.WithLabelValues(result).Inc()
}

// RecordReadReceipts は既読化されたメッセージ数を記録する。
func (c *Collector) RecordReadReceipts(count int) {
	c.readReceipts.Add(float64(count))
}

func (c *Collector) RecordCallEnded(reason string) {
	c.callsEnded.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordNotificationCreated(notificationType string) {
	c.notifications.WithLabelValues(notificationType).Inc()
}

func (c *Collector) RecordPushFailure() { c.pushFailures.Inc() }
func (c *Collector) RecordRateLimited() { c.rateLimited.Inc() }

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) ConnectionOpened() {}
func (NopCollector) ConnectionClosed() {}
func (NopCollector) SetOnlineUsers(int) {}
func (NopCollector) RecordEvent(string, time.Duration) {}
func (NopCollector) RecordMessageSent(string) {}
func (NopCollector) RecordReadReceipts(int) {}
func (NopCollector) RecordCallEnded(string) {}
func (NopCollector) RecordNotificationCreated(string) {}
func (NopCollector) RecordPushFailure() {}
func (NopCollector) RecordRateLimited() {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
