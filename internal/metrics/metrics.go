// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// userstore.LoadRecorderとquery.QueryRecorderの両方を満たす。
type Collector struct {
	loadSuccess prometheus.Counter
	loadFail    *prometheus.CounterVec
	loadLatency prometheus.Histogram
	usersLoaded prometheus.Gauge
	queries     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loadSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "userquery_load_success_total",
			Help: "ユーザーデータ読み込み成功の合計数",
		}),
		loadFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userquery_load_fail_total",
			Help: "ユーザーデータ読み込み失敗の合計数（理由別）",
		}, []string{"reason"}),
		loadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "userquery_load_latency_seconds",
			Help:    "ユーザーデータ読み込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		usersLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "userquery_users_loaded",
			Help: "メモリ上に保持しているユーザー数",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userquery_queries_total",
			Help: "操作と結果別のクエリ数",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		c.loadSuccess,
		c.loadFail,
		c.loadLatency,
		c.usersLoaded,
		c.queries,
	)

	return c
}

// RecordLoadSuccess は読み込み成功を記録し、保持ユーザー数を更新する。
func (c *Collector) RecordLoadSuccess(userCount int) {
	c.loadSuccess.Inc()
	c.usersLoaded.Set(float64(userCount))
}

// RecordLoadFailure は読み込み失敗を記録する。保持ユーザー数は変更しない。
func (c *Collector) RecordLoadFailure(reason string) {
	c.loadFail.WithLabelValues(reason).Inc()
}

// RecordLoadLatency は読み込みのレイテンシを記録する。
func (c *Collector) RecordLoadLatency(duration time.Duration) {
	c.loadLatency.Observe(duration.Seconds())
}

// RecordQuery はクエリの実行結果を記録する。
func (c *Collector) RecordQuery(operation string, outcome string) {
	c.queries.WithLabelValues(operation, outcome).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
