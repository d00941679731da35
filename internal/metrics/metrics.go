// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// mirror.MetricsRecorder、ingest.MetricsRecorder、アップロードと一時ファイル掃除の記録先を兼ねる。
type Collector struct {
	syncRuns        *prometheus.CounterVec
	syncAborted     *prometheus.CounterVec
	syncFiles       *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	syncLastSuccess prometheus.Gauge

	ingestBatches  prometheus.Counter
	ingestRows     *prometheus.CounterVec
	ingestErrors   prometheus.Counter
	ingestDuration prometheus.Histogram

	uploads          *prometheus.CounterVec
	tempFilesRemoved prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_sync_runs_total",
			Help: "完了した同期処理の回数（result: complete/incomplete）",
		}, []string{"result"}),
		syncAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_sync_aborted_total",
			Help: "中断された同期処理の回数",
		}, []string{"reason"}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_sync_files_total",
			Help: "同期処理で分類されたファイル数",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendsync_sync_duration_seconds",
			Help:    "同期処理の所要時間（秒）",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		syncLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendsync_sync_last_success_timestamp_seconds",
			Help: "最後に同期処理が完了した時刻（UNIX秒）",
		}),
		ingestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_ingest_batches_total",
			Help: "取り込んだバッチの合計数",
		}),
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_ingest_rows_total",
			Help: "結果別の取り込み行数",
		}, []string{"outcome"}),
		ingestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_ingest_errors_total",
			Help: "ストア障害で失敗したバッチの合計数",
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendsync_ingest_duration_seconds",
			Help:    "バッチ取り込みの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendsync_upload_total",
			Help: "出席CSVアップロードの回数（result: success/failure）",
		}, []string{"result"}),
		tempFilesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendsync_temp_files_removed_total",
			Help: "削除した古い一時ファイルの合計数",
		}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncAborted,
		c.syncFiles,
		c.syncDuration,
		c.syncLastSuccess,
		c.ingestBatches,
		c.ingestRows,
		c.ingestErrors,
		c.ingestDuration,
		c.uploads,
		c.tempFilesRemoved,
	)

	return c
}

// RecordSync は同期処理の結果を記録する。
func (c *Collector) RecordSync(report *model.SyncReport, duration time.Duration) {
	result := "complete"
	if report.Incomplete {
		result = "incomplete"
	}
	c.syncRuns.WithLabelValues(result).Inc()

	c.syncFiles.WithLabelValues(string(model.OutcomeAdded)).Add(float64(report.Added))
	c.syncFiles.WithLabelValues(string(model.OutcomeUpdated)).Add(float64(report.Updated))
	c.syncFiles.WithLabelValues(string(model.OutcomeUnchanged)).Add(float64(report.Unchanged))
	c.syncFiles.WithLabelValues(string(model.OutcomeRemoved)).Add(float64(report.Removed))
	c.syncFiles.WithLabelValues(string(model.OutcomeFailed)).Add(float64(report.Failed))

	c.syncDuration.Observe(duration.Seconds())
	c.syncLastSuccess.Set(float64(report.FinishedAt.Unix()))
}

// RecordSyncAborted は同期処理の中断を記録する。
func (c *Collector) RecordSyncAborted(reason string) {
	c.syncAborted.WithLabelValues(reason).Inc()
}

// RecordIngest はバッチ取り込みの結果を記録する。
func (c *Collector) RecordIngest(report *model.IngestReport, duration time.Duration) {
	c.ingestBatches.Inc()
	for _, r := range report.Rows {
		c.ingestRows.WithLabelValues(string(r.Outcome)).Inc()
	}
	c.ingestDuration.Observe(duration.Seconds())
}

// RecordIngestError はストア障害によるバッチ失敗を記録する。
func (c *Collector) RecordIngestError() {
	c.ingestErrors.Inc()
}

// RecordUpload は出席CSVアップロードの成否を記録する。
func (c *Collector) RecordUpload(success bool) {
	if success {
		c.uploads.WithLabelValues("success").Inc()
		return
	}
	c.uploads.WithLabelValues("failure").Inc()
}

// RecordTempFilesRemoved は削除した一時ファイル数を記録する。
func (c *Collector) RecordTempFilesRemoved(count int) {
	c.tempFilesRemoved.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても取得できたメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
