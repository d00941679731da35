package metrics

import (
	"testing"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil {
		t.Fatalf("%s%v metric not found", name, labels)
	}
	return m.GetCounter().GetValue()
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSync_CountsOutcomes は同期結果の分類ごとにカウンタが増加することを検証する。
func TestRecordSync_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	finished := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	c.RecordSync(&model.SyncReport{
		SyncCounts: model.SyncCounts{Added: 2, Updated: 1, Unchanged: 5, Removed: 1, Failed: 3},
		FinishedAt: finished,
	}, 2*time.Second)
	c.RecordSync(&model.SyncReport{
		SyncCounts: model.SyncCounts{Added: 1},
		FinishedAt: finished,
		Incomplete: true,
	}, time.Second)

	if v := counterValue(t, reg, "attendsync_sync_files_total", map[string]string{"outcome": "added"}); v != 3 {
		t.Errorf("added = %v, want 3", v)
	}
	if v := counterValue(t, reg, "attendsync_sync_files_total", map[string]string{"outcome": "failed"}); v != 3 {
		t.Errorf("failed = %v, want 3", v)
	}
	if v := counterValue(t, reg, "attendsync_sync_runs_total", map[string]string{"result": "complete"}); v != 1 {
		t.Errorf("complete runs = %v, want 1", v)
	}
	if v := counterValue(t, reg, "attendsync_sync_runs_total", map[string]string{"result": "incomplete"}); v != 1 {
		t.Errorf("incomplete runs = %v, want 1", v)
	}

	g := findMetric(t, reg, "attendsync_sync_last_success_timestamp_seconds", map[string]string{})
	if g == nil || g.GetGauge().GetValue() != float64(finished.Unix()) {
		t.Errorf("last_success = %v, want %d", g, finished.Unix())
	}

	h := findMetric(t, reg, "attendsync_sync_duration_seconds", map[string]string{})
	if h == nil || h.GetHistogram().GetSampleCount() != 2 {
		t.Error("sync_duration のサンプル数が 2 ではない")
	}
}

func TestRecordSyncAborted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSyncAborted("listing")
	c.RecordSyncAborted("listing")
	c.RecordSyncAborted("storage")

	if v := counterValue(t, reg, "attendsync_sync_aborted_total", map[string]string{"reason": "listing"}); v != 2 {
		t.Errorf("listing = %v, want 2", v)
	}
}

// TestRecordIngest_CountsRows は行の結果ごとにカウンタが増加することを検証する。
func TestRecordIngest_CountsRows(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	report := &model.IngestReport{}
	report.Add(model.RowResult{Row: 1, Outcome: model.RowCreated})
	report.Add(model.RowResult{Row: 2, Outcome: model.RowDuplicate})
	report.Add(model.RowResult{Row: 3, Outcome: model.RowDuplicate})
	report.Add(model.RowResult{Row: 4, Outcome: model.RowFailed})

	c.RecordIngest(report, 50*time.Millisecond)
	c.RecordIngestError()

	if v := counterValue(t, reg, "attendsync_ingest_rows_total", map[string]string{"outcome": "duplicate"}); v != 2 {
		t.Errorf("duplicate = %v, want 2", v)
	}
	if v := counterValue(t, reg, "attendsync_ingest_batches_total", map[string]string{}); v != 1 {
		t.Errorf("batches = %v, want 1", v)
	}
	if v := counterValue(t, reg, "attendsync_ingest_errors_total", map[string]string{}); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
}

func TestRecordUploadAndTempFiles(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpload(true)
	c.RecordUpload(false)
	c.RecordUpload(false)
	c.RecordTempFilesRemoved(4)

	if v := counterValue(t, reg, "attendsync_upload_total", map[string]string{"result": "failure"}); v != 2 {
		t.Errorf("failure = %v, want 2", v)
	}
	if v := counterValue(t, reg, "attendsync_temp_files_removed_total", map[string]string{}); v != 4 {
		t.Errorf("temp_files_removed = %v, want 4", v)
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同一レジストリへの二重登録でパニックすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("二重登録でパニックしなかった")
		}
	}()
	_ = NewCollector(reg)
}
