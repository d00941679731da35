package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, gatherer prometheus.Gatherer) (int, string) {
	t.Helper()

	w := httptest.NewRecorder()
	Handler(gatherer).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(w.Result().Body)
	return w.Code, string(body)
}

// TestHandler_ServesMetrics はスクレイプで記録済みのメトリクスが返ることを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSyncAborted("listing")
	c.RecordUpload(true)

	status, body := scrape(t, reg)
	if status != http.StatusOK {
		t.Errorf("status = %d, want %d", status, http.StatusOK)
	}
	for _, want := range []string{
		`attendsync_sync_aborted_total{reason="listing"} 1`,
		`attendsync_upload_total{result="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("レスポンスに %s が含まれていない", want)
		}
	}
}

type failingCollector struct {
	desc *prometheus.Desc
}

func (f failingCollector) Describe(ch chan<- *prometheus.Desc) { ch <- f.desc }

func (f failingCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.NewInvalidMetric(f.desc, errors.New("collect failed"))
}

// TestHandler_ContinuesOnCollectorError は一部のコレクターが失敗しても他のメトリクスを返すことを検証する。
func TestHandler_ContinuesOnCollectorError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordTempFilesRemoved(3)
	reg.MustRegister(failingCollector{
		desc: prometheus.NewDesc("attendsync_test_broken", "broken", nil, nil),
	})

	status, body := scrape(t, reg)
	if status != http.StatusOK {
		t.Errorf("status = %d, want %d", status, http.StatusOK)
	}
	if !strings.Contains(body, "attendsync_temp_files_removed_total 3") {
		t.Errorf("失敗したコレクター以外のメトリクスが返されていない: %s", body)
	}
}
