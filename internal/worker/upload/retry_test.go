package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   RetryClass
	}{
		{200, RetryNone},
		{201, RetryNone},
		{400, RetryFatal},
		{401, RetryFatal},
		{403, RetryFatal},
		{415, RetryFatal},
		{429, RetryBackoff},
		{500, RetryBackoff},
		{502, RetryBackoff},
		{503, RetryBackoff},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil); got != RetryNone {
		t.Errorf("nil = %v, want RetryNone", got)
	}
	if got := ClassifyError(errors.New("connection refused")); got != RetryBackoff {
		t.Errorf("通信エラー = %v, want RetryBackoff", got)
	}
	wrapped := errors.Join(errors.New("送信失敗"), &StatusError{StatusCode: 401})
	if got := ClassifyError(wrapped); got != RetryFatal {
		t.Errorf("401 = %v, want RetryFatal", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{20, time.Hour},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestUploader_RunScheduled_BacksOffAfterServerError(t *testing.T) {
	var hits atomic.Int32
	var failing atomic.Bool
	failing.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"summary": map[string]int{"total": 2, "successful": 2}})
	}))
	defer server.Close()

	var buf bytes.Buffer
	u := NewUploader(Config{URL: server.URL}, newCSVLogWithEntries(t), server.Client(), newTestLogger(&buf))
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	u.runScheduled(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("送信回数 = %d, want 1", hits.Load())
	}
	if u.consecutiveErrors != 1 {
		t.Errorf("consecutiveErrors = %d, want 1", u.consecutiveErrors)
	}

	// バックオフ期間中はスキップされる
	now = now.Add(30 * time.Second)
	u.runScheduled(context.Background())
	if hits.Load() != 1 {
		t.Errorf("バックオフ中に送信された: %d回", hits.Load())
	}
	if !strings.Contains(buf.String(), "バックオフ中のためアップロードをスキップしました") {
		t.Error("スキップのログが出力されていない")
	}

	// 期間経過後は再送され、成功でリセットされる
	failing.Store(false)
	now = now.Add(time.Minute)
	u.runScheduled(context.Background())
	if hits.Load() != 2 {
		t.Errorf("送信回数 = %d, want 2", hits.Load())
	}
	if u.consecutiveErrors != 0 || !u.nextAttemptAt.IsZero() {
		t.Errorf("成功後にバックオフがリセットされていない: errors=%d next=%v", u.consecutiveErrors, u.nextAttemptAt)
	}
}

func TestUploader_RunScheduled_FatalStatusDoesNotBackOff(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var buf bytes.Buffer
	u := NewUploader(Config{URL: server.URL}, newCSVLogWithEntries(t), server.Client(), newTestLogger(&buf))

	u.runScheduled(context.Background())
	u.runScheduled(context.Background())

	if hits.Load() != 2 {
		t.Errorf("送信回数 = %d, want 2", hits.Load())
	}
	if !strings.Contains(buf.String(), "取り込みサーバーに拒否されました") {
		t.Error("拒否のログが出力されていない")
	}
}

func TestUploader_ManualUploadIgnoresBackoff(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var buf bytes.Buffer
	u := NewUploader(Config{URL: server.URL}, newCSVLogWithEntries(t), server.Client(), newTestLogger(&buf))

	u.runScheduled(context.Background())
	_, err := u.UploadToday(context.Background())

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want StatusError 502", err)
	}
	if hits.Load() != 2 {
		t.Errorf("手動実行が送信されていない: %d回", hits.Load())
	}
}
