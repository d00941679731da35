package upload

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryClass はアップロード失敗時の扱いの分類。
type RetryClass int

const (
	// RetryNone は成功（2xx）。
	RetryNone RetryClass = iota
	// RetryBackoff は一時的な失敗（429/5xx/通信エラー）。次回の定期実行を遅らせる。
	RetryBackoff
	// RetryFatal は設定やデータの誤りによる失敗（401/403/4xx）。再送しても解消しない。
	RetryFatal
)

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// StatusError は取り込みサーバーが2xx以外を返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("取り込みサーバーがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// ClassifyHTTPStatus はWebhookのHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) RetryClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return RetryNone
	case statusCode == http.StatusTooManyRequests:
		return RetryBackoff
	case statusCode >= 500:
		return RetryBackoff
	default:
		return RetryFatal
	}
}

// ClassifyError はUploadTodayのエラーを分類する。
// ステータスを持たないエラー（接続失敗など）は一時的な失敗として扱う。
func ClassifyError(err error) RetryClass {
	if err == nil {
		return RetryNone
	}
	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyHTTPStatus(se.StatusCode)
	}
	return RetryBackoff
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
