// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し側に表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidWebhookKey = "INVALID_WEBHOOK_KEY"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrCodeEmptyDataset      = "EMPTY_DATASET"
	ErrCodeInvalidDate       = "INVALID_DATE"
	ErrCodeSyncInProgress    = "SYNC_IN_PROGRESS"
	ErrCodeUploadDisabled    = "UPLOAD_DISABLED"
	ErrCodeUploadFailed      = "UPLOAD_FAILED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// NewInvalidWebhookKeyError はWebhookキー不一致エラーを生成する。
func NewInvalidWebhookKeyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhookKey,
		Message:  "Webhookキーが無効です。",
		Category: "auth",
		Action:   "X-Webhook-Key ヘッダーに正しいキーを設定してください。",
	}
}

// NewInvalidRequestError はリクエスト解析エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストの解析に失敗しました: %s", reason),
		Category: "validation",
		Action:   "CSV、JSON配列、またはXLSX形式でデータを送信してください。",
	}
}

// NewUnsupportedFormatError は未対応のContent-Typeエラーを生成する。
func NewUnsupportedFormatError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedFormat,
		Message:  fmt.Sprintf("未対応のデータ形式です: %s", contentType),
		Category: "validation",
		Action:   "Content-Type に text/csv、application/json、またはXLSXを指定してください。",
	}
}

// NewEmptyDatasetError はデータ行がない場合のエラーを生成する。
func NewEmptyDatasetError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyDataset,
		Message:  "取り込み対象の行がありません。",
		Category: "validation",
		Action:   "ヘッダー行と1行以上のデータ行を含めてください。",
	}
}

// NewInvalidDateError は基準日の形式エラーを生成する。
func NewInvalidDateError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDate,
		Message:  fmt.Sprintf("無効な日付です: %s", raw),
		Category: "validation",
		Action:   "date パラメータは YYYY-MM-DD 形式で指定してください。",
	}
}

// NewSyncInProgressError は同期実行中エラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncInProgress,
		Message:  "同期処理が実行中です。",
		Category: "sync",
		Action:   "現在の同期が完了してから再度お試しください。",
	}
}

// NewUploadDisabledError はアップロード先が未設定の場合のエラーを生成する。
func NewUploadDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeUploadDisabled,
		Message:  "出席データのアップロード先が設定されていません。",
		Category: "system",
		Action:   "UPLOAD_URL を設定してエージェントを再起動してください。",
	}
}

// NewUploadFailedError はアップロード失敗エラーを生成する。
func NewUploadFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUploadFailed,
		Message:  fmt.Sprintf("出席データのアップロードに失敗しました: %s", reason),
		Category: "system",
		Action:   "ネットワーク接続とアップロード先の設定を確認してください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数だけ待ってから再送してください。",
	}
}
