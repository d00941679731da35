package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/attendsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusCodeFor はAPIErrorのコードに対応するHTTPステータスコードを返す。
func StatusCodeFor(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidWebhookKey:
		return http.StatusUnauthorized
	case model.ErrCodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeInvalidRequest, model.ErrCodeEmptyDataset, model.ErrCodeInvalidDate:
		return http.StatusBadRequest
	case model.ErrCodeSyncInProgress:
		return http.StatusConflict
	case model.ErrCodeUploadDisabled:
		return http.StatusServiceUnavailable
	case model.ErrCodeUploadFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteAPIError はコードから決まるステータスで統一エラーフォーマットを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusCodeFor(apiErr), apiErr)
}

// WriteErrorResponse は指定したステータスで統一エラーフォーマットを書き込む。
// 本文の上限超過（413）のように、コードとステータスが一対一でない場合に使う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部エラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
