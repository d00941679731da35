package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/attendsync/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("データサイズが上限を超えています"))

	resp := w.Result()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action"} {
		if v, ok := raw[field].(string); !ok || v == "" {
			t.Errorf("フィールド %s が空または欠落している: %v", field, raw[field])
		}
	}
	if raw["code"] != model.ErrCodeInvalidRequest {
		t.Errorf("code = %v, want %s", raw["code"], model.ErrCodeInvalidRequest)
	}
}

func TestStatusCodeFor(t *testing.T) {
	tests := []struct {
		err  *model.APIError
		want int
	}{
		{model.NewInvalidWebhookKeyError(), http.StatusUnauthorized},
		{model.NewUnsupportedFormatError("text/plain"), http.StatusUnsupportedMediaType},
		{model.NewInvalidRequestError("x"), http.StatusBadRequest},
		{model.NewEmptyDatasetError(), http.StatusBadRequest},
		{model.NewInvalidDateError("2025-13-01"), http.StatusBadRequest},
		{model.NewSyncInProgressError(), http.StatusConflict},
		{model.NewUploadDisabledError(), http.StatusServiceUnavailable},
		{model.NewUploadFailedError("timeout"), http.StatusBadGateway},
		{model.NewRateLimitExceededError(), http.StatusTooManyRequests},
		{&model.APIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := StatusCodeFor(tt.err); got != tt.want {
				t.Errorf("StatusCodeFor(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

func TestWriteAPIError_UsesMappedStatus(t *testing.T) {
	w := httptest.NewRecorder()

	WriteAPIError(w, model.NewSyncInProgressError())

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeSyncInProgress || body.Category != "sync" {
		t.Errorf("body = %+v", body)
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "INTERNAL_ERROR")
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}
