package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/attendsync/internal/model"
)

func TestWebhookKeyMiddleware_ValidKey(t *testing.T) {
	mw := NewWebhookKeyMiddleware("secret-key")

	var capturedClientID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedClientID, _ = ClientIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/webhook", nil)
	req.Header.Set(WebhookKeyHeader, "secret-key")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedClientID != KeyFingerprint("secret-key") {
		t.Errorf("clientID = %q, want %q", capturedClientID, KeyFingerprint("secret-key"))
	}
	if strings.Contains(capturedClientID, "secret-key") {
		t.Error("識別子にキーそのものが含まれている")
	}
}

func TestWebhookKeyMiddleware_RejectsInvalidKeys(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"ヘッダーなし", ""},
		{"不一致", "wrong-key"},
		{"前方一致", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewWebhookKeyMiddleware("secret-key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/attendance/webhook", nil)
			if tt.header != "" {
				req.Header.Set(WebhookKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Code != model.ErrCodeInvalidWebhookKey {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidWebhookKey)
			}
		})
	}
}

// キーが未設定のサーバーはすべてのリクエストを拒否する。
func TestWebhookKeyMiddleware_EmptyConfiguredKeyRejectsAll(t *testing.T) {
	handler := NewWebhookKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/attendance/webhook", nil)
	req.Header.Set(WebhookKeyHeader, "")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestClientIDFromContext(t *testing.T) {
	if _, err := ClientIDFromContext(context.Background()); err == nil {
		t.Error("識別子がないコンテキストでエラーが返されなかった")
	}

	ctx := ContextWithClientID(context.Background(), "key:abc")
	id, err := ClientIDFromContext(ctx)
	if err != nil || id != "key:abc" {
		t.Errorf("ClientIDFromContext = (%q, %v), want key:abc", id, err)
	}
}

func TestKeyFingerprint_Stable(t *testing.T) {
	a := KeyFingerprint("k1")
	if a != KeyFingerprint("k1") {
		t.Error("同じキーで識別子が変わった")
	}
	if a == KeyFingerprint("k2") {
		t.Error("異なるキーで識別子が一致した")
	}
	if !strings.HasPrefix(a, "key:") || len(a) != len("key:")+12 {
		t.Errorf("KeyFingerprint = %q", a)
	}
}
