// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/hitoshi/attendsync/internal/model"
)

// WebhookKeyHeader はWebhookキーを受け取るリクエストヘッダー名。
const WebhookKeyHeader = "X-Webhook-Key"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIDContextKey はリクエストコンテキストに呼び出し元の識別子を格納するためのキー。
var clientIDContextKey = contextKey("client_id")

// NewWebhookKeyMiddleware は X-Webhook-Key ヘッダーを検証するミドルウェアを返す。
// キーは定数時間で比較し、一致しない場合は401を返す。
// 認証済みリクエストにはキーから導出した識別子をコンテキストに注入する。
func NewWebhookKeyMiddleware(webhookKey string) func(next http.Handler) http.Handler {
	expected := []byte(webhookKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookKeyHeader)
			if got == "" || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				slog.Warn("invalid webhook key",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_ip", clientIP(r)),
				)
				WriteAPIError(w, model.NewInvalidWebhookKeyError())
				return
			}

			clientID := KeyFingerprint(got)
			SetClientID(w, clientID)
			ctx := context.WithValue(r.Context(), clientIDContextKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFingerprint はログやレート制限に使うキーの識別子を返す。
// キーそのものは記録しない。
func KeyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:])[:12]
}

// ClientIDFromContext はリクエストコンテキストから呼び出し元の識別子を取得する。
// Webhookキーミドルウェアを通過したリクエストでのみ有効。
func ClientIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return id, nil
}

// ContextWithClientID はコンテキストに呼び出し元の識別子を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}

// clientIP はリクエスト元のIPアドレスを返す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
