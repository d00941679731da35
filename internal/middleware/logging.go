package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// quietPaths は定期的に叩かれるため、成功時はDebugレベルで記録するパス。
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードと書き込みバイト数を記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int
	clientID   string
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap はhttp.ResponseControllerが元のResponseWriterに到達できるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、bytes、remote_ip と、
// Webhookキーで認証済みの場合はclient_id（キーのフィンガープリント）を含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			durationMs := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
				slog.Int("bytes", rec.bytes),
				slog.String("remote_ip", clientIP(r)),
			}
			if clientID := rec.resolveClientID(r); clientID != "" {
				args = append(args, slog.String("client_id", clientID))
			}

			logger.Log(r.Context(), levelFor(r.URL.Path, rec.statusCode), "http_request", args...)
		})
	}
}

func levelFor(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	if _, ok := quietPaths[path]; ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SetClientID は内側のミドルウェアが認証した呼び出し元の識別子を記録する。
// ロギングミドルウェアは認証より外側に置かれるため、コンテキストでは受け取れない。
func SetClientID(w http.ResponseWriter, clientID string) {
	if sr, ok := w.(*statusRecorder); ok {
		sr.clientID = clientID
	}
}

func (sr *statusRecorder) resolveClientID(r *http.Request) string {
	if sr.clientID != "" {
		return sr.clientID
	}
	clientID, _ := ClientIDFromContext(r.Context())
	return clientID
}
