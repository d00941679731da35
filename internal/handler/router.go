package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/attendsync/internal/metrics"
	"github.com/hitoshi/attendsync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	WebhookKey        string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 出席取り込み
	Ingester Ingester
	Summary  AttendanceSummarizer
	Location *time.Location
}

// NewRouter は取り込みAPIサーバーのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → WebhookKey → RateLimit
//
// /health と /metrics は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	attendanceHandler := NewAttendanceHandler(deps.Ingester, deps.Summary, deps.Location)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- Webhookキーが必要なルート ---
	// ミドルウェアスタック: WebhookKey → RateLimit
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewWebhookKeyMiddleware(deps.WebhookKey))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/attendance", func(r chi.Router) {
			r.Post("/webhook", attendanceHandler.Webhook)
			r.Get("/status", attendanceHandler.Status)
		})
	})

	return r
}

// AgentRouterDeps はNewAgentRouterに必要な依存関係をまとめた構造体。
type AgentRouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer

	State    SyncStateReader
	Trigger  SyncTrigger
	Uploader AttendanceUploader
	Log      AttendanceLog
	Info     AgentInfo
}

// NewAgentRouter は端末エージェントのローカルAPIのルーティングを構成したchi.Routerを返す。
// 端末内および同一LANからの利用を想定し、認証は行わずIP単位のレート制限のみ適用する。
func NewAgentRouter(deps *AgentRouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := NewAgentHandler(deps.State, deps.Trigger, deps.Uploader, deps.Log, deps.Info)

	r.Get("/health", NewHealthHandler(nil))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Get("/", h.Status)
		r.Get("/status", h.Status)
		r.Get("/api/sync/status", h.SyncStatus)

		r.Post("/sync/manual", h.ManualSync)
		r.Post("/upload/manual", h.ManualUpload)

		r.Route("/attendance", func(r chi.Router) {
			r.Get("/today", h.TodayAttendance)
			r.Post("/record", h.RecordAttendance)
		})
	})

	return r
}
