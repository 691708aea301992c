package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tripmate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// リアルタイム
	WebSocket http.Handler

	// REST
	ConversationService ConversationService
	NotificationService NotificationService
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → (/api/*のみ) Auth → RateLimit
//
// /wsはトークンをクエリで受け取り、ハンドラー内で検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))

	// --- 認証不要のルート ---

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", deps.WebSocket)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: CORS → Auth → RateLimit
	convHandler := NewConversationHandler(deps.ConversationService, logger)
	notifHandler := NewNotificationHandler(deps.NotificationService, logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Get("/conversations/{peerID}/messages", convHandler.ListMessages)
		r.Get("/notifications", notifHandler.ListNotifications)
	})

	return r
}
