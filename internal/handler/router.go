package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	SessionChecker    middleware.SessionChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	HealthChecker     HealthChecker

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// アカウント・集計・不審利用
	AccountService    AccountServiceInterface
	TimeReportService TimeReportServiceInterface
	AnomalyService    AnomalyServiceInterface

	// プッシュ接続
	Presence *PresenceHandler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP → Logging → SecurityHeaders → CORS
//
// 認証が必要なルートはさらに DeviceSession → RateLimit(General) → CSRF を通る。
// /auth/google と /auth/logout はIP単位の認証レート制限、
// /auth/session-check はアカウント単位のポーリング用レート制限を通る。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	meHandler := NewMeHandler(deps.AccountService, deps.TimeReportService)
	adminHandler := NewAdminHandler(deps.AccountService, deps.TimeReportService, deps.AnomalyService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/google", authHandler.Google)
			r.Post("/logout", authHandler.Logout)
		})

		// 定期ポーリングのため、IPではなく提示されたアカウントごとに制限する
		r.With(deps.RateLimiter.SessionCheckMiddleware()).Post("/session-check", authHandler.SessionCheck)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewDeviceSessionMiddleware(deps.SessionChecker))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		if deps.Presence != nil {
			r.Get("/ws", deps.Presence.Serve)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			r.Route("/api/me", func(r chi.Router) {
				r.Get("/", meHandler.Get)
				r.Post("/streak", meHandler.TouchStreak)
				r.Get("/time", meHandler.Time)
			})

			// 管理者のみ
			r.Route("/api/admin", func(r chi.Router) {
				r.Use(middleware.NewAdminMiddleware())

				r.Get("/subscriptions", adminHandler.Subscriptions)
				r.Get("/leaderboard", adminHandler.Leaderboard)
				r.Get("/flagged", adminHandler.Flagged)

				r.Route("/accounts", func(r chi.Router) {
					r.Get("/", adminHandler.ListAccounts)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", adminHandler.GetAccount)
						r.Delete("/", adminHandler.DeleteAccount)
						r.Patch("/status", adminHandler.ToggleStatus)
						r.Get("/time/sections", adminHandler.SectionTime)
						r.Get("/time/{page}", adminHandler.PageTime)
						r.Post("/flags/ip", adminHandler.RecordIPFlag)
						r.Post("/flags/login", adminHandler.RecordLoginFlag)
					})
				})
			})
		})
	})

	return r
}
