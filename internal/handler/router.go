package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Session SessionService

	// リダイレクトサインイン
	Redirects RedirectRecorder
	Callback  CallbackConfig

	// ミドルウェア依存
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// Gatherer がnilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer

	EventKeepAlive time.Duration
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → CSRF(/api/session)
//
// サインイン系のPOSTにはさらにRateLimitを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.Session, logger)
	eventsHandler := NewEventsHandler(deps.Session, logger, deps.EventKeepAlive)
	callbackHandler := NewCallbackHandler(deps.Session, deps.Redirects, deps.Callback, logger)

	r.Get("/health", Health(deps.Session))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// IdPからのトップレベル遷移のため、CSRF検証の外に置く
	r.Get("/auth/callback", callbackHandler.Callback)

	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Route("/api/session", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF, logger))

		r.Get("/", sessionHandler.GetSession)
		r.Method(http.MethodGet, "/events", eventsHandler)

		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/signin", sessionHandler.SignIn)
			r.Post("/register", sessionHandler.Register)
			r.Post("/signin/provider", sessionHandler.SignInWithProvider)
			r.Post("/password-reset", sessionHandler.SendPasswordReset)
		})

		r.Post("/signout", sessionHandler.SignOut)
		r.Post("/retry", sessionHandler.RetrySync)
		r.Post("/verification-email", sessionHandler.SendVerificationEmail)
	})

	return r
}
