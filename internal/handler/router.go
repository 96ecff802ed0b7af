package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// セッション
	SessionService SessionServiceInterface
	Reconciler     ReconcilerInterface
	SessionConfig  SessionHandlerConfig

	// リンク
	LinkService LinkServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS
//
// /v1 配下には一般レート制限を適用し、confirm-by-replyには照合専用のレート制限を追加する。
// 運用ルート（/, /health, /metrics）はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.HealthChecker)
	sessionHandler := NewSessionHandler(deps.SessionService, deps.Reconciler, deps.SessionConfig)
	linkHandler := NewLinkHandler(deps.LinkService)

	// --- 運用ルート ---
	r.Get("/", healthHandler.Root)
	r.Get("/health", healthHandler.Health)
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- API ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.GetSession)

				r.Post("/twitter/mock-confirm", sessionHandler.MockConfirmTwitter)
				r.Post("/telegram/mock-confirm", sessionHandler.MockConfirmTelegram)
				r.Post("/telegram/confirm", sessionHandler.ConfirmTelegram)

				// 上流APIの呼び出しを伴うため照合専用のレート制限を追加
				r.With(deps.RateLimiter.ReconcileMiddleware()).Post("/twitter/confirm-by-reply", sessionHandler.ConfirmByReply)

				r.Post("/finalize", linkHandler.Finalize)
			})
		})

		r.Get("/verify/twitter-id/{twitter_user_id}", linkHandler.Verify)

		r.Route("/links/{link_id}", func(r chi.Router) {
			r.Get("/", linkHandler.GetLink)
			r.Post("/revoke", linkHandler.RevokeLink)
		})
	})

	return r
}
