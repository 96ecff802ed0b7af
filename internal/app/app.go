package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/socialverify/internal/code"
	"github.com/hitoshi/socialverify/internal/config"
	"github.com/hitoshi/socialverify/internal/database"
	"github.com/hitoshi/socialverify/internal/handler"
	"github.com/hitoshi/socialverify/internal/link"
	"github.com/hitoshi/socialverify/internal/logger"
	"github.com/hitoshi/socialverify/internal/metrics"
	"github.com/hitoshi/socialverify/internal/middleware"
	"github.com/hitoshi/socialverify/internal/replysearch"
	"github.com/hitoshi/socialverify/internal/repository"
	"github.com/hitoshi/socialverify/internal/security"
	"github.com/hitoshi/socialverify/internal/session"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("description", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("reply_search_base_url", cfg.ReplySearchBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(cfg, db, reg, slog.Default())
	if err != nil {
		return err
	}
	defer srv.close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ReplySearchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// server はワイヤリング済みのHTTPハンドラーと停止処理をまとめる。
type server struct {
	handler http.Handler
	close   func()
}

// newServer は設定とDB接続から全依存関係を組み立てる。
func newServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, log *slog.Logger) (*server, error) {
	collector := metrics.NewCollector(reg)

	// リポジトリ
	sessionRepo := repository.NewPostgresSessionRepo(db)
	linkRepo := repository.NewPostgresLinkRepo(db)

	// 上流APIクライアント（内部ネットワーク宛ての接続を拒否する）
	ssrfGuard := security.NewSSRFGuard()
	if err := ssrfGuard.ValidateURL(cfg.ReplySearchBaseURL); err != nil {
		return nil, fmt.Errorf("invalid reply search base URL: %w", err)
	}
	searcher := replysearch.NewClient(
		ssrfGuard.NewSafeClient(cfg.ReplySearchTimeout),
		replysearch.Config{
			BaseURL:         cfg.ReplySearchBaseURL,
			APIKey:          cfg.TwitterAPIKey,
			Timeout:         cfg.ReplySearchTimeout,
			MaxResponseSize: cfg.ReplySearchMaxSize,
			MinInterval:     cfg.ReplySearchMinInterval,
		},
		collector, log,
	)

	// ドメインサービス
	sessions := session.NewService(sessionRepo, code.NewGenerator(cfg.SessionTTL), collector, log, cfg.MarkerNamespace)
	reconciler := session.NewReplyReconciler(sessions, searcher, security.NewTextSanitizer(), collector, log, session.ReconcilerConfig{
		ReferenceTweetID: cfg.VerificationTweetID,
		MaxPages:         cfg.ReplySearchMaxPages,
		RetryAfter:       cfg.UpstreamRetryAfter,
	})
	links := link.NewService(sessions, linkRepo, collector, log, cfg.VerifyCacheTTL)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitReconcile))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		MetricsGatherer:   reg,
		SessionService:    sessions,
		Reconciler:        reconciler,
		SessionConfig:     handler.SessionHandlerConfig{EnableMockConfirm: cfg.EnableMockConfirm},
		LinkService:       links,
	})

	if cfg.EnableMockConfirm {
		log.Warn("mock confirmation endpoints are enabled")
	}

	return &server{
		handler: router,
		close: func() {
			rateLimiter.Stop()
			links.Close()
		},
	}, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
