// Package app はsavlinkの構成要素の組み立てとサブコマンドの実行を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/config"
	"github.com/srinathnulidonda/savlink/internal/handler"
	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/logger"
	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/middleware"
	"github.com/srinathnulidonda/savlink/internal/persistence"
	"github.com/srinathnulidonda/savlink/internal/security"
	"github.com/srinathnulidonda/savlink/internal/session"
	"github.com/srinathnulidonda/savlink/internal/storage"
	"github.com/srinathnulidonda/savlink/internal/telemetry"
)

// tracingShutdownTimeout は終了時に未送信のスパンを送る時間の上限。
const tracingShutdownTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで作り直す
	l := logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, l, nil
}

// Components は組み立て済みの構成要素。Closeで逆順に解放する。
type Components struct {
	DB           *storage.DB
	Capabilities storage.Capabilities
	Tier         storage.Tier

	Selector    *persistence.Selector
	Provider    *identity.RESTProvider
	Manager     *session.Manager
	RateLimiter *middleware.RateLimiter
	Registry    *prometheus.Registry
	Tracing     *telemetry.Tracing
	Router      http.Handler
}

// OpenStorage は保存先の階層を開いて利用可否を判定し、保存方針のSelectorを返す。
// statusコマンドでも使うため、IdPやバックエンドには依存しない。
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.DB, *persistence.Selector, storage.Capabilities, error) {
	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, storage.Capabilities{}, fmt.Errorf("failed to open storage: %w", err)
	}

	sessionStore, err := db.Session(ctx, cfg.BrowsingSessionID)
	if err != nil {
		_ = db.Close()
		return nil, nil, storage.Capabilities{}, fmt.Errorf("failed to open session storage: %w", err)
	}

	tiers := storage.Tiers{
		Durable:  db.Durable(),
		Session:  sessionStore,
		Volatile: storage.NewMemoryStore(),
	}
	caps := storage.Probe(ctx, tiers, logger)
	return db, persistence.NewSelector(tiers, caps, logger), caps, nil
}

// Build は設定から全構成要素をワイヤリングする。
// セッションの監視はまだ開始しない。Startを呼ぶこと。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, httpClient *http.Client) (*Components, error) {
	// 1. 保存先の判定
	db, selector, caps, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tier := selector.Choose(ctx)

	// 2. IdP
	provider := identity.NewRESTProvider(identity.RESTConfig{
		APIKey:      cfg.IDPAPIKey,
		ContinueURI: cfg.IDPContinueURI,
		BaseURL:     cfg.IDPBaseURL,
		TokenURL:    cfg.IDPTokenURL,
		HTTPClient:  httpClient,
	}, selector.StoreFor(tier), logger)

	// 3. バックエンドAPI
	credential := &backend.CredentialHeader{}
	client, err := backend.NewClient(backend.Config{
		BaseURL:           cfg.APIBaseURL,
		RequestsPerSecond: cfg.BackendRPS,
		HTTPClient:        httpClient,
	}, credential, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. トレース
	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: cfg.OTelEndpoint,
		Enabled:  cfg.OTelEnabled,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	// 6. セッション調停
	manager, err := session.New(session.Options{
		Provider:        provider,
		Backend:         client,
		Selector:        selector,
		Credential:      credential,
		Sanitizer:       security.NewProfileSanitizer(),
		Recorder:        collector,
		TracerProvider:  tracing.Provider,
		Logger:          logger,
		Policy:          session.DefaultRetryPolicy(),
		RefreshInterval: cfg.TokenRefreshInterval,
		RedirectGrace:   cfg.RedirectGrace,
		Warmup: session.WarmupConfig{
			Enabled: cfg.WarmupEnabled(),
			Period:  cfg.WarmupPeriod,
		},
	})
	if err != nil {
		_ = tracing.Shutdown(ctx)
		_ = db.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:    logger,
		Session:   manager,
		Redirects: provider,
		Callback: handler.CallbackConfig{
			ContinueURI: cfg.IDPContinueURI,
			UIURL:       cfg.CORSAllowedOrigin,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF:              middleware.CSRFConfig{CookieSecure: strings.HasPrefix(cfg.IDPContinueURI, "https://")},
		RateLimiter:       rateLimiter,
		Gatherer:          registry,
	})

	return &Components{
		DB:           db,
		Capabilities: caps,
		Tier:         tier,
		Selector:     selector,
		Provider:     provider,
		Manager:      manager,
		RateLimiter:  rateLimiter,
		Registry:     registry,
		Tracing:      tracing,
		Router:       router,
	}, nil
}

// Start は保存済みの資格情報を復元してからセッションの監視を開始する。
func (c *Components) Start(ctx context.Context) {
	c.Provider.Restore(ctx)
	c.Manager.Start(ctx)
}

// Close はセッション調停を停止し、未送信のスパンを送ってからストレージを閉じる。
func (c *Components) Close() error {
	c.Manager.Close()
	c.RateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()
	if err := c.Tracing.Shutdown(ctx); err != nil {
		slog.Warn("failed to flush traces", slog.String("error", err.Error()))
	}
	return c.DB.Close()
}
