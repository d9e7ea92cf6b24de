// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// BuildMode はデプロイ形態を表す。
type BuildMode string

const (
	BuildModeDevelopment BuildMode = "development"
	BuildModeStaging     BuildMode = "staging"
	BuildModeProduction  BuildMode = "production"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	APIBaseURL string  `env:"SAVLINK_API_BASE_URL,required,notEmpty"`
	BackendRPS float64 `env:"SAVLINK_BACKEND_RPS" envDefault:"5"`

	// Build
	BuildMode BuildMode `env:"SAVLINK_BUILD_MODE" envDefault:"development"`

	// Identity Provider
	IDPAPIKey      string `env:"SAVLINK_IDP_API_KEY,required,notEmpty"`
	IDPBaseURL     string `env:"SAVLINK_IDP_BASE_URL" envDefault:"https://identitytoolkit.googleapis.com/v1"`
	IDPTokenURL    string `env:"SAVLINK_IDP_TOKEN_URL" envDefault:"https://securetoken.googleapis.com/v1/token"`
	IDPContinueURI string `env:"SAVLINK_IDP_CONTINUE_URI" envDefault:"http://127.0.0.1:7788/auth/callback"`

	// Storage
	DataDir           string `env:"SAVLINK_DATA_DIR" envDefault:".savlink"`
	BrowsingSessionID string `env:"SAVLINK_BROWSING_SESSION"`

	// Session timing
	TokenRefreshInterval time.Duration `env:"SAVLINK_TOKEN_REFRESH_INTERVAL" envDefault:"45m"`
	RedirectGrace        time.Duration `env:"SAVLINK_REDIRECT_GRACE" envDefault:"1500ms"`
	WarmupPeriod         time.Duration `env:"SAVLINK_WARMUP_PERIOD" envDefault:"2m"`

	// Local API
	ListenAddr        string `env:"SAVLINK_LISTEN_ADDR" envDefault:"127.0.0.1:7788"`
	CORSAllowedOrigin string `env:"SAVLINK_CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Logging
	LogLevel string `env:"SAVLINK_LOG_LEVEL" envDefault:"info"`

	// Tracing（OTLP/HTTPのエンドポイントが設定された場合のみ有効）
	OTelEndpoint string `env:"SAVLINK_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"SAVLINK_OTEL_ENABLED" envDefault:"true"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数名をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		var agg env.AggregateError
		if errors.As(err, &agg) {
			var missing []string
			for _, e := range agg.Errors {
				var notSet env.EnvVarIsNotSetError
				var empty env.EmptyEnvVarError
				switch {
				case errors.As(e, &notSet):
					missing = append(missing, notSet.Key)
				case errors.As(e, &empty):
					missing = append(missing, empty.Key)
				}
			}
			if len(missing) > 0 {
				return nil, fmt.Errorf("required environment variables are not set: %v", missing)
			}
		}
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	switch cfg.BuildMode {
	case BuildModeDevelopment, BuildModeStaging, BuildModeProduction:
	default:
		return nil, fmt.Errorf("invalid SAVLINK_BUILD_MODE: %q", cfg.BuildMode)
	}

	if cfg.BackendRPS <= 0 {
		cfg.BackendRPS = 5
	}

	return cfg, nil
}

// WarmupEnabled はバックエンドのウォームアップ ping を有効にするかを返す。
// コールドスタートのある本番相当の環境（staging, production）でのみ有効。
func (c *Config) WarmupEnabled() bool {
	return c.BuildMode == BuildModeStaging || c.BuildMode == BuildModeProduction
}

// TracingEnabled はOpenTelemetryによるトレースの送信を有効にするかを返す。
func (c *Config) TracingEnabled() bool {
	return c.OTelEnabled && c.OTelEndpoint != ""
}
