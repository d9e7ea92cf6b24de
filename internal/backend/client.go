// Package backend はアプリケーションのバックエンドAPIのクライアントを提供する。
// プロフィール取得（GET /auth/me）と死活確認（GET /health）のみを扱う。
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/srinathnulidonda/savlink/internal/model"
)

const (
	profilePath = "/auth/me"
	healthPath  = "/health"

	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
	// defaultRequestsPerSecond はバックエンド呼び出しのレート上限の既定値。
	defaultRequestsPerSecond = 5
)

// Config はClientの設定。
type Config struct {
	BaseURL           string
	RequestsPerSecond float64
	// HTTPClient はnilの場合に既定のクライアントを使う。タイムアウトは呼び出し側のcontextで制御する。
	HTTPClient *http.Client
}

// Client はバックエンドAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	limiter    *rate.Limiter
	credential *CredentialHeader
}

// NewClient はClientを生成する。credentialは監視側と共有する認証ヘッダー。
func NewClient(cfg Config, credential *CredentialHeader, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if credential == nil {
		credential = &CredentialHeader{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		httpClient = &c
	}
	if httpClient.Jar == nil {
		httpClient.Jar = jar
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		credential: credential,
	}, nil
}

// Credential は共有している認証ヘッダーを返す。
func (c *Client) Credential() *CredentialHeader {
	return c.credential
}

// envelope はバックエンドAPIの共通レスポンス形式。
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

// errorMessage はerrorフィールドを文字列に変換する。
// 文字列と {"message": "..."} の両方を受け付ける。
func (e envelope) errorMessage() string {
	if len(e.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Code
	}
	return string(e.Error)
}

// profileWire は /auth/me が返すプロフィール。
type profileWire struct {
	ID            flexibleID `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	DisplayName   string     `json:"display_name"`
	AvatarURL     string     `json:"avatar_url"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     string     `json:"created_at"`
	LastLoginAt   string     `json:"last_login_at"`
}

// flexibleID は数値と文字列のどちらのIDも受け付ける。
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexibleID(v)
		return nil
	}
	*f = flexibleID(s)
	return nil
}

func (w profileWire) toModel() *model.BackendProfile {
	name := w.Name
	if name == "" {
		name = w.DisplayName
	}
	return &model.BackendProfile{
		ID:            string(w.ID),
		Email:         w.Email,
		Name:          name,
		AvatarURL:     w.AvatarURL,
		EmailVerified: w.EmailVerified,
		Source:        model.ProfileSourceBackend,
		CreatedAt:     parseTime(w.CreatedAt),
		LastLoginAt:   parseTime(w.LastLoginAt),
	}
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FetchProfile はidTokenをBearerとして /auth/me を呼び、プロフィールを返す。
// idTokenが空の場合は共有している認証ヘッダーを使う。
// 4xxはErrRejected、5xxやネットワークエラーは再試行可能なエラーとして返す（Classifyで判定する）。
func (c *Client) FetchProfile(ctx context.Context, idToken string) (*model.BackendProfile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+profilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if idToken != "" {
		req.Header.Set("Authorization", "Bearer "+idToken)
	} else if !c.credential.apply(req) {
		return nil, ErrNoCredential
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if ClassifyStatus(resp.StatusCode) != ResultOK {
		se := &StatusError{Status: resp.StatusCode}
		if decodeErr == nil {
			se.Message = env.errorMessage()
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", decodeErr)
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrRejected, env.errorMessage())
	}

	var wire profileWire
	if err := json.Unmarshal(env.Data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode profile data: %w", err)
	}

	c.logger.Debug("backend profile fetched", slog.String("profile_id", string(wire.ID)))
	return wire.toModel(), nil
}

// Ping は /health を呼ぶ。2xxであればnilを返す。
func (c *Client) Ping(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if ClassifyStatus(resp.StatusCode) != ResultOK {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
