package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/storage"
)

const (
	defaultBaseURL  = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	// credentialKey は保存先ストアにおける資格情報のキー。
	credentialKey = "idp_credential"
	// redirectKey は保留中のリダイレクトサインインのキー。
	redirectKey = "idp_redirect"

	// tokenRefreshSkew は有効期限のこの時間前からトークンを再発行する。
	tokenRefreshSkew = 5 * time.Minute
	// tokenRefreshTimeout はまとめて実行する再発行1回あたりの上限。
	tokenRefreshTimeout = 15 * time.Second
)

// RESTConfig はRESTProviderの設定。
type RESTConfig struct {
	APIKey string
	// ContinueURI はリダイレクトサインイン後に戻るURL。
	ContinueURI string

	// テスト用にオーバーライド可能なURL
	BaseURL  string
	TokenURL string

	HTTPClient *http.Client
}

// storedCredential は保存先ストアに書き込む資格情報。
type storedCredential struct {
	Identity     model.ProviderIdentity `json:"identity"`
	IDToken      string                 `json:"id_token"`
	RefreshToken string                 `json:"refresh_token"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// pendingRedirect は保留中のリダイレクトサインイン。
type pendingRedirect struct {
	SessionID   string `json:"session_id"`
	ProviderID  string `json:"provider_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// RESTProvider はIdentity Toolkit互換のREST APIでProviderを実装する。
type RESTProvider struct {
	config     RESTConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	store     storage.KeyValueStore
	cred      *storedCredential
	listeners map[string]SessionListener

	refreshGroup singleflight.Group
}

// NewRESTProvider はRESTProviderを生成する。
// storeは資格情報の初期保存先で、後からSetPersistenceで切り替えられる。
func NewRESTProvider(config RESTConfig, store storage.KeyValueStore, logger *slog.Logger) *RESTProvider {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RESTProvider{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		store:      store,
		listeners:  make(map[string]SessionListener),
	}
}

// Restore は保存先ストアから資格情報を読み込み、初回のセッションイベントを発行する。
// 資格情報が無ければサインアウトとして通知する。
func (p *RESTProvider) Restore(ctx context.Context) {
	p.mu.Lock()
	store := p.store
	p.mu.Unlock()

	cred, err := loadJSON[storedCredential](ctx, store, credentialKey)
	if err != nil {
		p.logger.Warn("failed to restore identity credential", slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()

	if cred == nil {
		p.emit(nil)
		return
	}
	identity := cred.Identity
	p.emit(&identity)
}

// OnSessionChange はセッション変化の購読を登録する。
func (p *RESTProvider) OnSessionChange(listener SessionListener) func() {
	id := uuid.NewString()
	p.mu.Lock()
	p.listeners[id] = listener
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// emit は購読者にセッション変化を通知する。ロックの外で呼び出すこと。
func (p *RESTProvider) emit(identity *model.ProviderIdentity) {
	p.mu.Lock()
	listeners := make([]SessionListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		if identity == nil {
			l(nil)
			continue
		}
		cp := *identity
		l(&cp)
	}
}

// CurrentIdentity は現在のユーザーを返す。
func (p *RESTProvider) CurrentIdentity() *model.ProviderIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cred == nil {
		return nil
	}
	id := p.cred.Identity
	return &id
}

// authResponse はサインイン系エンドポイントのレスポンス。
type authResponse struct {
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
	EmailVerified bool   `json:"emailVerified"`
	ProviderID    string `json:"providerId"`
}

// SignInWithCredentials はメールアドレスとパスワードでサインインする。
func (p *RESTProvider) SignInWithCredentials(ctx context.Context, email, password string) (*model.ProviderIdentity, error) {
	var resp authResponse
	err := p.postJSON(ctx, p.endpoint("accounts:signInWithPassword"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp, "password")
}

// Register はメールアドレスとパスワードで新規登録する。
func (p *RESTProvider) Register(ctx context.Context, email, password string) (*model.ProviderIdentity, error) {
	var resp authResponse
	err := p.postJSON(ctx, p.endpoint("accounts:signUp"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp, "password")
}

// BeginRedirectSignIn は外部IdPへのリダイレクトを開始する。
// 戻ってきた後の照合に使うsessionIdを保存先ストアに記録する。
func (p *RESTProvider) BeginRedirectSignIn(ctx context.Context, providerID string) (string, error) {
	var resp struct {
		AuthURI   string `json:"authUri"`
		SessionID string `json:"sessionId"`
	}
	err := p.postJSON(ctx, p.endpoint("accounts:createAuthUri"), map[string]any{
		"providerId":  providerID,
		"continueUri": p.config.ContinueURI,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AuthURI == "" {
		return "", &ProviderError{Code: CodeInternalError, Message: "empty authUri in response"}
	}

	pending := pendingRedirect{SessionID: resp.SessionID, ProviderID: providerID}
	if err := saveJSON(ctx, p.currentStore(), redirectKey, pending); err != nil {
		return "", &ProviderError{Code: CodeWebStorageUnsupported, Message: "failed to store redirect state", Err: err}
	}
	return resp.AuthURI, nil
}

// RecordRedirectCallback はIdPから戻ってきたコールバックURLを記録する。
// 次のCompleteRedirectSignInで照合に使う。
func (p *RESTProvider) RecordRedirectCallback(ctx context.Context, callbackURL string) error {
	store := p.currentStore()
	pending, err := loadJSON[pendingRedirect](ctx, store, redirectKey)
	if err != nil {
		return fmt.Errorf("failed to load redirect state: %w", err)
	}
	if pending == nil {
		// 開始時の記録が失われている。完了時にmissing-initial-stateとして扱う
		pending = &pendingRedirect{}
	}
	pending.CallbackURL = callbackURL
	if err := saveJSON(ctx, store, redirectKey, *pending); err != nil {
		return fmt.Errorf("failed to store redirect callback: %w", err)
	}
	return nil
}

// CompleteRedirectSignIn は保留中のリダイレクトサインインを完了する。
// 結果は1回だけ回収でき、照合の前に保留中の記録を消去する。
func (p *RESTProvider) CompleteRedirectSignIn(ctx context.Context) (*model.ProviderIdentity, error) {
	store := p.currentStore()
	pending, err := loadJSON[pendingRedirect](ctx, store, redirectKey)
	if err != nil {
		return nil, &ProviderError{Code: CodeRedirectStorage, Message: "failed to read redirect state", Err: err}
	}
	if pending == nil || pending.CallbackURL == "" {
		return nil, nil
	}

	if err := store.Delete(ctx, redirectKey); err != nil {
		p.logger.Warn("failed to clear redirect state", slog.String("error", err.Error()))
	}

	if pending.SessionID == "" {
		return nil, &ProviderError{Code: CodeMissingInitialState, Message: "redirect state was lost"}
	}

	var resp authResponse
	err = p.postJSON(ctx, p.endpoint("accounts:signInWithIdp"), map[string]any{
		"requestUri":          pending.CallbackURL,
		"sessionId":           pending.SessionID,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp, pending.ProviderID)
}

// SignOut は資格情報を破棄してサインアウトする。
func (p *RESTProvider) SignOut(ctx context.Context) error {
	p.clear(ctx)
	return nil
}

// clear は資格情報を破棄し、サインイン中だった場合はサインアウトを通知する。
func (p *RESTProvider) clear(ctx context.Context) {
	p.mu.Lock()
	hadCred := p.cred != nil
	p.cred = nil
	store := p.store
	p.mu.Unlock()

	if err := store.Delete(ctx, credentialKey); err != nil {
		p.logger.Warn("failed to delete identity credential", slog.String("error", err.Error()))
	}
	if hadCred {
		p.emit(nil)
	}
}

// GetToken はIDトークンを返す。必要に応じてリフレッシュトークンで再発行する。
// 同時に来た再発行要求は1回のリクエストにまとめる。
func (p *RESTProvider) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	cred := p.cred
	var (
		idToken      string
		refreshToken string
		expiresAt    time.Time
	)
	if cred != nil {
		idToken, refreshToken, expiresAt = cred.IDToken, cred.RefreshToken, cred.ExpiresAt
	}
	p.mu.Unlock()

	if cred == nil {
		return "", ErrNotSignedIn
	}
	if !forceRefresh && idToken != "" && p.now().Add(tokenRefreshSkew).Before(expiresAt) {
		return idToken, nil
	}

	// 再発行は呼び出し元のcontextから切り離して実行し、待つ側だけがキャンセルに従う
	ch := p.refreshGroup.DoChan(refreshToken, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRefreshTimeout)
		defer cancel()
		return p.refreshIDToken(refreshCtx, refreshToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refreshIDToken はセキュアトークンエンドポイントでIDトークンを再発行する。
func (p *RESTProvider) refreshIDToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.TokenURL+"?key="+url.QueryEscape(p.config.APIKey),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
		UserID       string `json:"user_id"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	if resp.IDToken == "" {
		return "", &ProviderError{Code: CodeInternalError, Message: "empty id_token in response"}
	}

	p.mu.Lock()
	if p.cred == nil || p.cred.RefreshToken != refreshToken {
		// 再発行中にサインアウトまたは別ユーザーでサインインされた
		p.mu.Unlock()
		return "", ErrNotSignedIn
	}
	updated := *p.cred
	updated.IDToken = resp.IDToken
	if resp.RefreshToken != "" {
		updated.RefreshToken = resp.RefreshToken
	}
	updated.ExpiresAt = p.expiry(resp.ExpiresIn, resp.IDToken)
	if claims, err := parseIDToken(resp.IDToken); err == nil {
		updated.Identity.EmailVerified = claims.EmailVerified
	}
	p.cred = &updated
	store := p.store
	p.mu.Unlock()

	if err := saveJSON(ctx, store, credentialKey, updated); err != nil {
		p.logger.Warn("failed to persist refreshed credential", slog.String("error", err.Error()))
	}
	return resp.IDToken, nil
}

// Reload はIdPから最新のユーザー情報を取得し直す。
// セッションが失効していた場合はサインアウトを通知する。
func (p *RESTProvider) Reload(ctx context.Context) error {
	token, err := p.GetToken(ctx, false)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			p.clear(ctx)
		}
		return err
	}

	var resp struct {
		Users []struct {
			LocalID       string `json:"localId"`
			Email         string `json:"email"`
			EmailVerified bool   `json:"emailVerified"`
			DisplayName   string `json:"displayName"`
			PhotoURL      string `json:"photoUrl"`
			CreatedAt     string `json:"createdAt"`
			LastLoginAt   string `json:"lastLoginAt"`
		} `json:"users"`
	}
	if err := p.postJSON(ctx, p.endpoint("accounts:lookup"), map[string]any{"idToken": token}, &resp); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			p.clear(ctx)
		}
		return err
	}
	if len(resp.Users) == 0 {
		p.clear(ctx)
		return &ProviderError{Code: CodeUserTokenExpired, Message: "user no longer exists"}
	}
	u := resp.Users[0]

	p.mu.Lock()
	if p.cred == nil || p.cred.Identity.UID != u.LocalID {
		p.mu.Unlock()
		return ErrNotSignedIn
	}
	updated := *p.cred
	updated.Identity.Email = u.Email
	updated.Identity.EmailVerified = u.EmailVerified
	updated.Identity.DisplayName = u.DisplayName
	updated.Identity.PhotoURL = u.PhotoURL
	if t, ok := parseMillis(u.CreatedAt); ok {
		updated.Identity.CreatedAt = t
	}
	if t, ok := parseMillis(u.LastLoginAt); ok {
		updated.Identity.LastLoginAt = t
	}
	p.cred = &updated
	store := p.store
	p.mu.Unlock()

	if err := saveJSON(ctx, store, credentialKey, updated); err != nil {
		p.logger.Warn("failed to persist reloaded credential", slog.String("error", err.Error()))
	}
	return nil
}

// SendVerificationEmail は現在のユーザーに確認メールを送る。
func (p *RESTProvider) SendVerificationEmail(ctx context.Context) error {
	token, err := p.GetToken(ctx, false)
	if err != nil {
		return err
	}
	return p.postJSON(ctx, p.endpoint("accounts:sendOobCode"), map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     token,
	}, nil)
}

// SendPasswordReset はパスワード再設定メールを送る。
func (p *RESTProvider) SendPasswordReset(ctx context.Context, email string) error {
	return p.postJSON(ctx, p.endpoint("accounts:sendOobCode"), map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// SetPersistence は資格情報の保存先を切り替え、既存の資格情報と保留中のリダイレクトを移す。
func (p *RESTProvider) SetPersistence(ctx context.Context, store storage.KeyValueStore) error {
	if store == nil {
		return fmt.Errorf("persistence store is required")
	}

	p.mu.Lock()
	old := p.store
	p.store = store
	cred := p.cred
	p.mu.Unlock()

	if old == store {
		return nil
	}

	if cred != nil {
		if err := saveJSON(ctx, store, credentialKey, *cred); err != nil {
			return fmt.Errorf("failed to move credential: %w", err)
		}
	}
	if pending, err := loadJSON[pendingRedirect](ctx, old, redirectKey); err == nil && pending != nil {
		if err := saveJSON(ctx, store, redirectKey, *pending); err != nil {
			return fmt.Errorf("failed to move redirect state: %w", err)
		}
		_ = old.Delete(ctx, redirectKey)
	}
	_ = old.Delete(ctx, credentialKey)
	return nil
}

// establish はサインイン系レスポンスから資格情報を確立し、サインインを通知する。
func (p *RESTProvider) establish(ctx context.Context, resp authResponse, providerID string) (*model.ProviderIdentity, error) {
	if resp.IDToken == "" || resp.RefreshToken == "" {
		return nil, &ProviderError{Code: CodeInternalError, Message: "incomplete sign-in response"}
	}

	identity := model.ProviderIdentity{
		UID:           resp.LocalID,
		Email:         resp.Email,
		DisplayName:   resp.DisplayName,
		PhotoURL:      resp.PhotoURL,
		EmailVerified: resp.EmailVerified,
		ProviderID:    providerID,
		LastLoginAt:   p.now().UTC(),
	}
	if claims, err := parseIDToken(resp.IDToken); err == nil {
		fromToken := claims.identity()
		identity.UID = fromToken.UID
		identity.EmailVerified = fromToken.EmailVerified
		if fromToken.Email != "" {
			identity.Email = fromToken.Email
		}
		if fromToken.DisplayName != "" {
			identity.DisplayName = fromToken.DisplayName
		}
		if fromToken.PhotoURL != "" {
			identity.PhotoURL = fromToken.PhotoURL
		}
		if fromToken.ProviderID != "" {
			identity.ProviderID = fromToken.ProviderID
		}
		if !fromToken.LastLoginAt.IsZero() {
			identity.LastLoginAt = fromToken.LastLoginAt
		}
	} else {
		p.logger.Debug("id token claims unavailable", slog.String("error", err.Error()))
	}
	if identity.UID == "" {
		return nil, &ProviderError{Code: CodeInternalError, Message: "sign-in response has no user id"}
	}
	if resp.ProviderID != "" && identity.ProviderID == "" {
		identity.ProviderID = resp.ProviderID
	}

	cred := storedCredential{
		Identity:     identity,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    p.expiry(resp.ExpiresIn, resp.IDToken),
	}

	p.mu.Lock()
	p.cred = &cred
	store := p.store
	p.mu.Unlock()

	if err := saveJSON(ctx, store, credentialKey, cred); err != nil {
		// メモリ上の資格情報は有効なため、再読み込みで失われるだけ
		p.logger.Warn("failed to persist identity credential", slog.String("error", err.Error()))
	}

	p.logger.Info("identity provider sign-in established",
		slog.String("uid", identity.UID),
		slog.String("provider", identity.ProviderID),
	)

	p.emit(&identity)
	out := identity
	return &out, nil
}

// expiry はexpiresIn（秒）またはトークンのexpクレームから有効期限を決める。
func (p *RESTProvider) expiry(expiresIn, idToken string) time.Time {
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return p.now().Add(time.Duration(secs) * time.Second)
	}
	if claims, err := parseIDToken(idToken); err == nil {
		if exp := claims.expiresAt(); !exp.IsZero() {
			return exp
		}
	}
	return p.now().Add(time.Hour)
}

func (p *RESTProvider) currentStore() storage.KeyValueStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}

func (p *RESTProvider) endpoint(method string) string {
	return p.config.BaseURL + "/" + method + "?key=" + url.QueryEscape(p.config.APIKey)
}

// postJSON はJSONボディでPOSTし、レスポンスをoutにデコードする。outがnilの場合は読み捨てる。
func (p *RESTProvider) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

// restErrorBody はREST APIのエラーレスポンス。
type restErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *RESTProvider) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Code: CodeNetworkRequestFailed, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Code: CodeNetworkRequestFailed, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var eb restErrorBody
		if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
			return &ProviderError{
				Code:    CodeInternalError,
				Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
				Status:  resp.StatusCode,
			}
		}
		return &ProviderError{
			Code:    codeFromRESTMessage(eb.Error.Message),
			Message: eb.Error.Message,
			Status:  resp.StatusCode,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Code: CodeInternalError, Message: "failed to parse response", Status: resp.StatusCode, Err: err}
	}
	return nil
}

func parseMillis(v string) (time.Time, bool) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func loadJSON[T any](ctx context.Context, store storage.KeyValueStore, key string) (*T, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &v, nil
}

func saveJSON[T any](ctx context.Context, store storage.KeyValueStore, key string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(b))
}

// compile-time interface check
var _ Provider = (*RESTProvider)(nil)
