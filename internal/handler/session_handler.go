package handler

import (
	"log/slog"
	"net/http"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// SessionHandler はセッション状態とサインイン操作のHTTPハンドラー。
type SessionHandler struct {
	service SessionService
	logger  *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionService, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		service: service,
		logger:  logger,
	}
}

// sessionResponse はGET /api/sessionのレスポンス。
type sessionResponse struct {
	State           model.SessionState `json:"state"`
	RedirectPending bool               `json:"redirect_pending"`
	BackendWarm     bool               `json:"backend_warm"`
}

// credentialsRequest はサインインと新規登録のリクエストボディ。
// remember_meを省略した場合は保存済みの方針を使う。
type credentialsRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe *bool  `json:"remember_me,omitempty"`
}

func (req credentialsRequest) preference() model.PersistencePreference {
	if req.RememberMe == nil {
		return model.PreferenceNone
	}
	if *req.RememberMe {
		return model.PreferenceLocal
	}
	return model.PreferenceSession
}

type identityResponse struct {
	Identity *model.ProviderIdentity `json:"identity"`
}

type providerSignInRequest struct {
	ProviderID    string `json:"provider_id"`
	ForceRedirect bool   `json:"force_redirect"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type retryResponse struct {
	Started bool `json:"started"`
}

// GetSession は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{
		State:           h.service.CurrentState(),
		RedirectPending: h.service.RedirectPending(r.Context()),
		BackendWarm:     h.service.BackendWarm(),
	})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /api/session/signin
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	id, err := h.service.SignIn(r.Context(), model.Credentials{Email: req.Email, Password: req.Password}, req.preference())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{Identity: id})
}

// Register は新規登録してサインインする。
// POST /api/session/register
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	id, err := h.service.Register(r.Context(), model.Credentials{Email: req.Email, Password: req.Password}, req.preference())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse{Identity: id})
}

// SignInWithProvider は外部IdPでのサインインを開始する。
// ポップアップで完了した場合はidentity、リダイレクトが必要な場合はredirect_urlを返す。
// POST /api/session/signin/provider
func (h *SessionHandler) SignInWithProvider(w http.ResponseWriter, r *http.Request) {
	var req providerSignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.service.SignInWithProvider(r.Context(), req.ProviderID, req.ForceRedirect)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SignOut はサインアウトする。
// POST /api/session/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetrySync はプロフィール同期をやり直す。
// 同期を開始した場合は202、何もしなかった場合は200を返す。
// POST /api/session/retry
func (h *SessionHandler) RetrySync(w http.ResponseWriter, r *http.Request) {
	started := h.service.RetrySync(r.Context())
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, retryResponse{Started: started})
}

// SendPasswordReset はパスワード再設定メールを送信する。
// POST /api/session/password-reset
func (h *SessionHandler) SendPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	if err := h.service.SendPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendVerificationEmail は確認メールを送信する。
// POST /api/session/verification-email
func (h *SessionHandler) SendVerificationEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SendVerificationEmail(r.Context()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
