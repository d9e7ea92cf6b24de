package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// RedirectRecorder はIdPから戻ったコールバックURLを記録する。
// *identity.RESTProvider が実装する。
type RedirectRecorder interface {
	RecordRedirectCallback(ctx context.Context, callbackURL string) error
}

// CallbackConfig はリダイレクトサインインのコールバック設定。
type CallbackConfig struct {
	// ContinueURI はIdPに渡したcontinueUri。受け取ったクエリを付けてIdPに渡し直す。
	ContinueURI string
	// UIURL は完了後にブラウザを戻すURL。
	UIURL string
}

// CallbackHandler はリダイレクトサインインのコールバックを処理する。
type CallbackHandler struct {
	service  SessionService
	recorder RedirectRecorder
	config   CallbackConfig
	logger   *slog.Logger
}

// NewCallbackHandler はCallbackHandlerを生成する。recorderはnilでもよい。
func NewCallbackHandler(service SessionService, recorder RedirectRecorder, config CallbackConfig, logger *slog.Logger) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackHandler{
		service:  service,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
}

// Callback はIdPからの戻りを記録してリダイレクトサインインを完了し、UIへ戻す。
// 失敗した場合はauth_errorクエリにエラーコードを付ける。
// GET /auth/callback
func (h *CallbackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.recorder != nil {
		callbackURL := h.config.ContinueURI
		if r.URL.RawQuery != "" {
			callbackURL += "?" + r.URL.RawQuery
		}
		if err := h.recorder.RecordRedirectCallback(r.Context(), callbackURL); err != nil {
			h.logger.Warn("failed to record redirect callback", slog.String("error", err.Error()))
		}
	}

	_, err := h.service.CompleteRedirect(r.Context())
	if err != nil {
		code := model.ErrCodeProviderError
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			code = authErr.Code
		}
		h.logger.Warn("redirect sign-in failed", slog.String("code", code))
		http.Redirect(w, r, h.uiURL(code), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, h.uiURL(""), http.StatusSeeOther)
}

func (h *CallbackHandler) uiURL(errCode string) string {
	target := h.config.UIURL
	if target == "" {
		target = "/"
	}
	if errCode == "" {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("auth_error", errCode)
	u.RawQuery = q.Encode()
	return u.String()
}
