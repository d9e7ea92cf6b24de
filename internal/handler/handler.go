// Package handler はローカルAPIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/srinathnulidonda/savlink/internal/middleware"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/session"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// SessionService はハンドラーが必要とするセッション調停のインターフェース。
// *session.Manager が実装する。
type SessionService interface {
	CurrentState() model.SessionState
	BackendWarm() bool
	RedirectPending(ctx context.Context) bool
	Subscribe(fn session.Listener) (unsubscribe func())
	SubscribeNotices(fn session.NoticeListener) (unsubscribe func())

	SignIn(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error)
	Register(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error)
	SignInWithProvider(ctx context.Context, providerID string, forceRedirect bool) (session.ProviderSignIn, error)
	CompleteRedirect(ctx context.Context) (*model.ProviderIdentity, error)
	SignOut(ctx context.Context) error
	RetrySync(ctx context.Context) bool
	SendPasswordReset(ctx context.Context, email string) error
	SendVerificationEmail(ctx context.Context) error
}

var _ SessionService = (*session.Manager)(nil)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は入力不備のAuthErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewInvalidRequestError("invalid JSON body")
	}
	return nil
}

// handleServiceError はセッション層から返されたエラーをHTTPレスポンスに変換する。
// AuthError以外は内部エラーとして扱い、詳細はログのみに残す。
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		middleware.WriteAuthError(w, authErr)
		return
	}

	logger.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
