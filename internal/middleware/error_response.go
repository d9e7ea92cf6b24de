package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retriable bool   `json:"retriable,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, authErr *model.AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      authErr.Code,
		Message:   authErr.Message,
		Category:  authErr.Category,
		Action:    authErr.Action,
		Retriable: authErr.Retriable,
	})
}

// WriteAuthError はAuthErrorのコードに対応するステータスでエラーレスポンスを書き込む。
func WriteAuthError(w http.ResponseWriter, authErr *model.AuthError) {
	WriteErrorResponse(w, StatusForAuthError(authErr), authErr)
}

// StatusForAuthError はAuthErrorのコードをHTTPステータスコードに対応付ける。
func StatusForAuthError(authErr *model.AuthError) int {
	switch authErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeWeakPassword:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeSessionExpired:
		return http.StatusUnauthorized
	case model.ErrCodeAccountDisabled:
		return http.StatusForbidden
	case model.ErrCodeEmailInUse, model.ErrCodePopupBlocked, model.ErrCodePopupCancelled:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeRedirectStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.AuthError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
