package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/srinathnulidonda/savlink/internal/model"
)

func TestStatusForAuthError(t *testing.T) {
	tests := []struct {
		err  *model.AuthError
		want int
	}{
		{model.NewInvalidRequestError("email is required"), http.StatusBadRequest},
		{model.NewWeakPasswordError(nil), http.StatusBadRequest},
		{model.NewInvalidCredentialsError(nil), http.StatusUnauthorized},
		{model.NewSessionExpiredError(nil), http.StatusUnauthorized},
		{model.NewAccountDisabledError(nil), http.StatusForbidden},
		{model.NewEmailInUseError(nil), http.StatusConflict},
		{model.NewPopupBlockedError(nil), http.StatusConflict},
		{model.NewPopupCancelledError(nil), http.StatusConflict},
		{model.NewRateLimitedError(nil), http.StatusTooManyRequests},
		{model.NewRedirectStorageError(nil), http.StatusServiceUnavailable},
		{model.NewProviderError(nil), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := StatusForAuthError(tt.err); got != tt.want {
				t.Errorf("StatusForAuthError(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

// TestWriteAuthError はコード・カテゴリ・対処方法を含む統一フォーマットで書き込むことを検証する。
func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, model.NewRateLimitedError(nil))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q", body.Code)
	}
	if body.Message == "" || body.Category == "" || body.Action == "" {
		t.Errorf("message/category/actionが含まれるべき, got %+v", body)
	}
}
