package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/srinathnulidonda/savlink/internal/middleware"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/session"
)

func newTestSessionHandler(svc SessionService) (*SessionHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewSessionHandler(svc, newTestLogger(&buf)), &buf
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスの解析に失敗: %v", err)
	}
	return body
}

// TestSessionHandler_GetSession は状態・リダイレクト保留・warm判定を返すことを検証する。
func TestSessionHandler_GetSession(t *testing.T) {
	svc := newMockSessionService()
	svc.state = model.AuthenticatedState(testIdentity("alice"), nil, model.SyncPending, "")
	svc.backendWarm = true
	svc.redirectPending = true
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.GetSession(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.State.Phase != model.PhaseAuthenticated || resp.State.UID() != "alice" {
		t.Errorf("state = %+v", resp.State)
	}
	if resp.State.SyncStatus != model.SyncPending {
		t.Errorf("sync_status = %s, want pending", resp.State.SyncStatus)
	}
	if !resp.RedirectPending || !resp.BackendWarm {
		t.Errorf("redirect_pending/backend_warm = %v/%v, want true/true", resp.RedirectPending, resp.BackendWarm)
	}
}

func TestSessionHandler_SignIn_Preference(t *testing.T) {
	tests := []struct {
		name string
		body string
		want model.PersistencePreference
	}{
		{"省略時は保存済みの方針", `{"email":"a@example.com","password":"secret"}`, model.PreferenceNone},
		{"ログイン状態を保持する", `{"email":"a@example.com","password":"secret","remember_me":true}`, model.PreferenceLocal},
		{"保持しない", `{"email":"a@example.com","password":"secret","remember_me":false}`, model.PreferenceSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPref model.PersistencePreference
			var gotCreds model.Credentials
			svc := newMockSessionService()
			svc.signInFn = func(_ context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error) {
				gotCreds, gotPref = creds, pref
				id := testIdentity("alice")
				return &id, nil
			}
			h, _ := newTestSessionHandler(svc)

			w := httptest.NewRecorder()
			h.SignIn(w, httptest.NewRequest(http.MethodPost, "/api/session/signin", strings.NewReader(tt.body)))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if gotPref != tt.want {
				t.Errorf("preference = %q, want %q", gotPref, tt.want)
			}
			if gotCreds.Email != "a@example.com" || gotCreds.Password != "secret" {
				t.Errorf("credentials = %+v", gotCreds)
			}
			var resp identityResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("レスポンスの解析に失敗: %v", err)
			}
			if resp.Identity == nil || resp.Identity.UID != "alice" {
				t.Errorf("identity = %+v", resp.Identity)
			}
		})
	}
}

func TestSessionHandler_SignIn_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode string
		status   int
	}{
		{"不正なJSON", `{`, nil, model.ErrCodeInvalidRequest, http.StatusBadRequest},
		{"認証情報の誤り", `{"email":"a@example.com","password":"x"}`, model.NewInvalidCredentialsError(nil), model.ErrCodeInvalidCredentials, http.StatusUnauthorized},
		{"試行回数超過", `{"email":"a@example.com","password":"x"}`, model.NewRateLimitedError(nil), model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{"分類外のエラー", `{"email":"a@example.com","password":"x"}`, errors.New("boom"), "INTERNAL_ERROR", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockSessionService()
			svc.signInFn = func(context.Context, model.Credentials, model.PersistencePreference) (*model.ProviderIdentity, error) {
				return nil, tt.err
			}
			h, logs := newTestSessionHandler(svc)

			w := httptest.NewRecorder()
			h.SignIn(w, httptest.NewRequest(http.MethodPost, "/api/session/signin", strings.NewReader(tt.body)))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeError(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.status == http.StatusInternalServerError && !strings.Contains(logs.String(), "boom") {
				t.Error("内部エラーの詳細はログに残るべき")
			}
		})
	}
}

func TestSessionHandler_Register(t *testing.T) {
	svc := newMockSessionService()
	svc.registerFn = func(_ context.Context, creds model.Credentials, _ model.PersistencePreference) (*model.ProviderIdentity, error) {
		if creds.Email == "taken@example.com" {
			return nil, model.NewEmailInUseError(nil)
		}
		id := testIdentity("new")
		return &id, nil
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.Register(w, httptest.NewRequest(http.MethodPost, "/api/session/register", strings.NewReader(`{"email":"new@example.com","password":"secret1"}`)))
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	w = httptest.NewRecorder()
	h.Register(w, httptest.NewRequest(http.MethodPost, "/api/session/register", strings.NewReader(`{"email":"taken@example.com","password":"secret1"}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeEmailInUse {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeEmailInUse)
	}
}

// TestSessionHandler_SignInWithProvider_Redirect はリダイレクトURLを返すことを検証する。
func TestSessionHandler_SignInWithProvider_Redirect(t *testing.T) {
	svc := newMockSessionService()
	svc.signInWithProviderFn = func(_ context.Context, providerID string, forceRedirect bool) (session.ProviderSignIn, error) {
		if providerID != "google.com" || !forceRedirect {
			t.Errorf("provider=%q forceRedirect=%v", providerID, forceRedirect)
		}
		return session.ProviderSignIn{RedirectURL: "https://idp.example.com/auth"}, nil
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SignInWithProvider(w, httptest.NewRequest(http.MethodPost, "/api/session/signin/provider",
		strings.NewReader(`{"provider_id":"google.com","force_redirect":true}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp session.ProviderSignIn
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.RedirectURL != "https://idp.example.com/auth" || resp.Identity != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestSessionHandler_SignInWithProvider_Cancelled(t *testing.T) {
	svc := newMockSessionService()
	svc.signInWithProviderFn = func(context.Context, string, bool) (session.ProviderSignIn, error) {
		return session.ProviderSignIn{}, model.NewPopupCancelledError(nil)
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SignInWithProvider(w, httptest.NewRequest(http.MethodPost, "/api/session/signin/provider", strings.NewReader(`{}`)))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodePopupCancelled {
		t.Errorf("code = %q", body.Code)
	}
}

func TestSessionHandler_SignOut(t *testing.T) {
	called := false
	svc := newMockSessionService()
	svc.signOutFn = func(context.Context) error {
		called = true
		return nil
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SignOut(w, httptest.NewRequest(http.MethodPost, "/api/session/signout", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !called {
		t.Error("SignOutが呼ばれるべき")
	}
}

func TestSessionHandler_RetrySync(t *testing.T) {
	for _, started := range []bool{true, false} {
		svc := newMockSessionService()
		svc.retrySyncFn = func(context.Context) bool { return started }
		h, _ := newTestSessionHandler(svc)

		w := httptest.NewRecorder()
		h.RetrySync(w, httptest.NewRequest(http.MethodPost, "/api/session/retry", nil))

		want := http.StatusOK
		if started {
			want = http.StatusAccepted
		}
		if w.Code != want {
			t.Errorf("started=%v: status = %d, want %d", started, w.Code, want)
		}
		var resp retryResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("レスポンスの解析に失敗: %v", err)
		}
		if resp.Started != started {
			t.Errorf("started = %v, want %v", resp.Started, started)
		}
	}
}

func TestSessionHandler_SendPasswordReset(t *testing.T) {
	var gotEmail string
	svc := newMockSessionService()
	svc.sendPasswordResetFn = func(_ context.Context, email string) error {
		gotEmail = email
		return nil
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SendPasswordReset(w, httptest.NewRequest(http.MethodPost, "/api/session/password-reset", strings.NewReader(`{"email":"a@example.com"}`)))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotEmail != "a@example.com" {
		t.Errorf("email = %q", gotEmail)
	}
}

func TestSessionHandler_SendVerificationEmail_SignedOut(t *testing.T) {
	svc := newMockSessionService()
	svc.sendVerificationEmailFn = func(context.Context) error {
		return model.NewSessionExpiredError(nil)
	}
	h, _ := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SendVerificationEmail(w, httptest.NewRequest(http.MethodPost, "/api/session/verification-email", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
