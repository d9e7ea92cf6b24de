package identity

import (
	"errors"
	"fmt"

	"github.com/srinathnulidonda/savlink/internal/model"
)

var (
	// ErrNotSignedIn はサインインが必要な操作を未サインインで呼んだ場合のエラー。
	ErrNotSignedIn = errors.New("identity: not signed in")
	// ErrSessionExpired はリフレッシュトークンが失効した場合のエラー。
	ErrSessionExpired = errors.New("identity: session expired")
)

// IdPのエラーコード
const (
	CodeInvalidCredential     = "invalid-credential"
	CodeWrongPassword         = "wrong-password"
	CodeUserNotFound          = "user-not-found"
	CodeUserDisabled          = "user-disabled"
	CodePopupBlocked          = "popup-blocked"
	CodePopupClosedByUser     = "popup-closed-by-user"
	CodeCancelledPopup        = "cancelled-popup-request"
	CodeTooManyRequests       = "too-many-requests"
	CodeUserTokenExpired      = "user-token-expired"
	CodeRequiresRecentLogin   = "requires-recent-login"
	CodeTokenExpired          = "token-expired"
	CodeWebStorageUnsupported = "web-storage-unsupported"
	CodeMissingOrInvalidNonce = "missing-or-invalid-nonce"
	CodeRedirectStorage       = "redirect-storage"
	CodeMissingInitialState   = "missing-initial-state"
	CodeEmailAlreadyInUse     = "email-already-in-use"
	CodeWeakPassword          = "weak-password"
	CodeNetworkRequestFailed  = "network-request-failed"
	CodeInternalError         = "internal-error"
)

// ProviderError はIdPが返したエラー。
type ProviderError struct {
	Code    string // IdPのエラーコード（CodeXxx）
	Message string // IdPが返した生のメッセージ
	Status  int    // HTTPステータス（ネットワークエラー時は0）
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("identity provider error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error %s", e.Code)
}

// Unwrap は元のエラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is はセッション失効系のコードをErrSessionExpiredとして判定できるようにする。
func (e *ProviderError) Is(target error) bool {
	if target == ErrSessionExpired {
		switch e.Code {
		case CodeUserTokenExpired, CodeTokenExpired, CodeRequiresRecentLogin:
			return true
		}
	}
	return false
}

// restMessageCodes はREST APIのエラーメッセージをIdPのエラーコードに対応付ける。
var restMessageCodes = map[string]string{
	"EMAIL_NOT_FOUND":                CodeUserNotFound,
	"INVALID_PASSWORD":               CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":      CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":           CodeInvalidCredential,
	"INVALID_EMAIL":                  CodeInvalidCredential,
	"USER_DISABLED":                  CodeUserDisabled,
	"TOO_MANY_ATTEMPTS_TRY_LATER":    CodeTooManyRequests,
	"TOKEN_EXPIRED":                  CodeUserTokenExpired,
	"INVALID_REFRESH_TOKEN":          CodeUserTokenExpired,
	"INVALID_ID_TOKEN":               CodeUserTokenExpired,
	"USER_NOT_FOUND":                 CodeUserTokenExpired,
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": CodeRequiresRecentLogin,
	"MISSING_OR_INVALID_NONCE":       CodeMissingOrInvalidNonce,
	"EMAIL_EXISTS":                   CodeEmailAlreadyInUse,
	"WEAK_PASSWORD":                  CodeWeakPassword,
}

// codeFromRESTMessage はREST APIのエラーメッセージからコードを決める。
// "WEAK_PASSWORD : Password should be at least 6 characters" のような付加情報は無視する。
func codeFromRESTMessage(message string) string {
	key := message
	for i := 0; i < len(message); i++ {
		if message[i] == ' ' || message[i] == ':' {
			key = message[:i]
			break
		}
	}
	if code, ok := restMessageCodes[key]; ok {
		return code
	}
	return CodeInternalError
}

// ClassifyError はIdP由来のエラーをUI向けのAuthErrorに分類する。
// nilにはnilを返す。
func ClassifyError(err error) *model.AuthError {
	if err == nil {
		return nil
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		if errors.Is(err, ErrSessionExpired) {
			return model.NewSessionExpiredError(err)
		}
		return model.NewProviderError(err)
	}

	switch pe.Code {
	case CodeInvalidCredential, CodeWrongPassword, CodeUserNotFound:
		return model.NewInvalidCredentialsError(err)
	case CodeUserDisabled:
		return model.NewAccountDisabledError(err)
	case CodePopupBlocked:
		return model.NewPopupBlockedError(err)
	case CodePopupClosedByUser, CodeCancelledPopup:
		return model.NewPopupCancelledError(err)
	case CodeTooManyRequests:
		return model.NewRateLimitedError(err)
	case CodeUserTokenExpired, CodeRequiresRecentLogin, CodeTokenExpired:
		return model.NewSessionExpiredError(err)
	case CodeWebStorageUnsupported, CodeMissingOrInvalidNonce, CodeRedirectStorage, CodeMissingInitialState:
		return model.NewRedirectStorageError(err)
	case CodeEmailAlreadyInUse:
		return model.NewEmailInUseError(err)
	case CodeWeakPassword:
		return model.NewWeakPasswordError(err)
	default:
		return model.NewProviderError(err)
	}
}

// IsTransientRedirectError はリダイレクト完了時の一時的なストレージ・セッション系エラーかを返す。
func IsTransientRedirectError(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case CodeWebStorageUnsupported, CodeMissingOrInvalidNonce, CodeRedirectStorage, CodeMissingInitialState:
		return true
	}
	return false
}

// IsPopupBlocked はポップアップがブロックされたエラーかを返す。
func IsPopupBlocked(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodePopupBlocked
}
