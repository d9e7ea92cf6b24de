package model

import "fmt"

// AuthError はUIに返す統一エラーフォーマットを表す。
// 原因カテゴリとユーザー向けの対処方法を含む。
type AuthError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: credentials, account, popup, rate_limit, session, redirect, provider, validation
	Action   string // ユーザー向け対処方法
	// Retriable はリダイレクトのストレージ系エラーなど、時間をおけば解消しうる場合にtrue。
	Retriable bool
	// Cause はIdPが返した元のエラー。ログ用でUIには出さない。
	Cause error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountDisabled    = "ACCOUNT_DISABLED"
	ErrCodePopupBlocked       = "POPUP_BLOCKED"
	ErrCodePopupCancelled     = "POPUP_CANCELLED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeRedirectStorage    = "REDIRECT_STORAGE"
	ErrCodeEmailInUse         = "EMAIL_IN_USE"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeProviderError      = "PROVIDER_ERROR"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
)

// NewInvalidCredentialsError はメールアドレスまたはパスワードの誤りを表すエラーを生成する。
func NewInvalidCredentialsError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "credentials",
		Action:   "入力内容を確認して、もう一度お試しください。",
		Cause:    cause,
	}
}

// NewAccountDisabledError は無効化されたアカウントのエラーを生成する。
func NewAccountDisabledError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeAccountDisabled,
		Message:  "このアカウントは無効化されています。",
		Category: "account",
		Action:   "サポートにお問い合わせください。",
		Cause:    cause,
	}
}

// NewPopupBlockedError はポップアップがブロックされた場合のエラーを生成する。
func NewPopupBlockedError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodePopupBlocked,
		Message:  "ログイン用のポップアップがブロックされました。",
		Category: "popup",
		Action:   "ポップアップを許可するか、リダイレクト方式でログインしてください。",
		Cause:    cause,
	}
}

// NewPopupCancelledError はユーザーがポップアップを閉じた場合のエラーを生成する。
func NewPopupCancelledError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodePopupCancelled,
		Message:  "ログインがキャンセルされました。",
		Category: "popup",
		Action:   "もう一度ログインしてください。",
		Cause:    cause,
	}
}

// NewRateLimitedError は試行回数超過のエラーを生成する。
func NewRateLimitedError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeRateLimited,
		Message:  "試行回数が多すぎます。",
		Category: "rate_limit",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewSessionExpiredError はセッション期限切れのエラーを生成する。
func NewSessionExpiredError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "session",
		Action:   "ログインし直してください。",
		Cause:    cause,
	}
}

// NewRedirectStorageError はリダイレクトログイン中のストレージ関連エラーを生成する。
// 一時的な問題のことが多いためRetriableとする。
func NewRedirectStorageError(cause error) *AuthError {
	return &AuthError{
		Code:      ErrCodeRedirectStorage,
		Message:   "ログイン情報の受け渡しに失敗しました。",
		Category:  "redirect",
		Action:    "ページを再読み込みするか、プライベートブラウズを解除してお試しください。",
		Retriable: true,
		Cause:     cause,
	}
}

// NewEmailInUseError は登録済みメールアドレスでの新規登録エラーを生成する。
func NewEmailInUseError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeEmailInUse,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "credentials",
		Action:   "ログインするか、パスワードの再設定を行ってください。",
		Cause:    cause,
	}
}

// NewWeakPasswordError は弱いパスワードでの登録エラーを生成する。
func NewWeakPasswordError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeWeakPassword,
		Message:  "パスワードが短すぎます。",
		Category: "credentials",
		Action:   "6文字以上のパスワードを指定してください。",
		Cause:    cause,
	}
}

// NewProviderError は分類できないIdPエラーを生成する。
func NewProviderError(cause error) *AuthError {
	return &AuthError{
		Code:     ErrCodeProviderError,
		Message:  "認証サービスでエラーが発生しました。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewInvalidRequestError は入力不備のエラーを生成する。
func NewInvalidRequestError(reason string) *AuthError {
	return &AuthError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
