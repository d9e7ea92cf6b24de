// Package identity は外部IdP（Identity Provider）との境界を提供する。
//
// Providerインターフェースがセッション調停から見たIdP SDKの契約であり、
// RESTProviderはIdentity Toolkit互換のREST APIによる実装。
package identity

import (
	"context"

	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/storage"
)

// SessionListener はIdPのセッション変化を受け取るコールバック。
// identityがnilの場合はサインアウトを表す。
type SessionListener func(identity *model.ProviderIdentity)

// Provider はIdP SDKの契約。
type Provider interface {
	// OnSessionChange はセッション変化の購読を登録し、解除関数を返す。
	OnSessionChange(listener SessionListener) (unsubscribe func())
	// CurrentIdentity は現在サインイン中のユーザーを返す。未サインインならnil。
	CurrentIdentity() *model.ProviderIdentity

	// SignInWithCredentials はメールアドレスとパスワードでサインインする。
	SignInWithCredentials(ctx context.Context, email, password string) (*model.ProviderIdentity, error)
	// Register はメールアドレスとパスワードで新規登録し、そのままサインインする。
	Register(ctx context.Context, email, password string) (*model.ProviderIdentity, error)
	// BeginRedirectSignIn は外部IdPへのリダイレクトによるサインインを開始し、遷移先URLを返す。
	BeginRedirectSignIn(ctx context.Context, providerID string) (string, error)
	// CompleteRedirectSignIn は保留中のリダイレクトサインインを完了する。
	// 保留中のリダイレクトが無い場合は (nil, nil) を返す。
	CompleteRedirectSignIn(ctx context.Context) (*model.ProviderIdentity, error)
	// SignOut はサインアウトする。
	SignOut(ctx context.Context) error

	// GetToken はバックエンド呼び出し用のIDトークンを返す。
	// forceRefreshがtrueの場合は有効期限に関わらず再発行する。
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
	// Reload はIdPから最新のユーザー情報を取得し直す。
	Reload(ctx context.Context) error

	// SendVerificationEmail は現在のユーザーに確認メールを送る。
	SendVerificationEmail(ctx context.Context) error
	// SendPasswordReset はパスワード再設定メールを送る。
	SendPasswordReset(ctx context.Context, email string) error

	// SetPersistence はセッション資格情報の保存先を切り替える。
	// 既存の資格情報があれば新しい保存先に移す。
	SetPersistence(ctx context.Context, store storage.KeyValueStore) error
}

// PopupProvider はポップアップによるサインインに対応したProvider。
// ブロックされた場合はpopup-blockedのProviderErrorを返す。
type PopupProvider interface {
	SignInWithPopup(ctx context.Context, providerID string) (*model.ProviderIdentity, error)
}
