// Package model はセッション調停で扱うドメインモデルを定義する。
package model

import "time"

// ProviderIdentity はIdPが発行した認証済みユーザーのスナップショット。
// サインインごとに丸ごと置き換えられ、フィールドを書き換えてはならない。
type ProviderIdentity struct {
	UID           string    `json:"uid"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PhotoURL      string    `json:"photo_url"`
	EmailVerified bool      `json:"email_verified"`
	ProviderID    string    `json:"provider_id"` // "password", "google.com" 等
	CreatedAt     time.Time `json:"created_at"`
	LastLoginAt   time.Time `json:"last_login_at"`
}

// ProfileSource はBackendProfileの出所を表す。
type ProfileSource string

const (
	// ProfileSourceBackend はバックエンドの /auth/me から取得したプロフィール。
	ProfileSourceBackend ProfileSource = "backend"
	// ProfileSourceProvider はバックエンド同期に失敗した際にIdP情報から組み立てたプロフィール。
	ProfileSourceProvider ProfileSource = "provider"
)

// BackendProfile はバックエンドが所有するアプリケーション側のユーザーレコード。
type BackendProfile struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	Name          string        `json:"name"`
	AvatarURL     string        `json:"avatar_url"`
	EmailVerified bool          `json:"email_verified"`
	Source        ProfileSource `json:"source"`
	CreatedAt     time.Time     `json:"created_at"`
	LastLoginAt   time.Time     `json:"last_login_at"`
}

// Credentials はメールアドレスとパスワードによるサインイン情報。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PersistencePreference はユーザーが選んだセッション資格情報の保存方針。
type PersistencePreference string

const (
	// PreferenceNone は未設定。
	PreferenceNone PersistencePreference = ""
	// PreferenceLocal はブラウザを閉じても残る永続保存（「ログイン状態を保持する」）。
	PreferenceLocal PersistencePreference = "local"
	// PreferenceSession は閲覧セッション中のみ保持する保存。
	PreferenceSession PersistencePreference = "session"
)

// ParsePersistencePreference は保存値をPersistencePreferenceに変換する。
// 未知の値はPreferenceNoneとして扱う。
func ParsePersistencePreference(v string) PersistencePreference {
	switch PersistencePreference(v) {
	case PreferenceLocal:
		return PreferenceLocal
	case PreferenceSession:
		return PreferenceSession
	default:
		return PreferenceNone
	}
}

// PreferenceFromRememberMe は「ログイン状態を保持する」チェックの値から保存方針を決める。
func PreferenceFromRememberMe(remember bool) PersistencePreference {
	if remember {
		return PreferenceLocal
	}
	return PreferenceSession
}
