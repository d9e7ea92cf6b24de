// Package security はプロフィール表示値のサニタイズを提供する。
//
// IdPやバックエンドから受け取った表示名・アバターURLはUIにそのまま描画されるため、
// bluemondayの厳格なポリシーでHTMLを除去し、アバターは公開ホストのhttp/https絶対URLのみ通す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// maxDisplayNameRunes は表示名の最大文字数。
const maxDisplayNameRunes = 128

// ProfileSanitizer はプロフィールの表示値をサニタイズする。
// bluemondayのポリシーはスレッドセーフなので共有してよい。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// DisplayName はタグを除去し、前後の空白を詰めた表示名を返す。
func (s *ProfileSanitizer) DisplayName(raw string) string {
	// StrictPolicyはエスケープ済みの文字列を返すため、表示用にプレーンテキストへ戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) > maxDisplayNameRunes {
		cleaned = string(runes[:maxDisplayNameRunes])
	}
	return cleaned
}

// AvatarURL は公開ホストを指すhttp/httpsの絶対URLであれば返し、それ以外は空文字列を返す。
func (s *ProfileSanitizer) AvatarURL(raw string) string {
	u, err := ValidatePublicURL(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.String()
}

// Profile はBackendProfileの表示値をサニタイズしたコピーを返す。
func (s *ProfileSanitizer) Profile(p *model.BackendProfile) *model.BackendProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Name = s.DisplayName(p.Name)
	cp.AvatarURL = s.AvatarURL(p.AvatarURL)
	return &cp
}

// FallbackProfile はバックエンド同期に失敗した際にIdPの情報からプロフィールを組み立てる。
// 表示名が無ければメールアドレスのローカル部を使う。
func (s *ProfileSanitizer) FallbackProfile(identity model.ProviderIdentity) *model.BackendProfile {
	name := s.DisplayName(identity.DisplayName)
	if name == "" {
		if at := strings.IndexByte(identity.Email, '@'); at > 0 {
			name = s.DisplayName(identity.Email[:at])
		}
	}
	return &model.BackendProfile{
		ID:            identity.UID,
		Email:         identity.Email,
		Name:          name,
		AvatarURL:     s.AvatarURL(identity.PhotoURL),
		EmailVerified: identity.EmailVerified,
		Source:        model.ProfileSourceProvider,
		CreatedAt:     identity.CreatedAt,
		LastLoginAt:   identity.LastLoginAt,
	}
}
