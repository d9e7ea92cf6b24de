package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/srinathnulidonda/savlink/internal/model"
)

// idTokenClaims はIDトークンに含まれるクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	AuthTime      int64  `json:"auth_time"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// parseIDToken はIDトークンを署名検証せずに解析する。
// 署名の検証はトークンを受け取るバックエンドの責務であり、クライアントでは表示用の情報を読むだけ。
func parseIDToken(raw string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}
	if claims.Subject == "" && claims.UserID == "" {
		return nil, fmt.Errorf("id token has no subject")
	}
	return claims, nil
}

// uid はクレームからユーザーIDを返す。
func (c *idTokenClaims) uid() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// expiresAt はトークンの有効期限を返す。expが無い場合はゼロ値。
func (c *idTokenClaims) expiresAt() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// identity はクレームからProviderIdentityを組み立てる。
func (c *idTokenClaims) identity() model.ProviderIdentity {
	id := model.ProviderIdentity{
		UID:           c.uid(),
		Email:         c.Email,
		DisplayName:   c.Name,
		PhotoURL:      c.Picture,
		EmailVerified: c.EmailVerified,
		ProviderID:    c.Firebase.SignInProvider,
	}
	if c.AuthTime > 0 {
		id.LastLoginAt = time.Unix(c.AuthTime, 0).UTC()
	}
	return id
}
