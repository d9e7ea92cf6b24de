package backend

import (
	"net/http"
	"sync"
)

// CredentialHeader はバックエンド呼び出しに付与するBearerトークンを保持する。
// 書き込むのはセッションの監視とトークン更新のみ。
type CredentialHeader struct {
	mu    sync.RWMutex
	token string
}

// Set はトークンを設定する。
func (h *CredentialHeader) Set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// Clear はトークンを破棄する。
func (h *CredentialHeader) Clear() {
	h.Set("")
}

// Token は現在のトークンを返す。
func (h *CredentialHeader) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// apply はリクエストにAuthorizationヘッダーを付与する。未設定ならfalse。
func (h *CredentialHeader) apply(req *http.Request) bool {
	token := h.Token()
	if token == "" {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return true
}
