package session

import (
	"sync"

	"github.com/google/uuid"
)

// Guard はプロフィール同期のsingle-flightガード。
// 同じユーザーに対して同時に走る同期は1つだけで、保持者はトークンで識別する。
// 別のユーザーの同期が始まると古いトークンは無効になる。
type Guard struct {
	mu    sync.Mutex
	uid   string
	token string
}

// TryAcquire はuidの同期を開始できる場合にトークンを返す。
// 同じuidの同期が実行中ならfalseを返す。
func (g *Guard) TryAcquire(uid string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.uid == uid {
		return "", false
	}
	g.uid = uid
	g.token = uuid.NewString()
	return g.token, true
}

// Release はトークンが現在の保持者であればガードを解放する。
func (g *Guard) Release(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if token != "" && g.token == token {
		g.uid = ""
		g.token = ""
	}
}

// Reset は保持者に関わらずガードを解放する。サインアウト時に使う。
func (g *Guard) Reset() {
	g.mu.Lock()
	g.uid = ""
	g.token = ""
	g.mu.Unlock()
}

// InFlight はuidの同期が実行中かを返す。
func (g *Guard) InFlight(uid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token != "" && g.uid == uid
}
