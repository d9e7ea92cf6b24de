package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/persistence"
)

// Observer はIdPのセッション変化を購読し、セッション状態へ反映する。
type Observer struct {
	provider   identity.Provider
	registry   *Registry
	guard      *Guard
	syncer     *Synchronizer
	credential *backend.CredentialHeader
	refresh    *RefreshScheduler
	warmup     *WarmupPinger
	selector   *persistence.Selector
	logger     *slog.Logger
	// run は同期処理を非同期に実行する
	run func(fn func())

	// ctx は非同期処理に使うManagerの寿命のcontext
	ctx context.Context

	// handleMu はイベントごとの判定を直列化する。ネットワーク呼び出しはrunの中で行う
	handleMu sync.Mutex

	mu          sync.Mutex
	unsubscribe func()
}

// Start はIdPの変化の購読を開始し、現在のユーザーを初回のイベントとして処理する。
// 2回目以降の呼び出しは何もしない。
func (o *Observer) Start() {
	o.mu.Lock()
	if o.unsubscribe != nil {
		o.mu.Unlock()
		return
	}
	o.unsubscribe = o.provider.OnSessionChange(o.Handle)
	o.mu.Unlock()

	o.Handle(o.provider.CurrentIdentity())
}

// Stop は購読を解除する。
func (o *Observer) Stop() {
	o.mu.Lock()
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Handle はIdPのイベントを1件処理する。identityがnilならサインアウト。
func (o *Observer) Handle(id *model.ProviderIdentity) {
	o.handleMu.Lock()
	defer o.handleMu.Unlock()

	ctx := o.ctx
	if id == nil {
		o.signedOut(ctx)
		return
	}
	o.signedIn(ctx, *id)
}

func (o *Observer) signedOut(ctx context.Context) {
	if o.registry.Current().Phase != model.PhaseSignedOut {
		o.registry.Publish(model.SignedOutState())
		o.logger.Info("session signed out")
	}
	o.credential.Clear()
	o.refresh.Stop()
	o.warmup.Stop()
	o.guard.Reset()
	if o.selector != nil {
		o.selector.ClearAuthenticated(ctx)
	}
}

func (o *Observer) signedIn(ctx context.Context, id model.ProviderIdentity) {
	current := o.registry.Current()

	// フォーカス復帰などで同じユーザーのイベントが繰り返された場合は再取得しない
	if current.IsSyncedFor(id.UID) {
		o.registry.Publish(model.AuthenticatedState(id, current.Profile, model.SyncSynced, ""))
		o.activate(ctx)
		return
	}

	if o.guard.InFlight(id.UID) {
		o.logger.Debug("provider event coalesced into in-flight sync", slog.String("uid", id.UID))
		return
	}

	generation := o.registry.Generation()
	if current.UID() != id.UID {
		// 前のユーザーのトークンで新しいユーザーのプロフィールを取得しないようにする
		o.credential.Clear()
		generation = o.registry.Advance(model.EstablishingState())
	}

	token, ok := o.guard.TryAcquire(id.UID)
	if !ok {
		return
	}
	o.activate(ctx)

	o.run(func() {
		o.syncer.Run(ctx, id, token, generation)
	})
}

// activate は認証済みの間に動くタイマーを開始する。
func (o *Observer) activate(ctx context.Context) {
	o.warmup.Start(ctx)
	o.refresh.Start(ctx)
}
