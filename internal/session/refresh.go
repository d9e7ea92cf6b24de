package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/model"
)

// defaultRefreshInterval はIDトークンの定期更新間隔。
const defaultRefreshInterval = 45 * time.Minute

// RefreshScheduler は認証済みの間、定期的にIDトークンを再発行して認証ヘッダーを更新する。
// 同期がdegradedであれば、更新と合わせてプロフィール取得を1回だけ試す。
type RefreshScheduler struct {
	provider   identity.Provider
	credential *backend.CredentialHeader
	registry   *Registry
	syncer     *Synchronizer
	recorder   metrics.Recorder
	logger     *slog.Logger
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefreshScheduler はRefreshSchedulerを生成する。
func NewRefreshScheduler(provider identity.Provider, credential *backend.CredentialHeader, registry *Registry,
	syncer *Synchronizer, interval time.Duration, recorder metrics.Recorder, logger *slog.Logger) *RefreshScheduler {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshScheduler{
		provider:   provider,
		credential: credential,
		registry:   registry,
		syncer:     syncer,
		recorder:   recorder,
		logger:     logger,
		interval:   interval,
	}
}

// Start は定期更新を開始する。実行中であれば何もしない。
// 開始直後には実行しない（サインイン直後のトークンは新しいため）。
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	s.logger.Debug("token refresh scheduler started", slog.Duration("interval", s.interval))

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(runCtx)
			}
		}
	}()
}

// Stop は定期更新を停止する。実行中の更新の終了は待たない。
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait は動作中のループの終了を待つ。
func (s *RefreshScheduler) Wait() {
	s.wg.Wait()
}

// Running は定期更新が動作中かを返す。
func (s *RefreshScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// RunOnce はトークンを1回再発行する。
// セッション失効で失敗した場合は再読み込みしてから1回だけやり直す。
// それでも失敗した場合はサインアウトさせず、IdP自身のサインアウト通知に任せる。
func (s *RefreshScheduler) RunOnce(ctx context.Context) {
	current := s.registry.Current()
	if !current.IsAuthenticated() {
		return
	}
	generation := s.registry.Generation()

	token, err := s.provider.GetToken(ctx, true)
	if errors.Is(err, identity.ErrSessionExpired) {
		s.logger.Info("token refresh hit expired session, reloading", slog.String("uid", current.UID()))
		s.recorder.RecordTokenRefresh("expired")
		if reloadErr := s.provider.Reload(ctx); reloadErr != nil {
			err = reloadErr
		} else {
			token, err = s.provider.GetToken(ctx, true)
		}
	}
	if err != nil {
		s.recorder.RecordTokenRefresh("failure")
		s.logger.Warn("token refresh failed",
			slog.String("uid", current.UID()),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.registry.Generation() != generation {
		// 更新中にサインアウトまたは別ユーザーへの切り替えがあった
		return
	}
	s.credential.Set(token)
	s.recorder.RecordTokenRefresh("success")
	s.logger.Debug("token refreshed", slog.String("uid", current.UID()))

	if latest := s.registry.Current(); latest.UID() == current.UID() && latest.SyncStatus == model.SyncDegraded {
		if s.syncer.RetryOnce(ctx, *latest.Identity) {
			s.logger.Info("degraded session recovered during token refresh", slog.String("uid", current.UID()))
		}
	}
}
