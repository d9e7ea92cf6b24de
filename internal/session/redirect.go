package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/persistence"
)

// defaultRedirectGrace はリダイレクト完了時の一時的なエラーの後、IdPのユーザーが現れるのを待つ時間。
const defaultRedirectGrace = 1500 * time.Millisecond

// RedirectHandler は保留中のリダイレクトサインインの結果を1回だけ回収する。
type RedirectHandler struct {
	provider identity.Provider
	observer *Observer
	registry *Registry
	selector *persistence.Selector
	grace    time.Duration
	sleep    SleepFunc
	now      func() time.Time
	logger   *slog.Logger

	// mu は回収処理を直列化する
	mu sync.Mutex
}

// Resolve は保留中のリダイレクトサインインを完了する。
// 成功したユーザーを返し、同期処理に渡す。保留中のものが無ければ (nil, nil)。
// 返すエラーは *model.AuthError。
func (h *RedirectHandler) Resolve(ctx context.Context) (*model.ProviderIdentity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, err := h.provider.CompleteRedirectSignIn(ctx)
	if err != nil && identity.IsTransientRedirectError(err) {
		h.logger.Info("redirect completion hit transient error, waiting for provider",
			slog.Duration("grace", h.grace),
			slog.String("error", err.Error()),
		)
		if sleepErr := h.sleep(ctx, h.grace); sleepErr == nil {
			if current := h.provider.CurrentIdentity(); current != nil {
				id, err = current, nil
			}
		}
	}

	if h.selector != nil {
		h.selector.ClearRedirectPending(ctx)
	}

	if err != nil {
		authErr := identity.ClassifyError(err)
		h.logger.Warn("redirect sign-in failed",
			slog.String("code", authErr.Code),
			slog.String("error", err.Error()),
		)
		h.registry.Notify(model.Notice{Kind: model.NoticeRedirectFailed, Message: authErr.Message, At: h.now()})
		return nil, authErr
	}
	if id == nil {
		return nil, nil
	}

	h.logger.Info("redirect sign-in completed", slog.String("uid", id.UID))
	if h.selector != nil {
		h.selector.RecordAuthenticated(ctx, h.now())
	}
	h.observer.Handle(id)
	h.registry.Notify(model.Notice{Kind: model.NoticeRedirectSucceeded, At: h.now()})
	return id, nil
}
