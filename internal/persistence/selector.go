// Package persistence はセッション資格情報の保存階層を決める。
package persistence

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/storage"
)

// 保存キー
const (
	KeyPersistenceType     = "persistence_type"
	KeyUserPreference      = "user_persistence_preference"
	KeyAuthTimestamp       = "auth_timestamp"
	KeyAuthRedirectPending = "auth_redirect_pending"
)

// Select は保存方針とプローブ結果から保存階層を1つ決める。
// session指定は無条件に尊重し、durableへ格上げしてはならない。
// それ以外はdurable → session → volatileの順にフォールバックする。
// degradedはvolatileへのフォールバック時にtrue。
func Select(pref model.PersistencePreference, caps storage.Capabilities) (tier storage.Tier, degraded bool) {
	if pref == model.PreferenceSession {
		if caps.Session {
			return storage.TierSession, false
		}
		// sessionが使えない場合もdurableには上げず、volatileに落とす
		return storage.TierVolatile, true
	}
	switch {
	case caps.Durable:
		return storage.TierDurable, false
	case caps.Session:
		return storage.TierSession, false
	default:
		return storage.TierVolatile, true
	}
}

// Selector は保存方針の読み書きと保存階層の選択を行う。
// 保存方針そのものは、最も耐久性の高い利用可能な階層（preference store）に保存する。
type Selector struct {
	tiers  storage.Tiers
	caps   storage.Capabilities
	prefs  storage.KeyValueStore
	logger *slog.Logger
}

// NewSelector はSelectorを生成する。capsはstorage.Probeの結果。
func NewSelector(tiers storage.Tiers, caps storage.Capabilities, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if tiers.Volatile == nil {
		tiers.Volatile = storage.NewMemoryStore()
	}

	prefs := tiers.Volatile
	switch {
	case caps.Durable && tiers.Durable != nil:
		prefs = tiers.Durable
	case caps.Session && tiers.Session != nil:
		prefs = tiers.Session
	}

	return &Selector{
		tiers:  tiers,
		caps:   caps,
		prefs:  prefs,
		logger: logger,
	}
}

// Capabilities はプローブ結果を返す。
func (s *Selector) Capabilities() storage.Capabilities {
	return s.caps
}

// Preferences は保存方針や診断情報を保存するストアを返す。
func (s *Selector) Preferences() storage.KeyValueStore {
	return s.prefs
}

// Preference は保存済みの保存方針を返す。読み取りに失敗した場合は未設定として扱う。
func (s *Selector) Preference(ctx context.Context) model.PersistencePreference {
	v, ok, err := s.prefs.Get(ctx, KeyUserPreference)
	if err != nil {
		s.logger.Warn("failed to read persistence preference", slog.String("error", err.Error()))
		return model.PreferenceNone
	}
	if !ok {
		return model.PreferenceNone
	}
	return model.ParsePersistencePreference(v)
}

// SetPreference は保存方針を記録する。
// ユーザーによる明示的なサインイン・新規登録の操作からのみ呼ぶこと。
func (s *Selector) SetPreference(ctx context.Context, pref model.PersistencePreference) {
	if pref == model.PreferenceNone {
		return
	}
	if err := s.prefs.Set(ctx, KeyUserPreference, string(pref)); err != nil {
		s.logger.Warn("failed to store persistence preference",
			slog.String("preference", string(pref)),
			slog.String("error", err.Error()),
		)
	}
}

// Choose は現在の保存方針から保存階層を決め、診断用に persistence_type を記録する。
// 決して失敗しない。
func (s *Selector) Choose(ctx context.Context) storage.Tier {
	pref := s.Preference(ctx)
	tier, degraded := Select(pref, s.caps)

	if degraded {
		s.logger.Warn("no persistent storage available, session will be lost on reload",
			slog.String("preference", string(pref)),
			slog.Bool("durable", s.caps.Durable),
			slog.Bool("session", s.caps.Session),
		)
	}

	if err := s.prefs.Set(ctx, KeyPersistenceType, string(tier)); err != nil {
		s.logger.Debug("failed to record persistence type", slog.String("error", err.Error()))
	}
	return tier
}

// StoreFor は保存階層に対応するストアを返す。
func (s *Selector) StoreFor(tier storage.Tier) storage.KeyValueStore {
	return s.tiers.For(tier)
}

// RecordAuthenticated は最後に認証に成功した時刻を記録する。
func (s *Selector) RecordAuthenticated(ctx context.Context, at time.Time) {
	if err := s.prefs.Set(ctx, KeyAuthTimestamp, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		s.logger.Debug("failed to record auth timestamp", slog.String("error", err.Error()))
	}
}

// ClearAuthenticated はサインアウト時に認証時刻を消去する。
func (s *Selector) ClearAuthenticated(ctx context.Context) {
	if err := s.prefs.Delete(ctx, KeyAuthTimestamp); err != nil {
		s.logger.Debug("failed to clear auth timestamp", slog.String("error", err.Error()))
	}
}

// MarkRedirectPending はリダイレクトによるサインインが進行中であることを記録する。
func (s *Selector) MarkRedirectPending(ctx context.Context) {
	if err := s.prefs.Set(ctx, KeyAuthRedirectPending, "1"); err != nil {
		s.logger.Debug("failed to mark redirect pending", slog.String("error", err.Error()))
	}
}

// RedirectPending はリダイレクトによるサインインが進行中かを返す。
func (s *Selector) RedirectPending(ctx context.Context) bool {
	v, ok, err := s.prefs.Get(ctx, KeyAuthRedirectPending)
	return err == nil && ok && v == "1"
}

// ClearRedirectPending はリダイレクト進行中の印を消去する。
func (s *Selector) ClearRedirectPending(ctx context.Context) {
	if err := s.prefs.Delete(ctx, KeyAuthRedirectPending); err != nil {
		s.logger.Debug("failed to clear redirect pending", slog.String("error", err.Error()))
	}
}
