package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/security"
)

const tracerName = "github.com/srinathnulidonda/savlink/internal/session"

// UI向けの同期失敗メッセージ
const (
	syncRejectedMessage  = "サーバーがプロフィールの取得を拒否したため、一部の情報のみ表示しています。"
	syncExhaustedMessage = "サーバーに接続できないため、一部の情報のみ表示しています。"
)

// Backend はプロフィール同期が使うバックエンドAPI。
type Backend interface {
	FetchProfile(ctx context.Context, idToken string) (*model.BackendProfile, error)
	Ping(ctx context.Context) error
}

// TokenSource はプロフィール取得に使うIDトークンを発行するIdP側の窓口。
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
	CurrentIdentity() *model.ProviderIdentity
}

// errIdentityChanged はトークン取得中にIdPのユーザーが変わったことを表す。
var errIdentityChanged = errors.New("session: identity changed during profile sync")

// tokenError はIDトークンを取得できなかった試行のエラー。再試行してよい。
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return "failed to get id token: " + e.err.Error() }

func (e *tokenError) Unwrap() error { return e.err }

// classifyAttempt は1回の試行のエラーを分類する。
func classifyAttempt(err error) backend.Result {
	var te *tokenError
	if errors.As(err, &te) {
		return backend.ResultRetriable
	}
	return backend.Classify(err)
}

// SleepFunc はctxが終わるまでdだけ待つ。ctxが先に終わればそのエラーを返す。
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Synchronizer はIdPのユーザーに対応するバックエンドプロフィールを取得して状態に反映する。
// 取得できなければIdPの情報から組み立てたプロフィールでdegradedとして公開する。
type Synchronizer struct {
	backend    Backend
	tokens     TokenSource
	credential *backend.CredentialHeader
	registry   *Registry
	guard      *Guard
	warmth     *Warmth
	policy     RetryPolicy
	sanitizer  *security.ProfileSanitizer
	recorder   metrics.Recorder
	tracer     trace.Tracer
	logger     *slog.Logger
	sleep      SleepFunc
	now        func() time.Time
}

// NewSynchronizer はSynchronizerを生成する。
// 試行ごとにtokensからIDトークンを取得し、credentialにはその時点のトークンを反映する。
func NewSynchronizer(be Backend, tokens TokenSource, credential *backend.CredentialHeader, registry *Registry,
	guard *Guard, warmth *Warmth, policy RetryPolicy, sanitizer *security.ProfileSanitizer,
	recorder metrics.Recorder, logger *slog.Logger) *Synchronizer {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if sanitizer == nil {
		sanitizer = security.NewProfileSanitizer()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if credential == nil {
		credential = &backend.CredentialHeader{}
	}
	return &Synchronizer{
		backend:    be,
		tokens:     tokens,
		credential: credential,
		registry:   registry,
		guard:      guard,
		warmth:     warmth,
		policy:     policy,
		sanitizer:  sanitizer,
		recorder:   recorder,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Sync は現在サインイン中のユーザーについてガードを取得してから同期を実行する。
// 同じユーザーの同期が実行中であれば何もせずfalseを返す。
func (s *Synchronizer) Sync(ctx context.Context, identity model.ProviderIdentity) bool {
	token, ok := s.guard.TryAcquire(identity.UID)
	if !ok {
		s.logger.Debug("profile sync already in flight", slog.String("uid", identity.UID))
		return false
	}

	generation := s.registry.Generation()
	if s.registry.Current().UID() != identity.UID {
		s.guard.Release(token)
		return false
	}
	s.Run(ctx, identity, token, generation)
	return true
}

// Run は取得済みのガードトークンで同期を実行し、終了時にガードを解放する。
// 最初にpendingを公開し、ネットワーク呼び出しはその後に行う。
// generationは呼び出し側が同期を決めた時点の値で、既に変わっていれば何も公開しない。
// 公開した最終状態のSyncStatusを返す。古くなった結果を捨てた場合は空文字列。
func (s *Synchronizer) Run(ctx context.Context, identity model.ProviderIdentity, guardToken string, generation uint64) model.SyncStatus {
	defer s.guard.Release(guardToken)

	started := s.now()
	generation, ok := s.registry.PublishIfCurrent(generation, model.AuthenticatedState(identity, nil, model.SyncPending, ""))
	if !ok {
		s.logger.Info("discarding stale profile sync before start", slog.String("uid", identity.UID))
		return ""
	}

	ctx, span := s.tracer.Start(ctx, "session.sync",
		trace.WithAttributes(attribute.String("savlink.uid", identity.UID)))
	defer span.End()

	warm := s.warmth.IsWarm()
	span.SetAttributes(attribute.Bool("savlink.backend_warm", warm))
	if !warm {
		s.prewarm(ctx)
	}

	var (
		lastErr  error
		rejected bool
	)
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return ""
		}
		if s.registry.Generation() != generation {
			s.discard(span, identity, attempt)
			return ""
		}

		profile, err := s.attempt(ctx, identity, generation, attempt, warm)
		if errors.Is(err, errIdentityChanged) {
			s.discard(span, identity, attempt)
			return ""
		}
		result := classifyAttempt(err)
		s.recorder.RecordSyncAttempt(result.String())

		if err == nil {
			s.warmth.MarkWarm()
			return s.finish(span, generation, identity, s.sanitizer.Profile(profile), model.SyncSynced, "", started)
		}

		lastErr = err
		if result == backend.ResultRejected {
			rejected = true
			break
		}
		if attempt < s.policy.MaxAttempts {
			if err := s.sleep(ctx, s.policy.Backoff(attempt)); err != nil {
				span.SetStatus(codes.Error, "cancelled")
				return ""
			}
		}
	}

	message := syncExhaustedMessage
	if rejected {
		message = syncRejectedMessage
	}
	if lastErr != nil {
		span.RecordError(lastErr)
	}
	s.logger.Warn("profile sync degraded",
		slog.String("uid", identity.UID),
		slog.Bool("rejected", rejected),
		slog.Any("error", lastErr),
	)
	return s.finish(span, generation, identity, s.sanitizer.FallbackProfile(identity), model.SyncDegraded, message, started)
}

// RetryOnce はdegraded状態のユーザーについてプロフィール取得を1回だけ試す。
// 成功してsyncedを公開した場合にtrueを返す。
func (s *Synchronizer) RetryOnce(ctx context.Context, identity model.ProviderIdentity) bool {
	token, ok := s.guard.TryAcquire(identity.UID)
	if !ok {
		return false
	}
	defer s.guard.Release(token)

	generation := s.registry.Generation()
	current := s.registry.Current()
	if current.UID() != identity.UID || current.SyncStatus != model.SyncDegraded {
		return false
	}

	ctx, span := s.tracer.Start(ctx, "session.sync.retry_once",
		trace.WithAttributes(attribute.String("savlink.uid", identity.UID)))
	defer span.End()

	started := s.now()
	profile, err := s.attempt(ctx, identity, generation, 1, s.warmth.IsWarm())
	if errors.Is(err, errIdentityChanged) {
		s.discard(span, identity, 1)
		return false
	}
	s.recorder.RecordSyncAttempt(classifyAttempt(err).String())
	if err != nil {
		span.RecordError(err)
		s.logger.Debug("opportunistic profile sync failed", slog.String("uid", identity.UID), slog.String("error", err.Error()))
		return false
	}

	s.warmth.MarkWarm()
	return s.finish(span, generation, identity, s.sanitizer.Profile(profile), model.SyncSynced, "", started) == model.SyncSynced
}

func (s *Synchronizer) attempt(ctx context.Context, identity model.ProviderIdentity, generation uint64,
	attempt int, warm bool) (*model.BackendProfile, error) {
	timeout := s.policy.AttemptTimeout(attempt, warm)

	ctx, span := s.tracer.Start(ctx, "session.sync.attempt", trace.WithAttributes(
		attribute.Int("savlink.attempt", attempt),
		attribute.String("savlink.timeout", timeout.String()),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("fetching backend profile",
		slog.String("uid", identity.UID),
		slog.Int("attempt", attempt),
		slog.Duration("timeout", timeout),
	)

	idToken, err := s.token(attemptCtx, identity, generation)
	if err == nil {
		var profile *model.BackendProfile
		profile, err = s.backend.FetchProfile(attemptCtx, idToken)
		if err == nil {
			return profile, nil
		}
	}
	if errors.Is(err, errIdentityChanged) {
		return nil, err
	}

	result := classifyAttempt(err).String()
	span.RecordError(err)
	span.SetStatus(codes.Error, result)
	s.logger.Warn("backend profile fetch failed",
		slog.String("uid", identity.UID),
		slog.Int("attempt", attempt),
		slog.String("result", result),
		slog.String("error", err.Error()),
	)
	return nil, err
}

// token は試行用のIDトークンを取得し、共有の認証ヘッダーに反映する。
// 取得できなければ認証ヘッダーを空にする。IdPのユーザーが変わっていればerrIdentityChangedを返す。
func (s *Synchronizer) token(ctx context.Context, identity model.ProviderIdentity, generation uint64) (string, error) {
	idToken, err := s.tokens.GetToken(ctx, false)
	if err != nil {
		if s.registry.Generation() == generation {
			s.credential.Clear()
		}
		return "", &tokenError{err: err}
	}
	if current := s.tokens.CurrentIdentity(); current == nil || current.UID != identity.UID {
		return "", errIdentityChanged
	}
	if s.registry.Generation() != generation {
		return "", errIdentityChanged
	}
	if idToken == "" {
		s.credential.Clear()
		return "", &tokenError{err: backend.ErrNoCredential}
	}
	s.credential.Set(idToken)
	return idToken, nil
}

// prewarm はcold時に1回だけヘルスチェックを送る。結果は使わない。
func (s *Synchronizer) prewarm(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.PrewarmTimeout)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		s.logger.Debug("backend prewarm failed", slog.String("error", err.Error()))
	}
}

func (s *Synchronizer) finish(span trace.Span, generation uint64, identity model.ProviderIdentity,
	profile *model.BackendProfile, status model.SyncStatus, message string, started time.Time) model.SyncStatus {
	state := model.AuthenticatedState(identity, profile, status, message)
	if _, ok := s.registry.PublishIfCurrent(generation, state); !ok {
		s.discard(span, identity, 0)
		return ""
	}

	s.recorder.RecordSyncOutcome(status)
	s.recorder.RecordSyncLatency(s.now().Sub(started))
	span.SetAttributes(attribute.String("savlink.sync_status", string(status)))

	if status == model.SyncDegraded {
		span.SetStatus(codes.Error, "degraded")
		s.registry.Notify(model.Notice{Kind: model.NoticeSyncDegraded, Message: message, At: s.now()})
		return status
	}

	span.SetStatus(codes.Ok, "")
	s.logger.Info("profile sync completed", slog.String("uid", identity.UID))
	return status
}

func (s *Synchronizer) discard(span trace.Span, identity model.ProviderIdentity, attempt int) {
	span.SetAttributes(attribute.Bool("savlink.stale", true))
	s.logger.Info("discarding stale profile sync",
		slog.String("uid", identity.UID),
		slog.Int("attempt", attempt),
	)
}
