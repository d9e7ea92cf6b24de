// Package session はクライアント側の認証セッション調停を提供する。
//
// IdPのセッションとバックエンドが所有するプロフィールを突き合わせ、
// 「誰がサインインしているか」を1つのSessionStateとして公開する。
// UIなどの外部からはManagerだけを使う。
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/persistence"
	"github.com/srinathnulidonda/savlink/internal/security"
)

// defaultProviderID は外部IdPによるサインインで既定に使うプロバイダ。
const defaultProviderID = "google.com"

// Options はManagerの構成要素と設定。
type Options struct {
	Provider identity.Provider
	Backend  Backend
	Selector *persistence.Selector

	// Credential はBackendと共有する認証ヘッダー。nilの場合は新しく作る
	Credential *backend.CredentialHeader
	Sanitizer  *security.ProfileSanitizer
	Recorder   metrics.Recorder
	Logger     *slog.Logger

	// TracerProvider はnilの場合にグローバルのProviderを使う
	TracerProvider trace.TracerProvider

	Policy          RetryPolicy
	RefreshInterval time.Duration
	RedirectGrace   time.Duration
	Warmup          WarmupConfig

	// テスト用に差し替え可能
	Sleep SleepFunc
	Now   func() time.Time
}

// ProviderSignIn は外部IdPによるサインインの結果。
// ポップアップで完了した場合はIdentity、リダイレクトが必要な場合はRedirectURLが設定される。
type ProviderSignIn struct {
	Identity    *model.ProviderIdentity `json:"identity,omitempty"`
	RedirectURL string                  `json:"redirect_url,omitempty"`
}

// Manager はセッション調停のファサード。
// New で生成し、Start で開始、Close で停止する。
type Manager struct {
	provider   identity.Provider
	selector   *persistence.Selector
	credential *backend.CredentialHeader
	registry   *Registry
	guard      *Guard
	warmth     *Warmth
	syncer     *Synchronizer
	observer   *Observer
	redirect   *RedirectHandler
	refresh    *RefreshScheduler
	warmup     *WarmupPinger
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// New はManagerを生成する。Provider、Backend、Selectorは必須。
func New(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, errors.New("session: identity provider is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Selector == nil {
		return nil, errors.New("session: persistence selector is required")
	}
	if opts.Credential == nil {
		opts.Credential = &backend.CredentialHeader{}
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RedirectGrace <= 0 {
		opts.RedirectGrace = defaultRedirectGrace
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With(slog.String("module", "session"))

	m := &Manager{
		provider:   opts.Provider,
		selector:   opts.Selector,
		credential: opts.Credential,
		guard:      &Guard{},
		warmth:     &Warmth{},
		logger:     logger,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	m.registry = NewRegistry(opts.Recorder, logger)
	m.syncer = NewSynchronizer(opts.Backend, opts.Provider, m.credential, m.registry, m.guard, m.warmth,
		opts.Policy, opts.Sanitizer, opts.Recorder, logger)
	m.syncer.sleep = opts.Sleep
	m.syncer.now = opts.Now
	if opts.TracerProvider != nil {
		m.syncer.tracer = opts.TracerProvider.Tracer(tracerName)
	}
	m.refresh = NewRefreshScheduler(opts.Provider, m.credential, m.registry, m.syncer, opts.RefreshInterval, opts.Recorder, logger)
	m.warmup = NewWarmupPinger(opts.Backend, m.warmth, opts.Warmup, opts.Recorder, logger)

	m.observer = &Observer{
		provider:   opts.Provider,
		registry:   m.registry,
		guard:      m.guard,
		syncer:     m.syncer,
		credential: m.credential,
		refresh:    m.refresh,
		warmup:     m.warmup,
		selector:   opts.Selector,
		logger:     logger,
		run:        m.run,
		ctx:        ctx,
	}
	m.redirect = &RedirectHandler{
		provider: opts.Provider,
		observer: m.observer,
		registry: m.registry,
		selector: opts.Selector,
		grace:    opts.RedirectGrace,
		sleep:    opts.Sleep,
		now:      opts.Now,
		logger:   logger,
	}

	return m, nil
}

// Start は保留中のリダイレクトサインインを回収してから、IdPの変化の購読を開始する。
// 2回目以降の呼び出しは何もしない。
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if _, err := m.redirect.Resolve(ctx); err != nil {
			m.logger.Warn("pending redirect sign-in could not be completed", slog.String("error", err.Error()))
		}
		m.observer.Start()
		m.logger.Info("session manager started", slog.String("phase", string(m.registry.Current().Phase)))
	})
}

// Close は購読とタイマーを停止し、実行中の同期の終了を待つ。
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.observer.Stop()
		m.refresh.Stop()
		m.warmup.Stop()
		m.cancel()

		m.wg.Wait()
		m.refresh.Wait()
		m.warmup.Wait()
		m.logger.Info("session manager stopped")
	})
}

func (m *Manager) run(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Subscribe は状態の購読を登録する。登録時に現在の状態で即座に呼び出される。
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	return m.registry.Subscribe(fn)
}

// SubscribeNotices は一過性の通知の購読を登録する。
func (m *Manager) SubscribeNotices(fn NoticeListener) (unsubscribe func()) {
	return m.registry.SubscribeNotices(fn)
}

// CurrentState は現在の状態を返す。
func (m *Manager) CurrentState() model.SessionState {
	return m.registry.Current()
}

// BackendWarm はバックエンドがwarmと判定済みかを返す。
func (m *Manager) BackendWarm() bool {
	return m.warmth.IsWarm()
}

// RedirectPending はリダイレクトサインインの完了待ちかを返す。
func (m *Manager) RedirectPending(ctx context.Context) bool {
	return m.selector.RedirectPending(ctx)
}

// SignIn はメールアドレスとパスワードでサインインする。
// prefは資格情報の保存方針で、PreferenceNoneの場合は保存済みの方針を使う。
// 返すエラーは *model.AuthError。
func (m *Manager) SignIn(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	m.applyPersistence(ctx, pref)

	id, err := m.provider.SignInWithCredentials(ctx, strings.TrimSpace(creds.Email), creds.Password)
	if err != nil {
		return nil, m.providerError("sign-in", err)
	}
	m.selector.RecordAuthenticated(ctx, m.now())
	return id, nil
}

// Register は新規登録してサインインする。返すエラーは *model.AuthError。
func (m *Manager) Register(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	m.applyPersistence(ctx, pref)

	id, err := m.provider.Register(ctx, strings.TrimSpace(creds.Email), creds.Password)
	if err != nil {
		return nil, m.providerError("registration", err)
	}
	m.selector.RecordAuthenticated(ctx, m.now())
	return id, nil
}

// SignInWithProvider は外部IdPでサインインする。
// forceRedirectがfalseでProviderがポップアップに対応していればポップアップを試し、
// ブロックされた場合はリダイレクトに切り替える。返すエラーは *model.AuthError。
func (m *Manager) SignInWithProvider(ctx context.Context, providerID string, forceRedirect bool) (ProviderSignIn, error) {
	if providerID == "" {
		providerID = defaultProviderID
	}
	m.applyPersistence(ctx, model.PreferenceNone)

	if popup, ok := m.provider.(identity.PopupProvider); ok && !forceRedirect {
		id, err := popup.SignInWithPopup(ctx, providerID)
		if err == nil {
			m.selector.RecordAuthenticated(ctx, m.now())
			return ProviderSignIn{Identity: id}, nil
		}
		if !identity.IsPopupBlocked(err) {
			return ProviderSignIn{}, m.providerError("popup sign-in", err)
		}
		m.logger.Info("popup blocked, falling back to redirect sign-in", slog.String("provider", providerID))
	}

	redirectURL, err := m.provider.BeginRedirectSignIn(ctx, providerID)
	if err != nil {
		return ProviderSignIn{}, m.providerError("redirect sign-in", err)
	}
	m.selector.MarkRedirectPending(ctx)
	return ProviderSignIn{RedirectURL: redirectURL}, nil
}

// CompleteRedirect はIdPから戻った後にリダイレクトサインインを完了する。
// 返すエラーは *model.AuthError。
func (m *Manager) CompleteRedirect(ctx context.Context) (*model.ProviderIdentity, error) {
	return m.redirect.Resolve(ctx)
}

// SignOut はサインアウトする。状態はIdPのサインアウト通知を通じてSignedOutになる。
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.provider.SignOut(ctx); err != nil {
		return m.providerError("sign-out", err)
	}
	// 通知を同期的に出さないProviderのために直接反映する。重複しても結果は同じ
	m.observer.Handle(nil)
	return nil
}

// RetrySync はプロフィール同期をやり直す。
// 未サインイン、または同期が実行中の場合は何もせずfalseを返す。
func (m *Manager) RetrySync(ctx context.Context) bool {
	current := m.registry.Current()
	if !current.IsAuthenticated() {
		return false
	}
	id := *current.Identity

	token, ok := m.guard.TryAcquire(id.UID)
	if !ok {
		m.logger.Debug("retry sync ignored, sync already in flight", slog.String("uid", id.UID))
		return false
	}
	generation := m.registry.Generation()
	if m.registry.Current().UID() != id.UID {
		m.guard.Release(token)
		return false
	}

	m.run(func() {
		m.syncer.Run(m.ctx, id, token, generation)
	})
	return true
}

// SendPasswordReset はパスワード再設定メールを送る。返すエラーは *model.AuthError。
func (m *Manager) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.NewInvalidRequestError("email is required")
	}
	if err := m.provider.SendPasswordReset(ctx, email); err != nil {
		return m.providerError("password reset", err)
	}
	return nil
}

// SendVerificationEmail はサインイン中のユーザーに確認メールを送る。返すエラーは *model.AuthError。
func (m *Manager) SendVerificationEmail(ctx context.Context) error {
	if !m.registry.Current().IsAuthenticated() {
		return model.NewInvalidRequestError("not signed in")
	}
	if err := m.provider.SendVerificationEmail(ctx); err != nil {
		return m.providerError("verification email", err)
	}
	return nil
}

// applyPersistence は保存方針を記録し、IdPの資格情報の保存先を決める。
func (m *Manager) applyPersistence(ctx context.Context, pref model.PersistencePreference) {
	m.selector.SetPreference(ctx, pref)
	tier := m.selector.Choose(ctx)
	if err := m.provider.SetPersistence(ctx, m.selector.StoreFor(tier)); err != nil {
		m.logger.Warn("failed to apply credential persistence",
			slog.String("tier", string(tier)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) providerError(op string, err error) error {
	authErr := identity.ClassifyError(err)
	m.logger.Warn("identity provider operation failed",
		slog.String("operation", op),
		slog.String("code", authErr.Code),
		slog.String("error", err.Error()),
	)
	return authErr
}

func validateCredentials(creds model.Credentials) error {
	if strings.TrimSpace(creds.Email) == "" {
		return model.NewInvalidRequestError("email is required")
	}
	if creds.Password == "" {
		return model.NewInvalidRequestError("password is required")
	}
	return nil
}
