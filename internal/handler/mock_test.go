package handler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/session"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- モック定義 ---

type mockSessionService struct {
	mu              sync.Mutex
	state           model.SessionState
	listeners       []session.Listener
	noticeListeners []session.NoticeListener

	backendWarm     bool
	redirectPending bool

	signInFn                func(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error)
	registerFn              func(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error)
	signInWithProviderFn    func(ctx context.Context, providerID string, forceRedirect bool) (session.ProviderSignIn, error)
	completeRedirectFn      func(ctx context.Context) (*model.ProviderIdentity, error)
	signOutFn               func(ctx context.Context) error
	retrySyncFn             func(ctx context.Context) bool
	sendPasswordResetFn     func(ctx context.Context, email string) error
	sendVerificationEmailFn func(ctx context.Context) error
}

func newMockSessionService() *mockSessionService {
	return &mockSessionService{state: model.SignedOutState()}
}

func (m *mockSessionService) CurrentState() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSessionService) BackendWarm() bool { return m.backendWarm }

func (m *mockSessionService) RedirectPending(context.Context) bool { return m.redirectPending }

func (m *mockSessionService) Subscribe(fn session.Listener) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	state := m.state
	m.mu.Unlock()
	fn(state)
	return func() {}
}

func (m *mockSessionService) SubscribeNotices(fn session.NoticeListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noticeListeners = append(m.noticeListeners, fn)
	return func() {}
}

// publish は購読者に状態を配信する。
func (m *mockSessionService) publish(state model.SessionState) {
	m.mu.Lock()
	m.state = state
	listeners := append([]session.Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (m *mockSessionService) notify(n model.Notice) {
	m.mu.Lock()
	listeners := append([]session.NoticeListener(nil), m.noticeListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(n)
	}
}

func (m *mockSessionService) subscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *mockSessionService) SignIn(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, creds, pref)
	}
	return nil, nil
}

func (m *mockSessionService) Register(ctx context.Context, creds model.Credentials, pref model.PersistencePreference) (*model.ProviderIdentity, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, creds, pref)
	}
	return nil, nil
}

func (m *mockSessionService) SignInWithProvider(ctx context.Context, providerID string, forceRedirect bool) (session.ProviderSignIn, error) {
	if m.signInWithProviderFn != nil {
		return m.signInWithProviderFn(ctx, providerID, forceRedirect)
	}
	return session.ProviderSignIn{}, nil
}

func (m *mockSessionService) CompleteRedirect(ctx context.Context) (*model.ProviderIdentity, error) {
	if m.completeRedirectFn != nil {
		return m.completeRedirectFn(ctx)
	}
	return nil, nil
}

func (m *mockSessionService) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockSessionService) RetrySync(ctx context.Context) bool {
	if m.retrySyncFn != nil {
		return m.retrySyncFn(ctx)
	}
	return false
}

func (m *mockSessionService) SendPasswordReset(ctx context.Context, email string) error {
	if m.sendPasswordResetFn != nil {
		return m.sendPasswordResetFn(ctx, email)
	}
	return nil
}

func (m *mockSessionService) SendVerificationEmail(ctx context.Context) error {
	if m.sendVerificationEmailFn != nil {
		return m.sendVerificationEmailFn(ctx)
	}
	return nil
}

type mockRedirectRecorder struct {
	recordFn func(ctx context.Context, callbackURL string) error
}

func (m *mockRedirectRecorder) RecordRedirectCallback(ctx context.Context, callbackURL string) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, callbackURL)
	}
	return nil
}

func testIdentity(uid string) model.ProviderIdentity {
	return model.ProviderIdentity{
		UID:         uid,
		Email:       uid + "@example.com",
		DisplayName: "User " + uid,
		ProviderID:  "password",
	}
}
