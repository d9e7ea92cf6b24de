package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srinathnulidonda/savlink/internal/backend"
	"github.com/srinathnulidonda/savlink/internal/identity"
	"github.com/srinathnulidonda/savlink/internal/model"
	"github.com/srinathnulidonda/savlink/internal/persistence"
	"github.com/srinathnulidonda/savlink/internal/storage"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func testIdentity(uid string) model.ProviderIdentity {
	return model.ProviderIdentity{
		UID:         uid,
		Email:       uid + "@example.com",
		DisplayName: "User " + uid,
		ProviderID:  "password",
	}
}

func testProfile(uid string) *model.BackendProfile {
	return &model.BackendProfile{
		ID:     "backend-" + uid,
		Email:  uid + "@example.com",
		Name:   "Backend " + uid,
		Source: model.ProfileSourceBackend,
	}
}

// fakeProvider はテスト用のidentity.Provider。
// サインイン系の操作が成功するとリスナーに通知する。
type fakeProvider struct {
	mu        sync.Mutex
	current   *model.ProviderIdentity
	listeners map[int]identity.SessionListener
	nextID    int
	store     storage.KeyValueStore

	tokenCalls  int
	reloadCalls int

	signInFunc           func(ctx context.Context, email, password string) (*model.ProviderIdentity, error)
	registerFunc         func(ctx context.Context, email, password string) (*model.ProviderIdentity, error)
	beginRedirectFunc    func(ctx context.Context, providerID string) (string, error)
	completeRedirectFunc func(ctx context.Context) (*model.ProviderIdentity, error)
	getTokenFunc         func(ctx context.Context, force bool) (string, error)
	reloadFunc           func(ctx context.Context) error
	signOutFunc          func(ctx context.Context) error
	passwordResetFunc    func(ctx context.Context, email string) error
	verificationFunc     func(ctx context.Context) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{listeners: make(map[int]identity.SessionListener)}
}

func (p *fakeProvider) emit(id *model.ProviderIdentity) {
	p.mu.Lock()
	if id != nil {
		cp := *id
		p.current = &cp
	} else {
		p.current = nil
	}
	listeners := make([]identity.SessionListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(id)
	}
}

// setCurrent は通知せずに現在のユーザーだけを設定する。
func (p *fakeProvider) setCurrent(id *model.ProviderIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = id
}

func (p *fakeProvider) OnSessionChange(listener identity.SessionListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *fakeProvider) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *fakeProvider) CurrentIdentity() *model.ProviderIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

func (p *fakeProvider) SignInWithCredentials(ctx context.Context, email, password string) (*model.ProviderIdentity, error) {
	if p.signInFunc == nil {
		return nil, errors.New("signInFunc not set")
	}
	id, err := p.signInFunc(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.emit(id)
	return id, nil
}

func (p *fakeProvider) Register(ctx context.Context, email, password string) (*model.ProviderIdentity, error) {
	if p.registerFunc == nil {
		return nil, errors.New("registerFunc not set")
	}
	id, err := p.registerFunc(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.emit(id)
	return id, nil
}

func (p *fakeProvider) BeginRedirectSignIn(ctx context.Context, providerID string) (string, error) {
	if p.beginRedirectFunc == nil {
		return "https://idp.example.com/auth?provider=" + providerID, nil
	}
	return p.beginRedirectFunc(ctx, providerID)
}

func (p *fakeProvider) CompleteRedirectSignIn(ctx context.Context) (*model.ProviderIdentity, error) {
	if p.completeRedirectFunc == nil {
		return nil, nil
	}
	id, err := p.completeRedirectFunc(ctx)
	if err != nil {
		return nil, err
	}
	if id != nil {
		p.setCurrent(id)
	}
	return id, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	if p.signOutFunc != nil {
		if err := p.signOutFunc(ctx); err != nil {
			return err
		}
	}
	p.emit(nil)
	return nil
}

func (p *fakeProvider) GetToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	p.tokenCalls++
	fn := p.getTokenFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, force)
	}
	if p.CurrentIdentity() == nil {
		return "", identity.ErrNotSignedIn
	}
	return "id-token", nil
}

func (p *fakeProvider) tokenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *fakeProvider) reloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadCalls
}

func (p *fakeProvider) Reload(ctx context.Context) error {
	p.mu.Lock()
	p.reloadCalls++
	fn := p.reloadFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (p *fakeProvider) SendVerificationEmail(ctx context.Context) error {
	if p.verificationFunc != nil {
		return p.verificationFunc(ctx)
	}
	return nil
}

func (p *fakeProvider) SendPasswordReset(ctx context.Context, email string) error {
	if p.passwordResetFunc != nil {
		return p.passwordResetFunc(ctx, email)
	}
	return nil
}

func (p *fakeProvider) SetPersistence(_ context.Context, store storage.KeyValueStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = store
	return nil
}

func (p *fakeProvider) persistence() storage.KeyValueStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}

var _ identity.Provider = (*fakeProvider)(nil)

// fakePopupProvider はポップアップに対応したfakeProvider。
type fakePopupProvider struct {
	*fakeProvider
	popupFunc func(ctx context.Context, providerID string) (*model.ProviderIdentity, error)
}

func (p *fakePopupProvider) SignInWithPopup(ctx context.Context, providerID string) (*model.ProviderIdentity, error) {
	id, err := p.popupFunc(ctx, providerID)
	if err != nil {
		return nil, err
	}
	p.emit(id)
	return id, nil
}

var _ identity.PopupProvider = (*fakePopupProvider)(nil)

// fakeBackend はテスト用のBackend。
// FetchProfileの呼び出しごとに残りのタイムアウトと受け取ったトークンを記録する。
type fakeBackend struct {
	mu         sync.Mutex
	fetchCalls int
	pingCalls  int
	timeouts   []time.Duration
	tokens     []string

	fetchFunc func(ctx context.Context, call int) (*model.BackendProfile, error)
	// tokenFunc が設定されていればfetchFuncより優先し、トークンの持ち主のプロフィールを返す
	tokenFunc func(idToken string) (*model.BackendProfile, error)
	pingFunc  func(ctx context.Context) error
}

func (b *fakeBackend) FetchProfile(ctx context.Context, idToken string) (*model.BackendProfile, error) {
	b.mu.Lock()
	b.fetchCalls++
	call := b.fetchCalls
	b.tokens = append(b.tokens, idToken)
	if deadline, ok := ctx.Deadline(); ok {
		b.timeouts = append(b.timeouts, time.Until(deadline))
	}
	fn := b.fetchFunc
	tokenFn := b.tokenFunc
	b.mu.Unlock()

	if tokenFn != nil {
		return tokenFn(idToken)
	}
	if fn == nil {
		return testProfile("default"), nil
	}
	return fn(ctx, call)
}

func (b *fakeBackend) receivedTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// profileByToken は "token-<uid>" の持ち主のプロフィールを返す。
func profileByToken(idToken string) (*model.BackendProfile, error) {
	uid, ok := strings.CutPrefix(idToken, "token-")
	if !ok {
		return nil, errStatus(http.StatusUnauthorized)
	}
	return testProfile(uid), nil
}

// tokenForCurrent は呼び出し時点でIdPにサインインしているユーザーのトークンを返す。
func tokenForCurrent(p *fakeProvider) func(context.Context, bool) (string, error) {
	return func(context.Context, bool) (string, error) {
		current := p.CurrentIdentity()
		if current == nil {
			return "", identity.ErrNotSignedIn
		}
		return "token-" + current.UID, nil
	}
}

func (b *fakeBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	b.pingCalls++
	fn := b.pingFunc
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

func (b *fakeBackend) pings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingCalls
}

func (b *fakeBackend) recordedTimeouts() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.timeouts...)
}

var _ Backend = (*fakeBackend)(nil)

// recordingSleep は待たずに待機時間だけを記録する。
type recordingSleep struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

func errStatus(status int) error {
	return &backend.StatusError{Status: status, Message: "test"}
}

type testEnv struct {
	manager  *Manager
	provider *fakeProvider
	backend  *fakeBackend
	selector *persistence.Selector
	tiers    storage.Tiers
	sleep    *recordingSleep
	recorder *fakeRecorder
	logs     *bytes.Buffer
}

func newTestEnv(t *testing.T, provider identity.Provider, fp *fakeProvider, be *fakeBackend) *testEnv {
	t.Helper()

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tiers := storage.Tiers{
		Durable:  storage.NewMemoryStore(),
		Session:  storage.NewMemoryStore(),
		Volatile: storage.NewMemoryStore(),
	}
	selector := persistence.NewSelector(tiers, storage.Capabilities{Durable: true, Session: true}, logger)
	sleep := &recordingSleep{}
	recorder := &fakeRecorder{}

	m, err := New(Options{
		Provider: provider,
		Backend:  be,
		Selector: selector,
		Recorder: recorder,
		Logger:   logger,
		Sleep:    sleep.Sleep,
	})
	if err != nil {
		t.Fatalf("New() はエラーを返すべきではない, got %v", err)
	}
	t.Cleanup(m.Close)

	return &testEnv{
		manager:  m,
		provider: fp,
		backend:  be,
		selector: selector,
		tiers:    tiers,
		sleep:    sleep,
		recorder: recorder,
		logs:     &buf,
	}
}

func newDefaultEnv(t *testing.T) *testEnv {
	t.Helper()
	fp := newFakeProvider()
	return newTestEnv(t, fp, fp, &fakeBackend{})
}

// waitForState は条件を満たす状態になるまで待つ。
func waitForState(t *testing.T, m *Manager, cond func(model.SessionState) bool) model.SessionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.CurrentState(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := m.CurrentState()
	t.Fatalf("状態が期待値にならなかった, got phase=%s sync=%s", s.Phase, s.SyncStatus)
	return s
}

// waitIdle は同期のガードが解放されるまで待つ。
// 最終状態の公開はガードの解放より先に行われる。
func waitIdle(t *testing.T, m *Manager, uid string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.guard.InFlight(uid) {
		if time.Now().After(deadline) {
			t.Fatalf("%s の同期が終わらなかった", uid)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func syncFinished(s model.SessionState) bool {
	return s.IsAuthenticated() && (s.SyncStatus == model.SyncSynced || s.SyncStatus == model.SyncDegraded)
}

// stateRecorder は購読した状態を順に記録する。
type stateRecorder struct {
	mu     sync.Mutex
	states []model.SessionState
}

func (r *stateRecorder) listen(s model.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SessionState(nil), r.states...)
}

// fakeRecorder は記録された値を保持するmetrics.Recorder。
type fakeRecorder struct {
	mu           sync.Mutex
	attempts     []string
	outcomes     []model.SyncStatus
	probesOK     int
	probesFailed int
	refreshes    []string
	transitions  []model.Phase
}

func (r *fakeRecorder) RecordSyncAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, result)
}

func (r *fakeRecorder) RecordSyncOutcome(status model.SyncStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, status)
}

func (r *fakeRecorder) RecordSyncLatency(time.Duration) {}

func (r *fakeRecorder) RecordWarmupProbe(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.probesOK++
	} else {
		r.probesFailed++
	}
}

func (r *fakeRecorder) RecordTokenRefresh(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, result)
}

func (r *fakeRecorder) RecordSessionTransition(phase model.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, phase)
}

func (r *fakeRecorder) probeCounts() (ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probesOK, r.probesFailed
}

func (r *fakeRecorder) attemptResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func (r *fakeRecorder) refreshResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refreshes...)
}
