package session

import (
	"log/slog"
	"sync"

	"github.com/srinathnulidonda/savlink/internal/metrics"
	"github.com/srinathnulidonda/savlink/internal/model"
)

// Listener はセッション状態の変化を受け取るコールバック。
// 呼び出し中にRegistryのPublishやSubscribeを同期的に呼んではならない。
type Listener func(state model.SessionState)

// NoticeListener は一過性の通知を受け取るコールバック。
type NoticeListener func(notice model.Notice)

type listenerEntry struct {
	id uint64
	fn Listener
}

type noticeEntry struct {
	id uint64
	fn NoticeListener
}

// Registry はセッション状態の唯一の書き込み口。
// 公開は直列化され、購読者は公開順に状態を受け取る。
//
// generationはサインイン中のユーザーが変わるか、サインアウトするか、
// Advanceでユーザーの引き継ぎが始まるたびに増える。
// 非同期処理は開始時のgenerationと比較して、古い結果を捨てる。
type Registry struct {
	// publishMu は公開と購読登録を直列化する
	publishMu sync.Mutex

	stateMu    sync.RWMutex
	state      model.SessionState
	generation uint64

	nextID    uint64
	listeners []listenerEntry
	notices   []noticeEntry

	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewRegistry はSignedOut状態で始まるRegistryを生成する。
func NewRegistry(recorder metrics.Recorder, logger *slog.Logger) *Registry {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		state:    model.SignedOutState(),
		recorder: recorder,
		logger:   logger,
	}
}

// Subscribe は購読を登録し、現在の状態で即座に1回呼び出す。
func (r *Registry) Subscribe(fn Listener) (unsubscribe func()) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})

	fn(r.Current())

	return func() {
		r.publishMu.Lock()
		defer r.publishMu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// SubscribeNotices は一過性の通知の購読を登録する。過去の通知は再送しない。
func (r *Registry) SubscribeNotices(fn NoticeListener) (unsubscribe func()) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.nextID++
	id := r.nextID
	r.notices = append(r.notices, noticeEntry{id: id, fn: fn})

	return func() {
		r.publishMu.Lock()
		defer r.publishMu.Unlock()
		for i, n := range r.notices {
			if n.id == id {
				r.notices = append(r.notices[:i:i], r.notices[i+1:]...)
				return
			}
		}
	}
}

// Current は現在の状態のコピーを返す。
func (r *Registry) Current() model.SessionState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.Clone()
}

// Generation は現在のgenerationを返す。
func (r *Registry) Generation() uint64 {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.generation
}

// Publish は状態を公開し、公開後のgenerationを返す。
func (r *Registry) Publish(state model.SessionState) uint64 {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	return r.publishLocked(state)
}

// Advance は状態のUIDに関わらずgenerationを進めてから状態を公開し、新しいgenerationを返す。
// 別のユーザーへの引き継ぎを始めるときに使い、それ以前に始まった同期の結果はすべて古くなる。
func (r *Registry) Advance(state model.SessionState) uint64 {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.stateMu.Lock()
	r.generation++
	r.stateMu.Unlock()
	return r.publishLocked(state)
}

// PublishIfCurrent はgenerationが変わっていない場合だけ状態を公開し、公開後のgenerationを返す。
// 公開しなかった場合はfalseを返す。
func (r *Registry) PublishIfCurrent(generation uint64, state model.SessionState) (uint64, bool) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if r.Generation() != generation {
		return 0, false
	}
	return r.publishLocked(state), true
}

// Notify は一過性の通知を配信する。
func (r *Registry) Notify(notice model.Notice) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	for _, n := range r.notices {
		n.fn(notice)
	}
}

func (r *Registry) publishLocked(state model.SessionState) uint64 {
	r.stateMu.Lock()
	signingOut := state.Phase == model.PhaseSignedOut && r.state.Phase != model.PhaseSignedOut
	if signingOut || state.UID() != r.state.UID() {
		r.generation++
	}
	r.state = state.Clone()
	generation := r.generation
	r.stateMu.Unlock()

	r.recorder.RecordSessionTransition(state.Phase)
	r.logger.Debug("session state published",
		slog.String("phase", string(state.Phase)),
		slog.String("sync_status", string(state.SyncStatus)),
		slog.Uint64("generation", generation),
	)

	for _, l := range r.listeners {
		l.fn(state.Clone())
	}
	return generation
}
