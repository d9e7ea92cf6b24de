package model

import "time"

// Phase はSessionStateのタグ。
type Phase string

const (
	PhaseSignedOut     Phase = "signed_out"
	PhaseEstablishing  Phase = "establishing"
	PhaseAuthenticated Phase = "authenticated"
)

// SyncStatus はバックエンドプロフィール同期の進行状況。
// unsynced → pending → synced | degraded の順に遷移する。
type SyncStatus string

const (
	SyncUnsynced SyncStatus = "unsynced"
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncDegraded SyncStatus = "degraded"
)

// SessionState はプロセス全体で1つだけ存在する「誰がサインインしているか」の状態。
// Phaseによって有効なフィールドが決まるタグ付き共用体として扱う。
// 値はRegistryのpublishのみが書き換え、購読者はコピーを受け取る。
type SessionState struct {
	Phase      Phase             `json:"phase"`
	Identity   *ProviderIdentity `json:"identity,omitempty"`
	Profile    *BackendProfile   `json:"profile,omitempty"`
	SyncStatus SyncStatus        `json:"sync_status,omitempty"`
	// SyncError はdegraded時にUIのバナー表示に使う説明。
	SyncError string    `json:"sync_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SignedOutState はサインアウト状態を返す。
func SignedOutState() SessionState {
	return SessionState{Phase: PhaseSignedOut, UpdatedAt: time.Now()}
}

// EstablishingState はIdPの資格情報を待っている状態を返す。
func EstablishingState() SessionState {
	return SessionState{Phase: PhaseEstablishing, UpdatedAt: time.Now()}
}

// AuthenticatedState は認証済み状態を返す。
// profileはnilでもよい（同期待ち）。
func AuthenticatedState(identity ProviderIdentity, profile *BackendProfile, status SyncStatus, syncErr string) SessionState {
	id := identity
	var p *BackendProfile
	if profile != nil {
		cp := *profile
		p = &cp
	}
	return SessionState{
		Phase:      PhaseAuthenticated,
		Identity:   &id,
		Profile:    p,
		SyncStatus: status,
		SyncError:  syncErr,
		UpdatedAt:  time.Now(),
	}
}

// IsAuthenticated は認証済みかどうかを返す。
func (s SessionState) IsAuthenticated() bool {
	return s.Phase == PhaseAuthenticated && s.Identity != nil
}

// UID は認証済みの場合にユーザーのUIDを返す。それ以外は空文字列。
func (s SessionState) UID() string {
	if !s.IsAuthenticated() {
		return ""
	}
	return s.Identity.UID
}

// IsSyncedFor は指定UIDについて同期済みのプロフィールを保持しているかを返す。
func (s SessionState) IsSyncedFor(uid string) bool {
	return s.IsAuthenticated() &&
		s.Identity.UID == uid &&
		s.SyncStatus == SyncSynced &&
		s.Profile != nil
}

// Clone は購読者に渡すためのディープコピーを返す。
func (s SessionState) Clone() SessionState {
	c := s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	if s.Profile != nil {
		p := *s.Profile
		c.Profile = &p
	}
	return c
}

// NoticeKind はUIへの一過性通知の種類。
type NoticeKind string

const (
	NoticeRedirectSucceeded NoticeKind = "redirect_succeeded"
	NoticeRedirectFailed    NoticeKind = "redirect_failed"
	NoticeSyncDegraded      NoticeKind = "sync_degraded"
)

// Notice はセッション状態とは別に配信する一過性の通知。
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}
