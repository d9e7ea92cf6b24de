package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/srinathnulidonda/savlink/internal/middleware"
	"github.com/srinathnulidonda/savlink/internal/model"
)

const (
	defaultKeepAlive = 25 * time.Second
	noticeBuffer     = 16
)

// EventsHandler はセッション状態の変化をServer-Sent Eventsで配信する。
// 接続直後に現在の状態を送り、以降は遷移と通知を順に送る。
type EventsHandler struct {
	service   SessionService
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。keepAliveが0以下の場合は25秒。
func NewEventsHandler(service SessionService, logger *slog.Logger, keepAlive time.Duration) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &EventsHandler{
		service:   service,
		logger:    logger,
		keepAlive: keepAlive,
	}
}

// stateSlot は最新のセッション状態だけを保持する。
// リスナーはRegistryの配信中に呼ばれるためブロックしてはならない。
type stateSlot struct {
	mu     sync.Mutex
	latest *model.SessionState
	ready  chan struct{}
}

func newStateSlot() *stateSlot {
	return &stateSlot{ready: make(chan struct{}, 1)}
}

func (s *stateSlot) put(state model.SessionState) {
	s.mu.Lock()
	s.latest = &state
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *stateSlot) take() (model.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return model.SessionState{}, false
	}
	state := *s.latest
	s.latest = nil
	return state, true
}

// ServeHTTP はイベントストリームを配信する。
// GET /api/session/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	// サーバーのWriteTimeoutでストリームが切られないよう書き込み期限を外す
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	states := newStateSlot()
	notices := make(chan model.Notice, noticeBuffer)

	unsubscribe := h.service.Subscribe(states.put)
	defer unsubscribe()
	unsubscribeNotices := h.service.SubscribeNotices(func(n model.Notice) {
		select {
		case notices <- n:
		default:
			h.logger.Warn("dropping session notice for slow event stream", slog.String("kind", string(n.Kind)))
		}
	})
	defer unsubscribeNotices()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-states.ready:
			if state, ok := states.take(); ok {
				err = writeEvent(w, "state", state)
			}
		case n := <-notices:
			err = writeEvent(w, "notice", n)
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": keepalive\n\n")
		}
		if err != nil {
			h.logger.Debug("event stream closed", slog.String("error", err.Error()))
			return
		}
		flusher.Flush()
	}
}

// writeEvent はSSEの1イベントを書き込む。
func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
