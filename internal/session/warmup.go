package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srinathnulidonda/savlink/internal/metrics"
)

// Warmth はバックエンドがwarmかどうかをプロセス全体で共有する。
// 一度warmになったら戻らない。
type Warmth struct {
	warm atomic.Bool
}

// IsWarm はwarmと判定済みかを返す。
func (w *Warmth) IsWarm() bool {
	return w.warm.Load()
}

// MarkWarm はwarmと記録する。
func (w *Warmth) MarkWarm() {
	w.warm.Store(true)
}

// Pinger はバックエンドの死活確認。
type Pinger interface {
	Ping(ctx context.Context) error
}

// defaultWarmupSchedule は起動直後の確認タイミング（起動からの経過時間）。
var defaultWarmupSchedule = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

const (
	defaultWarmupPeriod       = 2 * time.Minute
	defaultWarmupProbeTimeout = 5 * time.Second
)

// WarmupConfig はWarmupPingerの設定。
type WarmupConfig struct {
	// Enabled がfalseの場合Startは何もしない。本番相当のビルドでのみ有効にする。
	Enabled bool
	// Period は初期スケジュールの後の確認間隔。
	Period       time.Duration
	ProbeTimeout time.Duration
}

// WarmupPinger はバックエンドのコールドスタートを隠すためにヘルスチェックを送る。
// 起動直後、+2s、+5s、+10sに送り、以降はPeriodごとに送る。
// 成功した時点でwarmと記録して停止する。失敗は呼び出し側に伝えない。
type WarmupPinger struct {
	pinger   Pinger
	warmth   *Warmth
	recorder metrics.Recorder
	logger   *slog.Logger

	enabled      bool
	schedule     []time.Duration
	period       time.Duration
	probeTimeout time.Duration
	after        func(time.Duration) <-chan time.Time // テスト用に差し替え可能

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWarmupPinger はWarmupPingerを生成する。
func NewWarmupPinger(pinger Pinger, warmth *Warmth, cfg WarmupConfig, recorder metrics.Recorder, logger *slog.Logger) *WarmupPinger {
	if cfg.Period <= 0 {
		cfg.Period = defaultWarmupPeriod
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultWarmupProbeTimeout
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmupPinger{
		pinger:       pinger,
		warmth:       warmth,
		recorder:     recorder,
		logger:       logger,
		enabled:      cfg.Enabled,
		schedule:     defaultWarmupSchedule,
		period:       cfg.Period,
		probeTimeout: cfg.ProbeTimeout,
		after:        time.After,
	}
}

// Start は確認を開始する。無効・warm済み・実行中の場合は何もしない。
func (w *WarmupPinger) Start(ctx context.Context) {
	if !w.enabled || w.warmth.IsWarm() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)

	w.logger.Debug("backend warmup started")

	go func() {
		defer w.wg.Done()
		w.loop(runCtx)

		w.mu.Lock()
		if runCtx.Err() == nil {
			// warmになって自然に終了した
			w.cancel = nil
		}
		w.mu.Unlock()
		cancel()
	}()
}

// Stop は確認を停止する。ループの終了は待たない。
func (w *WarmupPinger) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait は動作中のループの終了を待つ。
func (w *WarmupPinger) Wait() {
	w.wg.Wait()
}

// Running は確認ループが動作中かを返す。
func (w *WarmupPinger) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *WarmupPinger) loop(ctx context.Context) {
	var elapsed time.Duration
	for _, offset := range w.schedule {
		if !w.wait(ctx, offset-elapsed) {
			return
		}
		elapsed = offset
		if w.Probe(ctx) {
			return
		}
	}

	for {
		if !w.wait(ctx, w.period) {
			return
		}
		if w.Probe(ctx) {
			return
		}
	}
}

func (w *WarmupPinger) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-w.after(d):
		return true
	}
}

// Probe はヘルスチェックを1回送り、成功したらwarmと記録してtrueを返す。
func (w *WarmupPinger) Probe(ctx context.Context) bool {
	if w.warmth.IsWarm() {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	if err := w.pinger.Ping(probeCtx); err != nil {
		w.recorder.RecordWarmupProbe(false)
		w.logger.Debug("backend warmup probe failed", slog.String("error", err.Error()))
		return false
	}

	w.recorder.RecordWarmupProbe(true)
	w.warmth.MarkWarm()
	w.logger.Info("backend is warm")
	return true
}
