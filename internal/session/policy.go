package session

import "time"

// RetryPolicy はバックエンドプロフィール取得の再試行方針。
type RetryPolicy struct {
	// MaxAttempts は1回の同期での最大試行回数。
	MaxAttempts int
	// WarmBase / ColdBase は1回目の試行のタイムアウト。バックエンドがwarmかどうかで切り替える。
	WarmBase time.Duration
	ColdBase time.Duration
	// Step は試行ごとに延長するタイムアウト。
	Step time.Duration
	// BackoffBase / BackoffMax は試行間の待機時間の初期値と上限。
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PrewarmTimeout はcold時に最初の試行の前に送るヘルスチェックのタイムアウト。
	PrewarmTimeout time.Duration
}

// DefaultRetryPolicy は既定の再試行方針を返す。
// 3回試行、タイムアウトは warm 10s / cold 20s から10sずつ延長、待機は min(1s×2^n, 5s)。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		WarmBase:       10 * time.Second,
		ColdBase:       20 * time.Second,
		Step:           10 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Second,
		PrewarmTimeout: 5 * time.Second,
	}
}

// AttemptTimeout はattempt回目（1始まり）の試行のタイムアウトを返す。
// base + (attempt-1) × Step。
func (p RetryPolicy) AttemptTimeout(attempt int, warm bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.ColdBase
	if warm {
		base = p.WarmBase
	}
	return base + time.Duration(attempt-1)*p.Step
}

// Backoff はattempt回目（1始まり）の試行が失敗した後の待機時間を返す。
// min(BackoffBase × 2^attempt, BackoffMax)。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}
