package session

import (
	"testing"
	"time"
)

func TestRetryPolicy_AttemptTimeout(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name    string
		attempt int
		warm    bool
		want    time.Duration
	}{
		{"warm 1回目", 1, true, 10 * time.Second},
		{"warm 2回目", 2, true, 20 * time.Second},
		{"warm 3回目", 3, true, 30 * time.Second},
		{"cold 1回目", 1, false, 20 * time.Second},
		{"cold 3回目", 3, false, 40 * time.Second},
		{"0以下は1回目扱い", 0, true, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.AttemptTimeout(tt.attempt, tt.warm); got != tt.want {
				t.Errorf("AttemptTimeout(%d, %v) = %v, want %v", tt.attempt, tt.warm, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
		{-1, time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.PrewarmTimeout != 5*time.Second {
		t.Errorf("PrewarmTimeout = %v, want 5s", p.PrewarmTimeout)
	}
}
