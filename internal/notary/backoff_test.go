package notary

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBackoff_doublesAndCaps(t *testing.T) {
	n := New(nil, Config{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, zap.NewNop())

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := n.backoff(i + 1); got != w {
			t.Errorf("backoff(%d): got %v, want %v", i+1, got, w)
		}
	}
}

func TestNew_defaults(t *testing.T) {
	n := New(nil, Config{}, zap.NewNop())
	if n.cfg.MaxAttempts != 8 {
		t.Errorf("MaxAttempts default: got %d", n.cfg.MaxAttempts)
	}
	if n.cfg.InitialBackoff != time.Second || n.cfg.MaxBackoff != 30*time.Second {
		t.Errorf("backoff defaults: got %v / %v", n.cfg.InitialBackoff, n.cfg.MaxBackoff)
	}
	if n.cfg.MaxPendingChecks != 24 || n.cfg.PendingTTL != 15*time.Minute {
		t.Errorf("pending write defaults: got %d / %v", n.cfg.MaxPendingChecks, n.cfg.PendingTTL)
	}
}
