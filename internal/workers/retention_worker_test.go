package workers

import (
	"log/slog"
	"testing"
	"time"

	"github.com/annex-server/annex/internal/policy"
)

// TestRetentionCutoffCalculation verifies that a retention window in days
// maps to the expected cutoff distance from now.
func TestRetentionCutoffCalculation(t *testing.T) {
	tests := []struct {
		name      string
		days      int
		wantDelta time.Duration
	}{
		{"1 day", 1, 24 * time.Hour},
		{"7 days", 7, 7 * 24 * time.Hour},
		{"30 days", 30, 30 * 24 * time.Hour},
		{"365 days", 365, 365 * 24 * time.Hour},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Now().UTC()
			cutoff := now.Add(-time.Duration(tc.days) * 24 * time.Hour)
			diff := now.Sub(cutoff)
			// Allow 1 second tolerance for test execution time.
			if diff < tc.wantDelta-time.Second || diff > tc.wantDelta+time.Second {
				t.Errorf("cutoff delta = %v, want ~%v", diff, tc.wantDelta)
			}
		})
	}
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := New(nil, 1, policy.NewStore(nil, 1, policy.Default(), 1), slog.New(slog.DiscardHandler))
	// Stop before Start must be a no-op, not a nil-channel deadlock.
	m.Stop()
}
