package presence

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrunerInterval(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		threshold time.Duration
		want      time.Duration
	}{
		// Half the threshold within [1s, 60s].
		{10 * time.Second, 5 * time.Second},
		{60 * time.Second, 30 * time.Second},
		// Clamped low: a 1s threshold halves below the floor.
		{1 * time.Second, 1 * time.Second},
		{500 * time.Millisecond, 1 * time.Second},
		// Clamped high: long thresholds still cycle every minute.
		{10 * time.Minute, time.Minute},
		{24 * time.Hour, time.Minute},
	}

	for _, tc := range tests {
		p := NewPruner(nil, nil, nil, tc.threshold, logger)
		assert.Equal(t, tc.want, p.Interval(), "threshold %s", tc.threshold)
	}
}

func TestBroadcastWithoutConnIsNoOp(t *testing.T) {
	s := NewService(nil, 1, nil, slog.New(slog.DiscardHandler))
	// Must not panic.
	s.Broadcast(Event{Type: "node_updated", PseudonymID: "p", Active: true})
}

func TestTrackerReuse(t *testing.T) {
	s := NewService(nil, 1, nil, slog.New(slog.DiscardHandler))

	t1 := s.Tracker("p1")
	t2 := s.Tracker("p1")
	assert.Same(t, t1, t2, "same pseudonym yields the same tracker")

	t3 := s.Tracker("p2")
	assert.NotSame(t, t1, t3)

	s.DropTracker("p1")
	t4 := s.Tracker("p1")
	assert.NotSame(t, t1, t4, "dropped tracker is rebuilt fresh")
}
