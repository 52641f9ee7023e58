package connmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(slog.New(slog.DiscardHandler))
}

func TestAddSessionReturnsDistinctIDs(t *testing.T) {
	m := newTestManager()

	id1 := m.AddSession("p1", NewSender())
	id2 := m.AddSession("p2", NewSender())
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, m.SessionCount())
}

func TestSessionReplacementCleansSubscriptions(t *testing.T) {
	m := newTestManager()

	s1 := m.AddSession("P", NewSender())
	m.Subscribe("C1", "P")
	m.Subscribe("C2", "P")
	require.ElementsMatch(t, []string{"C1", "C2"}, m.Subscriptions("P"))

	s2 := m.AddSession("P", NewSender())
	assert.NotEqual(t, s1, s2)

	// Old subscriptions are gone from both maps.
	assert.Empty(t, m.Subscribers("C1"))
	assert.Empty(t, m.Subscribers("C2"))
	assert.Empty(t, m.Subscriptions("P"))

	// The stored session is the replacement.
	current, ok := m.SessionID("P")
	require.True(t, ok)
	assert.Equal(t, s2, current)
}

func TestRemoveSessionStaleGuard(t *testing.T) {
	m := newTestManager()

	s1 := m.AddSession("P", NewSender())
	s2 := m.AddSession("P", NewSender())

	// The stale session's removal must not touch the replacement.
	m.RemoveSession("P", s1)
	current, ok := m.SessionID("P")
	require.True(t, ok)
	assert.Equal(t, s2, current)

	m.RemoveSession("P", s2)
	_, ok = m.SessionID("P")
	assert.False(t, ok)
}

func TestRemoveSessionCleansBothMaps(t *testing.T) {
	m := newTestManager()

	sid := m.AddSession("P", NewSender())
	m.Subscribe("C1", "P")
	m.RemoveSession("P", sid)

	assert.Empty(t, m.Subscribers("C1"))
	assert.Empty(t, m.Subscriptions("P"))
}

func TestUnsubscribeDropsEmptySets(t *testing.T) {
	m := newTestManager()

	m.AddSession("P", NewSender())
	m.AddSession("Q", NewSender())
	m.Subscribe("C1", "P")
	m.Subscribe("C1", "Q")

	m.Unsubscribe("C1", "P")
	assert.ElementsMatch(t, []string{"Q"}, m.Subscribers("C1"))

	m.Unsubscribe("C1", "Q")
	assert.Empty(t, m.Subscribers("C1"))
	assert.Empty(t, m.Subscriptions("Q"))
}

func TestBroadcastDeliversToSubscribersOnly(t *testing.T) {
	m := newTestManager()

	senderP := NewSender()
	senderQ := NewSender()
	m.AddSession("P", senderP)
	m.AddSession("Q", senderQ)
	m.Subscribe("C1", "P")

	m.Broadcast("C1", `{"hello":1}`)

	select {
	case frame := <-senderP.Frames():
		assert.Equal(t, `{"hello":1}`, frame)
	default:
		t.Fatal("subscriber P received nothing")
	}

	select {
	case <-senderQ.Frames():
		t.Fatal("non-subscriber Q received a frame")
	default:
	}
}

func TestBroadcastDropsOnFullQueueWithoutDisconnect(t *testing.T) {
	m := newTestManager()

	sender := NewSender()
	m.AddSession("P", sender)
	m.Subscribe("C1", "P")

	for i := 0; i < QueueSize+10; i++ {
		m.Broadcast("C1", fmt.Sprintf("frame-%d", i))
	}

	// Exactly QueueSize frames survived; the session is still live.
	assert.Len(t, sender.frames, QueueSize)
	_, ok := m.SessionID("P")
	assert.True(t, ok)

	// The retained frames are the earliest ones, in order.
	assert.Equal(t, "frame-0", <-sender.Frames())
	assert.Equal(t, "frame-1", <-sender.Frames())
}

func TestDisconnectUser(t *testing.T) {
	m := newTestManager()

	m.AddSession("P", NewSender())
	m.Subscribe("C1", "P")
	m.DisconnectUser("P")

	_, ok := m.SessionID("P")
	assert.False(t, ok)
	assert.Empty(t, m.Subscribers("C1"))

	// Disconnecting a pseudonym with no session is a no-op.
	m.DisconnectUser("nobody")
}

// TestNoOrphansUnderInterleaving checks the no-orphan invariant after a
// concurrent mix of add/remove/subscribe/unsubscribe: no empty channel sets
// remain, and every subscribed pseudonym still holds a session.
func TestNoOrphansUnderInterleaving(t *testing.T) {
	m := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			pseudonym := fmt.Sprintf("p%d", worker)
			for round := 0; round < 50; round++ {
				sid := m.AddSession(pseudonym, NewSender())
				m.Subscribe("shared", pseudonym)
				m.Subscribe(fmt.Sprintf("c%d", worker), pseudonym)
				m.Broadcast("shared", "x")
				if round%3 == 0 {
					m.Unsubscribe("shared", pseudonym)
				}
				if round%2 == 0 {
					m.RemoveSession(pseudonym, sid)
				}
			}
			m.DisconnectUser(pseudonym)
		}(i)
	}
	wg.Wait()

	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	m.channelSubsMu.RLock()
	defer m.channelSubsMu.RUnlock()

	for channelID, listeners := range m.channelSubs {
		assert.NotEmpty(t, listeners, "channel %s kept an empty subscriber set", channelID)
		for pseudonym := range listeners {
			_, ok := m.sessions[pseudonym]
			assert.True(t, ok, "channel %s references %s which has no session", channelID, pseudonym)
		}
	}
}

func TestSenderTrySend(t *testing.T) {
	s := NewSender()
	for i := 0; i < QueueSize; i++ {
		assert.True(t, s.TrySend("x"))
	}
	assert.False(t, s.TrySend("overflow"))
}
