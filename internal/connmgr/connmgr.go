// Package connmgr manages active WebSocket sessions and channel
// subscriptions. State lives in three independent maps, each behind its own
// lock, taken in a fixed order everywhere: sessions → channel subscriptions
// → user subscriptions. Cross-references between the maps are plain keys,
// never owning pointers, so replacement and removal cannot leave cycles.
package connmgr

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// QueueSize is the per-session outbound frame queue depth. Overflow frames
// are dropped with a warning; the session is not torn down.
const QueueSize = 256

// Sender is the producer end of one session's bounded outbound queue.
type Sender struct {
	frames chan string
}

// NewSender allocates a bounded outbound queue.
func NewSender() *Sender {
	return &Sender{frames: make(chan string, QueueSize)}
}

// Frames returns the consumer end, read by the session's write loop.
func (s *Sender) Frames() <-chan string { return s.frames }

// TrySend enqueues a frame without blocking; it reports false when the
// queue is full and the frame was dropped.
func (s *Sender) TrySend(frame string) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

type session struct {
	id     uuid.UUID
	sender *Sender
}

// Manager tracks the pseudonym → session map and the two subscription maps.
type Manager struct {
	logger *slog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]session

	channelSubsMu sync.RWMutex
	channelSubs   map[string]map[string]struct{} // channelID -> pseudonyms

	userSubsMu sync.RWMutex
	userSubs   map[string]map[string]struct{} // pseudonym -> channelIDs
}

// New constructs an empty Manager.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		sessions:    make(map[string]session),
		channelSubs: make(map[string]map[string]struct{}),
		userSubs:    make(map[string]map[string]struct{}),
	}
}

// AddSession registers a new session for a pseudonym. If the pseudonym
// already has a session, the old session's subscriptions are cleaned up
// before replacement so no orphaned entries remain in either subscription
// map. Returns the fresh session ID, which the caller passes back to
// RemoveSession so a stale connection cannot remove its replacement.
func (m *Manager) AddSession(pseudonym string, sender *Sender) uuid.UUID {
	sessionID := uuid.New()

	m.sessionsMu.Lock()
	_, hadPrevious := m.sessions[pseudonym]
	if hadPrevious {
		m.dropSubscriptions(pseudonym)
	}
	m.sessions[pseudonym] = session{id: sessionID, sender: sender}
	m.sessionsMu.Unlock()

	if hadPrevious {
		m.logger.Info("replaced existing session; cleaned up old subscriptions",
			slog.String("pseudonym", pseudonym))
	}

	return sessionID
}

// RemoveSession removes a pseudonym's session if the stored session ID
// matches; a mismatch means the caller's session was already replaced and
// the call is a no-op. Both subscription maps are cleaned afterwards.
func (m *Manager) RemoveSession(pseudonym string, sessionID uuid.UUID) {
	m.sessionsMu.Lock()
	current, ok := m.sessions[pseudonym]
	if !ok || current.id != sessionID {
		m.sessionsMu.Unlock()
		return
	}
	delete(m.sessions, pseudonym)
	m.sessionsMu.Unlock()

	m.dropSubscriptions(pseudonym)
}

// DisconnectUser tears down whatever session a pseudonym currently holds.
// Used by the policy re-evaluation engine when an agent drops to Conflict.
func (m *Manager) DisconnectUser(pseudonym string) {
	m.sessionsMu.RLock()
	current, ok := m.sessions[pseudonym]
	m.sessionsMu.RUnlock()

	if ok {
		m.RemoveSession(pseudonym, current.id)
	}
}

// dropSubscriptions removes a pseudonym from every channel set it appears
// in, then clears its user-subscription entry. Channel subscriptions first,
// matching the lock order of Subscribe/Unsubscribe.
func (m *Manager) dropSubscriptions(pseudonym string) {
	m.userSubsMu.RLock()
	channels := make([]string, 0, len(m.userSubs[pseudonym]))
	for channelID := range m.userSubs[pseudonym] {
		channels = append(channels, channelID)
	}
	m.userSubsMu.RUnlock()

	if len(channels) == 0 {
		return
	}

	m.channelSubsMu.Lock()
	for _, channelID := range channels {
		if listeners, ok := m.channelSubs[channelID]; ok {
			delete(listeners, pseudonym)
			if len(listeners) == 0 {
				delete(m.channelSubs, channelID)
			}
		}
	}
	m.channelSubsMu.Unlock()

	m.userSubsMu.Lock()
	delete(m.userSubs, pseudonym)
	m.userSubsMu.Unlock()
}

// Subscribe adds a pseudonym to a channel's subscriber set and records the
// reverse mapping. Membership checks belong to the caller; the manager only
// routes frames.
func (m *Manager) Subscribe(channelID, pseudonym string) {
	m.channelSubsMu.Lock()
	if m.channelSubs[channelID] == nil {
		m.channelSubs[channelID] = make(map[string]struct{})
	}
	m.channelSubs[channelID][pseudonym] = struct{}{}
	m.channelSubsMu.Unlock()

	m.userSubsMu.Lock()
	if m.userSubs[pseudonym] == nil {
		m.userSubs[pseudonym] = make(map[string]struct{})
	}
	m.userSubs[pseudonym][channelID] = struct{}{}
	m.userSubsMu.Unlock()
}

// Unsubscribe removes a pseudonym from a channel, dropping emptied sets
// from both maps.
func (m *Manager) Unsubscribe(channelID, pseudonym string) {
	m.channelSubsMu.Lock()
	if listeners, ok := m.channelSubs[channelID]; ok {
		delete(listeners, pseudonym)
		if len(listeners) == 0 {
			delete(m.channelSubs, channelID)
		}
	}
	m.channelSubsMu.Unlock()

	m.userSubsMu.Lock()
	if channels, ok := m.userSubs[pseudonym]; ok {
		delete(channels, channelID)
		if len(channels) == 0 {
			delete(m.userSubs, pseudonym)
		}
	}
	m.userSubsMu.Unlock()
}

// Broadcast delivers a frame to every subscriber of a channel. A full queue
// results in a logged drop, never a stalled broadcast or a disconnect.
func (m *Manager) Broadcast(channelID, frame string) {
	m.channelSubsMu.RLock()
	listeners := make([]string, 0, len(m.channelSubs[channelID]))
	for pseudonym := range m.channelSubs[channelID] {
		listeners = append(listeners, pseudonym)
	}
	m.channelSubsMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	for _, pseudonym := range listeners {
		if sess, ok := m.sessions[pseudonym]; ok {
			if !sess.sender.TrySend(frame) {
				m.logger.Warn("dropping broadcast frame for slow consumer",
					slog.String("pseudonym", pseudonym),
					slog.String("channel_id", channelID))
			}
		}
	}
}

// Send delivers a frame to a single pseudonym's session, if connected.
func (m *Manager) Send(pseudonym, frame string) {
	m.sessionsMu.RLock()
	sess, ok := m.sessions[pseudonym]
	m.sessionsMu.RUnlock()

	if ok && !sess.sender.TrySend(frame) {
		m.logger.Warn("dropping direct frame for slow consumer",
			slog.String("pseudonym", pseudonym))
	}
}

// SessionID returns the session ID currently held by a pseudonym, if any.
func (m *Manager) SessionID(pseudonym string) (uuid.UUID, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	sess, ok := m.sessions[pseudonym]
	return sess.id, ok
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// Subscribers returns a copy of a channel's subscriber set.
func (m *Manager) Subscribers(channelID string) []string {
	m.channelSubsMu.RLock()
	defer m.channelSubsMu.RUnlock()
	out := make([]string, 0, len(m.channelSubs[channelID]))
	for pseudonym := range m.channelSubs[channelID] {
		out = append(out, pseudonym)
	}
	return out
}

// Subscriptions returns a copy of the channels a pseudonym is subscribed to.
func (m *Manager) Subscriptions(pseudonym string) []string {
	m.userSubsMu.RLock()
	defer m.userSubsMu.RUnlock()
	out := make([]string, 0, len(m.userSubs[pseudonym]))
	for channelID := range m.userSubs[pseudonym] {
		out = append(out, channelID)
	}
	return out
}
