package store

import (
	"sync"
	"time"
)

// MessageStore holds the per-session ordered message log, including
// provisional (unconfirmed) entries. Within a session messages are totally
// ordered by (timestamp, insertion order).
type MessageStore struct {
	mu   sync.RWMutex
	logs map[string][]Message
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		logs: make(map[string][]Message),
	}
}

// Append adds a message to the session's log, keeping timestamp order.
// Idempotent on message id: a duplicate delivery merges delivery state and
// content into the existing slot and reports false.
func (s *MessageStore) Append(sessionID string, msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sessionID]
	for i := range log {
		if log[i].ID == msg.ID {
			log[i].Text = msg.Text
			log[i].State = msg.State
			if len(msg.Attachments) > 0 {
				log[i].Attachments = append([]Attachment(nil), msg.Attachments...)
			}
			return false
		}
	}

	// Insert after the last entry with an earlier-or-equal timestamp so
	// equal timestamps keep insertion order.
	idx := len(log)
	for idx > 0 && log[idx-1].Timestamp.After(msg.Timestamp) {
		idx--
	}
	log = append(log, Message{})
	copy(log[idx+1:], log[idx:])
	log[idx] = msg
	s.logs[sessionID] = log
	return true
}

// ReplaceProvisional swaps a pending entry for its confirmed counterpart in
// place, preserving list position. Returns false when the provisional id is
// not present.
func (s *MessageStore) ReplaceProvisional(sessionID, provisionalID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sessionID]
	for i := range log {
		if log[i].ID == provisionalID {
			confirmed.SessionID = sessionID
			confirmed.Provisional = false
			if confirmed.State == "" {
				confirmed.State = StateConfirmed
			}
			log[i] = confirmed
			return true
		}
	}
	return false
}

// Drop removes a failed pending entry. Returns false when absent.
func (s *MessageStore) Drop(sessionID, provisionalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[sessionID]
	for i := range log {
		if log[i].ID == provisionalID {
			s.logs[sessionID] = append(log[:i], log[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the message with the given id, or nil.
func (s *MessageStore) Get(sessionID, msgID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	for i := range log {
		if log[i].ID == msgID {
			m := log[i]
			return &m
		}
	}
	return nil
}

// List returns a copy of the ordered message sequence for a session.
func (s *MessageStore) List(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.logs[sessionID]...)
}

// ReplaceAll replaces a session's log with a freshly fetched history,
// keeping any still-pending provisional entries so an in-flight send is not
// clobbered by a point-in-time fetch.
func (s *MessageStore) ReplaceAll(sessionID string, msgs []Message) {
	s.mu.Lock()
	var pending []Message
	for _, m := range s.logs[sessionID] {
		if m.Provisional && m.State == StatePending {
			pending = append(pending, m)
		}
	}
	s.logs[sessionID] = nil
	s.mu.Unlock()

	for _, m := range msgs {
		s.Append(sessionID, m)
	}
	for _, m := range pending {
		s.Append(sessionID, m)
	}
}

// MatchProvisional finds the oldest pending provisional entry from the given
// sender with matching text within the time window around ref. Used to
// reconcile push-path echoes that carry no correlation id.
func (s *MessageStore) MatchProvisional(sessionID, senderID, text string, ref time.Time, window time.Duration) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.logs[sessionID] {
		if !m.Provisional || m.State != StatePending || m.SenderID != senderID {
			continue
		}
		if m.Text != text {
			continue
		}
		d := ref.Sub(m.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.ID, true
		}
	}
	return "", false
}

// RemoveSession drops a session's entire log.
func (s *MessageStore) RemoveSession(sessionID string) {
	s.mu.Lock()
	delete(s.logs, sessionID)
	s.mu.Unlock()
}

// Len returns the log length for a session.
func (s *MessageStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[sessionID])
}
