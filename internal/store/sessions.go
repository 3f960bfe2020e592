package store

import (
	"sort"
	"sync"
)

// SessionStore is the authoritative in-memory collection of chat sessions
// visible to the current user. All mutations arrive through the sync
// engine's single timeline; reads may come from any goroutine.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*ChatSession
	currentUser string
	selected    string
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*ChatSession),
	}
}

// SetCurrentUser records the canonical id of the signed-in user. Session
// ordering and unread accounting key off this id.
func (s *SessionStore) SetCurrentUser(userID string) {
	s.mu.Lock()
	s.currentUser = userID
	s.mu.Unlock()
}

// CurrentUser returns the signed-in user's id.
func (s *SessionStore) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// Upsert merges an incoming session by id: inserted when unknown, otherwise
// field-wise merged with the incoming payload winning for server-authoritative
// fields. Local selection state is preserved.
func (s *SessionStore) Upsert(in *ChatSession) {
	if in == nil || in.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[in.ID]
	if !ok {
		cp := cloneSession(in)
		clampUnread(cp.UnreadCount)
		s.sessions[in.ID] = cp
		return
	}

	if len(in.Participants) > 0 {
		cur.Participants = append([]Participant(nil), in.Participants...)
	}
	if in.LastMessage != nil {
		lm := *in.LastMessage
		cur.LastMessage = &lm
	}
	if in.UnreadCount != nil {
		if cur.UnreadCount == nil {
			cur.UnreadCount = make(map[string]int, len(in.UnreadCount))
		}
		for k, v := range in.UnreadCount {
			if v < 0 {
				v = 0
			}
			cur.UnreadCount[k] = v
		}
	}
	cur.GroupChat = in.GroupChat
	if in.GroupName != "" {
		cur.GroupName = in.GroupName
	}
	if !in.CreatedAt.IsZero() {
		cur.CreatedAt = in.CreatedAt
	}
	if in.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = in.UpdatedAt
	}
}

// Remove deletes a session. Clears the selection if it pointed at it.
func (s *SessionStore) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	if s.selected == sessionID {
		s.selected = ""
	}
	s.mu.Unlock()
}

// Get returns a snapshot copy of a session, or nil when unknown.
func (s *SessionStore) Get(sessionID string) *ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return cloneSession(cur)
}

// List returns snapshot copies of all sessions, freshly sorted: sessions
// with a non-zero unread count for the current user first, then by
// last-activity timestamp descending. The sort happens on every read, never
// eagerly, so bursts of upserts cost nothing extra.
func (s *SessionStore) List() []ChatSession {
	s.mu.RLock()
	out := make([]ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *cloneSession(sess))
	}
	me := s.currentUser
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].UnreadCount[me] > 0, out[j].UnreadCount[me] > 0
		if ui != uj {
			return ui
		}
		ti, tj := out[i].LastActivity(), out[j].LastActivity()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SelectCurrent marks a session as actively viewed. Returns false when the
// session is unknown.
func (s *SessionStore) SelectCurrent(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if prev, ok := s.sessions[s.selected]; ok {
		prev.Selected = false
	}
	sess.Selected = true
	s.selected = sessionID
	return true
}

// SelectedID returns the id of the actively viewed session, or "".
func (s *SessionStore) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// SetUnread sets the unread counter for a participant key. Negative values
// clamp to zero.
func (s *SessionStore) SetUnread(sessionID, key string, n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if sess.UnreadCount == nil {
		sess.UnreadCount = make(map[string]int)
	}
	sess.UnreadCount[key] = n
}

// SetGroupName sets a group session's name. Unlike Upsert's merge, an empty
// name is applied, so a rejected rename can roll back to an unnamed group.
func (s *SessionStore) SetGroupName(sessionID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.GroupName = name
	}
}

// ResetUnread zeroes the unread counter for a participant key.
func (s *SessionStore) ResetUnread(sessionID, key string) {
	s.SetUnread(sessionID, key, 0)
}

// IncrementUnread adds one to the unread counter for a participant key.
func (s *SessionStore) IncrementUnread(sessionID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if sess.UnreadCount == nil {
		sess.UnreadCount = make(map[string]int)
	}
	sess.UnreadCount[key]++
}

// Unread returns the unread counter for a participant key.
func (s *SessionStore) Unread(sessionID, key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return sess.UnreadCount[key]
}

// BumpLastMessage updates the session's last-message preview and advances
// UpdatedAt, moving the session to the top of the ordering. A summary older
// than the current preview is ignored, so redelivered or late-arriving
// messages cannot regress the ordering.
func (s *SessionStore) BumpLastMessage(sessionID string, summary MessageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if sess.LastMessage != nil && summary.Timestamp.Before(sess.LastMessage.Timestamp) {
		return
	}
	lm := summary
	sess.LastMessage = &lm
	if summary.Timestamp.After(sess.UpdatedAt) {
		sess.UpdatedAt = summary.Timestamp
	}
}

func cloneSession(in *ChatSession) *ChatSession {
	cp := *in
	cp.Participants = append([]Participant(nil), in.Participants...)
	if in.LastMessage != nil {
		lm := *in.LastMessage
		cp.LastMessage = &lm
	}
	if in.UnreadCount != nil {
		cp.UnreadCount = make(map[string]int, len(in.UnreadCount))
		for k, v := range in.UnreadCount {
			cp.UnreadCount[k] = v
		}
	}
	return &cp
}

func clampUnread(m map[string]int) {
	for k, v := range m {
		if v < 0 {
			m[k] = 0
		}
	}
}
