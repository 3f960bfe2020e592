package store

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSessionUpsertAndMerge(t *testing.T) {
	s := NewSessionStore()

	s.Upsert(&ChatSession{
		ID:           "s1",
		Participants: []Participant{{UserID: "u1"}, {UserID: "u2"}},
		GroupName:    "Deal room",
		GroupChat:    true,
		UpdatedAt:    t0,
	})
	if !s.SelectCurrent("s1") {
		t.Fatal("SelectCurrent failed for known session")
	}

	// Server update must win for authoritative fields but keep local selection.
	s.Upsert(&ChatSession{
		ID:           "s1",
		Participants: []Participant{{UserID: "u1", Role: RoleAdmin}, {UserID: "u2"}, {UserID: "u3"}},
		UnreadCount:  map[string]int{"u1": 3},
		GroupChat:    true,
		UpdatedAt:    t0.Add(time.Minute),
	})

	got := s.Get("s1")
	if got == nil {
		t.Fatal("session missing after merge")
	}
	if len(got.Participants) != 3 {
		t.Errorf("participants = %d, want 3", len(got.Participants))
	}
	if !got.IsAdmin("u1") {
		t.Error("u1 should be admin after merge")
	}
	if got.GroupName != "Deal room" {
		t.Errorf("group name = %q, want preserved", got.GroupName)
	}
	if !got.Selected {
		t.Error("local selection state lost on merge")
	}
	if got.UnreadCount["u1"] != 3 {
		t.Errorf("unread[u1] = %d, want 3", got.UnreadCount["u1"])
	}
}

func TestSessionUpsertClampsNegativeUnread(t *testing.T) {
	s := NewSessionStore()
	s.Upsert(&ChatSession{ID: "s1", UnreadCount: map[string]int{"u1": -4}})
	if n := s.Unread("s1", "u1"); n != 0 {
		t.Errorf("unread = %d, want 0 (clamped)", n)
	}
	s.Upsert(&ChatSession{ID: "s1", UnreadCount: map[string]int{"u1": -1}})
	if n := s.Unread("s1", "u1"); n != 0 {
		t.Errorf("unread after merge = %d, want 0 (clamped)", n)
	}
}

func TestSessionUnknownIsInserted(t *testing.T) {
	s := NewSessionStore()
	// A pushed update for a session not yet known locally (user just added
	// to a group) must insert, not discard.
	s.Upsert(&ChatSession{ID: "new", GroupChat: true, GroupName: "Fresh"})
	if s.Get("new") == nil {
		t.Fatal("unknown session was discarded")
	}
}

func TestSessionListOrdering(t *testing.T) {
	s := NewSessionStore()
	s.SetCurrentUser("me")

	s.Upsert(&ChatSession{ID: "old-read", UpdatedAt: t0})
	s.Upsert(&ChatSession{ID: "new-read", UpdatedAt: t0.Add(2 * time.Hour)})
	s.Upsert(&ChatSession{
		ID:          "old-unread",
		UnreadCount: map[string]int{"me": 2},
		UpdatedAt:   t0.Add(-time.Hour),
	})
	s.Upsert(&ChatSession{
		ID:          "new-unread",
		UnreadCount: map[string]int{"me": 1},
		LastMessage: &MessageSummary{Timestamp: t0.Add(time.Hour)},
	})

	list := s.List()
	want := []string{"new-unread", "old-unread", "new-read", "old-read"}
	if len(list) != len(want) {
		t.Fatalf("len = %d, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}

	// Ordering must be recomputed on every read: resetting the unread count
	// demotes the session without any explicit resort call.
	s.SetUnread("old-unread", "me", 0)
	list = s.List()
	if list[0].ID != "new-unread" || list[1].ID != "new-read" {
		t.Errorf("after reset got [%s %s ...], want [new-unread new-read ...]", list[0].ID, list[1].ID)
	}
}

func TestBumpLastMessageReorders(t *testing.T) {
	s := NewSessionStore()
	s.SetCurrentUser("me")
	s.Upsert(&ChatSession{ID: "a", UpdatedAt: t0})
	s.Upsert(&ChatSession{ID: "b", UpdatedAt: t0.Add(time.Minute)})

	s.BumpLastMessage("a", MessageSummary{ID: "m9", Preview: "hey", Timestamp: t0.Add(time.Hour)})

	list := s.List()
	if list[0].ID != "a" {
		t.Errorf("top session = %s, want a after bump", list[0].ID)
	}
	if list[0].LastMessage == nil || list[0].LastMessage.Preview != "hey" {
		t.Error("last message preview not applied")
	}
}

func TestBumpLastMessageIgnoresOlder(t *testing.T) {
	s := NewSessionStore()
	s.SetCurrentUser("me")
	s.Upsert(&ChatSession{ID: "a"})

	s.BumpLastMessage("a", MessageSummary{ID: "m2", Preview: "newest", Timestamp: t0.Add(time.Hour)})
	s.BumpLastMessage("a", MessageSummary{ID: "m1", Preview: "old", Timestamp: t0})

	sess := s.Get("a")
	if sess.LastMessage.ID != "m2" || sess.LastMessage.Preview != "newest" {
		t.Errorf("last message = %+v, older bump must not regress it", sess.LastMessage)
	}
	if !sess.LastActivity().Equal(t0.Add(time.Hour)) {
		t.Errorf("last activity = %v, want unchanged", sess.LastActivity())
	}
}

func TestRemoveClearsSelection(t *testing.T) {
	s := NewSessionStore()
	s.Upsert(&ChatSession{ID: "s1"})
	s.SelectCurrent("s1")
	s.Remove("s1")
	if s.SelectedID() != "" {
		t.Errorf("selected = %q, want empty after removal", s.SelectedID())
	}
}

func TestMessageAppendIdempotent(t *testing.T) {
	s := NewMessageStore()

	m := Message{ID: "42", SessionID: "s1", SenderID: "u2", Text: "hello", Timestamp: t0, State: StateConfirmed}
	if !s.Append("s1", m) {
		t.Fatal("first append should report true")
	}
	m.Text = "hello (edited)"
	if s.Append("s1", m) {
		t.Error("duplicate append should report false")
	}

	log := s.List("s1")
	if len(log) != 1 {
		t.Fatalf("log length = %d, want 1", len(log))
	}
	if log[0].Text != "hello (edited)" {
		t.Errorf("text = %q, want merged content", log[0].Text)
	}
}

func TestMessageOrderByTimestampThenInsertion(t *testing.T) {
	s := NewMessageStore()
	s.Append("s1", Message{ID: "b", Timestamp: t0.Add(time.Second)})
	s.Append("s1", Message{ID: "a", Timestamp: t0})
	s.Append("s1", Message{ID: "c", Timestamp: t0.Add(time.Second)}) // ties keep insertion order

	log := s.List("s1")
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if log[i].ID != id {
			t.Errorf("log[%d] = %s, want %s", i, log[i].ID, id)
		}
	}
}

func TestReplaceProvisionalPreservesPosition(t *testing.T) {
	s := NewMessageStore()
	s.Append("s1", Message{ID: "m1", Timestamp: t0})
	s.Append("s1", Message{ID: "p-1", Timestamp: t0.Add(time.Second), State: StatePending, Provisional: true})
	s.Append("s1", Message{ID: "m2", Timestamp: t0.Add(2 * time.Second)})

	ok := s.ReplaceProvisional("s1", "p-1", Message{ID: "42", Text: "hi", Timestamp: t0.Add(time.Second)})
	if !ok {
		t.Fatal("ReplaceProvisional failed")
	}

	log := s.List("s1")
	if len(log) != 3 {
		t.Fatalf("log length = %d, want 3", len(log))
	}
	if log[1].ID != "42" {
		t.Errorf("slot 1 = %s, want 42 (same position)", log[1].ID)
	}
	if log[1].Provisional || log[1].State != StateConfirmed {
		t.Errorf("replacement not confirmed: %+v", log[1])
	}
}

func TestDropRemovesPending(t *testing.T) {
	s := NewMessageStore()
	s.Append("s1", Message{ID: "p-1", State: StatePending, Provisional: true, Timestamp: t0})
	if !s.Drop("s1", "p-1") {
		t.Fatal("Drop failed")
	}
	if s.Len("s1") != 0 {
		t.Errorf("log length = %d, want 0", s.Len("s1"))
	}
	if s.Drop("s1", "p-1") {
		t.Error("second Drop should report false")
	}
}

func TestReplaceAllKeepsPendingProvisionals(t *testing.T) {
	s := NewMessageStore()
	s.Append("s1", Message{ID: "stale", Timestamp: t0})
	s.Append("s1", Message{ID: "p-1", Text: "in flight", Timestamp: t0.Add(time.Minute), State: StatePending, Provisional: true})

	s.ReplaceAll("s1", []Message{
		{ID: "h1", Timestamp: t0.Add(-time.Hour)},
		{ID: "h2", Timestamp: t0},
	})

	log := s.List("s1")
	if len(log) != 3 {
		t.Fatalf("log length = %d, want 3 (history + pending)", len(log))
	}
	if log[2].ID != "p-1" {
		t.Errorf("pending provisional lost on history replace: %+v", log)
	}
}

func TestMatchProvisional(t *testing.T) {
	s := NewMessageStore()
	s.Append("s1", Message{ID: "p-1", SenderID: "me", Text: "hello", Timestamp: t0, State: StatePending, Provisional: true})
	s.Append("s1", Message{ID: "p-2", SenderID: "me", Text: "other", Timestamp: t0, State: StatePending, Provisional: true})

	id, ok := s.MatchProvisional("s1", "me", "hello", t0.Add(30*time.Second), 2*time.Minute)
	if !ok || id != "p-1" {
		t.Errorf("match = %q/%v, want p-1/true", id, ok)
	}

	// Outside the window: no match.
	if _, ok := s.MatchProvisional("s1", "me", "hello", t0.Add(10*time.Minute), 2*time.Minute); ok {
		t.Error("matched outside temporal window")
	}
	// Wrong sender: no match.
	if _, ok := s.MatchProvisional("s1", "them", "hello", t0, 2*time.Minute); ok {
		t.Error("matched wrong sender")
	}
}
