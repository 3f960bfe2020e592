package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/receipt"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

type stubPublisher struct {
	dests []string
	err   error
}

func (p *stubPublisher) Publish(dest string, _ any) error {
	p.dests = append(p.dests, dest)
	return p.err
}

type fixture struct {
	sessions *store.SessionStore
	messages *store.MessageStore
	push     *stubPublisher
	bus      *bus.Bus
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: store.NewSessionStore(),
		messages: store.NewMessageStore(),
		push:     &stubPublisher{},
		bus:      bus.New(),
	}
	f.sessions.SetCurrentUser("buyer:1")
	receipts := receipt.NewSynchronizer(f.sessions, f.push, f.bus, zap.NewNop())
	f.engine = NewEngine(f.sessions, f.messages, receipts, f.bus, zap.NewNop())
	return f
}

func (f *fixture) seedSession(id string) {
	f.sessions.Upsert(&store.ChatSession{ID: id})
}

func msgPayload(id, session, sender, text string, ts int64) *wire.MessagePayload {
	return &wire.MessagePayload{
		ID: id, SessionID: session, SenderID: sender, Text: text, Timestamp: ts,
	}
}

func TestForeignMessageAppendsAndCountsUnread(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	f.engine.ApplyMessage(msgPayload("m1", "s1", "seller:2", "is it available?", 1000))

	if got := f.messages.Len("s1"); got != 1 {
		t.Fatalf("log len = %d", got)
	}
	if got := f.sessions.Unread("s1", "buyer:1"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	sess := f.sessions.Get("s1")
	if sess.LastMessage == nil || sess.LastMessage.Preview != "is it available?" {
		t.Errorf("last message = %+v", sess.LastMessage)
	}
}

func TestForeignMessageOnSelectedSessionAcksInsteadOfCounting(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")
	f.sessions.SelectCurrent("s1")

	f.engine.ApplyMessage(msgPayload("m1", "s1", "seller:2", "hello", 1000))

	if got := f.sessions.Unread("s1", "buyer:1"); got != 0 {
		t.Errorf("unread = %d, want 0 for selected session", got)
	}
	if len(f.push.dests) != 1 || f.push.dests[0] != wire.DestRead("s1") {
		t.Errorf("acks = %v, want one read ack", f.push.dests)
	}
}

func TestDuplicateDeliveryCountsUnreadOnce(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	p := msgPayload("m1", "s1", "seller:2", "hi", 1000)
	f.engine.ApplyMessage(p)
	f.engine.ApplyMessage(p)

	if got := f.messages.Len("s1"); got != 1 {
		t.Errorf("log len = %d, want 1", got)
	}
	if got := f.sessions.Unread("s1", "buyer:1"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestRedeliveredOldMessageKeepsPreview(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	old := msgPayload("m1", "s1", "seller:2", "old", 1000)
	f.engine.ApplyMessage(old)
	f.engine.ApplyMessage(msgPayload("m2", "s1", "seller:2", "newest", 5000))
	f.engine.ApplyMessage(old) // duplicate delivery of the older message

	sess := f.sessions.Get("s1")
	if sess.LastMessage == nil || sess.LastMessage.ID != "m2" {
		t.Errorf("last message = %+v, want m2 after redelivery of m1", sess.LastMessage)
	}
	if !sess.LastActivity().Equal(time.UnixMilli(5000).UTC()) {
		t.Errorf("last activity = %v, redelivery must not regress ordering", sess.LastActivity())
	}
}

func TestMessageForUnknownSessionCreatesIt(t *testing.T) {
	f := newFixture(t)

	f.engine.ApplyMessage(msgPayload("m1", "s-new", "seller:9", "first contact", 1000))

	sess := f.sessions.Get("s-new")
	if sess == nil {
		t.Fatal("session was not created")
	}
	if sess.LastMessage == nil || sess.LastMessage.ID != "m1" {
		t.Errorf("last message = %+v", sess.LastMessage)
	}
}

func TestOwnEchoReconcilesByClientMsgID(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")
	f.messages.Append("s1", store.Message{
		ID: "p-abc", SessionID: "s1", SenderID: "buyer:1", Text: "deal",
		Timestamp: time.UnixMilli(900).UTC(), State: store.StatePending, Provisional: true,
	})

	echo := msgPayload("m7", "s1", "buyer:1", "deal", 1000)
	echo.ClientMsgID = "p-abc"
	f.engine.ApplyMessage(echo)

	if got := f.messages.Len("s1"); got != 1 {
		t.Fatalf("log len = %d, want 1 (replaced in place)", got)
	}
	m := f.messages.Get("s1", "m7")
	if m == nil || m.State != store.StateConfirmed || m.Provisional {
		t.Errorf("confirmed message = %+v", m)
	}
	if got := f.sessions.Unread("s1", "buyer:1"); got != 0 {
		t.Errorf("own message counted as unread: %d", got)
	}
}

func TestOwnEchoHeuristicFallback(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")
	f.messages.Append("s1", store.Message{
		ID: "p-xyz", SessionID: "s1", SenderID: "buyer:1", Text: "ok",
		Timestamp: time.UnixMilli(1000).UTC(), State: store.StatePending, Provisional: true,
	})

	// Echo without clientMsgId: sender, text and time window must match.
	f.engine.ApplyMessage(msgPayload("m8", "s1", "buyer:1", "ok", 30_000))

	if got := f.messages.Len("s1"); got != 1 {
		t.Fatalf("log len = %d, want 1", got)
	}
	if f.messages.Get("s1", "m8") == nil {
		t.Error("provisional was not replaced by echo")
	}
}

func TestOwnMessageWithoutProvisionalAppends(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	// Sent from another device: no provisional to reconcile.
	f.engine.ApplyMessage(msgPayload("m9", "s1", "buyer:1", "from my phone", 1000))

	if got := f.messages.Len("s1"); got != 1 {
		t.Fatalf("log len = %d", got)
	}
	if got := f.sessions.Unread("s1", "buyer:1"); got != 0 {
		t.Errorf("own message counted as unread: %d", got)
	}
}

func TestSessionUpdateCanonicalizesUnreadKeys(t *testing.T) {
	f := newFixture(t)

	f.engine.ApplySession(&wire.SessionPayload{
		ID:          "s1",
		UnreadCount: map[string]int{"buyer：1": 3},
	})

	if got := f.sessions.Unread("s1", "buyer:1"); got != 3 {
		t.Errorf("unread under canonical key = %d, want 3", got)
	}
}

func TestSelfRemovalDropsSessionAndLog(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")
	f.messages.Append("s1", store.Message{ID: "m1", SessionID: "s1", SenderID: "seller:2", Timestamp: time.UnixMilli(1).UTC()})

	f.engine.ApplySession(&wire.SessionPayload{
		ID:             "s1",
		RemovedUserIDs: []string{"buyer：1"}, // homoglyph separator still matches
	})

	if f.sessions.Get("s1") != nil {
		t.Error("session survived self-removal")
	}
	if got := f.messages.Len("s1"); got != 0 {
		t.Errorf("log len = %d after removal", got)
	}
}

func TestOtherUserRemovalKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	f.engine.ApplySession(&wire.SessionPayload{
		ID:             "s1",
		RemovedUserIDs: []string{"seller:2"},
	})

	if f.sessions.Get("s1") == nil {
		t.Error("session dropped though current user was not removed")
	}
}

func TestUnreadSummaryForUnknownSessionIgnored(t *testing.T) {
	f := newFixture(t)

	f.engine.ApplyUnread(&wire.UnreadPayload{
		SessionID:   "ghost",
		UnreadCount: map[string]int{"buyer:1": 5},
	})

	if f.sessions.Get("ghost") != nil {
		t.Error("unread summary must not create sessions")
	}
}

func TestTimelineProcessesBusEvents(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.Start(ctx)
	defer f.engine.Stop()

	body, _ := json.Marshal(msgPayload("m1", "s1", "seller:2", "ping", 1000))
	f.bus.Publish(bus.Event{Kind: "feed.message", Payload: json.RawMessage(body)})

	if err := waitFor(func() bool { return f.messages.Len("s1") == 1 }); err != nil {
		t.Fatal(err)
	}
}

func TestTimelineDiscardsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.Start(ctx)
	defer f.engine.Stop()

	// Missing sender id: parsed, rejected, no store mutation.
	f.bus.Publish(bus.Event{Kind: "feed.message", Payload: json.RawMessage(`{"id":"m1","sessionId":"s1","timestamp":1000}`)})
	// Then a valid one, proving the timeline survived.
	body, _ := json.Marshal(msgPayload("m2", "s1", "seller:2", "still here", 1000))
	f.bus.Publish(bus.Event{Kind: "feed.message", Payload: json.RawMessage(body)})

	if err := waitFor(func() bool { return f.messages.Len("s1") == 1 }); err != nil {
		t.Fatal(err)
	}
	if f.messages.Get("s1", "m1") != nil {
		t.Error("malformed message reached the store")
	}
}

func TestDoWaitAppliesOnTimeline(t *testing.T) {
	f := newFixture(t)
	f.seedSession("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.Start(ctx)
	defer f.engine.Stop()

	f.engine.DoWait(func() {
		f.sessions.SetUnread("s1", "buyer:1", 4)
	})
	if got := f.sessions.Unread("s1", "buyer:1"); got != 4 {
		t.Errorf("unread = %d, want 4", got)
	}
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return errors.New("condition not met within deadline")
}
