// Package sync reconciles inbound push events and local actions into the
// session and message stores on a single sequential timeline. Inbound feed
// payloads arrive via the bus; local mutations are submitted as tasks. One
// goroutine applies both, so store mutations never race.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/receipt"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

// echoWindow bounds the heuristic provisional-echo match when the server
// does not echo clientMsgId back.
const echoWindow = 2 * time.Minute

// Engine is the single-timeline event processor.
type Engine struct {
	sessions *store.SessionStore
	messages *store.MessageStore
	receipts *receipt.Synchronizer
	bus      *bus.Bus
	logger   *zap.Logger
	tasks    chan func()
	cancel   context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(sessions *store.SessionStore, messages *store.MessageStore, receipts *receipt.Synchronizer, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		messages: messages,
		receipts: receipts,
		bus:      b,
		logger:   logger,
		tasks:    make(chan func(), 64),
	}
}

// Start subscribes to the inbound feed namespace and begins consuming the
// timeline.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("feed.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case fn := <-e.tasks:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Do schedules a mutation on the timeline. Completions of network
// operations re-enter the timeline through here.
func (e *Engine) Do(fn func()) {
	e.tasks <- fn
}

// DoWait schedules a mutation and blocks until it has been applied.
func (e *Engine) DoWait(fn func()) {
	done := make(chan struct{})
	e.tasks <- func() {
		fn()
		close(done)
	}
	<-done
}

func (e *Engine) handleEvent(evt bus.Event) {
	var raw []byte
	switch p := evt.Payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		e.logger.Warn("feed event with unexpected payload type", zap.String("kind", evt.Kind))
		return
	}

	switch evt.Kind {
	case "feed.message":
		p, err := wire.ParseMessage(raw)
		if err != nil {
			e.logger.Warn("malformed message payload discarded", zap.Error(err))
			return
		}
		e.ApplyMessage(p)
	case "feed.session":
		p, err := wire.ParseSession(raw)
		if err != nil {
			e.logger.Warn("malformed session payload discarded", zap.Error(err))
			return
		}
		e.ApplySession(p)
	case "feed.unread":
		p, err := wire.ParseUnread(raw)
		if err != nil {
			e.logger.Warn("malformed unread payload discarded", zap.Error(err))
			return
		}
		e.ApplyUnread(p)
	}
}

// ApplyMessage folds one inbound message into the stores. Exported for the
// timeline goroutine and tests; not safe for concurrent use with other
// mutations.
func (e *Engine) ApplyMessage(p *wire.MessagePayload) {
	msg := p.ToStoreMessage()
	me := e.sessions.CurrentUser()

	if receipt.CanonicalKey(p.SenderID) == me {
		e.applyOwnEcho(p, msg)
		return
	}

	appended := e.messages.Append(p.SessionID, msg)

	// A message for a session we have never seen (e.g. another party just
	// opened it) creates the session rather than being dropped.
	if e.sessions.Get(p.SessionID) == nil {
		e.sessions.Upsert(&store.ChatSession{
			ID:        p.SessionID,
			UpdatedAt: msg.Timestamp,
		})
		e.bus.Publish(bus.Event{Kind: "session.upserted", Payload: p.SessionID})
	}

	if appended {
		e.sessions.BumpLastMessage(p.SessionID, p.Summary())
		if e.sessions.SelectedID() == p.SessionID {
			// Viewing the session: acknowledge instead of counting unread.
			e.receipts.AckRead(p.SessionID)
		} else {
			e.sessions.IncrementUnread(p.SessionID, me)
		}
		e.bus.Publish(bus.Event{Kind: "message.appended", Payload: msg})
	}
}

// applyOwnEcho reconciles the push-path echo of the current user's own send
// with its provisional entry. Exact when the server echoes clientMsgId;
// best-effort (sender + session + text within a time window) otherwise.
func (e *Engine) applyOwnEcho(p *wire.MessagePayload, msg store.Message) {
	if p.ClientMsgID != "" {
		if e.messages.ReplaceProvisional(p.SessionID, p.ClientMsgID, msg) {
			e.finishEcho(p, msg)
			return
		}
	}
	if id, ok := e.messages.MatchProvisional(p.SessionID, msg.SenderID, p.Text, msg.Timestamp, echoWindow); ok {
		if e.messages.ReplaceProvisional(p.SessionID, id, msg) {
			e.finishEcho(p, msg)
			return
		}
	}

	// No provisional counterpart (sent from another device, or already
	// reconciled): plain idempotent append.
	if e.messages.Append(p.SessionID, msg) {
		e.sessions.BumpLastMessage(p.SessionID, p.Summary())
		e.bus.Publish(bus.Event{Kind: "message.appended", Payload: msg})
	}
}

func (e *Engine) finishEcho(p *wire.MessagePayload, msg store.Message) {
	e.sessions.BumpLastMessage(p.SessionID, p.Summary())
	e.bus.Publish(bus.Event{Kind: "message.confirmed", Payload: msg})
}

// ApplySession folds one inbound session update into the store.
func (e *Engine) ApplySession(p *wire.SessionPayload) {
	me := e.sessions.CurrentUser()
	for _, removed := range p.RemovedUserIDs {
		if receipt.CanonicalKey(removed) == me {
			e.sessions.Remove(p.ID)
			e.messages.RemoveSession(p.ID)
			e.bus.Publish(bus.Event{Kind: "session.removed", Payload: p.ID})
			return
		}
	}

	sess := p.ToStoreSession()
	sess.UnreadCount = receipt.CanonicalizeUnread(sess.UnreadCount)
	e.sessions.Upsert(sess)
	e.bus.Publish(bus.Event{Kind: "session.upserted", Payload: p.ID})
}

// ApplyUnread folds an aggregate unread summary into the store.
func (e *Engine) ApplyUnread(p *wire.UnreadPayload) {
	if e.sessions.Get(p.SessionID) == nil {
		e.logger.Debug("unread summary for unknown session", zap.String("session_id", p.SessionID))
		return
	}
	e.receipts.MergeUnread(p.SessionID, p.UnreadCount)
	e.bus.Publish(bus.Event{Kind: "session.upserted", Payload: p.SessionID})
}
