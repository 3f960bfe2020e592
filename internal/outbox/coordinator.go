// Package outbox implements optimistic sending: a provisional message is
// appended locally before any network round trip, then reconciled with the
// server's confirmation or rolled back on failure.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/rest"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/sync"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrEmptySend rejects a send with neither text nor attachments.
	ErrEmptySend = errors.New("nothing to send")
	// ErrUnknownSession rejects a send to a session not present locally.
	ErrUnknownSession = errors.New("unknown session")
)

// echoTimeout bounds how long a push-path send waits for its echo before
// being marked failed.
const echoTimeout = 30 * time.Second

// PushSender is the push-channel surface used for the primary send path.
type PushSender interface {
	Connected() bool
	Publish(destination string, payload any) error
}

// FallbackSender is the request/response path used when the channel is down
// or the send carries attachments.
type FallbackSender interface {
	SendMessage(ctx context.Context, sessionID, clientMsgID, text string, attachments []rest.Upload) (*wire.MessagePayload, error)
}

// Coordinator owns the optimistic send flow. All store mutations go through
// the engine's timeline; the coordinator itself holds no message state.
type Coordinator struct {
	engine   *sync.Engine
	sessions *store.SessionStore
	messages *store.MessageStore
	push     PushSender
	fallback FallbackSender
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewCoordinator creates a send coordinator.
func NewCoordinator(engine *sync.Engine, sessions *store.SessionStore, messages *store.MessageStore, push PushSender, fallback FallbackSender, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		engine:   engine,
		sessions: sessions,
		messages: messages,
		push:     push,
		fallback: fallback,
		bus:      b,
		logger:   logger,
	}
}

// Send appends a provisional message and dispatches it: over the push
// channel when connected and attachment-free, otherwise over the fallback
// path. Returns the provisional id; confirmation or failure is reported via
// message.confirmed / message.send_failed bus events.
func (c *Coordinator) Send(ctx context.Context, sessionID, text string, attachments []rest.Upload) (string, error) {
	if text == "" && len(attachments) == 0 {
		return "", ErrEmptySend
	}
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return "", ErrUnknownSession
	}

	me := c.sessions.CurrentUser()
	provisionalID := "p-" + uuid.NewString()
	now := time.Now().UTC()

	var atts []store.Attachment
	for _, a := range attachments {
		atts = append(atts, store.Attachment{
			Name:      a.Name,
			Size:      int64(len(a.Data)),
			MediaType: a.MediaType,
		})
	}
	provisional := store.Message{
		ID:          provisionalID,
		SessionID:   sessionID,
		SenderID:    me,
		Text:        text,
		Attachments: atts,
		Timestamp:   now,
		State:       store.StatePending,
		Provisional: true,
	}

	preview := text
	if preview == "" {
		preview = attachments[0].Name
	}
	c.engine.DoWait(func() {
		c.messages.Append(sessionID, provisional)
		c.sessions.BumpLastMessage(sessionID, store.MessageSummary{
			ID:        provisionalID,
			SenderID:  me,
			Preview:   preview,
			Timestamp: now,
		})
		c.sessions.ResetUnread(sessionID, me)
		c.bus.Publish(bus.Event{Kind: "message.appended", Payload: provisional})
	})

	// Attachments always take the fallback path; the push channel carries
	// text frames only.
	if len(attachments) == 0 && c.push.Connected() {
		if err := c.sendPush(sessionID, provisionalID, text, sess); err == nil {
			return provisionalID, nil
		}
		// Channel raced a disconnect; fall through to the fallback path.
	}

	go c.sendFallback(ctx, sessionID, provisionalID, text, attachments)
	return provisionalID, nil
}

func (c *Coordinator) sendPush(sessionID, provisionalID, text string, sess *store.ChatSession) error {
	req := wire.SendRequest{ClientMsgID: provisionalID, Text: text}
	if !sess.GroupChat {
		me := c.sessions.CurrentUser()
		for _, p := range sess.Participants {
			if p.UserID != me {
				req.ReceiverID = p.UserID
				break
			}
		}
	}
	if err := c.push.Publish(wire.DestSend(sessionID), req); err != nil {
		c.logger.Debug("push send failed, using fallback", zap.Error(err))
		return err
	}

	// The echo on the message feed confirms the send. If it never arrives the
	// provisional entry is dropped and the failure surfaced.
	time.AfterFunc(echoTimeout, func() {
		c.engine.Do(func() {
			if m := c.messages.Get(sessionID, provisionalID); m != nil && m.State == store.StatePending {
				c.messages.Drop(sessionID, provisionalID)
				c.failed(sessionID, provisionalID, errors.New("send echo timed out"))
			}
		})
	})
	return nil
}

func (c *Coordinator) sendFallback(ctx context.Context, sessionID, provisionalID, text string, attachments []rest.Upload) {
	confirmed, err := c.fallback.SendMessage(ctx, sessionID, provisionalID, text, attachments)
	if err != nil {
		c.engine.Do(func() {
			c.messages.Drop(sessionID, provisionalID)
			c.failed(sessionID, provisionalID, err)
		})
		return
	}

	c.engine.Do(func() {
		msg := confirmed.ToStoreMessage()
		if c.messages.ReplaceProvisional(sessionID, provisionalID, msg) {
			sum := confirmed.Summary()
			if sum.Preview == "" {
				// Confirmation of an attachment send may carry neither text
				// nor the stored attachment list; keep the optimistic preview.
				if cur := c.sessions.Get(sessionID); cur != nil && cur.LastMessage != nil {
					sum.Preview = cur.LastMessage.Preview
				}
			}
			c.sessions.BumpLastMessage(sessionID, sum)
			c.bus.Publish(bus.Event{Kind: "message.confirmed", Payload: msg})
			return
		}
		// Echo already reconciled it; nothing left to do.
		c.messages.Append(sessionID, msg)
	})
}

// SendFailure is the message.send_failed payload.
type SendFailure struct {
	SessionID     string
	ProvisionalID string
	Err           error
}

func (c *Coordinator) failed(sessionID, provisionalID string, err error) {
	c.logger.Warn("send failed",
		zap.String("session_id", sessionID),
		zap.String("provisional_id", provisionalID),
		zap.Error(err))
	c.bus.Publish(bus.Event{Kind: "message.send_failed", Payload: SendFailure{
		SessionID:     sessionID,
		ProvisionalID: provisionalID,
		Err:           err,
	}})
}
