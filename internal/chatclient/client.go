// Package chatclient composes the transport, stores, sync engine, outbox,
// receipt synchronizer and membership manager into the single client surface
// the embedding application talks to.
package chatclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/member"
	"github.com/pvictorino/marketchat/internal/outbox"
	"github.com/pvictorino/marketchat/internal/receipt"
	"github.com/pvictorino/marketchat/internal/rest"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/sync"
	"github.com/pvictorino/marketchat/internal/transport"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

// Client is the composed chat client.
type Client struct {
	sessions  *store.SessionStore
	messages  *store.MessageStore
	engine    *sync.Engine
	receipts  *receipt.Synchronizer
	outbox    *outbox.Coordinator
	members   *member.Manager
	transport *transport.Manager
	api       *rest.Client
	bus       *bus.Bus
	logger    *zap.Logger
	token     string
}

// New assembles a client from its parts.
func New(sessions *store.SessionStore, messages *store.MessageStore, engine *sync.Engine, receipts *receipt.Synchronizer, ob *outbox.Coordinator, members *member.Manager, tm *transport.Manager, api *rest.Client, b *bus.Bus, logger *zap.Logger, token string) *Client {
	return &Client{
		sessions:  sessions,
		messages:  messages,
		engine:    engine,
		receipts:  receipts,
		outbox:    ob,
		members:   members,
		transport: tm,
		api:       api,
		bus:       b,
		logger:    logger,
		token:     token,
	}
}

// Start resolves the signed-in identity, seeds the session list over REST,
// wires the push feeds into the sync timeline and connects the push channel.
// A failed connect is not fatal: the client stays usable on the fallback
// path and the channel keeps retrying.
func (c *Client) Start(ctx context.Context) error {
	me, err := c.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	c.sessions.SetCurrentUser(receipt.CanonicalKey(me.ID))
	c.logger.Info("identity resolved", zap.String("user_id", me.ID))

	c.engine.Start(ctx)

	seed, err := c.api.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}
	c.engine.DoWait(func() {
		for i := range seed {
			c.engine.ApplySession(&seed[i])
		}
	})
	c.logger.Info("session list seeded", zap.Int("sessions", len(seed)))

	// Feed bodies go onto the bus untouched; the timeline owns parsing so a
	// malformed frame can never mutate state from a transport goroutine.
	feeds := map[string]string{
		wire.FeedMessages: "feed.message",
		wire.FeedSessions: "feed.session",
		wire.FeedUnread:   "feed.unread",
	}
	for feed, kind := range feeds {
		kind := kind
		if err := c.transport.Subscribe(feed, func(body json.RawMessage) {
			c.bus.Publish(bus.Event{Kind: kind, Payload: body})
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", feed, err)
		}
	}

	if err := c.transport.Connect(ctx, c.token); err != nil {
		c.logger.Warn("push channel unavailable, running on fallback", zap.Error(err))
	}
	return nil
}

// Stop shuts the client down.
func (c *Client) Stop() error {
	c.engine.Stop()
	return c.transport.Close()
}

// Sessions returns the ordered session list.
func (c *Client) Sessions() []store.ChatSession {
	return c.sessions.List()
}

// Messages returns the ordered message log of a session.
func (c *Client) Messages(sessionID string) []store.Message {
	return c.messages.List(sessionID)
}

// Select marks a session as actively viewed: fetches its history, replaces
// the local log and acknowledges the read.
func (c *Client) Select(ctx context.Context, sessionID string) error {
	if c.sessions.Get(sessionID) == nil {
		return outbox.ErrUnknownSession
	}

	history, err := c.api.History(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	msgs := make([]store.Message, 0, len(history))
	for i := range history {
		if history[i].Validate() != nil {
			continue
		}
		msgs = append(msgs, history[i].ToStoreMessage())
	}

	c.engine.DoWait(func() {
		c.messages.ReplaceAll(sessionID, msgs)
		c.sessions.SelectCurrent(sessionID)
		c.receipts.AckRead(sessionID)
		c.bus.Publish(bus.Event{Kind: "session.selected", Payload: sessionID})
	})
	return nil
}

// Send dispatches a message optimistically; see outbox.Coordinator.Send.
func (c *Client) Send(ctx context.Context, sessionID, text string, attachments []rest.Upload) (string, error) {
	return c.outbox.Send(ctx, sessionID, text, attachments)
}

// CreateSession starts a new direct or group session and applies it locally.
func (c *Client) CreateSession(ctx context.Context, userIDs []string, groupName string) (string, error) {
	created, err := c.api.CreateSession(ctx, userIDs, groupName)
	if err != nil {
		return "", err
	}
	c.engine.DoWait(func() { c.engine.ApplySession(created) })
	return created.ID, nil
}

// Users lists the addressable users for starting new chats.
func (c *Client) Users(ctx context.Context) ([]wire.UserPayload, error) {
	return c.api.ListUsers(ctx)
}

// Capabilities reports what membership actions the current user may take in
// a session.
func (c *Client) Capabilities(sessionID string) store.Capabilities {
	return c.members.CapabilitiesFor(sessionID)
}

// Rename renames a group session.
func (c *Client) Rename(ctx context.Context, sessionID, name string) error {
	return c.members.Rename(ctx, sessionID, name)
}

// AddParticipants adds users to a group session.
func (c *Client) AddParticipants(ctx context.Context, sessionID string, userIDs []string) error {
	return c.members.AddParticipants(ctx, sessionID, userIDs)
}

// RemoveParticipant removes a user from a group session.
func (c *Client) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	return c.members.RemoveParticipant(ctx, sessionID, userID)
}

// PromoteToAdmin grants a participant the admin role.
func (c *Client) PromoteToAdmin(ctx context.Context, sessionID, userID string) error {
	return c.members.PromoteToAdmin(ctx, sessionID, userID)
}

// Events subscribes to client events by kind prefix ("" for all). The caller
// must call the returned unsubscribe function.
func (c *Client) Events(prefix string, buffer int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(prefix, buffer)
}
