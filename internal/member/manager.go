// Package member manages group session membership and roles: rename, add,
// remove and promote, gated locally by the caller's capabilities before any
// request leaves the process. The server stays authoritative; optimistic
// changes roll back when it rejects them.
package member

import (
	"context"
	"errors"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/receipt"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/sync"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSession is returned for operations on sessions not present
	// locally.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotGroup is returned for membership operations on direct sessions.
	ErrNotGroup = errors.New("not a group session")
	// ErrNotAdmin is returned when the caller lacks the admin role.
	ErrNotAdmin = errors.New("admin role required")
)

// API is the backend surface for membership mutations.
type API interface {
	RenameGroup(ctx context.Context, sessionID, name string) (*wire.SessionPayload, error)
	AddParticipants(ctx context.Context, sessionID string, userIDs []string) (*wire.SessionPayload, error)
	RemoveParticipant(ctx context.Context, sessionID, userID string) (*wire.SessionPayload, error)
	PromoteToAdmin(ctx context.Context, sessionID, userID string) (*wire.SessionPayload, error)
}

// Manager applies membership changes with local capability gating.
type Manager struct {
	engine   *sync.Engine
	sessions *store.SessionStore
	messages *store.MessageStore
	api      API
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewManager creates a membership manager.
func NewManager(engine *sync.Engine, sessions *store.SessionStore, messages *store.MessageStore, api API, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		engine:   engine,
		sessions: sessions,
		messages: messages,
		api:      api,
		bus:      b,
		logger:   logger,
	}
}

// CapabilitiesFor derives what the current user may do in a session. Direct
// sessions carry no management surface at all.
func (m *Manager) CapabilitiesFor(sessionID string) store.Capabilities {
	sess := m.sessions.Get(sessionID)
	if sess == nil || !sess.GroupChat {
		return store.Capabilities{}
	}
	me := m.sessions.CurrentUser()
	p := sess.ParticipantByID(me)
	if p == nil {
		// Participant roster not yet synced: defer to the server rather than
		// blocking the action locally.
		return store.AllCapabilities()
	}
	if p.Role == store.RoleAdmin {
		return store.AllCapabilities()
	}
	return store.Capabilities{}
}

// authorize checks the session exists, is a group, and the caller holds the
// required capability.
func (m *Manager) authorize(sessionID string, need func(store.Capabilities) bool) (*store.ChatSession, error) {
	sess := m.sessions.Get(sessionID)
	if sess == nil {
		return nil, ErrUnknownSession
	}
	if !sess.GroupChat {
		return nil, ErrNotGroup
	}
	if !need(m.CapabilitiesFor(sessionID)) {
		return nil, ErrNotAdmin
	}
	return sess, nil
}

// Rename changes the group name, applying it locally before the round trip
// and restoring the previous name if the server rejects it.
func (m *Manager) Rename(ctx context.Context, sessionID, name string) error {
	sess, err := m.authorize(sessionID, func(c store.Capabilities) bool { return c.CanRename })
	if err != nil {
		return err
	}
	prev := sess.GroupName

	m.engine.DoWait(func() {
		m.sessions.SetGroupName(sessionID, name)
		m.bus.Publish(bus.Event{Kind: "session.upserted", Payload: sessionID})
	})

	updated, err := m.api.RenameGroup(ctx, sessionID, name)
	if err != nil {
		m.engine.Do(func() {
			m.sessions.SetGroupName(sessionID, prev)
			m.rejected(sessionID, "rename", err)
		})
		return err
	}
	m.applyUpdate(updated)
	return nil
}

// AddParticipants adds users to the group. The roster is applied optimistically
// as plain members and restored from a snapshot on rejection.
func (m *Manager) AddParticipants(ctx context.Context, sessionID string, userIDs []string) error {
	sess, err := m.authorize(sessionID, func(c store.Capabilities) bool { return c.CanManageMembers })
	if err != nil {
		return err
	}
	snapshot := append([]store.Participant(nil), sess.Participants...)

	added := sess.Participants
	for _, id := range userIDs {
		if sess.ParticipantByID(id) == nil {
			added = append(added, store.Participant{UserID: id, Role: store.RoleMember})
		}
	}
	m.engine.DoWait(func() {
		m.sessions.Upsert(&store.ChatSession{ID: sessionID, GroupChat: true, Participants: added})
		m.bus.Publish(bus.Event{Kind: "session.upserted", Payload: sessionID})
	})

	updated, err := m.api.AddParticipants(ctx, sessionID, userIDs)
	if err != nil {
		m.engine.Do(func() {
			m.sessions.Upsert(&store.ChatSession{ID: sessionID, GroupChat: true, Participants: snapshot})
			m.rejected(sessionID, "add_participants", err)
		})
		return err
	}
	m.applyUpdate(updated)
	return nil
}

// RemoveParticipant removes a user from the group. Removal is confirmation
// based, not optimistic: the roster only changes once the server answers.
// Removing the current user drops the session and its message log locally.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	if _, err := m.authorize(sessionID, func(c store.Capabilities) bool { return c.CanManageMembers }); err != nil {
		return err
	}

	updated, err := m.api.RemoveParticipant(ctx, sessionID, userID)
	if err != nil {
		m.engine.Do(func() { m.rejected(sessionID, "remove_participant", err) })
		return err
	}

	me := m.sessions.CurrentUser()
	if receipt.CanonicalKey(userID) == me {
		m.engine.DoWait(func() {
			m.sessions.Remove(sessionID)
			m.messages.RemoveSession(sessionID)
			m.bus.Publish(bus.Event{Kind: "session.removed", Payload: sessionID})
		})
		return nil
	}

	if updated != nil {
		m.applyUpdate(updated)
		return nil
	}
	// 204 response: drop the user from the local roster ourselves.
	m.engine.DoWait(func() {
		sess := m.sessions.Get(sessionID)
		if sess == nil {
			return
		}
		kept := sess.Participants[:0:0]
		for _, p := range sess.Participants {
			if p.UserID != userID {
				kept = append(kept, p)
			}
		}
		m.sessions.Upsert(&store.ChatSession{ID: sessionID, GroupChat: true, Participants: kept})
		m.bus.Publish(bus.Event{Kind: "session.upserted", Payload: sessionID})
	})
	return nil
}

// PromoteToAdmin grants a participant the admin role. Confirmation based.
func (m *Manager) PromoteToAdmin(ctx context.Context, sessionID, userID string) error {
	if _, err := m.authorize(sessionID, func(c store.Capabilities) bool { return c.CanManageMembers }); err != nil {
		return err
	}

	updated, err := m.api.PromoteToAdmin(ctx, sessionID, userID)
	if err != nil {
		m.engine.Do(func() { m.rejected(sessionID, "promote", err) })
		return err
	}
	m.applyUpdate(updated)
	return nil
}

func (m *Manager) applyUpdate(p *wire.SessionPayload) {
	if p == nil {
		return
	}
	m.engine.DoWait(func() { m.engine.ApplySession(p) })
}

// Rejection is the member.rejected payload.
type Rejection struct {
	SessionID string
	Action    string
	Err       error
}

func (m *Manager) rejected(sessionID, action string, err error) {
	m.logger.Warn("membership action rejected",
		zap.String("session_id", sessionID),
		zap.String("action", action),
		zap.Error(err))
	m.bus.Publish(bus.Event{Kind: "member.rejected", Payload: Rejection{
		SessionID: sessionID,
		Action:    action,
		Err:       err,
	}})
}
