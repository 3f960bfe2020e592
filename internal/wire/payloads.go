// Package wire defines the payload shapes shared by the push feeds and the
// REST fallback, plus validation and normalization into store types.
// Everything externally sourced passes through here before it may touch a
// store.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pvictorino/marketchat/internal/store"
)

var (
	// ErrMissingField marks a payload that lacks a required field; callers
	// log and discard without touching store state.
	ErrMissingField = errors.New("missing required field")
)

// AttachmentPayload mirrors store.Attachment on the wire.
type AttachmentPayload struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url,omitempty"`
}

// MessagePayload is a chat message as delivered by the inbound message feed
// and the REST history/send endpoints. Timestamps are unix milliseconds.
type MessagePayload struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"sessionId"`
	SenderID    string              `json:"senderId"`
	ReceiverID  string              `json:"receiverId,omitempty"`
	Text        string              `json:"text,omitempty"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
	Timestamp   int64               `json:"timestamp"`

	// ClientMsgID echoes the sender-supplied provisional id when the server
	// supports correlation; reconciliation is exact when present.
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// ParseMessage decodes and validates an inbound message payload.
func ParseMessage(data []byte) (*MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the fields the stores depend on.
func (p *MessagePayload) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("message id: %w", ErrMissingField)
	case p.SessionID == "":
		return fmt.Errorf("message sessionId: %w", ErrMissingField)
	case p.SenderID == "":
		return fmt.Errorf("message senderId: %w", ErrMissingField)
	case p.Timestamp <= 0:
		return fmt.Errorf("message timestamp: %w", ErrMissingField)
	}
	return nil
}

// ToStoreMessage converts the payload to a confirmed store message.
func (p *MessagePayload) ToStoreMessage() store.Message {
	atts := make([]store.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		atts = append(atts, store.Attachment{
			Name:      a.Name,
			Size:      a.Size,
			MediaType: a.MediaType,
			URL:       a.URL,
		})
	}
	if len(atts) == 0 {
		atts = nil
	}
	return store.Message{
		ID:          p.ID,
		SessionID:   p.SessionID,
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		Text:        p.Text,
		Attachments: atts,
		Timestamp:   time.UnixMilli(p.Timestamp).UTC(),
		State:       store.StateConfirmed,
	}
}

// Summary derives the session preview entry for this message.
func (p *MessagePayload) Summary() store.MessageSummary {
	preview := p.Text
	if preview == "" && len(p.Attachments) > 0 {
		preview = p.Attachments[0].Name
	}
	return store.MessageSummary{
		ID:        p.ID,
		SenderID:  p.SenderID,
		Preview:   truncate(preview, 100),
		Timestamp: time.UnixMilli(p.Timestamp).UTC(),
	}
}

// ParticipantPayload mirrors store.Participant on the wire.
type ParticipantPayload struct {
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online,omitempty"`
	Role      string `json:"role,omitempty"`
}

// SessionPayload is a chat session as delivered by the session feed and the
// REST session endpoints.
type SessionPayload struct {
	ID             string               `json:"id"`
	Participants   []ParticipantPayload `json:"participants,omitempty"`
	LastMessage    *MessagePayload      `json:"lastMessage,omitempty"`
	UnreadCount    map[string]int       `json:"unreadCount,omitempty"`
	GroupChat      bool                 `json:"groupChat"`
	GroupName      string               `json:"groupName,omitempty"`
	CreatedAt      int64                `json:"createdAt,omitempty"`
	UpdatedAt      int64                `json:"updatedAt,omitempty"`
	RemovedUserIDs []string             `json:"removedUserIds,omitempty"`
}

// ParseSession decodes and validates an inbound session payload.
func ParseSession(data []byte) (*SessionPayload, error) {
	var p SessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("session id: %w", ErrMissingField)
	}
	return &p, nil
}

// ToStoreSession converts the payload to a store session. Unread keys are
// passed through untouched; key canonicalization is the receipt
// synchronizer's job.
func (p *SessionPayload) ToStoreSession() *store.ChatSession {
	sess := &store.ChatSession{
		ID:          p.ID,
		GroupChat:   p.GroupChat,
		GroupName:   p.GroupName,
		UnreadCount: p.UnreadCount,
	}
	for _, pp := range p.Participants {
		role := store.RoleMember
		if pp.Role == string(store.RoleAdmin) {
			role = store.RoleAdmin
		}
		sess.Participants = append(sess.Participants, store.Participant{
			UserID:    pp.UserID,
			Name:      pp.Name,
			Username:  pp.Username,
			AvatarURL: pp.AvatarURL,
			Online:    pp.Online,
			Role:      role,
		})
	}
	if p.LastMessage != nil {
		sum := p.LastMessage.Summary()
		sess.LastMessage = &sum
	}
	if p.CreatedAt > 0 {
		sess.CreatedAt = time.UnixMilli(p.CreatedAt).UTC()
	}
	if p.UpdatedAt > 0 {
		sess.UpdatedAt = time.UnixMilli(p.UpdatedAt).UTC()
	}
	return sess
}

// UnreadPayload is the aggregate unread summary feed entry.
type UnreadPayload struct {
	SessionID   string         `json:"sessionId"`
	UnreadCount map[string]int `json:"unreadCount"`
}

// ParseUnread decodes and validates an unread summary payload.
func ParseUnread(data []byte) (*UnreadPayload, error) {
	var p UnreadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode unread payload: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("unread sessionId: %w", ErrMissingField)
	}
	if p.UnreadCount == nil {
		return nil, fmt.Errorf("unread map: %w", ErrMissingField)
	}
	return &p, nil
}

// UserPayload is a directory entry for starting new chats, and the identity
// response shape.
type UserPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Online    bool   `json:"online,omitempty"`
}

// SendRequest is the outbound send-message body for the push path.
type SendRequest struct {
	ClientMsgID string `json:"clientMsgId"`
	Text        string `json:"text,omitempty"`
	ReceiverID  string `json:"receiverId,omitempty"`
}

// ReadRequest is the outbound mark-session-read body.
type ReadRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so the cut never yields invalid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
