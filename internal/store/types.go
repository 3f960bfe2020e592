package store

import "time"

// Role is a participant's role within a session.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// DeliveryState is the delivery state of a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Participant is a user taking part in a session. Owned by the session that
// references it; never persisted independently by this core.
type Participant struct {
	UserID    string
	Name      string
	Username  string
	AvatarURL string
	Online    bool
	Role      Role
}

// MessageSummary is the last-message preview carried on a session.
type MessageSummary struct {
	ID        string
	SenderID  string
	Preview   string
	Timestamp time.Time
}

// ChatSession is a direct or group conversation container.
type ChatSession struct {
	ID           string
	Participants []Participant
	LastMessage  *MessageSummary
	UnreadCount  map[string]int
	GroupChat    bool
	GroupName    string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Selected is purely-local UI state, preserved across server merges.
	Selected bool
}

// ParticipantByID returns the participant with the given user id, or nil.
func (s *ChatSession) ParticipantByID(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// IsAdmin reports whether the given user holds the admin role in this session.
func (s *ChatSession) IsAdmin(userID string) bool {
	p := s.ParticipantByID(userID)
	return p != nil && p.Role == RoleAdmin
}

// LastActivity is the timestamp used for session ordering: the last message's
// timestamp when present, otherwise the session's update time.
func (s *ChatSession) LastActivity() time.Time {
	if s.LastMessage != nil && !s.LastMessage.Timestamp.IsZero() {
		return s.LastMessage.Timestamp
	}
	return s.UpdatedAt
}

// Attachment is a file attached to a message.
type Attachment struct {
	Name      string
	Size      int64
	MediaType string
	URL       string
}

// Message is a single chat message. ID is server-issued for confirmed
// messages and locally generated for provisional ones.
type Message struct {
	ID          string
	SessionID   string
	SenderID    string
	ReceiverID  string
	Text        string
	Attachments []Attachment
	Timestamp   time.Time
	State       DeliveryState
	Provisional bool
}

// Capabilities describes what membership actions the caller's role permits.
// The two role-specific chat surfaces of the surrounding application share
// this single core, parameterized by a capability set instead of forking.
type Capabilities struct {
	CanManageMembers bool
	CanRename        bool
}

// AllCapabilities grants every membership action; per-session admin checks
// still apply on top.
func AllCapabilities() Capabilities {
	return Capabilities{CanManageMembers: true, CanRename: true}
}
