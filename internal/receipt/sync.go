// Package receipt keeps per-user unread counters authoritative and
// republishes read acknowledgements for the actively viewed session.
package receipt

import (
	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/store"
	"github.com/pvictorino/marketchat/internal/wire"
	"go.uber.org/zap"
)

// Publisher is the push-channel surface the synchronizer acks through.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Synchronizer owns read-receipt accounting. Acks are fire-and-forget: a
// missed one self-corrects the next time the session is reselected.
type Synchronizer struct {
	sessions *store.SessionStore
	push     Publisher
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewSynchronizer creates a read-receipt synchronizer.
func NewSynchronizer(sessions *store.SessionStore, push Publisher, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		sessions: sessions,
		push:     push,
		bus:      b,
		logger:   logger,
	}
}

// AckRead zeroes the current user's unread entry for the session and
// publishes a read acknowledgement. Called on session selection and on
// foreign inbound messages for the selected session.
func (s *Synchronizer) AckRead(sessionID string) {
	me := CanonicalKey(s.sessions.CurrentUser())
	s.sessions.ResetUnread(sessionID, me)

	if err := s.push.Publish(wire.DestRead(sessionID), wire.ReadRequest{
		SessionID: sessionID,
		UserID:    me,
	}); err != nil {
		// No delivery guarantee required; reselection re-acks.
		s.logger.Debug("read ack not delivered", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.bus.Publish(bus.Event{Kind: "session.upserted", Payload: sessionID})
}

// MergeUnread folds an externally-sourced unread map into the session after
// key canonicalization.
func (s *Synchronizer) MergeUnread(sessionID string, counts map[string]int) {
	for k, v := range CanonicalizeUnread(counts) {
		s.sessions.SetUnread(sessionID, k, v)
	}
}
