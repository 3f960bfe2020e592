package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated and namespaced so subscribers can filter by
// prefix. The kinds emitted by this module:
//
//	feed.message / feed.session / feed.unread  — raw inbound push payloads
//	transport.connected / transport.disconnected / transport.error
//	transport.status_changed                   — connection state machine
//	message.appended / message.confirmed / message.send_failed
//	session.upserted / session.removed / session.selected
//	member.rejected                            — denied membership action
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
