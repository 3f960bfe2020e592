package wire

// User-scoped push feeds consumed by the client.
const (
	FeedMessages = "/user/queue/messages"
	FeedSessions = "/user/queue/sessions"
	FeedUnread   = "/user/queue/unread"
)

// Published destinations, addressed by session id. Membership mutations go
// over the REST surface, not the push channel, so only send and read exist.

func DestSend(sessionID string) string { return "/app/chat/" + sessionID + "/send" }
func DestRead(sessionID string) string { return "/app/chat/" + sessionID + "/read" }
