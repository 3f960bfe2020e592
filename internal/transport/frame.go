package transport

import "encoding/json"

// Frame is the wire format of the push channel: one JSON frame per
// websocket text message.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

const (
	FrameConnect   = "connect"   // client -> server, carries the auth token
	FrameConnected = "connected" // server -> client, handshake ack
	FrameSubscribe = "subscribe" // client -> server, feed registration
	FrameSend      = "send"      // client -> server, fire-and-forget publish
	FrameMessage   = "message"   // server -> client, feed delivery
	FrameError     = "error"     // server -> client
)

type connectBody struct {
	Token string `json:"token"`
}
