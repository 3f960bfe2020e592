// Package transport owns the lifecycle of the persistent push channel:
// connect, authenticate, subscribe to user-scoped feeds, publish outbound
// events, reconnect on drop. It holds no business state.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by Publish while the channel is down;
	// callers fall back to the request/response path.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("transport closed")
)

// Handler consumes the body of a feed delivery. At most one handler exists
// per feed; handlers must not block.
type Handler func(body json.RawMessage)

// Manager owns the websocket push channel.
type Manager struct {
	url            string
	reconnectDelay time.Duration
	machine        *status.Machine
	bus            *bus.Bus
	logger         *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]Handler
	token  string
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// NewManager creates a push channel manager for the given websocket URL.
func NewManager(url string, reconnectDelay time.Duration, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Manager{
		url:            url,
		reconnectDelay: reconnectDelay,
		machine:        machine,
		bus:            b,
		logger:         logger,
		subs:           make(map[string]Handler),
	}
}

// Connect establishes the channel and authenticates. Idempotent: a no-op
// while already connected or connecting. All previously registered
// subscriptions are re-established before transport.connected is signaled,
// so no feed misses its subscription window.
func (m *Manager) Connect(ctx context.Context, token string) error {
	// The transition is the gate: it only succeeds from Idle or
	// Reconnecting, so concurrent callers cannot both start a dial.
	if err := m.machine.Transition(status.Connecting); err != nil {
		if m.machine.Current() == status.Closed {
			return ErrClosed
		}
		return nil
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		_ = m.machine.Transition(status.Idle)
		return fmt.Errorf("dial push channel: %w", err)
	}

	if err := m.handshake(ctx, conn, token); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		_ = m.machine.Transition(status.Idle)
		m.bus.Publish(bus.Event{Kind: "transport.error", Payload: err.Error()})
		return err
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.conn = conn
	feeds := make([]string, 0, len(m.subs))
	for feed := range m.subs {
		feeds = append(feeds, feed)
	}
	m.mu.Unlock()
	sort.Strings(feeds)

	for _, feed := range feeds {
		if err := m.writeFrame(ctx, conn, Frame{Type: FrameSubscribe, Destination: feed}); err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "resubscribe failed")
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			_ = m.machine.Transition(status.Idle)
			return fmt.Errorf("restore subscription %s: %w", feed, err)
		}
	}

	_ = m.machine.Transition(status.Connected)
	m.bus.Publish(bus.Event{Kind: "transport.connected"})
	m.logger.Info("push channel connected", zap.Int("feeds", len(feeds)))

	go m.readLoop(runCtx, conn)
	return nil
}

func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn, token string) error {
	body, err := json.Marshal(connectBody{Token: token})
	if err != nil {
		return err
	}
	if err := m.writeFrame(ctx, conn, Frame{Type: FrameConnect, Body: body}); err != nil {
		return fmt.Errorf("send connect frame: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode handshake ack: %w", err)
	}
	if f.Type != FrameConnected {
		return fmt.Errorf("handshake rejected: got %q frame", f.Type)
	}
	return nil
}

// Subscribe registers the handler for a feed, replacing any previous one.
// When connected, the subscription frame is sent immediately; otherwise it
// is sent on the next (re)connect.
func (m *Manager) Subscribe(feed string, h Handler) error {
	m.mu.Lock()
	m.subs[feed] = h
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && m.machine.Current() == status.Connected {
		return m.writeFrame(context.Background(), conn, Frame{Type: FrameSubscribe, Destination: feed})
	}
	return nil
}

// Publish sends a fire-and-forget event to a destination.
func (m *Manager) Publish(destination string, payload any) error {
	if m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode publish payload: %w", err)
	}
	return m.writeFrame(context.Background(), conn, Frame{Type: FrameSend, Destination: destination, Body: body})
}

// Connected reports whether the push channel is currently usable.
func (m *Manager) Connected() bool {
	return m.machine.Current() == status.Connected
}

// Close tears the channel down and stops the reconnect loop.
func (m *Manager) Close() error {
	_ = m.machine.Transition(status.Closed)
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

func (m *Manager) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || m.machine.Current() == status.Closed {
				return
			}
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()

			m.logger.Warn("push channel dropped", zap.Error(err))
			_ = m.machine.Transition(status.Reconnecting)
			m.bus.Publish(bus.Event{Kind: "transport.disconnected", Payload: err.Error()})

			go m.reconnectLoop(ctx)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("malformed frame discarded", zap.Error(err))
			continue
		}

		switch f.Type {
		case FrameMessage:
			m.mu.Lock()
			h := m.subs[f.Destination]
			m.mu.Unlock()
			if h == nil {
				m.logger.Debug("delivery for feed without handler", zap.String("feed", f.Destination))
				continue
			}
			h(f.Body)
		case FrameError:
			m.bus.Publish(bus.Event{Kind: "transport.error", Payload: string(f.Body)})
		}
	}
}

// reconnectLoop retries with a fixed delay until connected or closed.
// Events published by the server during the disconnected window are not
// replayed; only the subscriptions themselves are restored.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay):
		}
		if m.machine.Current() == status.Closed {
			return
		}

		m.mu.Lock()
		token := m.token
		m.mu.Unlock()

		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := m.Connect(dctx, token)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warn("reconnect attempt failed", zap.Error(err))
	}
}
