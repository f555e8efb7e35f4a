// Package conn owns the persistent STOMP-over-WebSocket session: the single
// transport socket, its subscriptions, and the publish primitive every other
// component sends through.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pmoura/chirp/internal/auth"
	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/config"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Publish when no session is established.
	ErrNotConnected = errors.New("not connected")
	// ErrRouterAlreadySet is returned when SetRouter is called twice.
	ErrRouterAlreadySet = errors.New("router already set")
)

// Application destinations published by the engine.
const (
	DestSend   = "/app/chat.send"
	DestRead   = "/app/chat.read"
	DestTyping = "/app/chat.typing"
	DestCall   = "/app/call.signal"
)

// Router receives decoded inbound frames. Handlers must be idempotent: the
// duplicate subscriptions below can deliver the same frame twice.
type Router interface {
	HandleMessage(wire.ChatMessage)
	HandleReadReceipt(wire.ReadReceipt)
	HandleTyping(wire.TypingSignal)
	HandleCallSignal(wire.CallSignal)
	HandlePresence(wire.Presence)
}

// Transport is an established messaging session. The production
// implementation wraps a go-stomp connection over a websocket.
type Transport interface {
	Send(destination string, body []byte) error
	// Subscribe returns a frame channel and an unsubscribe function. The
	// channel is closed when the subscription or the transport dies.
	Subscribe(destination string) (<-chan Frame, func() error, error)
	Disconnect() error
}

// Frame is one inbound message or a terminal transport error.
type Frame struct {
	Body []byte
	Err  error
}

// Dialer establishes a Transport. Injected so tests can fake the network.
type Dialer func(ctx context.Context, cfg config.Server, creds *auth.Credentials) (Transport, error)

type frameKind int

const (
	kindMessage frameKind = iota
	kindReceipt
	kindTyping
	kindCall
	kindPresence
)

type destination struct {
	kind frameKind
	dest string
}

// Manager owns the socket lifecycle. Connect is idempotent, Disconnect is
// safe when not connected, and transport failures flip the manager into a
// disconnected state with a recorded error. No retry happens here: retry is
// a caller-initiated action.
type Manager struct {
	cfg    config.Server
	creds  auth.Provider
	dial   Dialer
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	router     Router
	transport  Transport
	connected  bool
	connecting bool
	lastErr    error
	gen        int
	unsubs     []func() error
}

// NewManager creates a manager using the production STOMP dialer.
func NewManager(cfg config.Server, creds auth.Provider, b *bus.Bus, logger *zap.Logger) *Manager {
	return NewManagerWithDialer(cfg, creds, b, logger, DialSTOMP)
}

// NewManagerWithDialer creates a manager with a custom dialer.
func NewManagerWithDialer(cfg config.Server, creds auth.Provider, b *bus.Bus, logger *zap.Logger, dial Dialer) *Manager {
	return &Manager{
		cfg:    cfg,
		creds:  creds,
		dial:   dial,
		bus:    b,
		logger: logger,
	}
}

// SetRouter registers the inbound frame router. Single-assignment: it must
// be called exactly once, before the first Connect.
func (m *Manager) SetRouter(r Router) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.router != nil {
		return ErrRouterAlreadySet
	}
	m.router = r
	return nil
}

// Connect establishes the session and its subscriptions. No-op if already
// connected or connecting. Fails with auth.ErrMissingCredentials when no
// credential is available.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	creds, err := m.creds.Credentials()
	if err != nil {
		m.failConnect(fmt.Errorf("load credentials: %w", err))
		return err
	}

	t, err := m.dial(ctx, m.cfg, creds)
	if err != nil {
		err = fmt.Errorf("dial: %w", err)
		m.failConnect(err)
		return err
	}

	var unsubs []func() error
	for _, d := range subscriptionDests(creds.Email) {
		ch, unsub, err := t.Subscribe(d.dest)
		if err != nil {
			for _, u := range unsubs {
				_ = u()
			}
			_ = t.Disconnect()
			err = fmt.Errorf("subscribe %s: %w", d.dest, err)
			m.failConnect(err)
			return err
		}
		unsubs = append(unsubs, unsub)
		go m.pump(gen, d.kind, d.dest, ch)
	}

	m.mu.Lock()
	m.transport = t
	m.unsubs = unsubs
	m.connecting = false
	m.connected = true
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("user", creds.Email))
	m.bus.Emit(bus.KindConnConnected, creds.Email)
	return nil
}

// Disconnect tears down the transport and subscriptions. Safe to call when
// not connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	unsubs := m.unsubs
	wasConnected := m.connected
	m.transport = nil
	m.unsubs = nil
	m.connected = false
	m.connecting = false
	m.gen++
	m.mu.Unlock()

	for _, u := range unsubs {
		_ = u()
	}
	if t != nil {
		_ = t.Disconnect()
	}
	if wasConnected {
		m.logger.Info("disconnected")
		m.bus.Emit(bus.KindConnDisconnected, nil)
	}
}

// Publish serializes payload as JSON and sends it to destination.
// Fire-and-forget: no acknowledgement is awaited at this layer.
func (m *Manager) Publish(destination string, payload any) error {
	m.mu.Lock()
	t := m.transport
	connected := m.connected
	m.mu.Unlock()

	if !connected || t == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := t.Send(destination, body); err != nil {
		m.transportLost(fmt.Errorf("send %s: %w", destination, err))
		return err
	}
	return nil
}

// Connected reports whether a session is established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastError returns the most recent transport or connect error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) failConnect(err error) {
	m.mu.Lock()
	m.connecting = false
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn("connect failed", zap.Error(err))
}

// transportLost records a transport-level failure and flips to disconnected.
// The session is not redialed automatically.
func (m *Manager) transportLost(err error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lastErr = err
	m.transport = nil
	m.unsubs = nil
	m.gen++
	m.mu.Unlock()

	m.logger.Warn("transport lost", zap.Error(err))
	m.bus.Emit(bus.KindConnLost, err.Error())
}

// pump drains one subscription channel and dispatches decoded frames.
// gen guards against frames from a previous session generation arriving
// after a reconnect.
func (m *Manager) pump(gen int, kind frameKind, dest string, ch <-chan Frame) {
	for f := range ch {
		m.mu.Lock()
		stale := m.gen != gen
		router := m.router
		m.mu.Unlock()
		if stale {
			return
		}
		if f.Err != nil {
			m.transportLost(f.Err)
			return
		}
		if router == nil {
			continue
		}
		m.dispatch(router, kind, dest, f.Body)
	}
}

// dispatch decodes and routes one frame. Malformed payloads are logged and
// dropped; a bad frame never kills the pump.
func (m *Manager) dispatch(router Router, kind frameKind, dest string, body []byte) {
	switch kind {
	case kindMessage:
		msg, err := wire.DecodeChatMessage(body)
		if err != nil {
			m.dropFrame(dest, err)
			return
		}
		router.HandleMessage(msg)
	case kindReceipt:
		r, err := wire.DecodeReadReceipt(body)
		if err != nil {
			m.dropFrame(dest, err)
			return
		}
		router.HandleReadReceipt(r)
	case kindTyping:
		s, err := wire.DecodeTypingSignal(body)
		if err != nil {
			m.dropFrame(dest, err)
			return
		}
		router.HandleTyping(s)
	case kindCall:
		s, err := wire.DecodeCallSignal(body)
		if err != nil {
			m.dropFrame(dest, err)
			return
		}
		router.HandleCallSignal(s)
	case kindPresence:
		p, err := wire.DecodePresence(body)
		if err != nil {
			m.dropFrame(dest, err)
			return
		}
		router.HandlePresence(p)
	}
}

func (m *Manager) dropFrame(dest string, err error) {
	m.logger.Warn("dropping malformed frame", zap.String("destination", dest), zap.Error(err))
}

// subscriptionDests lists the queues for one user. Both the user-destination
// form and the explicit per-email topic are registered because deployed
// backends have disagreed on the naming; duplicate delivery is tolerated by
// idempotent handlers.
func subscriptionDests(email string) []destination {
	return []destination{
		{kindMessage, "/user/queue/messages"},
		{kindMessage, "/topic/messages/" + email},
		{kindReceipt, "/user/queue/read-receipts"},
		{kindTyping, "/user/queue/typing"},
		{kindCall, "/user/queue/call"},
		{kindCall, "/topic/call/" + email},
		{kindPresence, "/topic/presence"},
	}
}
