// Package typing tracks ephemeral typing indicators with a fixed expiry
// window, so a "typing…" hint never outlives a sender that crashed or
// closed the tab without sending typing=false.
package typing

import (
	"sync"
	"time"

	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

// Window is how long a typing=true signal stays visible without a refresh.
const Window = 3 * time.Second

// Publisher is the outbound slice of the connection manager.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Coordinator emits and receives per-conversation typing signals. Signals
// are never persisted; receiver-side expiry bounds the UI state.
type Coordinator struct {
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	window time.Duration

	mu     sync.Mutex
	active map[string]uint64
	seq    uint64
}

// NewCoordinator creates a coordinator with the default expiry window.
func NewCoordinator(pub Publisher, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		pub:    pub,
		bus:    b,
		logger: logger,
		window: Window,
		active: make(map[string]uint64),
	}
}

// SendTyping publishes a typing signal. Fire-and-forget: no local state
// changes and publish failures are only logged.
func (c *Coordinator) SendTyping(toEmail string, isTyping bool) {
	err := c.pub.Publish(conn.DestTyping, wire.TypingSignal{
		ToEmail: toEmail,
		Typing:  isTyping,
	})
	if err != nil {
		c.logger.Debug("typing signal dropped", zap.String("to", toEmail), zap.Error(err))
	}
}

// HandleTypingIndicator records an inbound signal. typing=true schedules an
// auto-expiry; typing=false clears immediately. When signals race, the
// latest one's expiry always wins: each signal gets a fresh sequence number
// and a stale timer that fires against a newer number is a no-op.
func (c *Coordinator) HandleTypingIndicator(fromEmail string, isTyping bool) {
	if !isTyping {
		c.mu.Lock()
		_, was := c.active[fromEmail]
		delete(c.active, fromEmail)
		c.mu.Unlock()
		if was {
			c.bus.Emit(bus.KindTypingChanged, wire.TypingSignal{FromEmail: fromEmail, Typing: false})
		}
		return
	}

	c.mu.Lock()
	c.seq++
	stamp := c.seq
	_, was := c.active[fromEmail]
	c.active[fromEmail] = stamp
	window := c.window
	c.mu.Unlock()

	if !was {
		c.bus.Emit(bus.KindTypingChanged, wire.TypingSignal{FromEmail: fromEmail, Typing: true})
	}

	time.AfterFunc(window, func() {
		c.expire(fromEmail, stamp)
	})
}

func (c *Coordinator) expire(fromEmail string, stamp uint64) {
	c.mu.Lock()
	current, ok := c.active[fromEmail]
	if !ok || current != stamp {
		// A newer signal superseded this timer.
		c.mu.Unlock()
		return
	}
	delete(c.active, fromEmail)
	c.mu.Unlock()
	c.bus.Emit(bus.KindTypingChanged, wire.TypingSignal{FromEmail: fromEmail, Typing: false})
}

// IsTyping reports whether a contact is currently typing. Pure lookup.
func (c *Coordinator) IsTyping(email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[email]
	return ok
}
