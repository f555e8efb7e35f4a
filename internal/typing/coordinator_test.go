package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []wire.TypingSignal
}

func (p *fakePublisher) Publish(_ string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, payload.(wire.TypingSignal))
	return nil
}

func testCoordinator(window time.Duration) (*Coordinator, *fakePublisher) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, bus.New(), zap.NewNop())
	c.window = window
	return c, pub
}

func TestSendTypingPublishes(t *testing.T) {
	c, pub := testCoordinator(Window)

	c.SendTyping("b@x.com", true)
	c.SendTyping("b@x.com", false)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 2 {
		t.Fatalf("published %d signals, want 2", len(pub.published))
	}
	if !pub.published[0].Typing || pub.published[1].Typing {
		t.Errorf("signals = %+v", pub.published)
	}
	if pub.published[0].ToEmail != "b@x.com" {
		t.Errorf("toEmail = %q", pub.published[0].ToEmail)
	}
	// No local state from sending.
	if c.IsTyping("b@x.com") {
		t.Error("sender-side state recorded")
	}
}

func TestTypingExpiry(t *testing.T) {
	c, _ := testCoordinator(50 * time.Millisecond)

	c.HandleTypingIndicator("b@x.com", true)
	if !c.IsTyping("b@x.com") {
		t.Fatal("not typing immediately after signal")
	}

	time.Sleep(120 * time.Millisecond)
	if c.IsTyping("b@x.com") {
		t.Error("still typing after expiry window")
	}
}

func TestTypingRefreshExtends(t *testing.T) {
	c, _ := testCoordinator(80 * time.Millisecond)

	c.HandleTypingIndicator("b@x.com", true)
	time.Sleep(50 * time.Millisecond)
	// Refresh before the first timer fires: the new deadline wins.
	c.HandleTypingIndicator("b@x.com", true)
	time.Sleep(50 * time.Millisecond)

	if !c.IsTyping("b@x.com") {
		t.Error("refreshed signal expired on the stale timer")
	}

	time.Sleep(80 * time.Millisecond)
	if c.IsTyping("b@x.com") {
		t.Error("refreshed signal never expired")
	}
}

func TestTypingFalseClearsImmediately(t *testing.T) {
	c, _ := testCoordinator(time.Minute)

	c.HandleTypingIndicator("b@x.com", true)
	c.HandleTypingIndicator("b@x.com", false)

	if c.IsTyping("b@x.com") {
		t.Error("typing=false did not clear")
	}
}

func TestTypingChangedEvents(t *testing.T) {
	pub := &fakePublisher{}
	b := bus.New()
	c := NewCoordinator(pub, b, zap.NewNop())
	c.window = 30 * time.Millisecond
	ch, unsub := b.Subscribe("typing.", 8)
	defer unsub()

	c.HandleTypingIndicator("b@x.com", true)

	evt := <-ch
	sig := evt.Payload.(wire.TypingSignal)
	if !sig.Typing || sig.FromEmail != "b@x.com" {
		t.Errorf("first event = %+v", sig)
	}

	select {
	case evt = <-ch:
	case <-time.After(time.Second):
		t.Fatal("no expiry event")
	}
	sig = evt.Payload.(wire.TypingSignal)
	if sig.Typing {
		t.Errorf("expiry event = %+v, want typing=false", sig)
	}
}

func TestSendTypingUsesTypingDestination(t *testing.T) {
	pub := &destRecorder{}
	c := NewCoordinator(pub, bus.New(), zap.NewNop())

	c.SendTyping("b@x.com", true)

	if pub.dest != conn.DestTyping {
		t.Errorf("dest = %q, want %q", pub.dest, conn.DestTyping)
	}
}

type destRecorder struct {
	dest string
}

func (p *destRecorder) Publish(dest string, _ any) error {
	p.dest = dest
	return nil
}
