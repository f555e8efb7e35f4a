package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/contacts"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []publishCall
}

type publishCall struct {
	dest    string
	payload any
}

func (p *fakePublisher) Publish(dest string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return conn.ErrNotConnected
	}
	p.published = append(p.published, publishCall{dest, payload})
	return nil
}

func (p *fakePublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.published...)
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *fakeMarker) MarkRead(_ context.Context, other string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, other)
	return m.err
}

func testStore(t *testing.T) (*Store, *fakePublisher, *contacts.Directory) {
	t.Helper()
	pub := &fakePublisher{connected: true}
	dir := contacts.NewDirectory(bus.New())
	s := NewStore("a@x.com", pub, dir, nil, nil, bus.New(), zap.NewNop())
	return s, pub, dir
}

func TestConversationKeySymmetry(t *testing.T) {
	pairs := [][2]string{
		{"a@x.com", "b@x.com"},
		{"B@X.com", "a@x.com"},
		{"zz@y.org", "aa@y.org"},
	}
	for _, p := range pairs {
		if ConversationKey(p[0], p[1]) != ConversationKey(p[1], p[0]) {
			t.Errorf("key(%s,%s) != key(%s,%s)", p[0], p[1], p[1], p[0])
		}
	}
	if ConversationKey("A@X.com", "b@x.com") != "a@x.com|b@x.com" {
		t.Errorf("key not normalized: %s", ConversationKey("A@X.com", "b@x.com"))
	}
}

func TestSendMessageOptimisticEcho(t *testing.T) {
	s, pub, _ := testStore(t)

	msg, err := s.SendMessage("b@x.com", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != wire.StatusPending {
		t.Errorf("status = %s, want PENDING", msg.Status)
	}
	if msg.ID[:4] != "tmp-" {
		t.Errorf("optimistic id %q lacks tmp- prefix", msg.ID)
	}

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 {
		t.Fatalf("bucket len = %d, want 1", len(bucket))
	}

	calls := pub.calls()
	if len(calls) != 1 || calls[0].dest != conn.DestSend {
		t.Fatalf("published %v, want one frame to %s", calls, conn.DestSend)
	}
	cmd := calls[0].payload.(wire.SendCommand)
	if cmd.CorrelationID == "" || cmd.CorrelationID != msg.CorrelationID {
		t.Error("correlation id not round-tripped into the send command")
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	s, pub, _ := testStore(t)
	pub.connected = false

	_, err := s.SendMessage("b@x.com", "hello")
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(s.GetMessagesForContact("b@x.com")) != 0 {
		t.Error("state mutated despite failed send")
	}
}

func TestIngestionIdempotent(t *testing.T) {
	s, _, _ := testStore(t)

	m := wire.ChatMessage{
		ID: "42", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com",
		Content: "hi", Timestamp: 1000, Status: wire.StatusDelivered,
	}
	s.HandleIncomingMessage(m)
	s.HandleIncomingMessage(m)

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 {
		t.Fatalf("bucket len = %d after double ingest, want 1", len(bucket))
	}
}

func TestReconciliationByContent(t *testing.T) {
	s, _, _ := testStore(t)

	if _, err := s.SendMessage("b@x.com", "hi"); err != nil {
		t.Fatal(err)
	}

	// Server echo without correlation id: matched by (content, receiver).
	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com",
		Content: "hi", Timestamp: 1500, Status: wire.StatusDelivered,
	})

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 {
		t.Fatalf("bucket len = %d, want exactly 1 after reconciliation", len(bucket))
	}
	if bucket[0].ID != "42" {
		t.Errorf("surviving id = %s, want the durable 42", bucket[0].ID)
	}
	if bucket[0].Status == wire.StatusPending {
		t.Error("PENDING duplicate survived reconciliation")
	}
}

func TestReconciliationByCorrelationID(t *testing.T) {
	s, _, _ := testStore(t)

	// Two identical sends in quick succession: correlation ids keep the
	// echoes apart where content matching cannot.
	first, _ := s.SendMessage("b@x.com", "hi")
	second, _ := s.SendMessage("b@x.com", "hi")

	// Supersession keeps a single outstanding optimistic per (content, receiver).
	if got := len(s.GetMessagesForContact("b@x.com")); got != 1 {
		t.Fatalf("outstanding optimistic = %d, want 1", got)
	}

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "43", CorrelationID: second.CorrelationID,
		SenderEmail: "a@x.com", ReceiverEmail: "b@x.com",
		Content: "hi", Timestamp: 1500, Status: wire.StatusDelivered,
	})

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 || bucket[0].ID != "43" {
		t.Fatalf("bucket = %+v, want single durable 43", bucket)
	}
	if first.CorrelationID == second.CorrelationID {
		t.Error("correlation ids must be unique per send")
	}
}

func TestOrderingInvariant(t *testing.T) {
	s, _, _ := testStore(t)

	// Deliver out of order.
	for _, m := range []wire.ChatMessage{
		{ID: "3", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "three", Timestamp: 3000},
		{ID: "1", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "one", Timestamp: 1000},
		{ID: "2", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Content: "two", Timestamp: 2000},
	} {
		s.HandleIncomingMessage(m)
	}

	bucket := s.GetMessagesForContact("b@x.com")
	for i := 0; i+1 < len(bucket); i++ {
		if bucket[i].Timestamp > bucket[i+1].Timestamp {
			t.Fatalf("ordering violated at %d: %d > %d", i, bucket[i].Timestamp, bucket[i+1].Timestamp)
		}
	}
}

func TestOrderingTiesKeepInsertionOrder(t *testing.T) {
	s, _, _ := testStore(t)

	s.HandleIncomingMessage(wire.ChatMessage{ID: "a", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "first", Timestamp: 1000})
	s.HandleIncomingMessage(wire.ChatMessage{ID: "b", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "second", Timestamp: 1000})

	bucket := s.GetMessagesForContact("b@x.com")
	if bucket[0].ID != "a" || bucket[1].ID != "b" {
		t.Errorf("tie order = %s,%s, want a,b", bucket[0].ID, bucket[1].ID)
	}
}

func TestIncomingUpdatesContact(t *testing.T) {
	s, _, dir := testStore(t)

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com",
		Content: "hi there", Timestamp: 1000,
	})

	c, ok := dir.Get("b@x.com")
	if !ok {
		t.Fatal("contact not created")
	}
	if c.UnreadCount != 1 || c.LastMessage != "hi there" {
		t.Errorf("contact = %+v", c)
	}
}

func TestMarkAsRead(t *testing.T) {
	pub := &fakePublisher{connected: true}
	dir := contacts.NewDirectory(bus.New())
	marker := &fakeMarker{}
	s := NewStore("a@x.com", pub, dir, marker, nil, bus.New(), zap.NewNop())

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com",
		Content: "hi", Timestamp: 1000, Status: wire.StatusDelivered,
	})

	if err := s.MarkAsRead("b@x.com"); err != nil {
		t.Fatal(err)
	}

	bucket := s.GetMessagesForContact("b@x.com")
	if bucket[0].Status != wire.StatusRead {
		t.Errorf("status = %s, want READ", bucket[0].Status)
	}
	c, _ := dir.Get("b@x.com")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}

	calls := pub.calls()
	if len(calls) != 1 || calls[0].dest != conn.DestRead {
		t.Fatalf("published %v, want one read receipt", calls)
	}

	// Durability call happens in the background.
	deadline := time.Now().Add(time.Second)
	for {
		marker.mu.Lock()
		n := len(marker.calls)
		marker.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("REST durability call never made")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMarkAsReadRESTFailureKeepsLocalState(t *testing.T) {
	pub := &fakePublisher{connected: true}
	dir := contacts.NewDirectory(bus.New())
	marker := &fakeMarker{err: errors.New("rest down")}
	s := NewStore("a@x.com", pub, dir, marker, nil, bus.New(), zap.NewNop())

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com",
		Content: "hi", Timestamp: 1000, Status: wire.StatusDelivered,
	})
	if err := s.MarkAsRead("b@x.com"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if s.GetMessagesForContact("b@x.com")[0].Status != wire.StatusRead {
		t.Error("optimistic READ rolled back by REST failure")
	}
}

func TestHandleReadReceipt(t *testing.T) {
	s, _, _ := testStore(t)

	if _, err := s.SendMessage("b@x.com", "hello"); err != nil {
		t.Fatal(err)
	}
	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com",
		Content: "hello", Timestamp: 1500, Status: wire.StatusDelivered,
	})

	// B read the conversation.
	s.HandleReadReceipt(wire.ReadReceipt{Reader: "b@x.com", Other: "a@x.com"})

	bucket := s.GetMessagesForContact("b@x.com")
	if bucket[0].Status != wire.StatusRead {
		t.Errorf("status = %s, want READ after receipt", bucket[0].Status)
	}
}

type fakeFetcher struct {
	pages map[int][]wire.ChatMessage
	err   error
	calls []int
}

func (f *fakeFetcher) History(_ context.Context, _ string, page, _ int) ([]wire.ChatMessage, error) {
	f.calls = append(f.calls, page)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[page], nil
}

func TestLoadHistory(t *testing.T) {
	s, _, _ := testStore(t)

	fetcher := &fakeFetcher{pages: map[int][]wire.ChatMessage{
		0: {
			{ID: "2", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "later", Timestamp: 2000},
			{ID: "1", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Content: "first", Timestamp: 1000},
		},
	}}

	if err := s.LoadHistory(context.Background(), fetcher, "b@x.com", 0); err != nil {
		t.Fatal(err)
	}

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 2 {
		t.Fatalf("bucket len = %d, want 2", len(bucket))
	}
	if bucket[0].ID != "1" || bucket[1].ID != "2" {
		t.Errorf("order = %s,%s, want 1,2", bucket[0].ID, bucket[1].ID)
	}
}

func TestLoadHistoryFetchError(t *testing.T) {
	s, _, _ := testStore(t)

	fetcher := &fakeFetcher{err: errors.New("server down")}
	if err := s.LoadHistory(context.Background(), fetcher, "b@x.com", 0); err == nil {
		t.Fatal("expected error")
	}
	if len(s.GetMessagesForContact("b@x.com")) != 0 {
		t.Error("bucket mutated by failed fetch")
	}
}

func TestMergeHistoryReversesAndDedups(t *testing.T) {
	s, _, _ := testStore(t)

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "2", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com",
		Content: "live", Timestamp: 2000,
	})

	// REST page is newest-first and overlaps the live message.
	s.MergeHistory("b@x.com", []wire.ChatMessage{
		{ID: "2", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "live", Timestamp: 2000},
		{ID: "1", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Content: "old", Timestamp: 1000},
	})

	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 2 {
		t.Fatalf("bucket len = %d, want 2", len(bucket))
	}
	if bucket[0].ID != "1" || bucket[1].ID != "2" {
		t.Errorf("order = %s,%s, want 1,2", bucket[0].ID, bucket[1].ID)
	}
}

func TestGetMessagesForContactPureRead(t *testing.T) {
	s, _, _ := testStore(t)
	if got := s.GetMessagesForContact("nobody@x.com"); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}

	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "1", SenderEmail: "b@x.com", ReceiverEmail: "a@x.com", Content: "hi", Timestamp: 1000,
	})
	snapshot := s.GetMessagesForContact("b@x.com")
	snapshot[0].Content = "mutated"
	if s.GetMessagesForContact("b@x.com")[0].Content != "hi" {
		t.Error("snapshot mutation leaked into the bucket")
	}
}

// End-to-end: send, server echo, peer reads.
func TestSendEchoReadScenario(t *testing.T) {
	s, _, _ := testStore(t)

	// A sends "hello" to B: one PENDING message instantly.
	if _, err := s.SendMessage("b@x.com", "hello"); err != nil {
		t.Fatal(err)
	}
	bucket := s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 || bucket[0].Status != wire.StatusPending {
		t.Fatalf("after send: %+v", bucket)
	}

	// Server echo with durable id 42 arrives.
	s.HandleIncomingMessage(wire.ChatMessage{
		ID: "42", SenderEmail: "a@x.com", ReceiverEmail: "b@x.com",
		Content: "hello", Timestamp: bucket[0].Timestamp, Status: wire.StatusDelivered,
	})
	bucket = s.GetMessagesForContact("b@x.com")
	if len(bucket) != 1 || bucket[0].ID != "42" {
		t.Fatalf("after echo: %+v", bucket)
	}

	// B marks read: A's local copy flips to READ.
	s.HandleReadReceipt(wire.ReadReceipt{Reader: "b@x.com", Other: "a@x.com"})
	bucket = s.GetMessagesForContact("b@x.com")
	if bucket[0].Status != wire.StatusRead {
		t.Fatalf("after receipt: %+v", bucket)
	}
}
