// Package chat holds the conversation cache: optimistic send, idempotent
// ingestion, reconciliation of server echoes, ordering and read state.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/contacts"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

const optimisticIDPrefix = "tmp-"

// Publisher is the slice of the connection manager the store needs.
type Publisher interface {
	Publish(destination string, payload any) error
	Connected() bool
}

// ReadMarker is the REST durability collaborator for mark-as-read.
type ReadMarker interface {
	MarkRead(ctx context.Context, otherEmail string) error
}

// Cache persists conversation buckets locally, best effort. Failures are
// logged, never surfaced: the in-memory bucket is the source of truth for
// the session.
type Cache interface {
	SaveMessage(convKey string, m wire.ChatMessage) error
	DeleteMessage(convKey, id string) error
	LoadConversation(convKey string) ([]wire.ChatMessage, error)
}

// Store owns the per-conversation message lists. All mutation goes through
// its methods; a bucket is never handed out by reference.
type Store struct {
	me        string
	pub       Publisher
	directory *contacts.Directory
	marker    ReadMarker
	cache     Cache
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.RWMutex
	buckets map[string][]wire.ChatMessage

	now   func() time.Time
	newID func() string
}

// NewStore creates a message store for the given local user. marker and
// cache may be nil.
func NewStore(me string, pub Publisher, dir *contacts.Directory, marker ReadMarker, cache Cache, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		me:        strings.ToLower(me),
		pub:       pub,
		directory: dir,
		marker:    marker,
		cache:     cache,
		bus:       b,
		logger:    logger,
		buckets:   make(map[string][]wire.ChatMessage),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// SendMessage publishes a send command and appends a local optimistic echo
// so the UI reflects the send instantly, before any server acknowledgement.
// Fails fast with conn.ErrNotConnected when no session is live, without
// mutating state.
func (s *Store) SendMessage(receiverEmail, content string) (wire.ChatMessage, error) {
	if !s.pub.Connected() {
		return wire.ChatMessage{}, conn.ErrNotConnected
	}

	correlationID := s.newID()
	if err := s.pub.Publish(conn.DestSend, wire.SendCommand{
		ReceiverEmail: receiverEmail,
		Content:       content,
		CorrelationID: correlationID,
	}); err != nil {
		return wire.ChatMessage{}, err
	}

	msg := wire.ChatMessage{
		ID:            optimisticIDPrefix + s.newID(),
		CorrelationID: correlationID,
		SenderEmail:   s.me,
		ReceiverEmail: strings.ToLower(receiverEmail),
		Content:       content,
		Timestamp:     s.now().UnixMilli(),
		Status:        wire.StatusPending,
	}

	key := ConversationKey(s.me, receiverEmail)
	s.mu.Lock()
	bucket := s.buckets[key]
	// At most one outstanding optimistic echo per (content, receiver):
	// a resend supersedes the previous one.
	bucket = removeOptimistic(bucket, func(m wire.ChatMessage) bool {
		return m.Content == content && m.ReceiverEmail == msg.ReceiverEmail
	})
	bucket = append(bucket, msg)
	sortBucket(bucket)
	s.buckets[key] = bucket
	s.mu.Unlock()

	s.directory.RecordOutgoing(msg.ReceiverEmail, content, msg.Timestamp)
	s.persist(key, msg)
	s.bus.Emit(bus.KindChatMessage, msg)
	return msg, nil
}

// HandleIncomingMessage ingests a message from the wire. Idempotent: a
// message whose ID already exists in its bucket is dropped silently. A
// server echo of our own optimistic message replaces the PENDING entry.
func (s *Store) HandleIncomingMessage(m wire.ChatMessage) {
	m.SenderEmail = strings.ToLower(m.SenderEmail)
	m.ReceiverEmail = strings.ToLower(m.ReceiverEmail)
	key := ConversationKey(m.SenderEmail, m.ReceiverEmail)

	var removed []string
	s.mu.Lock()
	bucket := s.buckets[key]
	for _, existing := range bucket {
		if existing.ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	// Reconcile: the durable echo of a message this client just sent.
	if m.SenderEmail == s.me {
		bucket = removeOptimistic(bucket, func(o wire.ChatMessage) bool {
			if m.CorrelationID != "" && o.CorrelationID != "" {
				return o.CorrelationID == m.CorrelationID
			}
			return o.Content == m.Content && o.ReceiverEmail == m.ReceiverEmail
		}, func(o wire.ChatMessage) { removed = append(removed, o.ID) })
	}
	bucket = append(bucket, m)
	sortBucket(bucket)
	s.buckets[key] = bucket
	s.mu.Unlock()

	if m.SenderEmail != s.me {
		s.directory.RecordIncoming(m.SenderEmail, m.Content, m.Timestamp)
	}
	for _, id := range removed {
		if s.cache != nil {
			if err := s.cache.DeleteMessage(key, id); err != nil {
				s.logger.Warn("cache delete failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
	s.persist(key, m)
	s.bus.Emit(bus.KindChatMessage, m)
}

// MarkAsRead publishes a read receipt for all messages from otherEmail,
// optimistically flips them to READ locally and zeroes the contact's unread
// counter. The REST durability call runs in the background; its failure
// does not roll back the optimistic local state.
func (s *Store) MarkAsRead(otherEmail string) error {
	if !s.pub.Connected() {
		return conn.ErrNotConnected
	}
	otherEmail = strings.ToLower(otherEmail)

	if err := s.pub.Publish(conn.DestRead, wire.ReadReceipt{
		Reader: s.me,
		Other:  otherEmail,
	}); err != nil {
		return err
	}

	key := ConversationKey(s.me, otherEmail)
	s.mu.Lock()
	bucket := s.buckets[key]
	for i := range bucket {
		if bucket[i].SenderEmail == otherEmail {
			bucket[i].Status = wire.StatusRead
		}
	}
	s.mu.Unlock()

	s.directory.ClearUnread(otherEmail)
	s.bus.Emit(bus.KindChatRead, otherEmail)

	if s.marker != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.marker.MarkRead(ctx, otherEmail); err != nil {
				s.logger.Warn("mark-read durability call failed", zap.String("other", otherEmail), zap.Error(err))
			}
		}()
	}
	return nil
}

// HandleReadReceipt flips this client's sent messages to READ once the
// other party has read them. The payload is already normalized by the wire
// decoder; Reader is whoever performed the read.
func (s *Store) HandleReadReceipt(r wire.ReadReceipt) {
	reader := strings.ToLower(r.Reader)
	other := strings.ToLower(r.Other)
	key := ConversationKey(reader, other)

	s.mu.Lock()
	bucket := s.buckets[key]
	for i := range bucket {
		if bucket[i].ReceiverEmail == reader {
			bucket[i].Status = wire.StatusRead
		}
	}
	s.mu.Unlock()

	s.bus.Emit(bus.KindChatRead, reader)
}

// MergeHistory merges a REST history page (newest-first) into the bucket
// for otherEmail. Pages are reversed to ascending and deduplicated by ID.
func (s *Store) MergeHistory(otherEmail string, newestFirst []wire.ChatMessage) {
	key := ConversationKey(s.me, otherEmail)

	s.mu.Lock()
	bucket := s.buckets[key]
	seen := make(map[string]struct{}, len(bucket))
	for _, m := range bucket {
		seen[m.ID] = struct{}{}
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		m.SenderEmail = strings.ToLower(m.SenderEmail)
		m.ReceiverEmail = strings.ToLower(m.ReceiverEmail)
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		bucket = append(bucket, m)
	}
	sortBucket(bucket)
	s.buckets[key] = bucket
	s.mu.Unlock()
}

// HistoryFetcher pulls one page of server history for a conversation,
// newest first. Implemented by the REST client.
type HistoryFetcher interface {
	History(ctx context.Context, otherEmail string, page, size int) ([]wire.ChatMessage, error)
}

// LoadHistory fetches one server history page and merges it. The cache is
// preloaded first on page zero so the conversation renders before the
// network answers. Called by UI consumers when a conversation is opened or
// scrolled back.
func (s *Store) LoadHistory(ctx context.Context, fetcher HistoryFetcher, otherEmail string, page int) error {
	if page == 0 {
		s.Preload(otherEmail)
	}
	msgs, err := fetcher.History(ctx, otherEmail, page, 0)
	if err != nil {
		return err
	}
	s.MergeHistory(otherEmail, msgs)
	key := ConversationKey(s.me, otherEmail)
	for _, m := range msgs {
		s.persist(key, m)
	}
	return nil
}

// Preload seeds a bucket from the local cache. Wire and history ingestion
// remain idempotent over whatever this loads.
func (s *Store) Preload(otherEmail string) {
	if s.cache == nil {
		return
	}
	key := ConversationKey(s.me, otherEmail)
	msgs, err := s.cache.LoadConversation(key)
	if err != nil {
		s.logger.Warn("cache preload failed", zap.String("conversation", key), zap.Error(err))
		return
	}
	s.MergeHistory(otherEmail, reversed(msgs))
}

// GetMessagesForContact returns the ordered conversation snapshot for the
// given contact. Pure read; returns an empty slice when none exist.
func (s *Store) GetMessagesForContact(email string) []wire.ChatMessage {
	key := ConversationKey(s.me, email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.buckets[key]
	out := make([]wire.ChatMessage, len(bucket))
	copy(out, bucket)
	return out
}

func (s *Store) persist(key string, m wire.ChatMessage) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveMessage(key, m); err != nil {
		s.logger.Warn("cache write failed", zap.String("conversation", key), zap.Error(err))
	}
}

// sortBucket orders by timestamp ascending. The sort is stable so equal
// timestamps keep insertion order.
func sortBucket(bucket []wire.ChatMessage) {
	sort.SliceStable(bucket, func(i, j int) bool {
		return bucket[i].Timestamp < bucket[j].Timestamp
	})
}

// removeOptimistic drops PENDING tmp-id entries matching the predicate.
// onRemove, when given, observes each dropped entry.
func removeOptimistic(bucket []wire.ChatMessage, match func(wire.ChatMessage) bool, onRemove ...func(wire.ChatMessage)) []wire.ChatMessage {
	out := bucket[:0]
	for _, m := range bucket {
		if m.Status == wire.StatusPending && strings.HasPrefix(m.ID, optimisticIDPrefix) && match(m) {
			for _, f := range onRemove {
				f(m)
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

func reversed(msgs []wire.ChatMessage) []wire.ChatMessage {
	out := make([]wire.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
