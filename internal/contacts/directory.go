// Package contacts caches known correspondents with presence and unread
// metadata. It is mutated by the chat store on ingest/read and seeded from
// the REST collaborator on startup.
package contacts

import (
	"sort"
	"sync"

	"github.com/pmoura/chirp/internal/bus"
)

// Contact is one known correspondent.
type Contact struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	AvatarURL       string `json:"avatarUrl"`
	Online          bool   `json:"online"`
	LastMessage     string `json:"lastMessage"`
	LastMessageTime int64  `json:"lastMessageTime"`
	UnreadCount     int    `json:"unreadCount"`
}

// Directory is the in-memory contact cache.
type Directory struct {
	mu      sync.RWMutex
	byEmail map[string]*Contact
	bus     *bus.Bus
}

// NewDirectory creates an empty directory.
func NewDirectory(b *bus.Bus) *Directory {
	return &Directory{
		byEmail: make(map[string]*Contact),
		bus:     b,
	}
}

// Upsert merges a contact record, keeping local unread/last-message state
// when the incoming record carries none. Used to seed from REST.
func (d *Directory) Upsert(c Contact) {
	d.mu.Lock()
	existing, ok := d.byEmail[c.Email]
	if !ok {
		cp := c
		d.byEmail[c.Email] = &cp
		existing = &cp
	} else {
		existing.Name = c.Name
		existing.AvatarURL = c.AvatarURL
		if c.LastMessageTime > existing.LastMessageTime {
			existing.LastMessage = c.LastMessage
			existing.LastMessageTime = c.LastMessageTime
		}
		if c.UnreadCount > 0 {
			existing.UnreadCount = c.UnreadCount
		}
	}
	snapshot := *existing
	d.mu.Unlock()
	d.bus.Emit(bus.KindContactUpdated, snapshot)
}

// RecordIncoming bumps a contact's last-message preview and unread counter
// for a freshly received message, creating the contact if unknown.
func (d *Directory) RecordIncoming(email, preview string, ts int64) {
	d.mu.Lock()
	c, ok := d.byEmail[email]
	if !ok {
		c = &Contact{Email: email}
		d.byEmail[email] = c
	}
	c.LastMessage = preview
	c.LastMessageTime = ts
	c.UnreadCount++
	snapshot := *c
	d.mu.Unlock()
	d.bus.Emit(bus.KindContactUpdated, snapshot)
}

// RecordOutgoing bumps the preview without touching the unread counter.
func (d *Directory) RecordOutgoing(email, preview string, ts int64) {
	d.mu.Lock()
	c, ok := d.byEmail[email]
	if !ok {
		c = &Contact{Email: email}
		d.byEmail[email] = c
	}
	c.LastMessage = preview
	c.LastMessageTime = ts
	snapshot := *c
	d.mu.Unlock()
	d.bus.Emit(bus.KindContactUpdated, snapshot)
}

// ClearUnread zeroes the unread counter for a contact.
func (d *Directory) ClearUnread(email string) {
	d.mu.Lock()
	c, ok := d.byEmail[email]
	if !ok {
		d.mu.Unlock()
		return
	}
	c.UnreadCount = 0
	snapshot := *c
	d.mu.Unlock()
	d.bus.Emit(bus.KindContactUpdated, snapshot)
}

// SetOnline flips a contact's presence flag.
func (d *Directory) SetOnline(email string, online bool) {
	d.mu.Lock()
	c, ok := d.byEmail[email]
	if !ok {
		c = &Contact{Email: email}
		d.byEmail[email] = c
	}
	c.Online = online
	snapshot := *c
	d.mu.Unlock()
	d.bus.Emit(bus.KindContactUpdated, snapshot)
}

// Get returns a contact snapshot by email.
func (d *Directory) Get(email string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byEmail[email]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

// List returns all contacts sorted by last message time descending.
func (d *Directory) List() []Contact {
	d.mu.RLock()
	out := make([]Contact, 0, len(d.byEmail))
	for _, c := range d.byEmail {
		out = append(out, *c)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].Email < out[j].Email
	})
	return out
}
