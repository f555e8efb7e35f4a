package daemon

import (
	"github.com/pmoura/chirp/internal/call"
	"github.com/pmoura/chirp/internal/chat"
	"github.com/pmoura/chirp/internal/contacts"
	"github.com/pmoura/chirp/internal/typing"
	"github.com/pmoura/chirp/internal/wire"
)

// router fans decoded inbound frames out to the domain components. It is the
// single conn.Router the connection manager dispatches into.
type router struct {
	chat     *chat.Store
	typing   *typing.Coordinator
	calls    *call.Engine
	contacts *contacts.Directory
}

func (r *router) HandleMessage(m wire.ChatMessage) {
	r.chat.HandleIncomingMessage(m)
}

func (r *router) HandleReadReceipt(rr wire.ReadReceipt) {
	r.chat.HandleReadReceipt(rr)
}

func (r *router) HandleTyping(t wire.TypingSignal) {
	r.typing.HandleTypingIndicator(t.FromEmail, t.Typing)
}

func (r *router) HandleCallSignal(s wire.CallSignal) {
	r.calls.HandleSignal(s)
}

func (r *router) HandlePresence(p wire.Presence) {
	r.contacts.SetOnline(p.Email, p.Online)
}
