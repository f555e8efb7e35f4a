package call

import (
	"context"

	"github.com/pmoura/chirp/internal/wire"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string // "offer" or "answer"
	SDP  string
}

// PeerState mirrors the native peer connection state the engine cares about.
type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// MediaTrack is one local capture track. SetEnabled mutes in place; the
// track stays attached to the peer connection (no renegotiation).
type MediaTrack interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream is a set of acquired local tracks.
type MediaStream interface {
	Tracks() []MediaTrack
	Stop()
}

// MediaDevices acquires local capture media. Acquisition can block on a
// permission prompt, so it takes a context and runs outside engine locks.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, audio, video bool) (MediaStream, error)
}

// PeerConnection is the slice of a native WebRTC peer connection the engine
// drives. Handler registration is single-assignment per connection
// instance; DetachHandlers must drop all of them before Close so teardown
// never reenters the engine.
type PeerConnection interface {
	AddTrack(t MediaTrack) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c wire.ICECandidate) error

	OnICECandidate(fn func(wire.ICECandidate))
	OnTrack(fn func(kind string))
	OnConnectionStateChange(fn func(PeerState))
	DetachHandlers()

	Close() error
}

// PeerFactory builds peer connections. The production factory carries the
// configured ICE servers.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
