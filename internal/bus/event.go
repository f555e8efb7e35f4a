package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. UI consumers subscribe by namespace
// prefix, e.g. "chat." or "call.".
const (
	KindConnConnected    = "conn.connected"
	KindConnDisconnected = "conn.disconnected"
	KindConnLost         = "conn.lost"

	KindChatMessage = "chat.message"
	KindChatRead    = "chat.read"

	KindTypingChanged = "typing.changed"

	KindContactUpdated = "contact.updated"

	KindCallStatus      = "call.status"
	KindCallDuration    = "call.duration"
	KindCallIncoming    = "call.incoming"
	KindCallEnded       = "call.ended"
	KindCallRemoteTrack = "call.remote_track"
)
