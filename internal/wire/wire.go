package wire

// Message status values as carried on the wire and kept in conversation
// buckets. PENDING marks a local optimistic echo that the server has not
// confirmed yet.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusRead      = "READ"
)

// Call types.
const (
	CallTypeAudio = "AUDIO"
	CallTypeVideo = "VIDEO"
)

// Call response types.
const (
	ResponseAccept = "ACCEPT"
	ResponseReject = "REJECT"
)

// Call signal discriminators on the shared call queue.
const (
	SignalOffer     = "OFFER"
	SignalResponse  = "RESPONSE"
	SignalICE       = "ICE"
	SignalEnd       = "END"
	SignalConnected = "CONNECTED"
)

// Call end reasons.
const (
	ReasonHangup         = "USER_HANGUP"
	ReasonRejected       = "CALL_REJECTED"
	ReasonConnectionLost = "CONNECTION_LOST"
	ReasonMediaError     = "MEDIA_ERROR"
)

// ChatMessage is a chat message, either server-confirmed (durable ID) or a
// local optimistic echo (ID prefixed with "tmp-", status PENDING).
type ChatMessage struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	SenderEmail   string `json:"senderEmail"`
	ReceiverEmail string `json:"receiverEmail"`
	Content       string `json:"content"`
	Timestamp     int64  `json:"timestamp"`
	Status        string `json:"status"`
}

// SendCommand is the outbound send payload.
type SendCommand struct {
	ReceiverEmail string `json:"receiverEmail"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TypingSignal is the typing indicator payload, both directions.
type TypingSignal struct {
	ToEmail   string `json:"toEmail,omitempty"`
	FromEmail string `json:"fromEmail,omitempty"`
	Typing    bool   `json:"typing"`
}

// ReadReceipt is the canonical read-receipt shape after ingress
// normalization: Reader marked messages from Other as read.
type ReadReceipt struct {
	Reader string `json:"myEmail"`
	Other  string `json:"otherEmail"`
}

// CallSignal is the flat union carried on the call queue, discriminated by
// Type. Unused fields are left zero for a given discriminator.
type CallSignal struct {
	Type          string `json:"type"`
	CallID        string `json:"callId"`
	CallerEmail   string `json:"callerEmail,omitempty"`
	ReceiverEmail string `json:"receiverEmail,omitempty"`
	CallType      string `json:"callType,omitempty"`
	SDPOffer      string `json:"sdpOffer,omitempty"`
	SDPAnswer     string `json:"sdpAnswer,omitempty"`
	ResponseType  string `json:"responseType,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ICECandidate is a network path descriptor queued until the remote
// description is applied.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Presence is the contact presence payload.
type Presence struct {
	Email  string `json:"email"`
	Online bool   `json:"online"`
}
