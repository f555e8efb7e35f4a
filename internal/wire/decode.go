package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks payloads that cannot be decoded into a canonical shape.
// Handlers log and drop these instead of failing.
var ErrMalformed = errors.New("malformed payload")

// DecodeChatMessage parses an inbound chat message frame.
func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.ID == "" || m.SenderEmail == "" {
		return ChatMessage{}, fmt.Errorf("%w: missing id or sender", ErrMalformed)
	}
	if m.Status == "" {
		m.Status = StatusDelivered
	}
	return m, nil
}

// DecodeReadReceipt parses a read-receipt frame, tolerating both field
// naming conventions the backend has shipped ("myEmail" and "meEmail").
// The variant branch lives only here; internal logic sees one shape.
func DecodeReadReceipt(data []byte) (ReadReceipt, error) {
	var raw struct {
		MyEmail    string `json:"myEmail"`
		MeEmail    string `json:"meEmail"`
		OtherEmail string `json:"otherEmail"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ReadReceipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	reader := raw.MyEmail
	if reader == "" {
		reader = raw.MeEmail
	}
	if reader == "" || raw.OtherEmail == "" {
		return ReadReceipt{}, fmt.Errorf("%w: missing reader or other email", ErrMalformed)
	}
	return ReadReceipt{Reader: reader, Other: raw.OtherEmail}, nil
}

// DecodeTypingSignal parses a typing indicator frame.
func DecodeTypingSignal(data []byte) (TypingSignal, error) {
	var s TypingSignal
	if err := json.Unmarshal(data, &s); err != nil {
		return TypingSignal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.FromEmail == "" && s.ToEmail == "" {
		return TypingSignal{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	return s, nil
}

// DecodeCallSignal parses a call queue frame.
func DecodeCallSignal(data []byte) (CallSignal, error) {
	var s CallSignal
	if err := json.Unmarshal(data, &s); err != nil {
		return CallSignal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Type == "" {
		return CallSignal{}, fmt.Errorf("%w: missing signal type", ErrMalformed)
	}
	return s, nil
}

// DecodePresence parses a presence frame.
func DecodePresence(data []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return Presence{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Email == "" {
		return Presence{}, fmt.Errorf("%w: missing email", ErrMalformed)
	}
	return p, nil
}
