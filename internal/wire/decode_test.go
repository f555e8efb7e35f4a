package wire

import (
	"errors"
	"testing"
)

func TestDecodeReadReceiptVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reader  string
		other   string
		wantErr bool
	}{
		{"myEmail variant", `{"myEmail":"a@x.com","otherEmail":"b@x.com"}`, "a@x.com", "b@x.com", false},
		{"meEmail variant", `{"meEmail":"a@x.com","otherEmail":"b@x.com"}`, "a@x.com", "b@x.com", false},
		{"myEmail wins when both present", `{"myEmail":"a@x.com","meEmail":"c@x.com","otherEmail":"b@x.com"}`, "a@x.com", "b@x.com", false},
		{"missing reader", `{"otherEmail":"b@x.com"}`, "", "", true},
		{"missing other", `{"myEmail":"a@x.com"}`, "", "", true},
		{"not json", `{"myEmail":`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReadReceipt([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("err = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if r.Reader != tt.reader || r.Other != tt.other {
				t.Errorf("got %+v, want reader=%s other=%s", r, tt.reader, tt.other)
			}
		})
	}
}

func TestDecodeChatMessage(t *testing.T) {
	m, err := DecodeChatMessage([]byte(`{"id":"42","senderEmail":"a@x.com","receiverEmail":"b@x.com","content":"hi","timestamp":1000}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "42" || m.Content != "hi" {
		t.Errorf("unexpected message: %+v", m)
	}
	// Status defaults to DELIVERED when the server omits it.
	if m.Status != StatusDelivered {
		t.Errorf("status = %q, want DELIVERED", m.Status)
	}
}

func TestDecodeChatMessageMissingID(t *testing.T) {
	if _, err := DecodeChatMessage([]byte(`{"senderEmail":"a@x.com"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeCallSignal(t *testing.T) {
	s, err := DecodeCallSignal([]byte(`{"type":"ICE","callId":"c1","candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != SignalICE || s.CallID != "c1" {
		t.Errorf("unexpected signal: %+v", s)
	}

	if _, err := DecodeCallSignal([]byte(`{"callId":"c1"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed for missing type", err)
	}
}

func TestDecodeTypingSignal(t *testing.T) {
	s, err := DecodeTypingSignal([]byte(`{"fromEmail":"a@x.com","typing":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Typing || s.FromEmail != "a@x.com" {
		t.Errorf("unexpected signal: %+v", s)
	}
}
