package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"github.com/pmoura/chirp/internal/auth"
	"github.com/pmoura/chirp/internal/config"
)

const heartBeat = 10 * time.Second

// DialSTOMP opens the websocket, performs the STOMP handshake with the
// bearer credential, and returns the live transport.
func DialSTOMP(ctx context.Context, cfg config.Server, creds *auth.Credentials) (Transport, error) {
	u, err := url.Parse(cfg.WebSocketURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WebSocketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	vhost := cfg.VirtualHost
	if vhost == "" {
		vhost = u.Host
	}

	sc, err := stomp.Connect(newWSConn(ws),
		stomp.ConnOpt.Host(vhost),
		stomp.ConnOpt.Header("Authorization", "Bearer "+creds.Token),
		stomp.ConnOpt.HeartBeat(heartBeat, heartBeat),
	)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("stomp handshake: %w", err)
	}

	return &stompTransport{conn: sc}, nil
}

type stompTransport struct {
	conn *stomp.Conn
}

func (t *stompTransport) Send(destination string, body []byte) error {
	return t.conn.Send(destination, "application/json", body)
}

func (t *stompTransport) Subscribe(destination string) (<-chan Frame, func() error, error) {
	sub, err := t.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Frame, 64)
	go func() {
		defer close(ch)
		for msg := range sub.C {
			if msg == nil {
				return
			}
			if msg.Err != nil {
				ch <- Frame{Err: msg.Err}
				return
			}
			ch <- Frame{Body: msg.Body}
		}
	}()

	return ch, sub.Unsubscribe, nil
}

func (t *stompTransport) Disconnect() error {
	return t.conn.Disconnect()
}
