package chatclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Credentials identify the user the session is opened for.
type Credentials struct {
	Token  string
	UserID uint
}

// AuthSource hands out credentials once authentication has initialised.
// Ready blocks until then and must not return empty credentials.
type AuthSource interface {
	Ready(ctx context.Context) (Credentials, error)
}

// Conn is a single open transport to the chat server.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error)
}

// WebsocketDialer dials the server with gorilla/websocket, sending the token
// as a bearer header.
type WebsocketDialer struct {
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		timeout := d.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial chat server: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial chat server: %w", err)
	}
	return conn, nil
}
