package service

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

// ChatTransport is the socket a session reads frames from and writes frames to.
type ChatTransport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// deadlineTransport is implemented by websocket connections that support pong-driven read deadlines.
type deadlineTransport interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// ChatConnectionOptions wraps the verified identity extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        uint
	Username      string
	CorrelationID string
	Context       context.Context
}

type chatSession struct {
	userID      uint
	username    string
	transportID string
	transport   ChatTransport
	send        chan dto.ServerFrame
	closed      chan struct{}
	once        sync.Once
	ctx         context.Context
	correlation string
	logger      zerolog.Logger
}

func newChatSession(transport ChatTransport, opts ChatConnectionOptions, buffer int, logger zerolog.Logger) *chatSession {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}

	transportID := uuid.NewString()
	return &chatSession{
		userID:      opts.UserID,
		username:    opts.Username,
		transportID: transportID,
		transport:   transport,
		send:        make(chan dto.ServerFrame, buffer),
		closed:      make(chan struct{}),
		ctx:         ctx,
		correlation: opts.CorrelationID,
		logger: logger.With().
			Uint("user_id", opts.UserID).
			Str("transport_id", transportID).
			Str("correlation_id", opts.CorrelationID).
			Logger(),
	}
}

// enqueue hands a frame to the writer without blocking. It returns false when
// the session is closed or its queue is full.
func (s *chatSession) enqueue(frame dto.ServerFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *chatSession) emit(event dto.ServerEvent) bool {
	return s.enqueue(dto.NewServerFrame(event))
}

func (s *chatSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// close stops the writer and closes the transport. Safe to call repeatedly.
func (s *chatSession) close() {
	s.once.Do(func() {
		close(s.closed)
		if s.transport != nil {
			_ = s.transport.Close()
		}
	})
}

func (s *chatSession) armReadDeadline(pongWait time.Duration) {
	conn, ok := s.transport.(deadlineTransport)
	if !ok || pongWait <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// writer drains the send queue in order and keeps the socket alive with pings.
func (s *chatSession) writer(pingInterval time.Duration) {
	defer s.close()

	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			if err := s.transport.WriteJSON(frame); err != nil {
				s.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := s.transport.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				s.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}
