package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Socket is one live connection to the realtime backend. Implementations
// must tolerate Close being called concurrently with reads and writes.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens sockets; tests substitute fakes
type Dialer interface {
	DialContext(ctx context.Context, url string) (Socket, error)
}

// WSDialer dials WebSocket endpoints
type WSDialer struct {
	HandshakeTimeout time.Duration
	// PingInterval sizes the read deadline; a peer silent for two intervals
	// is considered gone
	PingInterval time.Duration
}

// DialContext opens a WebSocket connection
func (d *WSDialer) DialContext(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return newWSSocket(conn, d.PingInterval), nil
}

// wsSocket adapts a gorilla connection to the Socket interface
type wsSocket struct {
	conn    *websocket.Conn
	readTTL time.Duration

	writeMu sync.Mutex
}

func newWSSocket(conn *websocket.Conn, pingInterval time.Duration) *wsSocket {
	readTTL := 2 * pingInterval
	if pingInterval <= 0 {
		readTTL = 2 * time.Minute
	}
	s := &wsSocket{conn: conn, readTTL: readTTL}

	conn.SetReadDeadline(time.Now().Add(readTTL))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTTL))
		return nil
	})

	return s
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(s.readTTL))
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
