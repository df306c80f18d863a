package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// Close codes used by the lobby.
const (
	CloseNormal    = ws.CloseNormalClosure
	CloseGoingAway = ws.CloseGoingAway
)

// maxCloseReason is the largest close reason that fits a control frame with its status code.
const maxCloseReason = 123

// maxMessageSize bounds one inbound frame. Client messages are tiny.
const maxMessageSize = 4096

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is one upgraded WebSocket connection. Send and Close are safe for
// concurrent use; ReadMessage must be called from a single goroutine.
type Conn struct {
	id     string
	raw    *ws.Conn
	header http.Header

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded connection. Each inbound frame or pong extends the
// read deadline by readTimeout.
//
// Precondition: raw must be an open connection; id must be unique among live connections.
// Postcondition: Returns a Conn whose read deadline is armed.
func NewConn(id string, raw *ws.Conn, header http.Header, readTimeout, writeTimeout, pingInterval time.Duration) *Conn {
	c := &Conn{
		id:           id,
		raw:          raw,
		header:       header,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
	raw.SetReadLimit(maxMessageSize)
	c.extendReadDeadline()
	raw.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Header returns the named header from the upgrade request.
func (c *Conn) Header(name string) string { return c.header.Get(name) }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadMessage blocks for the next text frame. Binary frames are skipped.
//
// Postcondition: Returns the frame payload, or an error once the connection
// is closed by either side or the read deadline passes.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.raw.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendReadDeadline()
		if kind == ws.TextMessage {
			return data, nil
		}
	}
}

// Send encodes msg and writes it as one text frame.
func (c *Conn) Send(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.raw.WriteMessage(ws.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.ServerType(), err)
	}
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect. Reasons longer than a control frame
// allows are truncated.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		_ = c.raw.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(code, reason), c.controlDeadline())
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

// keepalive pings the client every pingInterval until the connection closes.
// A failed ping closes the connection, which unblocks ReadMessage.
func (c *Conn) keepalive() {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.raw.WriteControl(ws.PingMessage, nil, c.controlDeadline()); err != nil {
				_ = c.raw.Close()
				return
			}
		}
	}
}

func (c *Conn) controlDeadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Now().Add(time.Second)
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *Conn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// IsNormalClose reports whether err ended a session without fault: a clean
// close frame from the client or a connection this side already closed.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, ws.ErrCloseSent) || errors.Is(err, ErrConnClosed) {
		return true
	}
	return ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway, ws.CloseNoStatusReceived)
}
