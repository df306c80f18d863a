package testutil

import (
	"errors"
	"net/http"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// TicketHeader is the upgrade header carrying the platform session ticket.
const TicketHeader = "x-steam-token"

// LobbyClient is a WebSocket test client speaking the lobby protocol.
type LobbyClient struct {
	conn *ws.Conn
	t    *testing.T
}

// DialLobby connects to url, sending ticket in TicketHeader when non-empty.
//
// Precondition: url must be a ws:// URL of a listening lobby.
// Postcondition: Returns a connected client closed by t.Cleanup, or fails the test.
func DialLobby(t *testing.T, url, ticket string) *LobbyClient {
	t.Helper()
	start := time.Now()

	header := http.Header{}
	if ticket != "" {
		header.Set(TicketHeader, ticket)
	}
	dialer := ws.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() { _ = conn.Close() })

	t.Logf("lobby client connected to %s [%s]", url, time.Since(start))
	return &LobbyClient{conn: conn, t: t}
}

// Expect reads the next server message, failing the test on timeout, close, or decode error.
func (c *LobbyClient) Expect(timeout time.Duration) protocol.ServerMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading server message: %v", err)
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		c.t.Fatalf("decoding %q: %v", data, err)
	}
	return msg
}

// ExpectNothing asserts no message arrives within wait. A timed-out gorilla
// connection cannot be read again, so this must be the last read.
func (c *LobbyClient) ExpectNothing(wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected silence, got %q", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClose reads until the server closes and returns the close code and reason.
func (c *LobbyClient) ExpectClose(timeout time.Duration) (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err == nil {
			c.t.Logf("discarding %q while waiting for close", data)
			continue
		}
		var closeErr *ws.CloseError
		if !errors.As(err, &closeErr) {
			c.t.Fatalf("expected close frame, got %v", err)
		}
		return closeErr.Code, closeErr.Text
	}
}

// Send encodes and writes a client message.
func (c *LobbyClient) Send(msg protocol.ClientMessage) {
	c.t.Helper()
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		c.t.Fatalf("encoding %T: %v", msg, err)
	}
	c.SendRaw(data)
}

// SendRaw writes data as one text frame.
func (c *LobbyClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Close sends a normal close frame and closes the socket.
func (c *LobbyClient) Close() {
	_ = c.conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
