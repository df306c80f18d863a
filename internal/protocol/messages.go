// Package protocol defines the JSON envelope exchanged between lobby clients
// and the lobby server, and the closed set of payloads each side may send.
//
// Every frame is {"MessageType": <int>, "MessageContent": <object>}. The
// discriminator is resolved before the content is parsed.
package protocol

// ClientMessageType discriminates client → server messages.
type ClientMessageType int

// Client → server message types.
const (
	StartMatchMaking ClientMessageType = 1
)

// ServerMessageType discriminates server → client messages.
type ServerMessageType int

// Server → client message types.
const (
	ConnectionError       ServerMessageType = 1
	ConnectionEstablished ServerMessageType = 2
	MatchmakingStarted    ServerMessageType = 3
	MatchFound            ServerMessageType = 4
)

func (t ServerMessageType) String() string {
	switch t {
	case ConnectionError:
		return "ConnectionError"
	case ConnectionEstablished:
		return "ConnectionEstablished"
	case MatchmakingStarted:
		return "MatchmakingStarted"
	case MatchFound:
		return "MatchFound"
	}
	return "Unknown"
}

// ServerMessage is implemented by every payload the server sends.
type ServerMessage interface {
	ServerType() ServerMessageType
}

// ClientMessage is implemented by every payload a client sends.
type ClientMessage interface {
	ClientType() ClientMessageType
}

// ConnectionErrorMessage explains why a connection was refused.
type ConnectionErrorMessage struct {
	Reason string `json:"Reason"`
}

// ConnectionEstablishedMessage greets an authenticated client.
type ConnectionEstablishedMessage struct {
	Username       string `json:"Username"`
	WelcomeMessage string `json:"WelcomeMessage"`
}

// MatchmakingStartedMessage acknowledges StartMatchMaking. It has no content.
type MatchmakingStartedMessage struct{}

// MatchFoundMessage tells both matched clients where their game server is.
type MatchFoundMessage struct {
	ServerUrl  string `json:"ServerUrl"`
	ServerPort int    `json:"ServerPort"`
}

func (ConnectionErrorMessage) ServerType() ServerMessageType       { return ConnectionError }
func (ConnectionEstablishedMessage) ServerType() ServerMessageType { return ConnectionEstablished }
func (MatchmakingStartedMessage) ServerType() ServerMessageType    { return MatchmakingStarted }
func (MatchFoundMessage) ServerType() ServerMessageType            { return MatchFound }

// StartMatchMakingMessage asks the server to pair this client. It has no content.
type StartMatchMakingMessage struct{}

func (StartMatchMakingMessage) ClientType() ClientMessageType { return StartMatchMaking }

// UnknownClientMessage carries a discriminator this server does not understand.
// It is returned without error so newer clients keep working against older servers.
type UnknownClientMessage struct {
	Type ClientMessageType
}

func (m UnknownClientMessage) ClientType() ClientMessageType { return m.Type }

// UnknownServerMessage is the server-side counterpart of UnknownClientMessage.
type UnknownServerMessage struct {
	Type ServerMessageType
}

func (m UnknownServerMessage) ServerType() ServerMessageType { return m.Type }
