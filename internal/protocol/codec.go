package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned when a frame is not a JSON object with an
// integer MessageType, or when its content does not match the type's schema.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the outer wire structure of every frame.
type Envelope struct {
	MessageType    int             `json:"MessageType"`
	MessageContent json.RawMessage `json:"MessageContent"`
}

// rawEnvelope defers both fields so the discriminator can be validated on its own.
type rawEnvelope struct {
	MessageType    json.RawMessage `json:"MessageType"`
	MessageContent json.RawMessage `json:"MessageContent"`
}

// Encode wraps a server payload in an Envelope and marshals it.
//
// Postcondition: Returns the JSON frame. Never fails for the payload types in this package.
func Encode(msg ServerMessage) ([]byte, error) {
	return encode(int(msg.ServerType()), msg)
}

// MustEncode is Encode for payloads known to be well-formed.
func MustEncode(msg ServerMessage) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(fmt.Sprintf("encoding %s: %v", msg.ServerType(), err))
	}
	return b
}

// EncodeClient wraps a client payload in an Envelope and marshals it.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encode(int(msg.ClientType()), msg)
}

func encode(msgType int, payload interface{}) ([]byte, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling content: %w", err)
	}
	b, err := json.Marshal(Envelope{MessageType: msgType, MessageContent: content})
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	return b, nil
}

// DecodeClient parses a client frame.
//
// Postcondition: Returns the typed message, an UnknownClientMessage for an
// unrecognised discriminator, or an error wrapping ErrMalformedMessage.
func DecodeClient(data []byte) (ClientMessage, error) {
	msgType, _, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch ClientMessageType(msgType) {
	case StartMatchMaking:
		// No content; anything the client put there is ignored.
		return StartMatchMakingMessage{}, nil
	default:
		return UnknownClientMessage{Type: ClientMessageType(msgType)}, nil
	}
}

// DecodeServer parses a server frame. Used by Go clients and tests.
//
// Postcondition: Returns the typed message, an UnknownServerMessage for an
// unrecognised discriminator, or an error wrapping ErrMalformedMessage.
func DecodeServer(data []byte) (ServerMessage, error) {
	msgType, content, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch ServerMessageType(msgType) {
	case ConnectionError:
		var m ConnectionErrorMessage
		if err := decodeContent(content, &m); err != nil {
			return nil, err
		}
		return m, nil
	case ConnectionEstablished:
		var m ConnectionEstablishedMessage
		if err := decodeContent(content, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MatchmakingStarted:
		return MatchmakingStartedMessage{}, nil
	case MatchFound:
		var m MatchFoundMessage
		if err := decodeContent(content, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return UnknownServerMessage{Type: ServerMessageType(msgType)}, nil
	}
}

// splitEnvelope resolves the discriminator and returns the still-raw content.
func splitEnvelope(data []byte) (int, json.RawMessage, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(raw.MessageType) == 0 || string(raw.MessageType) == "null" {
		return 0, nil, fmt.Errorf("%w: missing MessageType", ErrMalformedMessage)
	}
	var msgType int
	if err := json.Unmarshal(raw.MessageType, &msgType); err != nil {
		return 0, nil, fmt.Errorf("%w: MessageType must be an integer, got %s", ErrMalformedMessage, raw.MessageType)
	}
	return msgType, raw.MessageContent, nil
}

func decodeContent(content json.RawMessage, v interface{}) error {
	if len(content) == 0 || string(content) == "null" {
		return nil
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: content: %v", ErrMalformedMessage, err)
	}
	return nil
}
