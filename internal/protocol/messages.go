package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants on the events stream.
type MessageType string

const (
	TypeSubscribe MessageType = "subscribe"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"
	TypeQuit      MessageType = "quit"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Subscribe narrows the stream to one user. An empty UserID receives every
// user's events.
type Subscribe struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

// TurnEvent is an out-of-band outcome of a turn that had no waiting caller:
// a failure or the user quitting the conversation.
type TurnEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	MsgID  string      `json:"msg_id,omitempty"`
	Detail string      `json:"detail,omitempty"`
	TSMs   int64       `json:"ts_ms"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubscribe:
		var msg Subscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}
