package protocol

import (
	"encoding/json"
	"fmt"
)

type tagProbe struct {
	Type Type `json:"type"`
}

// DecodeTerminalClient parses one terminal-channel client frame. Tags
// outside the terminal set, collaboration tags included, yield
// UnknownMessageTypeError.
func DecodeTerminalClient(data []byte) (TerminalClientMessage, error) {
	var probe tagProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch probe.Type {
	case TypeTerminalInput:
		var msg InputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypeTerminalResize:
		var msg ResizeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypeTerminalSignal:
		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypePing:
		return PingMessage{Type: TypePing}, nil
	default:
		return nil, UnknownMessageTypeError{Type: probe.Type}
	}
}

// DecodeCollabClient parses one collaboration-channel client frame.
func DecodeCollabClient(data []byte) (CollabClientMessage, error) {
	var probe tagProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch probe.Type {
	case TypeCollabJoin:
		var msg JoinMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypeCollabChat:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypeCollabCursor:
		var msg CursorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypeCollabTyping:
		var msg TypingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", probe.Type, err)
		}
		return msg, nil
	case TypePing:
		return PingMessage{Type: TypePing}, nil
	default:
		return nil, UnknownMessageTypeError{Type: probe.Type}
	}
}

// Encode marshals any server frame. It exists so callers share one place to
// change the wire encoding.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
