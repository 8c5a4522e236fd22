package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingSession = errors.New("session_id is required")
)

// Decode 根据 type 字段把上行消息解析为具体结构，返回 *Ping、*UIEvent、*Control 或 *DeviceError
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypePing:
		msg := &Ping{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: ping: %v", ErrMalformed, err)
		}
		return msg, nil
	case TypeUIEvent:
		msg := &UIEvent{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: ui_event: %v", ErrMalformed, err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: ui_event", ErrMissingSession)
		}
		return msg, nil
	case TypePause, TypeResume, TypeStop:
		msg := &Control{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingSession, env.Type)
		}
		return msg, nil
	case TypeError:
		msg := &DeviceError{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: error", ErrMissingSession)
		}
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
}

// UnmarshalJSON 兼容旧版本客户端使用的 "package" 字段
func (e *UIEvent) UnmarshalJSON(data []byte) error {
	type plain UIEvent
	aux := struct {
		*plain
		Package string `json:"package"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.PackageName == "" {
		e.PackageName = aux.Package
	}
	return nil
}
