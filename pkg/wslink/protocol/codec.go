package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned by Decode for frames that are not JSON objects
	// or whose envelope fields have the wrong type.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingAction is returned by Decode for objects without an action.
	ErrMissingAction = errors.New("frame has no action")
)

// Encode serializes msg into a JSON text frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}

	var fields map[string]json.RawMessage
	var err error

	out := make(map[string]any)

	switch m := msg.(type) {
	case *Subscribe:
		out[keyTopic] = m.Topic
	case *Unsubscribe:
		out[keyTopic] = m.Topic
	case *Ping:
		if m.Response {
			out[keyResponse] = true
		}
	case *SocketInfo:
		out[keyID] = m.ID
	case *Command:
		if fields, err = payloadFields(m.Payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", m.Topic, err)
		}
		mergeFields(out, m.Fields)
		mergeFields(out, fields)
		out[keyTopic] = m.Topic
		if m.OriginID != nil {
			out[keyOriginID] = *m.OriginID
		}
	case *Result:
		mergeFields(out, m.Fields)
	case *Error:
		mergeFields(out, m.Fields)
		out[keyError] = m.Message
	case *Unknown:
		mergeFields(out, m.Fields)
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	out[keyAction] = msg.Action()
	if token := TokenOf(msg); token != "" {
		out[keyToken] = token
	}

	return json.Marshal(out)
}

// Decode parses a JSON text frame into its typed Message.
//
// Frames that are not JSON objects, or whose envelope fields have the wrong
// type, yield an error wrapping ErrMalformed. Objects without an action yield
// ErrMissingAction. Unrecognized actions decode to *Unknown.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var action string
	if ok, err := take(fields, keyAction, &action); err != nil {
		return nil, err
	} else if !ok || action == "" {
		return nil, ErrMissingAction
	}

	var hdr Header
	if _, err := take(fields, keyToken, &hdr.Token); err != nil {
		return nil, err
	}

	raw := bytes.Clone(data)

	switch Action(action) {
	case ActionSubscribe, ActionUnsubscribe:
		var topic string
		if _, err := take(fields, keyTopic, &topic); err != nil {
			return nil, err
		}
		if Action(action) == ActionSubscribe {
			return &Subscribe{Header: hdr, Topic: topic}, nil
		}
		return &Unsubscribe{Header: hdr, Topic: topic}, nil

	case ActionPing:
		msg := &Ping{Header: hdr}
		if _, err := take(fields, keyResponse, &msg.Response); err != nil {
			return nil, err
		}
		return msg, nil

	case ActionSocketInfo:
		msg := &SocketInfo{Header: hdr}
		if ok, err := take(fields, keyID, &msg.ID); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: socket_info without id", ErrMalformed)
		}
		return msg, nil

	case ActionCommand:
		msg := &Command{Header: hdr, raw: raw}
		if ok, err := take(fields, keyTopic, &msg.Topic); err != nil {
			return nil, err
		} else if !ok || msg.Topic == "" {
			return nil, fmt.Errorf("%w: command without topic", ErrMalformed)
		}
		var origin int64
		if ok, err := take(fields, keyOriginID, &origin); err != nil {
			return nil, err
		} else if ok {
			msg.OriginID = &origin
		}
		msg.Fields = fields
		return msg, nil

	case ActionResult:
		return &Result{Header: hdr, Fields: fields, raw: raw}, nil

	case ActionError:
		msg := &Error{Header: hdr, raw: raw}
		if _, err := take(fields, keyError, &msg.Message); err != nil {
			return nil, err
		}
		msg.Fields = fields
		return msg, nil

	default:
		return &Unknown{Header: hdr, Name: Action(action), Fields: fields}, nil
	}
}

// take removes key from fields and unmarshals it into dst. A JSON null counts
// as absent.
func take(fields map[string]json.RawMessage, key string, dst any) (bool, error) {
	value, ok := fields[key]
	if !ok {
		return false, nil
	}
	delete(fields, key)

	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return false, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
	}
	return true, nil
}

func payloadFields(payload any) (map[string]json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload must encode to a JSON object: %w", err)
	}
	return fields, nil
}

func mergeFields(dst map[string]any, fields map[string]json.RawMessage) {
	for key, value := range fields {
		dst[key] = value
	}
}
