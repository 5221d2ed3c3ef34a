package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lalith-99/hackerchat/internal/apperr"
)

// Envelope is the frame every websocket message travels in. Ref
// correlates a request with its errors; the server echoes it.
type Envelope struct {
	Type Kind            `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode frames ev with ref.
func Encode(ref string, ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Ref: ref, Data: data})
}

// EncodeRequest frames a client request. Clients use it.
func EncodeRequest(ref string, in Inbound) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", in.Kind(), err)
	}
	return json.Marshal(Envelope{Type: in.Kind(), Ref: ref, Data: data})
}

// Decode parses and validates a client frame. Every failure is a
// Validation error scoped to the frame's ref when one could be read.
func Decode(raw []byte) (Envelope, Inbound, error) {
	var frame struct {
		Type string          `json:"type"`
		Ref  string          `json:"ref"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Envelope{}, nil, apperr.New(apperr.Validation, "bad_frame", "malformed frame")
	}
	env := Envelope{Ref: frame.Ref, Data: frame.Data}
	kind, known := kindsByName[frame.Type]
	factory, ok := inboundFactories[kind]
	if !known || !ok {
		return env, nil, apperr.New(apperr.Validation, "bad_type", fmt.Sprintf("unsupported event type %q", frame.Type)).WithRef(env.Ref)
	}
	env.Type = kind

	payload := factory()
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(payload); err != nil {
			return env, nil, apperr.New(apperr.Validation, "bad_payload", fmt.Sprintf("invalid %s payload: %v", env.Type, err)).WithRef(env.Ref)
		}
	}
	if err := payload.Validate(); err != nil {
		return env, nil, apperr.As(err).WithRef(env.Ref)
	}
	return env, payload, nil
}

// DecodeEvent parses a server frame. Clients use it.
func DecodeEvent(raw []byte) (Envelope, Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}
	factory, ok := outboundFactories[env.Type]
	if !ok {
		return env, nil, fmt.Errorf("%s is not a server event", env.Type)
	}
	ev := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return env, nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return env, deref(ev), nil
}

// deref turns the *T the factories allocate back into T so callers can
// type-switch on value types, the same types the server sends.
func deref(ev Outbound) Outbound {
	switch e := ev.(type) {
	case *Delivered:
		return *e
	case *NewMessageEvent:
		return *e
	case *MessageDeletedEvent:
		return *e
	case *MessageUpdatedEvent:
		return *e
	case *MessageErrorEvent:
		return *e
	case *ChannelCreatedEvent:
		return *e
	case *ChannelDeletedEvent:
		return *e
	case *ChannelUpdatedEvent:
		return *e
	case *ReactionAddedEvent:
		return *e
	case *ReactionRemovedEvent:
		return *e
	case *StatusChangedEvent:
		return *e
	case *TypingEvent:
		return *e
	case *ErrorEvent:
		return *e
	case *PongEvent:
		return *e
	}
	return ev
}

// ErrorFor converts err into the event a client should see: a
// message.error for failed sends (keyed by temp id), an error otherwise.
func ErrorFor(err error, tempID string) Outbound {
	ae := apperr.As(err)
	if tempID != "" {
		return MessageErrorEvent{TempID: tempID, Code: ae.Code, Reason: apperr.Public(err)}
	}
	return ErrorEvent{Code: ae.Code, Message: apperr.Public(err), Ref: ae.Ref}
}
