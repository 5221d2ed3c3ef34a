// Package protocol defines the websocket wire format: an envelope
// {"type", "ref", "data"} whose type is drawn from a closed set of kinds,
// each bound to exactly one payload struct.
package protocol

import "fmt"

type Kind uint8

const (
	KindUnknown Kind = iota

	// client -> server
	MessageSend
	MessageDelete
	MessageUpdate
	ChannelCreate
	ChannelUpdate
	ChannelDelete
	ChannelOpenDM
	ReactionAdd
	ReactionRemove
	StatusUpdate
	TypingStart
	TypingStop
	Ping

	// server -> client
	MessageDelivered
	MessageNew
	MessageDeleted
	MessageUpdated
	MessageError
	ChannelCreated
	ChannelDeleted
	ChannelUpdated
	ReactionAdded
	ReactionRemoved
	StatusChanged
	Typing
	Error
	Pong
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	MessageSend:      "message.send",
	MessageDelete:    "message.delete",
	MessageUpdate:    "message.update",
	ChannelCreate:    "channel.create",
	ChannelUpdate:    "channel.update",
	ChannelDelete:    "channel.delete",
	ChannelOpenDM:    "channel.open_dm",
	ReactionAdd:      "reaction.add",
	ReactionRemove:   "reaction.remove",
	StatusUpdate:     "status.update",
	TypingStart:      "typing.start",
	TypingStop:       "typing.stop",
	Ping:             "ping",
	MessageDelivered: "message.delivered",
	MessageNew:       "message.new",
	MessageDeleted:   "message.deleted",
	MessageUpdated:   "message.updated",
	MessageError:     "message.error",
	ChannelCreated:   "channel.created",
	ChannelDeleted:   "channel.deleted",
	ChannelUpdated:   "channel.updated",
	ReactionAdded:    "reaction.added",
	ReactionRemoved:  "reaction.removed",
	StatusChanged:    "status.changed",
	Typing:           "typing",
	Error:            "error",
	Pong:             "pong",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if Kind(k) != KindUnknown {
			m[name] = Kind(k)
		}
	}
	return m
}()

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Inbound reports whether clients may send k.
func (k Kind) Inbound() bool { return k >= MessageSend && k <= Ping }

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("marshal unknown event kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, ok := kindsByName[string(b)]
	if !ok {
		return fmt.Errorf("unknown event type %q", string(b))
	}
	*k = kind
	return nil
}

// InboundKinds returns every inbound kind, in declaration order.
func InboundKinds() []Kind {
	out := make([]Kind, 0, Ping-MessageSend+1)
	for k := MessageSend; k <= Ping; k++ {
		out = append(out, k)
	}
	return out
}
