package protocol

import "github.com/lalith-99/hackerchat/internal/models"

// Outbound is a server -> client payload.
type Outbound interface {
	Kind() Kind
	outbound()
}

// Delivered goes to the connection that sent the message.
type Delivered struct {
	TempID      string          `json:"tempId"`
	PermanentID string          `json:"permanentId"`
	ChannelID   string          `json:"channelId"`
	Entity      *models.Message `json:"entity"`
}

type NewMessageEvent struct {
	Entity *models.Message `json:"entity"`
}

type MessageDeletedEvent struct {
	ID         string `json:"id"`
	OriginalID string `json:"originalId,omitempty"`
	ChannelID  string `json:"channelId"`
}

// MessageFields lists what changed. A present empty string means the
// field was cleared.
type MessageFields struct {
	ReplyToID  *string `json:"replyToId,omitempty"`
	ThreadID   *string `json:"threadId,omitempty"`
	ThreadName *string `json:"threadName,omitempty"`
}

type MessageUpdatedEvent struct {
	ID         string          `json:"id"`
	OriginalID string          `json:"originalId,omitempty"`
	ChannelID  string          `json:"channelId"`
	Fields     MessageFields   `json:"fields"`
	Entity     *models.Message `json:"entity"`
}

type MessageErrorEvent struct {
	TempID string `json:"tempId"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type ChannelCreatedEvent struct {
	Entity     *models.Channel `json:"entity"`
	OriginalID string          `json:"originalId,omitempty"`
}

type ChannelDeletedEvent struct {
	ID string `json:"id"`
}

type ChannelUpdatedEvent struct {
	Entity *models.Channel `json:"entity"`
}

type ReactionEvent struct {
	MessageID string          `json:"messageId"`
	ChannelID string          `json:"channelId"`
	Reaction  models.Reaction `json:"reaction"`
}

// ReactionAddedEvent and ReactionRemovedEvent share a shape.
type (
	ReactionAddedEvent   ReactionEvent
	ReactionRemovedEvent ReactionEvent
)

type StatusChangedEvent struct {
	UserID string        `json:"userId"`
	Status models.Status `json:"status"`
}

type TypingEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Active    bool   `json:"active"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type PongEvent struct{}

func (Delivered) Kind() Kind            { return MessageDelivered }
func (NewMessageEvent) Kind() Kind      { return MessageNew }
func (MessageDeletedEvent) Kind() Kind  { return MessageDeleted }
func (MessageUpdatedEvent) Kind() Kind  { return MessageUpdated }
func (MessageErrorEvent) Kind() Kind    { return MessageError }
func (ChannelCreatedEvent) Kind() Kind  { return ChannelCreated }
func (ChannelDeletedEvent) Kind() Kind  { return ChannelDeleted }
func (ChannelUpdatedEvent) Kind() Kind  { return ChannelUpdated }
func (ReactionAddedEvent) Kind() Kind   { return ReactionAdded }
func (ReactionRemovedEvent) Kind() Kind { return ReactionRemoved }
func (StatusChangedEvent) Kind() Kind   { return StatusChanged }
func (TypingEvent) Kind() Kind          { return Typing }
func (ErrorEvent) Kind() Kind           { return Error }
func (PongEvent) Kind() Kind            { return Pong }

func (Delivered) outbound()            {}
func (NewMessageEvent) outbound()      {}
func (MessageDeletedEvent) outbound()  {}
func (MessageUpdatedEvent) outbound()  {}
func (MessageErrorEvent) outbound()    {}
func (ChannelCreatedEvent) outbound()  {}
func (ChannelDeletedEvent) outbound()  {}
func (ChannelUpdatedEvent) outbound()  {}
func (ReactionAddedEvent) outbound()   {}
func (ReactionRemovedEvent) outbound() {}
func (StatusChangedEvent) outbound()   {}
func (TypingEvent) outbound()          {}
func (ErrorEvent) outbound()           {}
func (PongEvent) outbound()            {}

var outboundFactories = map[Kind]func() Outbound{
	MessageDelivered: func() Outbound { return &Delivered{} },
	MessageNew:       func() Outbound { return &NewMessageEvent{} },
	MessageDeleted:   func() Outbound { return &MessageDeletedEvent{} },
	MessageUpdated:   func() Outbound { return &MessageUpdatedEvent{} },
	MessageError:     func() Outbound { return &MessageErrorEvent{} },
	ChannelCreated:   func() Outbound { return &ChannelCreatedEvent{} },
	ChannelDeleted:   func() Outbound { return &ChannelDeletedEvent{} },
	ChannelUpdated:   func() Outbound { return &ChannelUpdatedEvent{} },
	ReactionAdded:    func() Outbound { return &ReactionAddedEvent{} },
	ReactionRemoved:  func() Outbound { return &ReactionRemovedEvent{} },
	StatusChanged:    func() Outbound { return &StatusChangedEvent{} },
	Typing:           func() Outbound { return &TypingEvent{} },
	Error:            func() Outbound { return &ErrorEvent{} },
	Pong:             func() Outbound { return &PongEvent{} },
}

func strPtr(s string) *string { return &s }

// ReplyCleared is the update sent for a reply whose target was deleted.
func ReplyCleared(m *models.Message) MessageUpdatedEvent {
	return MessageUpdatedEvent{
		ID: m.ID, OriginalID: m.OriginalID, ChannelID: m.ChannelID,
		Fields: MessageFields{ReplyToID: strPtr("")},
		Entity: m,
	}
}

// ReplyRelinked is the update sent when a reply's target got its
// permanent id.
func ReplyRelinked(m *models.Message) MessageUpdatedEvent {
	return MessageUpdatedEvent{
		ID: m.ID, OriginalID: m.OriginalID, ChannelID: m.ChannelID,
		Fields: MessageFields{ReplyToID: strPtr(m.ReplyToID)},
		Entity: m,
	}
}

// ThreadLinked is the update sent when a message's thread link changes.
func ThreadLinked(m *models.Message) MessageUpdatedEvent {
	return MessageUpdatedEvent{
		ID: m.ID, OriginalID: m.OriginalID, ChannelID: m.ChannelID,
		Fields: MessageFields{ThreadID: strPtr(m.ThreadID), ThreadName: strPtr(m.ThreadName)},
		Entity: m,
	}
}
