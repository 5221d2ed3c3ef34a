package protocol

import (
	"strings"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
)

// Inbound is a decoded client -> server payload. The set is closed: only
// types in this file implement it.
type Inbound interface {
	Kind() Kind
	Validate() error
	inbound()
}

type SendMessage struct {
	TempID    string          `json:"tempId"`
	ChannelID string          `json:"channelId"`
	Content   string          `json:"content"`
	File      *models.FileRef `json:"fileRef,omitempty"`
	ReplyToID string          `json:"replyToId,omitempty"`
}

type DeleteMessage struct {
	ID string `json:"id"`
}

// UpdateMessage only changes the thread link of a message.
type UpdateMessage struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	ThreadName string `json:"threadName"`
}

// InitialMessage is the optional first message of a promoted thread.
type InitialMessage struct {
	TempID  string          `json:"tempId"`
	Content string          `json:"content"`
	File    *models.FileRef `json:"fileRef,omitempty"`
}

type CreateChannel struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	ParentID       string          `json:"parentId,omitempty"`
	OriginalID     string          `json:"originalId,omitempty"`
	ThreadSource   string          `json:"threadSource,omitempty"`
	InitialMessage *InitialMessage `json:"initialMessage,omitempty"`
}

type UpdateChannel struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type DeleteChannel struct {
	ID string `json:"id"`
}

type OpenDM struct {
	UserID string `json:"userId"`
}

type AddReaction struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type RemoveReaction struct {
	ReactionID string `json:"reactionId"`
}

type UpdateStatus struct {
	Status models.Status `json:"status"`
}

type StartTyping struct {
	ChannelID string `json:"channelId"`
}

type StopTyping struct {
	ChannelID string `json:"channelId"`
}

type PingRequest struct{}

func (*SendMessage) Kind() Kind    { return MessageSend }
func (*DeleteMessage) Kind() Kind  { return MessageDelete }
func (*UpdateMessage) Kind() Kind  { return MessageUpdate }
func (*CreateChannel) Kind() Kind  { return ChannelCreate }
func (*UpdateChannel) Kind() Kind  { return ChannelUpdate }
func (*DeleteChannel) Kind() Kind  { return ChannelDelete }
func (*OpenDM) Kind() Kind         { return ChannelOpenDM }
func (*AddReaction) Kind() Kind    { return ReactionAdd }
func (*RemoveReaction) Kind() Kind { return ReactionRemove }
func (*UpdateStatus) Kind() Kind   { return StatusUpdate }
func (*StartTyping) Kind() Kind    { return TypingStart }
func (*StopTyping) Kind() Kind     { return TypingStop }
func (*PingRequest) Kind() Kind    { return Ping }

func (*SendMessage) inbound()    {}
func (*DeleteMessage) inbound()  {}
func (*UpdateMessage) inbound()  {}
func (*CreateChannel) inbound()  {}
func (*UpdateChannel) inbound()  {}
func (*DeleteChannel) inbound()  {}
func (*OpenDM) inbound()         {}
func (*AddReaction) inbound()    {}
func (*RemoveReaction) inbound() {}
func (*UpdateStatus) inbound()   {}
func (*StartTyping) inbound()    {}
func (*StopTyping) inbound()     {}
func (*PingRequest) inbound()    {}

var inboundFactories = map[Kind]func() Inbound{
	MessageSend:    func() Inbound { return &SendMessage{} },
	MessageDelete:  func() Inbound { return &DeleteMessage{} },
	MessageUpdate:  func() Inbound { return &UpdateMessage{} },
	ChannelCreate:  func() Inbound { return &CreateChannel{} },
	ChannelUpdate:  func() Inbound { return &UpdateChannel{} },
	ChannelDelete:  func() Inbound { return &DeleteChannel{} },
	ChannelOpenDM:  func() Inbound { return &OpenDM{} },
	ReactionAdd:    func() Inbound { return &AddReaction{} },
	ReactionRemove: func() Inbound { return &RemoveReaction{} },
	StatusUpdate:   func() Inbound { return &UpdateStatus{} },
	TypingStart:    func() Inbound { return &StartTyping{} },
	TypingStop:     func() Inbound { return &StopTyping{} },
	Ping:           func() Inbound { return &PingRequest{} },
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperr.Validationf("%s is required", field)
	}
	return nil
}

func (p *SendMessage) Validate() error {
	if !ident.IsTemporary(p.TempID) {
		return apperr.Validationf("tempId must start with %q", ident.TempPrefix)
	}
	if err := required("channelId", p.ChannelID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Content) == "" && p.File == nil {
		return apperr.Validationf("message needs content or a file")
	}
	if p.File != nil && p.File.URL == "" {
		return apperr.Validationf("fileRef.url is required")
	}
	return nil
}

func (p *DeleteMessage) Validate() error { return required("id", p.ID) }

func (p *UpdateMessage) Validate() error {
	if err := required("id", p.ID); err != nil {
		return err
	}
	if p.ThreadID != "" && strings.TrimSpace(p.ThreadName) == "" {
		return apperr.Validationf("threadName is required with threadId")
	}
	return nil
}

func (p *CreateChannel) Validate() error {
	if err := required("name", p.Name); err != nil {
		return err
	}
	if p.OriginalID != "" && !ident.IsTemporary(p.OriginalID) {
		return apperr.Validationf("originalId must be a temporary id")
	}
	if p.ThreadSource != "" && p.ParentID != "" {
		return apperr.Validationf("a thread takes its parent from the source message")
	}
	if m := p.InitialMessage; m != nil {
		if p.ThreadSource == "" {
			return apperr.Validationf("initialMessage requires threadSource")
		}
		if !ident.IsTemporary(m.TempID) {
			return apperr.Validationf("initialMessage.tempId must start with %q", ident.TempPrefix)
		}
		if strings.TrimSpace(m.Content) == "" && m.File == nil {
			return apperr.Validationf("initialMessage needs content or a file")
		}
	}
	return nil
}

func (p *UpdateChannel) Validate() error {
	if err := required("id", p.ID); err != nil {
		return err
	}
	if p.Name == nil && p.Description == nil {
		return apperr.Validationf("nothing to update")
	}
	if p.Name != nil {
		return required("name", *p.Name)
	}
	return nil
}

func (p *DeleteChannel) Validate() error  { return required("id", p.ID) }
func (p *OpenDM) Validate() error         { return required("userId", p.UserID) }
func (p *RemoveReaction) Validate() error { return required("reactionId", p.ReactionID) }
func (p *StartTyping) Validate() error    { return required("channelId", p.ChannelID) }
func (p *StopTyping) Validate() error     { return required("channelId", p.ChannelID) }
func (p *PingRequest) Validate() error    { return nil }

func (p *AddReaction) Validate() error {
	if err := required("messageId", p.MessageID); err != nil {
		return err
	}
	return required("content", p.Content)
}

func (p *UpdateStatus) Validate() error {
	if !p.Status.Valid() {
		return apperr.Validationf("unknown status %q", p.Status)
	}
	return nil
}
