// Package events publishes domain records (messages created or deleted,
// channels created or deleted) for downstream consumers such as search
// indexers. Publishing is best effort and never blocks a chat operation.
package events

import (
	"context"
	"time"

	"github.com/lalith-99/hackerchat/internal/models"
)

const (
	MessageCreated = "message.created"
	MessageDeleted = "message.deleted"
	ChannelCreated = "channel.created"
	ChannelDeleted = "channel.deleted"
)

// Record is a denormalised view of a message or channel change: the
// message joined with its channel and author names.
type Record struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	OriginalID  string          `json:"originalId,omitempty"`
	ChannelID   string          `json:"channelId"`
	ChannelName string          `json:"channelName,omitempty"`
	AuthorID    string          `json:"authorId,omitempty"`
	AuthorName  string          `json:"authorName,omitempty"`
	Content     string          `json:"content,omitempty"`
	File        *models.FileRef `json:"file,omitempty"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	ThreadID    string          `json:"threadId,omitempty"`
	ThreadName  string          `json:"threadName,omitempty"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Key partitions records so everything about one channel stays ordered.
func (r Record) Key() string { return r.ChannelID }

func MessageRecord(typ string, m *models.Message, ch *models.Channel) Record {
	r := Record{
		Type:       typ,
		ID:         m.ID,
		OriginalID: m.OriginalID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.AuthorID,
		Content:    m.Content,
		File:       m.File,
		ReplyToID:  m.ReplyToID,
		ThreadID:   m.ThreadID,
		ThreadName: m.ThreadName,
		CreatedAt:  m.CreatedAt,
		OccurredAt: time.Now().UTC(),
	}
	if m.Author != nil {
		r.AuthorName = m.Author.Name
	}
	if ch != nil {
		r.ChannelName = ch.Name
	}
	return r
}

func ChannelRecord(typ string, ch *models.Channel) Record {
	return Record{
		Type:        typ,
		ID:          ch.ID,
		OriginalID:  ch.OriginalID,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		AuthorID:    ch.CreatorID,
		CreatedAt:   ch.CreatedAt,
		OccurredAt:  time.Now().UTC(),
	}
}

// Sink accepts records. Publish must not block on the broker.
type Sink interface {
	Publish(ctx context.Context, r Record)
}

// Nop drops every record. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Record) {}
