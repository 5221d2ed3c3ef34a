package models

import (
	"time"
)

// Status is a user's presence as persisted in the users table.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User is a chat participant. Status is the only field mutated after the
// first authentication, and only by the presence monitor or an explicit
// status update from the user.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserSummary is the author block embedded in every message payload.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type ChannelType string

const (
	ChannelDefault ChannelType = "DEFAULT"
	ChannelDM      ChannelType = "DM"
)

// Channel is a chat room. A channel with a ParentID is a thread of its parent.
// DM channels carry exactly two Members; default channels are visible to everyone.
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	ParentID    string      `json:"parentId,omitempty"`
	Type        ChannelType `json:"type"`
	CreatorID   string      `json:"creatorId"`
	OriginalID  string      `json:"originalId,omitempty"`
	Members     []string    `json:"members,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// FileRef points at an uploaded blob. Upload itself happens elsewhere.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ReplyPreview is the quoted snippet shown above a reply.
type ReplyPreview struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	AuthorName string `json:"authorName"`
}

// Message is a chat message.
//
// ID is either a permanent id ("msg_…") or, before persistence, a client
// minted temporary id ("temp_…"). After promotion OriginalID keeps the
// temporary id so parties that only saw the old id can still find the row.
// ReplyToID may hold a temporary id until the target is reconciled.
type Message struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	File       *FileRef      `json:"file,omitempty"`
	ChannelID  string        `json:"channelId"`
	AuthorID   string        `json:"authorId"`
	Author     *UserSummary  `json:"author,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ReplyToID  string        `json:"replyToId,omitempty"`
	ReplyTo    *ReplyPreview `json:"replyTo,omitempty"`
	ThreadID   string        `json:"threadId,omitempty"`
	ThreadName string        `json:"threadName,omitempty"`
	OriginalID string        `json:"originalId,omitempty"`
	Reactions  []Reaction    `json:"reactions"`
}

// Reaction is one user's emoji on one message. Uniqueness of
// (MessageID, UserID, Content) is advisory only.
type Reaction struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
