package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
)

// ErrConflict is returned when an insert collides with an existing primary
// key. The allocator retries on it with a fresh id.
var ErrConflict = ident.ErrConflict

// Lookups return (nil, nil) when nothing matches. Every lookup that takes an
// ident.Ref resolves with the tri-way match, i.e. "id IN keys OR
// original_id IN keys".

// NewMessage is the write model for a message insert.
type NewMessage struct {
	ID         string
	OriginalID string
	ChannelID  string
	AuthorID   string
	Content    string
	File       *models.FileRef
	ReplyToID  string
}

// NewChannel is the write model for a channel insert.
type NewChannel struct {
	ID          string
	Name        string
	Description string
	ParentID    string
	Type        models.ChannelType
	CreatorID   string
	OriginalID  string
	Members     []string
}

// ThreadInput is everything a thread promotion writes in one transaction.
type ThreadInput struct {
	Channel NewChannel
	Source  ident.Ref
	Initial *NewMessage
}

// ThreadResult is what a committed thread promotion produced.
type ThreadResult struct {
	Channel   *models.Channel
	Source    *models.Message
	Initial   *models.Message
	Rewritten []models.Message
}

type MessageRepository interface {
	// Insert persists msg and, in the same transaction, rewrites every
	// reply whose reply_to_id is msg.OriginalID to point at msg.ID. It
	// returns the stored message and the rewritten replies.
	Insert(ctx context.Context, msg NewMessage) (*models.Message, []models.Message, error)

	Find(ctx context.Context, ref ident.Ref) (*models.Message, error)

	// Delete removes the message, its reactions and the reply links that
	// pointed at it (by id or original id) in one transaction. It returns
	// the replies that were orphaned.
	Delete(ctx context.Context, msg *models.Message) ([]models.Message, error)

	UpdateThread(ctx context.Context, id, threadID, threadName string) (*models.Message, error)

	// ListByChannel returns messages older than before (zero = newest),
	// newest first.
	ListByChannel(ctx context.Context, channelID string, before time.Time, limit int) ([]models.Message, error)
}

type ChannelRepository interface {
	Create(ctx context.Context, ch NewChannel) (*models.Channel, error)
	Find(ctx context.Context, ref ident.Ref) (*models.Channel, error)

	// CreateThread creates the thread channel, links the source message
	// and inserts the optional initial message, all or nothing. A source
	// that already has a thread yields ErrThreadExists.
	CreateThread(ctx context.Context, in ThreadInput) (*ThreadResult, error)

	Update(ctx context.Context, id string, name, description *string) (*models.Channel, error)

	// Delete removes the channel row and every message in it. Messages
	// elsewhere whose thread pointed at the channel are unlinked and
	// returned.
	Delete(ctx context.Context, id string) ([]models.Message, error)

	// List returns every DEFAULT channel plus the DM channels userID is in.
	List(ctx context.Context, userID string) ([]models.Channel, error)

	// GetOrCreateDirect returns the DM channel for the unordered pair in
	// ch.Members, creating it from ch if none exists yet.
	GetOrCreateDirect(ctx context.Context, ch NewChannel) (*models.Channel, bool, error)
}

// MembershipRepository tracks the participants of DM channels.
type MembershipRepository interface {
	ListMembers(ctx context.Context, channelID string) ([]string, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
}

type ReactionRepository interface {
	// Add returns the existing reaction with created=false when the
	// (message, user, content) triple is already present.
	Add(ctx context.Context, r models.Reaction) (*models.Reaction, bool, error)
	Find(ctx context.Context, id string) (*models.Reaction, error)
	Delete(ctx context.Context, id string) error
}

type UserRepository interface {
	// UpsertProfile creates the user (offline) or refreshes name and
	// avatar. Status is never touched.
	UpsertProfile(ctx context.Context, id, name, avatar string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	SetStatus(ctx context.Context, id string, status models.Status) (*models.User, error)

	// ListActive returns every user whose persisted status is not offline.
	ListActive(ctx context.Context) ([]models.User, error)

	// EnsureBot creates the bot user online if it does not exist.
	EnsureBot(ctx context.Context, id, name, avatar string) (*models.User, bool, error)
}

// Store bundles the repositories a service needs.
type Store struct {
	Users     UserRepository
	Channels  ChannelRepository
	Members   MembershipRepository
	Messages  MessageRepository
	Reactions ReactionRepository
}

// ErrNotFound is returned by multi-step writes when a row they depend on
// disappeared. Plain lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// ErrThreadExists is returned by CreateThread when the source message is
// already linked to a thread.
var ErrThreadExists = errors.New("source message already has a thread")
