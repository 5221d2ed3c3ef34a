package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/channeltree"
	"github.com/lalith-99/hackerchat/internal/events"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/repository"
	"go.uber.org/zap"
)

// ancestry loads the parent chain of ch into a tree so depth and cycle
// checks never recurse through the store.
func (s *Service) ancestry(ctx context.Context, ch *models.Channel) (*channeltree.Tree, error) {
	tree := channeltree.New()
	cur := ch
	for cur != nil {
		tree.Put(cur.ID, cur.ParentID)
		if cur.ParentID == "" || tree.Has(cur.ParentID) {
			break
		}
		if s.cfg.MaxChannelDepth > 0 && tree.Len() > s.cfg.MaxChannelDepth+1 {
			break
		}
		next, err := s.store.Channels.Find(ctx, ident.R(cur.ParentID))
		if err != nil {
			return nil, fmt.Errorf("find parent channel: %w", err)
		}
		cur = next
	}
	return tree, nil
}

// checkDepth rejects a new child of parent that would exceed the
// configured nesting limit.
func (s *Service) checkDepth(ctx context.Context, parent *models.Channel) error {
	if s.cfg.MaxChannelDepth <= 0 {
		return nil
	}
	tree, err := s.ancestry(ctx, parent)
	if err != nil {
		return err
	}
	depth, err := tree.Depth(parent.ID)
	if errors.Is(err, channeltree.ErrCycle) {
		return apperr.Validationf("channel %s has a cyclic parent chain", parent.ID)
	}
	if depth+1 > s.cfg.MaxChannelDepth {
		return apperr.Validationf("channels nest at most %d levels deep", s.cfg.MaxChannelDepth)
	}
	return nil
}

// replayChannel answers a create whose temporary id was already
// persisted, so a retried request does not create a twin.
func (s *Service) replayChannel(ctx context.Context, a Actor, originalID string) (*models.Channel, bool, error) {
	if originalID == "" {
		return nil, false, nil
	}
	ch, err := s.store.Channels.Find(ctx, ident.R(originalID))
	if err != nil {
		return nil, false, fmt.Errorf("find channel: %w", err)
	}
	if ch == nil {
		return nil, false, nil
	}
	if ch.CreatorID != a.UserID {
		return nil, false, apperr.Validationf("temporary id %s is already taken", originalID)
	}
	s.emit.ToConn(a.ConnID, a.Ref, protocol.ChannelCreatedEvent{Entity: ch, OriginalID: originalID})
	return ch, true, nil
}

// CreateChannel creates a channel, a child channel or, with ThreadSource
// set, promotes a message into a thread.
func (s *Service) CreateChannel(ctx context.Context, a Actor, p protocol.CreateChannel) (*models.Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if ch, ok, err := s.replayChannel(ctx, a, p.OriginalID); ok || err != nil {
		return ch, err
	}
	if p.ThreadSource != "" {
		return s.createThread(ctx, a, p)
	}

	in := repository.NewChannel{
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		Type:        models.ChannelDefault,
		CreatorID:   a.UserID,
		OriginalID:  p.OriginalID,
	}
	if p.ParentID != "" {
		parent, err := s.channel(ctx, ident.R(p.ParentID), a.UserID)
		if err != nil {
			return nil, err
		}
		if err := s.checkDepth(ctx, parent); err != nil {
			return nil, err
		}
		in.ParentID = parent.ID
		in.Type = parent.Type
		in.Members = parent.Members
	}

	var ch *models.Channel
	_, err := s.alloc.Persist(ctx, ident.KindChannel, func(id string) error {
		in.ID = id
		created, err := s.store.Channels.Create(ctx, in)
		if err != nil {
			return err
		}
		ch = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	ev := protocol.ChannelCreatedEvent{Entity: ch, OriginalID: p.OriginalID}
	s.emit.ToConn(a.ConnID, a.Ref, ev)
	s.emit.ToChannel(ctx, ch, ev, a.ConnID)
	s.sink.Publish(ctx, events.ChannelRecord(events.ChannelCreated, ch))
	return ch, nil
}

// createThread runs the thread promotion transaction: new channel under
// the source message's channel, source linked, optional first message.
// Events go out after commit in a fixed order: channel.created, the
// source's message.updated, then the first message.
func (s *Service) createThread(ctx context.Context, a Actor, p protocol.CreateChannel) (*models.Channel, error) {
	source, err := s.message(ctx, p.ThreadSource)
	if err != nil {
		return nil, err
	}
	if source.ThreadID != "" {
		return nil, apperr.Validationf("message %s already has a thread", source.ID)
	}
	parent, err := s.channel(ctx, ident.R(source.ChannelID), a.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDepth(ctx, parent); err != nil {
		return nil, err
	}
	if im := p.InitialMessage; im != nil {
		if err := s.checkContent(im.Content, im.File); err != nil {
			return nil, err
		}
	}

	var res *repository.ThreadResult
	unlock, err := s.persistLocked(ctx, parent.ID, ident.KindChannel, func(id string) error {
		in := repository.ThreadInput{
			Channel: repository.NewChannel{
				ID:          id,
				Name:        strings.TrimSpace(p.Name),
				Description: p.Description,
				ParentID:    parent.ID,
				Type:        parent.Type,
				CreatorID:   a.UserID,
				OriginalID:  p.OriginalID,
				Members:     parent.Members,
			},
			Source: ident.R(source.ID),
		}
		if im := p.InitialMessage; im != nil {
			in.Initial = &repository.NewMessage{
				ID:         s.alloc.Allocate(ident.KindMessage),
				OriginalID: im.TempID,
				AuthorID:   a.UserID,
				Content:    im.Content,
				File:       im.File,
			}
		}
		r, err := s.store.Channels.CreateThread(ctx, in)
		switch {
		case errors.Is(err, repository.ErrThreadExists):
			return apperr.Validationf("message %s already has a thread", source.ID)
		case errors.Is(err, repository.ErrNotFound):
			return apperr.NotFoundf("message_not_found", "message %s not found", p.ThreadSource)
		case err != nil:
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	defer unlock()

	ch := res.Channel
	ev := protocol.ChannelCreatedEvent{Entity: ch, OriginalID: p.OriginalID}
	s.emit.ToConn(a.ConnID, a.Ref, ev)
	s.emit.ToChannel(ctx, ch, ev, a.ConnID)
	s.emit.ToChannel(ctx, parent, protocol.ThreadLinked(res.Source), "")
	if res.Initial != nil {
		s.emit.ToChannel(ctx, ch, protocol.NewMessageEvent{Entity: res.Initial}, "")
		for i := range res.Rewritten {
			s.emitIn(ctx, ch, res.Rewritten[i].ChannelID, protocol.ReplyRelinked(&res.Rewritten[i]))
		}
	}

	s.sink.Publish(ctx, events.ChannelRecord(events.ChannelCreated, ch))
	if res.Initial != nil {
		s.sink.Publish(ctx, events.MessageRecord(events.MessageCreated, res.Initial, ch))
	}
	s.logger.Debug("thread created",
		zap.String("channel_id", ch.ID),
		zap.String("source_id", res.Source.ID),
		zap.Bool("initial", res.Initial != nil),
	)
	return ch, nil
}

func (s *Service) ownChannel(ctx context.Context, a Actor, id string) (*models.Channel, error) {
	ch, err := s.channel(ctx, ident.R(id), a.UserID)
	if err != nil {
		return nil, err
	}
	if ch.CreatorID != a.UserID {
		return nil, apperr.Forbiddenf("only the creator can change channel %s", ch.ID)
	}
	return ch, nil
}

func (s *Service) UpdateChannel(ctx context.Context, a Actor, p protocol.UpdateChannel) (*models.Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ch, err := s.ownChannel(ctx, a, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		p.Name = &name
	}

	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	updated, err := s.store.Channels.Update(ctx, ch.ID, p.Name, p.Description)
	if err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	if updated == nil {
		return nil, apperr.NotFoundf("channel_not_found", "channel %s not found", p.ID)
	}
	s.emit.ToChannel(ctx, updated, protocol.ChannelUpdatedEvent{Entity: updated}, "")
	return updated, nil
}

// DeleteChannel removes the channel and its messages. Thread sources in
// other channels are unlinked and re-broadcast. Descendant threads are
// left for clients to drop.
func (s *Service) DeleteChannel(ctx context.Context, a Actor, p protocol.DeleteChannel) error {
	ch, err := s.ownChannel(ctx, a, p.ID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	unlinked, err := s.store.Channels.Delete(ctx, ch.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFoundf("channel_not_found", "channel %s not found", p.ID)
	}
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}

	s.emit.ToChannel(ctx, ch, protocol.ChannelDeletedEvent{ID: ch.ID}, "")
	for i := range unlinked {
		s.emitIn(ctx, nil, unlinked[i].ChannelID, protocol.ThreadLinked(&unlinked[i]))
	}
	s.sink.Publish(ctx, events.ChannelRecord(events.ChannelDeleted, ch))
	return nil
}

// OpenDirect returns the DM channel between the caller and another user,
// creating it on first use. Both participants learn about a new channel.
func (s *Service) OpenDirect(ctx context.Context, a Actor, p protocol.OpenDM) (*models.Channel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.UserID == a.UserID {
		return nil, apperr.Validationf("cannot open a direct channel with yourself")
	}
	me, err := s.store.Users.GetByID(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	other, err := s.store.Users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if me == nil || other == nil {
		return nil, apperr.NotFoundf("user_not_found", "user %s not found", p.UserID)
	}

	var (
		ch      *models.Channel
		created bool
	)
	_, err = s.alloc.Persist(ctx, ident.KindChannel, func(id string) error {
		c, ok, err := s.store.Channels.GetOrCreateDirect(ctx, repository.NewChannel{
			ID:        id,
			Name:      me.Name + ", " + other.Name,
			Type:      models.ChannelDM,
			CreatorID: a.UserID,
			Members:   []string{a.UserID, other.ID},
		})
		if err != nil {
			return err
		}
		ch, created = c, ok
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open direct channel: %w", err)
	}

	ev := protocol.ChannelCreatedEvent{Entity: ch}
	if created {
		members, err := s.store.Members.ListMembers(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		s.emit.ToUsers(ctx, members, ev)
		s.sink.Publish(ctx, events.ChannelRecord(events.ChannelCreated, ch))
	} else {
		s.emit.ToConn(a.ConnID, a.Ref, ev)
	}
	return ch, nil
}

// Typing relays an ephemeral typing indicator to the rest of the channel.
func (s *Service) Typing(ctx context.Context, a Actor, channelID string, active bool) error {
	ch, err := s.channel(ctx, ident.R(channelID), a.UserID)
	if err != nil {
		return err
	}
	s.emit.ToChannel(ctx, ch, protocol.TypingEvent{ChannelID: ch.ID, UserID: a.UserID, Active: active}, a.ConnID)
	return nil
}

// Channels lists what userID can see.
func (s *Service) Channels(ctx context.Context, userID string) ([]models.Channel, error) {
	list, err := s.store.Channels.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return list, nil
}
