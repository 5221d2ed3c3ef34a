package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/events"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/repository"
	"go.uber.org/zap"
)

func (s *Service) checkContent(content string, file *models.FileRef) error {
	if strings.TrimSpace(content) == "" && file == nil {
		return apperr.Validationf("message needs content or a file")
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxMessageLength {
		return apperr.Validationf("message is %d characters, limit is %d", n, s.cfg.MaxMessageLength)
	}
	return nil
}

// resolveReply maps a reply target onto its permanent id. A temporary id
// that is not persisted yet is kept so the target's insert can rewrite it;
// an unknown permanent id is dropped.
func (s *Service) resolveReply(ctx context.Context, replyToID string) (string, error) {
	if replyToID == "" {
		return "", nil
	}
	target, err := s.store.Messages.Find(ctx, ident.R(replyToID))
	if err != nil {
		return "", fmt.Errorf("resolve reply target: %w", err)
	}
	switch {
	case target != nil:
		return target.ID, nil
	case ident.IsTemporary(replyToID):
		return replyToID, nil
	default:
		return "", nil
	}
}

// SendMessage persists an optimistic message and reconciles it.
//
// The origin connection gets message.delivered carrying both ids, every
// other socket in the audience gets message.new, and replies that were
// waiting on this message's temporary id get message.updated. A resend of
// a temp id that is already persisted re-delivers the stored message.
func (s *Service) SendMessage(ctx context.Context, a Actor, p protocol.SendMessage) (*models.Message, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkContent(p.Content, p.File); err != nil {
		return nil, err
	}
	release, err := s.inflight.acquire(p.TempID)
	if err != nil {
		return nil, err
	}
	defer release()

	ch, err := s.channel(ctx, ident.R(p.ChannelID), a.UserID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Messages.Find(ctx, ident.R(p.TempID))
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	if existing != nil {
		if existing.AuthorID != a.UserID {
			return nil, apperr.Validationf("temporary id %s is already taken", p.TempID)
		}
		s.emit.ToConn(a.ConnID, a.Ref, protocol.Delivered{
			TempID: p.TempID, PermanentID: existing.ID, ChannelID: existing.ChannelID, Entity: existing,
		})
		return existing, nil
	}

	replyTo, err := s.resolveReply(ctx, p.ReplyToID)
	if err != nil {
		return nil, err
	}

	var (
		msg       *models.Message
		rewritten []models.Message
	)
	unlock, err := s.persistLocked(ctx, ch.ID, ident.KindMessage, func(id string) error {
		m, rw, err := s.store.Messages.Insert(ctx, repository.NewMessage{
			ID:         id,
			OriginalID: p.TempID,
			ChannelID:  ch.ID,
			AuthorID:   a.UserID,
			Content:    p.Content,
			File:       p.File,
			ReplyToID:  replyTo,
		})
		if err != nil {
			return err
		}
		msg, rewritten = m, rw
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	defer unlock()

	s.emit.ToConn(a.ConnID, a.Ref, protocol.Delivered{
		TempID: p.TempID, PermanentID: msg.ID, ChannelID: ch.ID, Entity: msg,
	})
	s.emit.ToChannel(ctx, ch, protocol.NewMessageEvent{Entity: msg}, a.ConnID)
	for i := range rewritten {
		s.emitIn(ctx, ch, rewritten[i].ChannelID, protocol.ReplyRelinked(&rewritten[i]))
	}
	s.sink.Publish(ctx, events.MessageRecord(events.MessageCreated, msg, ch))

	s.logger.Debug("message sent",
		zap.String("temp_id", p.TempID),
		zap.String("message_id", msg.ID),
		zap.String("channel_id", ch.ID),
		zap.Int("relinked", len(rewritten)),
	)
	return msg, nil
}

// DeleteMessage removes the caller's own message. Replies that pointed
// at it lose their reply link and are re-broadcast.
func (s *Service) DeleteMessage(ctx context.Context, a Actor, p protocol.DeleteMessage) error {
	msg, err := s.message(ctx, p.ID)
	if err != nil {
		return err
	}
	if msg.AuthorID != a.UserID {
		return apperr.Forbiddenf("only the author can delete message %s", msg.ID)
	}
	ch, err := s.channel(ctx, ident.R(msg.ChannelID), a.UserID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	orphans, err := s.store.Messages.Delete(ctx, msg)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFoundf("message_not_found", "message %s not found", p.ID)
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	s.emit.ToChannel(ctx, ch, protocol.MessageDeletedEvent{
		ID: msg.ID, OriginalID: msg.OriginalID, ChannelID: ch.ID,
	}, "")
	for i := range orphans {
		s.emitIn(ctx, ch, orphans[i].ChannelID, protocol.ReplyCleared(&orphans[i]))
	}
	s.sink.Publish(ctx, events.MessageRecord(events.MessageDeleted, msg, ch))
	return nil
}

// UpdateMessage sets or clears the thread link of a message. A linked
// thread must be a direct child of the message's channel.
func (s *Service) UpdateMessage(ctx context.Context, a Actor, p protocol.UpdateMessage) (*models.Message, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	msg, err := s.message(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	ch, err := s.channel(ctx, ident.R(msg.ChannelID), a.UserID)
	if err != nil {
		return nil, err
	}

	threadID, threadName := "", ""
	if p.ThreadID != "" {
		thread, err := s.store.Channels.Find(ctx, ident.R(p.ThreadID))
		if err != nil {
			return nil, fmt.Errorf("find thread: %w", err)
		}
		if thread == nil {
			return nil, apperr.NotFoundf("channel_not_found", "thread %s not found", p.ThreadID)
		}
		if thread.ParentID != ch.ID {
			return nil, apperr.Validationf("thread %s is not a child of channel %s", thread.ID, ch.ID)
		}
		threadID, threadName = thread.ID, p.ThreadName
	}

	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	updated, err := s.store.Messages.UpdateThread(ctx, msg.ID, threadID, threadName)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if updated == nil {
		return nil, apperr.NotFoundf("message_not_found", "message %s not found", p.ID)
	}
	s.emit.ToChannel(ctx, ch, protocol.ThreadLinked(updated), "")
	return updated, nil
}

// History returns a page of messages in a channel the user can see,
// newest first.
func (s *Service) History(ctx context.Context, userID, channelID string, before time.Time, limit int) ([]models.Message, error) {
	ch, err := s.channel(ctx, ident.R(channelID), userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.Messages.ListByChannel(ctx, ch.ID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
