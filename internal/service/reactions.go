package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
)

// AddReaction attaches content to a message. Adding the same content
// twice returns the first reaction and only tells the caller about it.
func (s *Service) AddReaction(ctx context.Context, a Actor, p protocol.AddReaction) (*models.Reaction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	msg, err := s.message(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	ch, err := s.channel(ctx, ident.R(msg.ChannelID), a.UserID)
	if err != nil {
		return nil, err
	}

	var (
		rx      *models.Reaction
		created bool
	)
	unlock, err := s.persistLocked(ctx, ch.ID, ident.KindReaction, func(id string) error {
		r, ok, err := s.store.Reactions.Add(ctx, models.Reaction{
			ID:        id,
			MessageID: msg.ID,
			UserID:    a.UserID,
			Content:   strings.TrimSpace(p.Content),
		})
		if err != nil {
			return err
		}
		rx, created = r, ok
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add reaction: %w", err)
	}
	defer unlock()

	ev := protocol.ReactionAddedEvent{MessageID: msg.ID, ChannelID: ch.ID, Reaction: *rx}
	if created {
		s.emit.ToChannel(ctx, ch, ev, "")
	} else {
		s.emit.ToConn(a.ConnID, a.Ref, ev)
	}
	return rx, nil
}

// RemoveReaction deletes one of the caller's reactions.
func (s *Service) RemoveReaction(ctx context.Context, a Actor, p protocol.RemoveReaction) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rx, err := s.store.Reactions.Find(ctx, p.ReactionID)
	if err != nil {
		return fmt.Errorf("find reaction: %w", err)
	}
	if rx == nil {
		return apperr.NotFoundf("reaction_not_found", "reaction %s not found", p.ReactionID)
	}
	if rx.UserID != a.UserID {
		return apperr.Forbiddenf("only the owner can remove reaction %s", rx.ID)
	}
	msg, err := s.message(ctx, rx.MessageID)
	if err != nil {
		return err
	}
	ch, err := s.channel(ctx, ident.R(msg.ChannelID), a.UserID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(ch.ID)
	defer unlock()

	if err := s.store.Reactions.Delete(ctx, rx.ID); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	s.emit.ToChannel(ctx, ch, protocol.ReactionRemovedEvent{MessageID: msg.ID, ChannelID: ch.ID, Reaction: *rx}, "")
	return nil
}
