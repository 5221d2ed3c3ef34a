// Package service holds the message, channel and reaction engines. Every
// operation persists first and emits afterwards; emission for one channel
// happens under that channel's lock so peers observe persistence order.
package service

import (
	"context"
	"fmt"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/events"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/repository"
	"go.uber.org/zap"
)

// Emitter delivers outbound events. *fanout.Fanout implements it.
type Emitter interface {
	ToChannel(ctx context.Context, ch *models.Channel, ev protocol.Outbound, exceptConn string)
	ToConn(connID, ref string, ev protocol.Outbound)
	ToUsers(ctx context.Context, userIDs []string, ev protocol.Outbound)
}

// Actor is the authenticated caller of an operation: the user, the socket
// the request arrived on and the request's correlation ref.
type Actor struct {
	UserID string
	ConnID string
	Ref    string
}

type Config struct {
	MaxMessageLength int
	// MaxChannelDepth caps thread nesting. Zero means unlimited.
	MaxChannelDepth int
}

type Service struct {
	store    repository.Store
	alloc    *ident.Allocator
	emit     Emitter
	sink     events.Sink
	cfg      Config
	locks    *stripedLock
	inflight *inflight
	logger   *zap.Logger
}

func New(store repository.Store, alloc *ident.Allocator, emit Emitter, sink events.Sink, cfg Config, logger *zap.Logger) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	return &Service{
		store:    store,
		alloc:    alloc,
		emit:     emit,
		sink:     sink,
		cfg:      cfg,
		locks:    newStripedLock(),
		inflight: newInflight(),
		logger:   logger,
	}
}

// channel resolves ref and checks that userID may see it.
func (s *Service) channel(ctx context.Context, ref ident.Ref, userID string) (*models.Channel, error) {
	ch, err := s.store.Channels.Find(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("find channel: %w", err)
	}
	if ch == nil {
		return nil, apperr.NotFoundf("channel_not_found", "channel %s not found", ref.ID)
	}
	if ch.Type != models.ChannelDM {
		return ch, nil
	}
	member, err := s.store.Members.IsMember(ctx, ch.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, apperr.Forbiddenf("not a member of channel %s", ch.ID)
	}
	return ch, nil
}

func (s *Service) message(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.store.Messages.Find(ctx, ident.R(id))
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	if msg == nil {
		return nil, apperr.NotFoundf("message_not_found", "message %s not found", id)
	}
	return msg, nil
}

// emitIn sends ev to the channel with the given id. It is used for
// follow-up updates whose channel may differ from the one at hand.
func (s *Service) emitIn(ctx context.Context, known *models.Channel, channelID string, ev protocol.Outbound) {
	if known != nil && known.ID == channelID {
		s.emit.ToChannel(ctx, known, ev, "")
		return
	}
	ch, err := s.store.Channels.Find(ctx, ident.R(channelID))
	if err != nil || ch == nil {
		s.logger.Warn("drop update for missing channel", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	s.emit.ToChannel(ctx, ch, ev, "")
}
