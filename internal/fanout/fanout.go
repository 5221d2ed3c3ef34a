// Package fanout delivers server events to the sockets that should see
// them: first on this instance, then through a relay to every other
// instance. Delivery failures are logged and counted, never returned.
package fanout

import (
	"context"

	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"go.uber.org/zap"
)

// Target selects recipients. All wins over Users. ExceptConn skips one
// socket, typically the origin of a send that gets its own delivered
// event instead.
type Target struct {
	All        bool     `json:"all,omitempty"`
	Users      []string `json:"users,omitempty"`
	ExceptConn string   `json:"exceptConn,omitempty"`
}

// AudienceOf is everyone who may see events of ch: all users for default
// channels, the two participants for DMs.
func AudienceOf(ch *models.Channel) Target {
	if ch.Type == models.ChannelDM {
		return Target{Users: append([]string(nil), ch.Members...)}
	}
	return Target{All: true}
}

// Local delivers frames to sockets on this instance.
type Local interface {
	Deliver(t Target, frame []byte) int
	DeliverToConn(connID string, frame []byte) bool
}

// Relay forwards frames to the other instances.
type Relay interface {
	Publish(ctx context.Context, t Target, frame []byte) error
}

type Fanout struct {
	local  Local
	relay  Relay
	logger *zap.Logger
}

// New returns a Fanout. relay may be nil for a single instance.
func New(local Local, relay Relay, logger *zap.Logger) *Fanout {
	return &Fanout{local: local, relay: relay, logger: logger}
}

func (f *Fanout) encode(ref string, ev protocol.Outbound) ([]byte, bool) {
	frame, err := protocol.Encode(ref, ev)
	if err != nil {
		observ.FanoutErrorsTotal.WithLabelValues("encode").Inc()
		f.logger.Error("encode event", zap.Stringer("kind", ev.Kind()), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (f *Fanout) send(ctx context.Context, t Target, frame []byte) {
	f.local.Deliver(t, frame)
	if f.relay == nil {
		return
	}
	if err := f.relay.Publish(ctx, t, frame); err != nil {
		observ.FanoutErrorsTotal.WithLabelValues("relay").Inc()
		f.logger.Warn("relay publish failed", zap.Error(err))
	}
}

// ToChannel sends ev to the audience of ch, skipping exceptConn.
func (f *Fanout) ToChannel(ctx context.Context, ch *models.Channel, ev protocol.Outbound, exceptConn string) {
	frame, ok := f.encode("", ev)
	if !ok {
		return
	}
	t := AudienceOf(ch)
	t.ExceptConn = exceptConn
	f.send(ctx, t, frame)
}

// ToConn sends ev to one local socket. The origin of a request is always
// local, so this never goes through the relay.
func (f *Fanout) ToConn(connID, ref string, ev protocol.Outbound) {
	frame, ok := f.encode(ref, ev)
	if !ok {
		return
	}
	if !f.local.DeliverToConn(connID, frame) {
		f.logger.Debug("origin connection gone", zap.String("conn_id", connID), zap.Stringer("kind", ev.Kind()))
	}
}

// ToUsers sends ev to every socket of the given users on any instance.
func (f *Fanout) ToUsers(ctx context.Context, userIDs []string, ev protocol.Outbound) {
	if len(userIDs) == 0 {
		return
	}
	frame, ok := f.encode("", ev)
	if !ok {
		return
	}
	f.send(ctx, Target{Users: userIDs}, frame)
}

// Broadcast sends ev to every connected user.
func (f *Fanout) Broadcast(ctx context.Context, ev protocol.Outbound) {
	frame, ok := f.encode("", ev)
	if !ok {
		return
	}
	f.send(ctx, Target{All: true}, frame)
}
