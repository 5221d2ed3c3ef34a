package ws

import (
	"context"
	"encoding/json"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/service"
	"go.uber.org/zap"
)

// HandlerFunc handles one decoded event. A non-nil Outbound is sent back
// to the calling socket only.
type HandlerFunc func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error)

// Presence is the slice of the presence monitor the router drives.
type Presence interface {
	Touch(ctx context.Context, userID string)
	SetStatus(ctx context.Context, userID string, status models.Status) (*models.User, error)
}

// Router dispatches inbound frames through a single table keyed by
// event kind.
type Router struct {
	handlers map[protocol.Kind]HandlerFunc
	presence Presence
	logger   *zap.Logger
}

func NewRouter(svc *service.Service, presence Presence, logger *zap.Logger) *Router {
	r := &Router{presence: presence, logger: logger}
	r.handlers = map[protocol.Kind]HandlerFunc{
		protocol.MessageSend: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.SendMessage(ctx, a, *in.(*protocol.SendMessage))
			return nil, err
		},
		protocol.MessageDelete: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			return nil, svc.DeleteMessage(ctx, a, *in.(*protocol.DeleteMessage))
		},
		protocol.MessageUpdate: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.UpdateMessage(ctx, a, *in.(*protocol.UpdateMessage))
			return nil, err
		},
		protocol.ChannelCreate: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.CreateChannel(ctx, a, *in.(*protocol.CreateChannel))
			return nil, err
		},
		protocol.ChannelUpdate: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.UpdateChannel(ctx, a, *in.(*protocol.UpdateChannel))
			return nil, err
		},
		protocol.ChannelDelete: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			return nil, svc.DeleteChannel(ctx, a, *in.(*protocol.DeleteChannel))
		},
		protocol.ChannelOpenDM: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.OpenDirect(ctx, a, *in.(*protocol.OpenDM))
			return nil, err
		},
		protocol.ReactionAdd: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := svc.AddReaction(ctx, a, *in.(*protocol.AddReaction))
			return nil, err
		},
		protocol.ReactionRemove: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			return nil, svc.RemoveReaction(ctx, a, *in.(*protocol.RemoveReaction))
		},
		protocol.StatusUpdate: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			_, err := presence.SetStatus(ctx, a.UserID, in.(*protocol.UpdateStatus).Status)
			return nil, err
		},
		protocol.TypingStart: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			return nil, svc.Typing(ctx, a, in.(*protocol.StartTyping).ChannelID, true)
		},
		protocol.TypingStop: func(ctx context.Context, a service.Actor, in protocol.Inbound) (protocol.Outbound, error) {
			return nil, svc.Typing(ctx, a, in.(*protocol.StopTyping).ChannelID, false)
		},
		protocol.Ping: func(context.Context, service.Actor, protocol.Inbound) (protocol.Outbound, error) {
			return protocol.PongEvent{}, nil
		},
	}
	return r
}

// Dispatch decodes raw, records activity and runs the handler for its
// kind. Failures are answered on the calling socket only.
func (r *Router) Dispatch(ctx context.Context, c *Client, raw []byte) {
	env, in, err := protocol.Decode(raw)
	if err != nil {
		observ.WSEventsTotal.WithLabelValues(env.Type.String(), "invalid").Inc()
		r.replyError(c, env, err, sendTempID(env, nil))
		return
	}
	r.presence.Touch(ctx, c.UserID())

	handler, ok := r.handlers[env.Type]
	if !ok {
		observ.WSEventsTotal.WithLabelValues(env.Type.String(), "invalid").Inc()
		r.replyError(c, env, apperr.New(apperr.Validation, "bad_type", "unsupported event type"), "")
		return
	}

	a := service.Actor{UserID: c.UserID(), ConnID: c.ID(), Ref: env.Ref}
	out, err := handler(ctx, a, in)
	if err != nil {
		observ.WSEventsTotal.WithLabelValues(env.Type.String(), "error").Inc()
		r.replyError(c, env, err, sendTempID(env, in))
		return
	}
	observ.WSEventsTotal.WithLabelValues(env.Type.String(), "ok").Inc()
	if out != nil {
		r.reply(c, env.Ref, out)
	}
}

// Limited answers a frame dropped by the rate limiter.
func (r *Router) Limited(c *Client, raw []byte) {
	env, in, _ := protocol.Decode(raw)
	observ.WSEventsTotal.WithLabelValues(env.Type.String(), "limited").Inc()
	r.replyError(c, env, apperr.New(apperr.Validation, "rate_limited", "too many events, slow down"), sendTempID(env, in))
}

func (r *Router) replyError(c *Client, env protocol.Envelope, err error, tempID string) {
	ae := apperr.As(err)
	if ae.Kind == apperr.Internal {
		r.logger.Error("ws handler failed",
			zap.String("kind", env.Type.String()),
			zap.String("user_id", c.UserID()),
			zap.Error(err),
		)
	}
	r.reply(c, env.Ref, protocol.ErrorFor(ae.WithRef(env.Ref), tempID))
}

func (r *Router) reply(c *Client, ref string, ev protocol.Outbound) {
	frame, err := protocol.Encode(ref, ev)
	if err != nil {
		r.logger.Error("encode reply", zap.Stringer("kind", ev.Kind()), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// sendTempID finds the temp id of a message.send, even when its payload
// failed validation, so the failure can be reported as message.error.
func sendTempID(env protocol.Envelope, in protocol.Inbound) string {
	if p, ok := in.(*protocol.SendMessage); ok {
		return p.TempID
	}
	if env.Type != protocol.MessageSend || len(env.Data) == 0 {
		return ""
	}
	var partial struct {
		TempID string `json:"tempId"`
	}
	if json.Unmarshal(env.Data, &partial) != nil {
		return ""
	}
	return partial.TempID
}
