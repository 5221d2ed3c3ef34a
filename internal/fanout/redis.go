package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRelayChannel = "hackerchat:fanout"

type relayEnvelope struct {
	Instance string          `json:"instance"`
	Target   Target          `json:"target"`
	Frame    json.RawMessage `json:"frame"`
}

// RedisRelay publishes frames on a Redis channel and replays frames from
// other instances to local sockets.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel, instanceID string, logger *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{client: client, channel: channel, instance: instanceID, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, t Target, frame []byte) error {
	payload, err := json.Marshal(relayEnvelope{Instance: r.instance, Target: t, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay envelope: %w", err)
	}
	return nil
}

// Run delivers frames published by other instances until ctx is done.
// ready, when non-nil, is closed once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, local Local, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("fan-out relay subscribed", zap.String("channel", r.channel), zap.String("instance", r.instance))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("drop malformed relay envelope", zap.Error(err))
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			local.Deliver(env.Target, env.Frame)
		}
	}
}
