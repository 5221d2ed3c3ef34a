package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnIndex records, across instances, which sockets each user has open
// and when the user was last active. Keys expire after ttl so a crashed
// instance cannot keep a user online forever.
//
// Keys:
//   - <prefix>:conns:<user>  set of connection ids
//   - <prefix>:seen:<user>   unix millis of the last activity
type ConnIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewConnIndex(client *redis.Client, prefix string, ttl time.Duration) *ConnIndex {
	if prefix == "" {
		prefix = "hackerchat:presence"
	}
	return &ConnIndex{client: client, prefix: prefix, ttl: ttl}
}

func (x *ConnIndex) connKey(userID string) string {
	return fmt.Sprintf("%s:conns:%s", x.prefix, userID)
}
func (x *ConnIndex) seenKey(userID string) string { return fmt.Sprintf("%s:seen:%s", x.prefix, userID) }

func (x *ConnIndex) Add(ctx context.Context, userID, connID string) error {
	key := x.connKey(userID)
	pipe := x.client.TxPipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add connection: %w", err)
	}
	return nil
}

func (x *ConnIndex) Remove(ctx context.Context, userID, connID string) error {
	if err := x.client.SRem(ctx, x.connKey(userID), connID).Err(); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	return nil
}

// Touch stores the activity time and extends the connection set.
func (x *ConnIndex) Touch(ctx context.Context, userID string, at time.Time) error {
	pipe := x.client.TxPipeline()
	pipe.Set(ctx, x.seenKey(userID), at.UnixMilli(), x.ttl)
	pipe.Expire(ctx, x.connKey(userID), x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Snapshot returns the number of indexed connections and the last
// activity time (zero when unknown).
func (x *ConnIndex) Snapshot(ctx context.Context, userID string) (int64, time.Time, error) {
	n, err := x.client.SCard(ctx, x.connKey(userID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count connections: %w", err)
	}
	raw, err := x.client.Get(ctx, x.seenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return n, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("read last seen: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return n, time.Time{}, nil
	}
	return n, time.UnixMilli(ms), nil
}
