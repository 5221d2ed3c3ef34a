package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/repository"
)

// MembershipStore reads DM participants. Rows are written together with
// their channel by ChannelStore.
type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

func addMembers(ctx context.Context, q querier, channelID string, userIDs []string) error {
	for _, userID := range userIDs {
		_, err := q.Exec(ctx, `
			INSERT INTO channel_members (channel_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, userID)
		if err != nil {
			return fmt.Errorf("add member: %w", err)
		}
	}
	return nil
}

func (s *MembershipStore) ListMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id
		FROM channel_members
		WHERE channel_id = $1
		ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func (s *MembershipStore) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM channel_members
			WHERE channel_id = $1 AND user_id = $2
		)`, channelID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

var _ repository.MembershipRepository = (*MembershipStore)(nil)
