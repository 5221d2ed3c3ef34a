package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/repository"
)

type ReactionStore struct {
	pool *pgxpool.Pool
}

func NewReactionStore(pool *pgxpool.Pool) *ReactionStore {
	return &ReactionStore{pool: pool}
}

func scanReaction(row pgx.Row) (*models.Reaction, error) {
	var r models.Reaction
	if err := row.Scan(&r.ID, &r.Content, &r.MessageID, &r.UserID, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// Add has no unique constraint behind it. Two concurrent adds of the same
// triple may both insert; clients collapse them by (user, content).
func (s *ReactionStore) Add(ctx context.Context, r models.Reaction) (*models.Reaction, bool, error) {
	var (
		out     *models.Reaction
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := scanReaction(tx.QueryRow(ctx, `
			SELECT id, content, message_id, user_id, created_at
			FROM reactions
			WHERE message_id = $1 AND user_id = $2 AND content = $3
			ORDER BY created_at
			LIMIT 1`, r.MessageID, r.UserID, r.Content))
		if err == nil {
			out = existing
			return nil
		}
		if !errNoRows(err) {
			return fmt.Errorf("find reaction: %w", err)
		}

		out, err = scanReaction(tx.QueryRow(ctx, `
			INSERT INTO reactions (id, content, message_id, user_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, content, message_id, user_id, created_at`,
			r.ID, r.Content, r.MessageID, r.UserID))
		if err != nil {
			return classify("insert reaction", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *ReactionStore) Find(ctx context.Context, id string) (*models.Reaction, error) {
	r, err := scanReaction(s.pool.QueryRow(ctx, `
		SELECT id, content, message_id, user_id, created_at
		FROM reactions
		WHERE id = $1`, id))
	if errNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reaction: %w", err)
	}
	return r, nil
}

func (s *ReactionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM reactions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

var _ repository.ReactionRepository = (*ReactionStore)(nil)
