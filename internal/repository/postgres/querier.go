package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/repository"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read helpers
// run the same inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

// classify turns a unique violation into repository.ErrConflict so the
// allocator can retry with a fresh id.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, repository.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// NewStore wires every postgres repository over one pool.
func NewStore(pool *pgxpool.Pool) repository.Store {
	return repository.Store{
		Users:     NewUserStore(pool),
		Channels:  NewChannelStore(pool),
		Members:   NewMembershipStore(pool),
		Messages:  NewMessageStore(pool),
		Reactions: NewReactionStore(pool),
	}
}
