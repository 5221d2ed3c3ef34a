package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/repository"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, name, avatar, status, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.Avatar, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertProfile leaves status alone on conflict, so a reconnect never
// overwrites what another device set.
func (s *UserStore) UpsertProfile(ctx context.Context, id, name, avatar string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, avatar, status)
		VALUES ($1, $2, $3, 'offline')
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, updated_at = now()
		RETURNING `+userColumns, id, name, avatar))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) SetStatus(ctx context.Context, id string, status models.Status) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+userColumns, id, string(status)))
	if errNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("set user status: %w", err)
	}
	return u, nil
}

func (s *UserStore) ListActive(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE status <> 'offline'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *UserStore) EnsureBot(ctx context.Context, id, name, avatar string) (*models.User, bool, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, avatar, status)
		VALUES ($1, $2, $3, 'online')
		ON CONFLICT (id) DO NOTHING
		RETURNING `+userColumns, id, name, avatar))
	if err == nil {
		return u, true, nil
	}
	if !errNoRows(err) {
		return nil, false, fmt.Errorf("insert bot: %w", err)
	}
	u, err = s.GetByID(ctx, id)
	return u, false, err
}

var _ repository.UserRepository = (*UserStore)(nil)
