package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/repository"
)

type ChannelStore struct {
	pool *pgxpool.Pool
}

func NewChannelStore(pool *pgxpool.Pool) *ChannelStore {
	return &ChannelStore{pool: pool}
}

const channelSelect = `
	SELECT c.id, c.name, c.description, COALESCE(c.parent_id, ''), c.type, c.creator_id,
	       COALESCE(c.original_id, ''), c.created_at, c.updated_at,
	       COALESCE((SELECT array_agg(cm.user_id ORDER BY cm.user_id)
	                 FROM channel_members cm WHERE cm.channel_id = c.id), '{}')
	FROM channels c`

func selectChannels(ctx context.Context, q querier, tail string, args ...any) ([]models.Channel, error) {
	rows, err := q.Query(ctx, channelSelect+" "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	channels := make([]models.Channel, 0)
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(
			&ch.ID,
			&ch.Name,
			&ch.Description,
			&ch.ParentID,
			&ch.Type,
			&ch.CreatorID,
			&ch.OriginalID,
			&ch.CreatedAt,
			&ch.UpdatedAt,
			&ch.Members,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

func selectChannel(ctx context.Context, q querier, tail string, args ...any) (*models.Channel, error) {
	chs, err := selectChannels(ctx, q, tail, args...)
	if err != nil || len(chs) == 0 {
		return nil, err
	}
	return &chs[0], nil
}

func insertChannel(ctx context.Context, q querier, ch repository.NewChannel) error {
	typ := ch.Type
	if typ == "" {
		typ = models.ChannelDefault
	}
	_, err := q.Exec(ctx, `
		INSERT INTO channels (id, name, description, parent_id, type, creator_id, original_id)
		VALUES ($1, $2, $3, NULLIF($4::text, ''), $5, $6, NULLIF($7::text, ''))`,
		ch.ID, ch.Name, ch.Description, ch.ParentID, string(typ), ch.CreatorID, ch.OriginalID,
	)
	if err != nil {
		return classify("insert channel", err)
	}
	return addMembers(ctx, q, ch.ID, ch.Members)
}

func (s *ChannelStore) Create(ctx context.Context, ch repository.NewChannel) (*models.Channel, error) {
	var created *models.Channel
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertChannel(ctx, tx, ch); err != nil {
			return err
		}
		var err error
		created, err = selectChannel(ctx, tx, "WHERE c.id = $1", ch.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *ChannelStore) Find(ctx context.Context, ref ident.Ref) (*models.Channel, error) {
	keys := ref.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	return selectChannel(ctx, s.pool, `
		WHERE c.id = ANY($1) OR c.original_id = ANY($1)
		ORDER BY (c.id = ANY($1)) DESC
		LIMIT 1`, keys)
}

func (s *ChannelStore) CreateThread(ctx context.Context, in repository.ThreadInput) (*repository.ThreadResult, error) {
	res := &repository.ThreadResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock the source row so two promotions of the same message
		// serialize and the loser sees the thread link.
		var sourceID, threadID string
		err := tx.QueryRow(ctx, `
			SELECT id, COALESCE(thread_id, '')
			FROM messages
			WHERE id = ANY($1) OR original_id = ANY($1)
			ORDER BY (id = ANY($1)) DESC
			LIMIT 1
			FOR UPDATE`, in.Source.Keys()).Scan(&sourceID, &threadID)
		if errNoRows(err) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock thread source: %w", err)
		}
		if threadID != "" {
			return repository.ErrThreadExists
		}

		if err := insertChannel(ctx, tx, in.Channel); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET thread_id = $2, thread_name = $3, updated_at = now()
			WHERE id = $1`, sourceID, in.Channel.ID, in.Channel.Name); err != nil {
			return fmt.Errorf("link thread source: %w", err)
		}

		var rewrittenIDs []string
		if in.Initial != nil {
			initial := *in.Initial
			initial.ChannelID = in.Channel.ID
			if rewrittenIDs, err = insertMessage(ctx, tx, initial); err != nil {
				return err
			}
			if res.Initial, err = selectOne(ctx, tx, initial.ID); err != nil {
				return err
			}
		}

		if res.Channel, err = selectChannel(ctx, tx, "WHERE c.id = $1", in.Channel.ID); err != nil {
			return err
		}
		if res.Source, err = selectOne(ctx, tx, sourceID); err != nil {
			return err
		}
		res.Rewritten, err = selectByIDs(ctx, tx, rewrittenIDs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ChannelStore) Update(ctx context.Context, id string, name, description *string) (*models.Channel, error) {
	var updated *models.Channel
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE channels
			SET name = COALESCE($2, name), description = COALESCE($3, description), updated_at = now()
			WHERE id = $1`, id, name, description)
		if err != nil {
			return fmt.Errorf("update channel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if name != nil {
			if _, err := tx.Exec(ctx, `UPDATE messages SET thread_name = $2 WHERE thread_id = $1`, id, *name); err != nil {
				return fmt.Errorf("rename thread links: %w", err)
			}
		}
		updated, err = selectChannel(ctx, tx, "WHERE c.id = $1", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ChannelStore) Delete(ctx context.Context, id string) ([]models.Message, error) {
	var unlinked []models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE messages SET thread_id = NULL, thread_name = NULL, updated_at = now()
			WHERE thread_id = $1 AND channel_id <> $1
			RETURNING id`, id)
		if err != nil {
			return fmt.Errorf("unlink thread sources: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect thread sources: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM reactions
			WHERE message_id IN (SELECT id FROM messages WHERE channel_id = $1)`, id); err != nil {
			return fmt.Errorf("delete channel reactions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE channel_id = $1`, id); err != nil {
			return fmt.Errorf("delete channel messages: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}

		unlinked, err = selectByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unlinked, nil
}

func (s *ChannelStore) List(ctx context.Context, userID string) ([]models.Channel, error) {
	return selectChannels(ctx, s.pool, `
		WHERE c.type = 'DEFAULT'
		   OR EXISTS (SELECT 1 FROM channel_members cm WHERE cm.channel_id = c.id AND cm.user_id = $1)
		ORDER BY c.created_at, c.id`, userID)
}

// dmKey identifies the unordered user pair of a DM channel.
func dmKey(members []string) string {
	pair := append([]string(nil), members...)
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func (s *ChannelStore) GetOrCreateDirect(ctx context.Context, ch repository.NewChannel) (*models.Channel, bool, error) {
	var (
		dm      *models.Channel
		created bool
	)
	key := dmKey(ch.Members)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// ON CONFLICT only covers dm_key; an id collision still surfaces as
		// ErrConflict for the allocator.
		tag, err := tx.Exec(ctx, `
			INSERT INTO channels (id, name, description, type, creator_id, dm_key)
			VALUES ($1, $2, $3, 'DM', $4, $5)
			ON CONFLICT (dm_key) DO NOTHING`,
			ch.ID, ch.Name, ch.Description, ch.CreatorID, key)
		if err != nil {
			return classify("insert direct channel", err)
		}
		if tag.RowsAffected() == 1 {
			created = true
			if err := addMembers(ctx, tx, ch.ID, ch.Members); err != nil {
				return err
			}
		}
		dm, err = selectChannel(ctx, tx, "WHERE c.dm_key = $1", key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return dm, created, nil
}

var _ repository.ChannelRepository = (*ChannelStore)(nil)
