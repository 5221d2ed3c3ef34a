package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/repository"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// messageSelect joins the author and the reply target so one row carries
// the whole read model except reactions.
const messageSelect = `
	SELECT m.id, m.content,
	       COALESCE(m.file_url, ''), COALESCE(m.file_name, ''), COALESCE(m.file_type, ''), COALESCE(m.file_size, 0),
	       m.channel_id, m.author_id, COALESCE(u.name, m.author_id), COALESCE(u.avatar, ''),
	       m.created_at, m.updated_at,
	       COALESCE(m.reply_to_id, ''), COALESCE(r.id, ''), COALESCE(r.content, ''), COALESCE(ru.name, r.author_id, ''),
	       COALESCE(m.thread_id, ''), COALESCE(m.thread_name, ''), COALESCE(m.original_id, '')
	FROM messages m
	LEFT JOIN users u ON u.id = m.author_id
	LEFT JOIN messages r ON r.id = m.reply_to_id
	LEFT JOIN users ru ON ru.id = r.author_id`

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		m       models.Message
		file    models.FileRef
		author  models.UserSummary
		preview models.ReplyPreview
	)
	err := row.Scan(
		&m.ID, &m.Content,
		&file.URL, &file.Name, &file.Type, &file.Size,
		&m.ChannelID, &m.AuthorID, &author.Name, &author.Avatar,
		&m.CreatedAt, &m.UpdatedAt,
		&m.ReplyToID, &preview.ID, &preview.Content, &preview.AuthorName,
		&m.ThreadID, &m.ThreadName, &m.OriginalID,
	)
	if err != nil {
		return m, err
	}
	author.ID = m.AuthorID
	m.Author = &author
	if file.URL != "" {
		m.File = &file
	}
	if preview.ID != "" {
		m.ReplyTo = &preview
	}
	m.Reactions = []models.Reaction{}
	return m, nil
}

// selectMessages runs messageSelect with the given tail and attaches
// reactions.
func selectMessages(ctx context.Context, q querier, tail string, args ...any) ([]models.Message, error) {
	rows, err := q.Query(ctx, messageSelect+" "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if err := attachReactions(ctx, q, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func selectByIDs(ctx context.Context, q querier, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	return selectMessages(ctx, q, "WHERE m.id = ANY($1) ORDER BY m.created_at, m.id", ids)
}

func selectOne(ctx context.Context, q querier, id string) (*models.Message, error) {
	msgs, err := selectByIDs(ctx, q, []string{id})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func attachReactions(ctx context.Context, q querier, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := q.Query(ctx, `
		SELECT id, content, message_id, user_id, created_at
		FROM reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.ID, &r.Content, &r.MessageID, &r.UserID, &r.CreatedAt); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		i := index[r.MessageID]
		messages[i].Reactions = append(messages[i].Reactions, r)
	}
	return rows.Err()
}

// lockTemp serializes, per temporary id, the transaction that persists the
// message minted under it against transactions inserting replies to it.
// Whichever commits second sees the other's row.
func lockTemp(ctx context.Context, q querier, tempID string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tempID); err != nil {
		return fmt.Errorf("lock temp id: %w", err)
	}
	return nil
}

// insertMessage writes msg and points replies that still reference its
// temporary id at the permanent one. It returns the rewritten reply ids.
//
// A reply to a temporary id is resolved again here, under the lock,
// because the target may have committed from another channel after the
// caller looked it up.
func insertMessage(ctx context.Context, q querier, msg repository.NewMessage) ([]string, error) {
	var file models.FileRef
	if msg.File != nil {
		file = *msg.File
	}
	if msg.OriginalID != "" {
		if err := lockTemp(ctx, q, msg.OriginalID); err != nil {
			return nil, err
		}
	}
	if ident.IsTemporary(msg.ReplyToID) {
		if err := lockTemp(ctx, q, msg.ReplyToID); err != nil {
			return nil, err
		}
		var targetID string
		err := q.QueryRow(ctx, `
			SELECT id FROM messages WHERE original_id = $1
			ORDER BY created_at LIMIT 1`, msg.ReplyToID).Scan(&targetID)
		switch {
		case err == nil:
			msg.ReplyToID = targetID
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("resolve reply target: %w", err)
		}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO messages (id, content, file_url, file_name, file_type, file_size,
		                      channel_id, author_id, reply_to_id, original_id)
		VALUES ($1, $2, NULLIF($3::text, ''), NULLIF($4::text, ''), NULLIF($5::text, ''), NULLIF($6::bigint, 0),
		        $7, $8, NULLIF($9::text, ''), NULLIF($10::text, ''))`,
		msg.ID, msg.Content, file.URL, file.Name, file.Type, file.Size,
		msg.ChannelID, msg.AuthorID, msg.ReplyToID, msg.OriginalID,
	)
	if err != nil {
		return nil, classify("insert message", err)
	}
	if msg.OriginalID == "" {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		UPDATE messages SET reply_to_id = $1, updated_at = now()
		WHERE reply_to_id = $2 AND id <> $1
		RETURNING id`, msg.ID, msg.OriginalID)
	if err != nil {
		return nil, fmt.Errorf("rewrite replies: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect rewritten replies: %w", err)
	}
	return ids, nil
}

func (s *MessageStore) Insert(ctx context.Context, msg repository.NewMessage) (*models.Message, []models.Message, error) {
	var (
		stored    *models.Message
		rewritten []models.Message
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids, err := insertMessage(ctx, tx, msg)
		if err != nil {
			return err
		}
		if stored, err = selectOne(ctx, tx, msg.ID); err != nil {
			return err
		}
		rewritten, err = selectByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, rewritten, nil
}

func (s *MessageStore) Find(ctx context.Context, ref ident.Ref) (*models.Message, error) {
	keys := ref.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	// Prefer an exact id hit over an original_id hit.
	msgs, err := selectMessages(ctx, s.pool, `
		WHERE m.id = ANY($1) OR m.original_id = ANY($1)
		ORDER BY (m.id = ANY($1)) DESC
		LIMIT 1`, keys)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *MessageStore) Delete(ctx context.Context, msg *models.Message) ([]models.Message, error) {
	var orphans []models.Message
	keys := ident.Ref{ID: msg.ID, OriginalID: msg.OriginalID}.Keys()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE messages SET reply_to_id = NULL, updated_at = now()
			WHERE reply_to_id = ANY($1) AND id <> $2
			RETURNING id`, keys, msg.ID)
		if err != nil {
			return fmt.Errorf("clear reply links: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect orphaned replies: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM reactions WHERE message_id = $1`, msg.ID); err != nil {
			return fmt.Errorf("delete reactions: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msg.ID)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}

		orphans, err = selectByIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

func (s *MessageStore) UpdateThread(ctx context.Context, id, threadID, threadName string) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET thread_id = NULLIF($2::text, ''), thread_name = NULLIF($3::text, ''), updated_at = now()
		WHERE id = $1`, id, threadID, threadName)
	if err != nil {
		return nil, fmt.Errorf("update thread link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return selectOne(ctx, s.pool, id)
}

func (s *MessageStore) ListByChannel(ctx context.Context, channelID string, before time.Time, limit int) ([]models.Message, error) {
	// before.IsZero() is the first page.
	if before.IsZero() {
		return selectMessages(ctx, s.pool, `
			WHERE m.channel_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`, channelID, limit)
	}
	return selectMessages(ctx, s.pool, `
		WHERE m.channel_id = $1 AND m.created_at < $2
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`, channelID, before, limit)
}

var _ repository.MessageRepository = (*MessageStore)(nil)

// errNoRows reports whether err is pgx.ErrNoRows.
func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
