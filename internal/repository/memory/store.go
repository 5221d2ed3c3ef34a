// Package memory is an in-process implementation of the repository
// interfaces. It backs the server when no DATABASE_URL is configured and
// every service test. One mutex guards all tables, so each method is a
// transaction.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/repository"
)

type messageRow struct {
	models.Message
	seq int64
}

type DB struct {
	mu sync.Mutex

	users     map[string]*models.User
	channels  map[string]*models.Channel
	direct    map[string]string // pair key -> channel id
	messages  map[string]*messageRow
	reactions map[string]*models.Reaction
	rxSeq     map[string]int64

	seq         int64
	failInserts int
	now         func() time.Time
}

func New() *DB {
	return &DB{
		users:     make(map[string]*models.User),
		channels:  make(map[string]*models.Channel),
		direct:    make(map[string]string),
		messages:  make(map[string]*messageRow),
		reactions: make(map[string]*models.Reaction),
		rxSeq:     make(map[string]int64),
		now:       time.Now,
	}
}

// Store returns the repository views over db.
func (db *DB) Store() repository.Store {
	return repository.Store{
		Users:     &UserStore{db: db},
		Channels:  &ChannelStore{db: db},
		Members:   &MembershipStore{db: db},
		Messages:  &MessageStore{db: db},
		Reactions: &ReactionStore{db: db},
	}
}

// SetClock replaces the time source.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

// FailNextInserts makes the next n inserts of any kind fail with
// repository.ErrConflict.
func (db *DB) FailNextInserts(n int) {
	db.mu.Lock()
	db.failInserts = n
	db.mu.Unlock()
}

func (db *DB) tick() (time.Time, int64) {
	db.seq++
	return db.now().UTC(), db.seq
}

func (db *DB) injectedConflict() bool {
	if db.failInserts > 0 {
		db.failInserts--
		return true
	}
	return false
}

func messageRef(m *models.Message) ident.Ref {
	return ident.Ref{ID: m.ID, OriginalID: m.OriginalID}
}

func (db *DB) findMessage(ref ident.Ref) *messageRow {
	if row, ok := db.messages[ref.ID]; ok {
		return row
	}
	for _, row := range db.messages {
		if ref.Matches(messageRef(&row.Message)) {
			return row
		}
	}
	return nil
}

func (db *DB) findChannel(ref ident.Ref) *models.Channel {
	if ch, ok := db.channels[ref.ID]; ok {
		return ch
	}
	for _, ch := range db.channels {
		if ref.Matches(ident.Ref{ID: ch.ID, OriginalID: ch.OriginalID}) {
			return ch
		}
	}
	return nil
}

// hydrate builds the read model: author summary, reply preview and
// reactions in insertion order.
func (db *DB) hydrate(row *messageRow) models.Message {
	m := row.Message
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	m.Author = db.summary(m.AuthorID)
	m.ReplyTo = nil
	if m.ReplyToID != "" {
		if target, ok := db.messages[m.ReplyToID]; ok {
			m.ReplyTo = &models.ReplyPreview{
				ID:         target.ID,
				Content:    target.Content,
				AuthorName: db.summary(target.AuthorID).Name,
			}
		}
	}
	m.Reactions = db.reactionsOf(m.ID)
	return m
}

func (db *DB) summary(userID string) *models.UserSummary {
	if u, ok := db.users[userID]; ok {
		return &models.UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar}
	}
	return &models.UserSummary{ID: userID, Name: userID}
}

func (db *DB) reactionsOf(messageID string) []models.Reaction {
	out := make([]models.Reaction, 0)
	for _, r := range db.reactions {
		if r.MessageID == messageID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return db.rxSeq[out[i].ID] < db.rxSeq[out[j].ID] })
	return out
}

// insertMessage writes msg and rewrites replies that still point at its
// temporary id. Callers hold mu and have checked for conflicts.
func (db *DB) insertMessage(msg repository.NewMessage) (*messageRow, []*messageRow) {
	// The target of a temporary reply may have landed since the caller
	// resolved it.
	if ident.IsTemporary(msg.ReplyToID) {
		if target := db.findMessage(ident.R(msg.ReplyToID)); target != nil {
			msg.ReplyToID = target.ID
		}
	}
	now, seq := db.tick()
	row := &messageRow{seq: seq, Message: models.Message{
		ID:         msg.ID,
		Content:    msg.Content,
		ChannelID:  msg.ChannelID,
		AuthorID:   msg.AuthorID,
		CreatedAt:  now,
		UpdatedAt:  now,
		ReplyToID:  msg.ReplyToID,
		OriginalID: msg.OriginalID,
	}}
	if msg.File != nil {
		f := *msg.File
		row.File = &f
	}
	db.messages[row.ID] = row

	var rewritten []*messageRow
	if msg.OriginalID != "" {
		for _, other := range db.messages {
			if other.ID != msg.ID && other.ReplyToID == msg.OriginalID {
				other.ReplyToID = msg.ID
				other.UpdatedAt = now
				rewritten = append(rewritten, other)
			}
		}
	}
	sort.Slice(rewritten, func(i, j int) bool { return rewritten[i].seq < rewritten[j].seq })
	return row, rewritten
}

func (db *DB) hydrateAll(rows []*messageRow) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, db.hydrate(r))
	}
	return out
}

func (db *DB) copyChannel(ch *models.Channel) *models.Channel {
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	return &cp
}

func pairKey(members []string) string {
	pair := append([]string(nil), members...)
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// MessageStore implements repository.MessageRepository.
type MessageStore struct{ db *DB }

func (s *MessageStore) Insert(_ context.Context, msg repository.NewMessage) (*models.Message, []models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, taken := db.messages[msg.ID]; taken || db.injectedConflict() {
		return nil, nil, repository.ErrConflict
	}
	row, rewritten := db.insertMessage(msg)
	m := db.hydrate(row)
	return &m, db.hydrateAll(rewritten), nil
}

func (s *MessageStore) Find(_ context.Context, ref ident.Ref) (*models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	row := db.findMessage(ref)
	if row == nil {
		return nil, nil
	}
	m := db.hydrate(row)
	return &m, nil
}

func (s *MessageStore) Delete(_ context.Context, msg *models.Message) ([]models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.messages[msg.ID]; !ok {
		return nil, repository.ErrNotFound
	}
	now, _ := db.tick()
	var orphans []*messageRow
	for _, other := range db.messages {
		if other.ID == msg.ID || other.ReplyToID == "" {
			continue
		}
		if other.ReplyToID == msg.ID || (msg.OriginalID != "" && other.ReplyToID == msg.OriginalID) {
			other.ReplyToID = ""
			other.UpdatedAt = now
			orphans = append(orphans, other)
		}
	}
	for id, r := range db.reactions {
		if r.MessageID == msg.ID {
			delete(db.reactions, id)
			delete(db.rxSeq, id)
		}
	}
	delete(db.messages, msg.ID)

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].seq < orphans[j].seq })
	return db.hydrateAll(orphans), nil
}

func (s *MessageStore) UpdateThread(_ context.Context, id, threadID, threadName string) (*models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	row, ok := db.messages[id]
	if !ok {
		return nil, nil
	}
	now, _ := db.tick()
	row.ThreadID = threadID
	row.ThreadName = threadName
	row.UpdatedAt = now
	m := db.hydrate(row)
	return &m, nil
}

func (s *MessageStore) ListByChannel(_ context.Context, channelID string, before time.Time, limit int) ([]models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var rows []*messageRow
	for _, row := range db.messages {
		if row.ChannelID != channelID {
			continue
		}
		if !before.IsZero() && !row.CreatedAt.Before(before) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return db.hydrateAll(rows), nil
}

// ChannelStore implements repository.ChannelRepository.
type ChannelStore struct{ db *DB }

func (db *DB) newChannel(ch repository.NewChannel) *models.Channel {
	now, _ := db.tick()
	typ := ch.Type
	if typ == "" {
		typ = models.ChannelDefault
	}
	c := &models.Channel{
		ID:          ch.ID,
		Name:        ch.Name,
		Description: ch.Description,
		ParentID:    ch.ParentID,
		Type:        typ,
		CreatorID:   ch.CreatorID,
		OriginalID:  ch.OriginalID,
		Members:     append([]string(nil), ch.Members...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	db.channels[c.ID] = c
	return c
}

func (s *ChannelStore) Create(_ context.Context, ch repository.NewChannel) (*models.Channel, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, taken := db.channels[ch.ID]; taken || db.injectedConflict() {
		return nil, repository.ErrConflict
	}
	return db.copyChannel(db.newChannel(ch)), nil
}

func (s *ChannelStore) Find(_ context.Context, ref ident.Ref) (*models.Channel, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ch := db.findChannel(ref)
	if ch == nil {
		return nil, nil
	}
	return db.copyChannel(ch), nil
}

func (s *ChannelStore) CreateThread(_ context.Context, in repository.ThreadInput) (*repository.ThreadResult, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	// Validate everything before the first write.
	source := db.findMessage(in.Source)
	if source == nil {
		return nil, repository.ErrNotFound
	}
	if source.ThreadID != "" {
		return nil, repository.ErrThreadExists
	}
	if _, taken := db.channels[in.Channel.ID]; taken || db.injectedConflict() {
		return nil, repository.ErrConflict
	}
	if in.Initial != nil {
		if _, taken := db.messages[in.Initial.ID]; taken {
			return nil, repository.ErrConflict
		}
	}

	ch := db.newChannel(in.Channel)
	now, _ := db.tick()
	source.ThreadID = ch.ID
	source.ThreadName = ch.Name
	source.UpdatedAt = now

	res := &repository.ThreadResult{Channel: db.copyChannel(ch)}
	if in.Initial != nil {
		initial := *in.Initial
		initial.ChannelID = ch.ID
		row, rewritten := db.insertMessage(initial)
		m := db.hydrate(row)
		res.Initial = &m
		res.Rewritten = db.hydrateAll(rewritten)
	}
	src := db.hydrate(source)
	res.Source = &src
	return res, nil
}

func (s *ChannelStore) Update(_ context.Context, id string, name, description *string) (*models.Channel, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ch, ok := db.channels[id]
	if !ok {
		return nil, nil
	}
	if name != nil {
		ch.Name = *name
	}
	if description != nil {
		ch.Description = *description
	}
	ch.UpdatedAt, _ = db.tick()
	if name != nil {
		for _, row := range db.messages {
			if row.ThreadID == id {
				row.ThreadName = ch.Name
			}
		}
	}
	return db.copyChannel(ch), nil
}

func (s *ChannelStore) Delete(_ context.Context, id string) ([]models.Message, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ch, ok := db.channels[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	for msgID, row := range db.messages {
		if row.ChannelID != id {
			continue
		}
		for rxID, r := range db.reactions {
			if r.MessageID == msgID {
				delete(db.reactions, rxID)
				delete(db.rxSeq, rxID)
			}
		}
		delete(db.messages, msgID)
	}
	now, _ := db.tick()
	var unlinked []*messageRow
	for _, row := range db.messages {
		if row.ThreadID == id {
			row.ThreadID = ""
			row.ThreadName = ""
			row.UpdatedAt = now
			unlinked = append(unlinked, row)
		}
	}
	if ch.Type == models.ChannelDM {
		delete(db.direct, pairKey(ch.Members))
	}
	delete(db.channels, id)

	sort.Slice(unlinked, func(i, j int) bool { return unlinked[i].seq < unlinked[j].seq })
	return db.hydrateAll(unlinked), nil
}

func (s *ChannelStore) List(_ context.Context, userID string) ([]models.Channel, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]models.Channel, 0, len(db.channels))
	for _, ch := range db.channels {
		if ch.Type == models.ChannelDM && !contains(ch.Members, userID) {
			continue
		}
		out = append(out, *db.copyChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ChannelStore) GetOrCreateDirect(_ context.Context, ch repository.NewChannel) (*models.Channel, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	key := pairKey(ch.Members)
	if id, ok := db.direct[key]; ok {
		return db.copyChannel(db.channels[id]), false, nil
	}
	if _, taken := db.channels[ch.ID]; taken || db.injectedConflict() {
		return nil, false, repository.ErrConflict
	}
	ch.Type = models.ChannelDM
	c := db.newChannel(ch)
	db.direct[key] = c.ID
	return db.copyChannel(c), true, nil
}

// MembershipStore implements repository.MembershipRepository.
type MembershipStore struct{ db *DB }

func (s *MembershipStore) ListMembers(_ context.Context, channelID string) ([]string, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ch, ok := db.channels[channelID]
	if !ok {
		return []string{}, nil
	}
	return append([]string{}, ch.Members...), nil
}

func (s *MembershipStore) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ch, ok := db.channels[channelID]
	return ok && contains(ch.Members, userID), nil
}

// ReactionStore implements repository.ReactionRepository.
type ReactionStore struct{ db *DB }

func (s *ReactionStore) Add(_ context.Context, r models.Reaction) (*models.Reaction, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.reactions {
		if existing.MessageID == r.MessageID && existing.UserID == r.UserID && existing.Content == r.Content {
			cp := *existing
			return &cp, false, nil
		}
	}
	if _, taken := db.reactions[r.ID]; taken || db.injectedConflict() {
		return nil, false, repository.ErrConflict
	}
	now, seq := db.tick()
	r.CreatedAt = now
	db.reactions[r.ID] = &r
	db.rxSeq[r.ID] = seq
	cp := r
	return &cp, true, nil
}

func (s *ReactionStore) Find(_ context.Context, id string) (*models.Reaction, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.reactions[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *ReactionStore) Delete(_ context.Context, id string) error {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.reactions, id)
	delete(db.rxSeq, id)
	return nil
}

// UserStore implements repository.UserRepository.
type UserStore struct{ db *DB }

func (s *UserStore) UpsertProfile(_ context.Context, id, name, avatar string) (*models.User, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	now, _ := db.tick()
	u, ok := db.users[id]
	if !ok {
		u = &models.User{ID: id, Status: models.StatusOffline, CreatedAt: now}
		db.users[id] = u
	}
	u.Name = name
	u.Avatar = avatar
	u.UpdatedAt = now
	cp := *u
	return &cp, nil
}

func (s *UserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *UserStore) SetStatus(_ context.Context, id string, status models.Status) (*models.User, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return nil, nil
	}
	u.Status = status
	u.UpdatedAt, _ = db.tick()
	cp := *u
	return &cp, nil
}

func (s *UserStore) ListActive(_ context.Context) ([]models.User, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]models.User, 0)
	for _, u := range db.users {
		if u.Status != models.StatusOffline {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *UserStore) EnsureBot(_ context.Context, id, name, avatar string) (*models.User, bool, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if u, ok := db.users[id]; ok {
		cp := *u
		return &cp, false, nil
	}
	now, _ := db.tick()
	u := &models.User{ID: id, Name: name, Avatar: avatar, Status: models.StatusOnline, CreatedAt: now, UpdatedAt: now}
	db.users[id] = u
	cp := *u
	return &cp, true, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
