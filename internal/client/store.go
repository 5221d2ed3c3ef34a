// Package client is the client half of the reconciliation protocol: an
// in-memory store that shows optimistic entities immediately and folds
// server events into it, plus the reconnecting session and idle tracker
// the terminal client runs on.
package client

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/channeltree"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
)

// DeliveryTimeout is how long an optimistic entity may wait for the
// server before it is surfaced as failed.
const DeliveryTimeout = 10 * time.Second

type OpType string

const (
	OpCreate OpType = "create"
	OpDelete OpType = "delete"
)

type EntityKind string

const (
	EntityMessage  EntityKind = "message"
	EntityChannel  EntityKind = "channel"
	EntityReaction EntityKind = "reaction"
)

// Pending is the optimistic update record. There is at most one per
// temporary id. Deletes are keyed by the id of the deleted entity and
// keep a copy for rollback.
type Pending struct {
	Op        OpType
	TempID    string
	Entity    EntityKind
	ChannelID string
	IssuedAt  time.Time

	removed *models.Message
}

// Failure reports an optimistic entity the server rejected or never
// confirmed.
type Failure struct {
	TempID string
	Entity EntityKind
	Err    *apperr.Error
}

// Store is safe for concurrent use. The session goroutine applies server
// events while the UI reads and issues optimistic writes.
type Store struct {
	self    string
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	channels map[string]*models.Channel
	tree     *channeltree.Tree
	messages map[string][]models.Message
	users    map[string]models.Status
	pending  map[string]*Pending
	failed   map[string]*apperr.Error
}

// NewStore returns an empty store for the signed in user selfID.
func NewStore(selfID string) *Store {
	return &Store{
		self:     selfID,
		timeout:  DeliveryTimeout,
		now:      time.Now,
		channels: make(map[string]*models.Channel),
		tree:     channeltree.New(),
		messages: make(map[string][]models.Message),
		users:    make(map[string]models.Status),
		pending:  make(map[string]*Pending),
		failed:   make(map[string]*apperr.Error),
	}
}

func msgRef(m models.Message) ident.Ref { return ident.Ref{ID: m.ID, OriginalID: m.OriginalID} }

func (s *Store) track(op OpType, kind EntityKind, tempID, channelID string) *Pending {
	p := &Pending{Op: op, TempID: tempID, Entity: kind, ChannelID: channelID, IssuedAt: s.now()}
	s.pending[tempID] = p
	return p
}

// Load merges a snapshot from the HTTP API into the store. Optimistic
// entities are kept.
func (s *Store) Load(channels []models.Channel, history map[string][]models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range channels {
		s.putChannel(channels[i])
	}
	for channelID, msgs := range history {
		for _, m := range msgs {
			s.upsertMessage(m)
		}
		s.sortChannel(channelID)
	}
}

func (s *Store) sortChannel(channelID string) {
	slices.SortStableFunc(s.messages[channelID], func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// ---- optimistic writes ----

// Send inserts an optimistic message and returns the request to send.
// replyToID may itself be a temporary id.
func (s *Store) Send(channelID, content, replyToID string, file *models.FileRef) (protocol.SendMessage, models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempID := ident.NewTemp()
	now := s.now()
	m := models.Message{
		ID:        tempID,
		Content:   content,
		File:      file,
		ChannelID: channelID,
		AuthorID:  s.self,
		CreatedAt: now,
		UpdatedAt: now,
		Reactions: []models.Reaction{},
	}
	if replyToID != "" {
		if target, ok := s.findMessage(ident.R(replyToID)); ok {
			replyToID = target.ID
			m.ReplyTo = &models.ReplyPreview{ID: target.ID, Content: target.Content}
		}
		m.ReplyToID = replyToID
	}
	s.messages[channelID] = append(s.messages[channelID], m)
	s.track(OpCreate, EntityMessage, tempID, channelID)

	return protocol.SendMessage{
		TempID:    tempID,
		ChannelID: channelID,
		Content:   content,
		File:      file,
		ReplyToID: replyToID,
	}, m
}

// CreateChannel inserts an optimistic channel under parentID ("" for a
// root channel).
func (s *Store) CreateChannel(name, parentID string) protocol.CreateChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempID := ident.NewTemp()
	s.putChannel(models.Channel{ID: tempID, Name: name, ParentID: parentID, Type: models.ChannelDefault, CreatorID: s.self})
	s.track(OpCreate, EntityChannel, tempID, tempID)
	return protocol.CreateChannel{Name: name, ParentID: parentID, OriginalID: tempID}
}

// PromoteThread turns sourceID into a thread named name, optimistically
// linking the source and adding initial as the thread's first message
// when it is not empty.
func (s *Store) PromoteThread(sourceID, name, initial string) (protocol.CreateChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.findMessage(ident.R(sourceID))
	if !ok {
		return protocol.CreateChannel{}, apperr.NotFoundf("message_not_found", "message %s not found", sourceID)
	}
	if src.ThreadID != "" {
		return protocol.CreateChannel{}, apperr.Validationf("message already has a thread")
	}

	chTemp := ident.NewTemp()
	s.putChannel(models.Channel{ID: chTemp, Name: name, ParentID: src.ChannelID, Type: models.ChannelDefault, CreatorID: s.self})
	s.track(OpCreate, EntityChannel, chTemp, chTemp)
	s.editMessage(msgRef(*src), func(m *models.Message) {
		m.ThreadID, m.ThreadName = chTemp, name
	})

	req := protocol.CreateChannel{Name: name, OriginalID: chTemp, ThreadSource: src.ID}
	if initial != "" {
		msgTemp := ident.NewTemp()
		now := s.now()
		s.messages[chTemp] = append(s.messages[chTemp], models.Message{
			ID: msgTemp, Content: initial, ChannelID: chTemp, AuthorID: s.self,
			CreatedAt: now, UpdatedAt: now, Reactions: []models.Reaction{},
		})
		s.track(OpCreate, EntityMessage, msgTemp, chTemp)
		req.InitialMessage = &protocol.InitialMessage{TempID: msgTemp, Content: initial}
	}
	return req, nil
}

// React adds a synthetic reaction by the signed in user and returns the
// request with the synthetic id, which travels as the request ref. The
// server's reaction replaces it by author and content. Reacting twice with
// the same content is a no-op.
func (s *Store) React(messageID, content string) (protocol.AddReaction, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.findMessage(ident.R(messageID))
	if !ok {
		return protocol.AddReaction{}, "", false
	}
	for _, r := range target.Reactions {
		if r.UserID == s.self && r.Content == content {
			return protocol.AddReaction{}, "", false
		}
	}
	synthetic := models.Reaction{ID: ident.NewTemp(), Content: content, MessageID: target.ID, UserID: s.self, CreatedAt: s.now()}
	s.editMessage(msgRef(*target), func(m *models.Message) {
		m.Reactions = append(m.Reactions, synthetic)
	})
	s.track(OpCreate, EntityReaction, synthetic.ID, target.ChannelID)
	return protocol.AddReaction{MessageID: target.ID, Content: content}, synthetic.ID, true
}

// Delete removes the message optimistically. The server's
// message.deleted confirms it; an error restores it.
func (s *Store) Delete(messageID string) (protocol.DeleteMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.findMessage(ident.R(messageID))
	if !ok || m.AuthorID != s.self || ident.IsTemporary(m.ID) {
		return protocol.DeleteMessage{}, false
	}
	backup := cloneMessage(*m)
	s.dropMessage(msgRef(backup), backup.ChannelID)
	s.track(OpDelete, EntityMessage, backup.ID, backup.ChannelID).removed = &backup
	return protocol.DeleteMessage{ID: backup.ID}, true
}

// ---- server events ----

// Apply folds one server event into the store. It returns the failure
// carried by the event, if any.
func (s *Store) Apply(ev protocol.Outbound) *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case protocol.Delivered:
		if e.Entity != nil {
			s.reconcileMessage(e.TempID, *e.Entity)
		}
	case protocol.NewMessageEvent:
		if e.Entity != nil {
			s.reconcileMessage(e.Entity.OriginalID, *e.Entity)
		}
	case protocol.MessageUpdatedEvent:
		s.applyMessageUpdate(e)
	case protocol.MessageDeletedEvent:
		s.removeMessage(ident.Ref{ID: e.ID, OriginalID: e.OriginalID}, e.ChannelID)
	case protocol.MessageErrorEvent:
		return s.rollback(e.TempID, e.Code, e.Reason)
	case protocol.ErrorEvent:
		if _, ok := s.pending[e.Ref]; ok {
			return s.rollback(e.Ref, e.Code, e.Message)
		}
	case protocol.ChannelCreatedEvent:
		if e.Entity != nil {
			s.reconcileChannel(e.OriginalID, *e.Entity)
		}
	case protocol.ChannelUpdatedEvent:
		if e.Entity != nil {
			s.updateChannel(*e.Entity)
		}
	case protocol.ChannelDeletedEvent:
		s.removeChannel(e.ID)
	case protocol.ReactionAddedEvent:
		s.addReaction(e.MessageID, e.Reaction)
	case protocol.ReactionRemovedEvent:
		s.removeReaction(e.MessageID, e.Reaction.ID)
	case protocol.StatusChangedEvent:
		s.users[e.UserID] = e.Status
	}
	return nil
}

// reconcileMessage replaces the optimistic copy of m in place or appends
// m when no copy exists. Replies and pending records that still refer to
// tempID are rewritten to m.ID. Replaying the same event is a no-op.
func (s *Store) reconcileMessage(tempID string, m models.Message) {
	if tempID == "" {
		tempID = m.OriginalID
	}
	if m.OriginalID == "" {
		m.OriginalID = tempID
	}
	if m.Reactions == nil {
		m.Reactions = []models.Reaction{}
	}
	s.upsertMessage(m)

	if tempID != "" {
		if p, ok := s.pending[tempID]; ok && p.Entity == EntityMessage {
			delete(s.pending, tempID)
		}
		delete(s.failed, tempID)
		s.relinkReplies(tempID, m)
	}
}

// upsertMessage places m in its channel, replacing whichever entry
// matches it under tri-way. A message that moved channels (a thread
// whose temporary id was promoted) is removed from the old list.
func (s *Store) upsertMessage(m models.Message) {
	ref := msgRef(m)
	for channelID, list := range s.messages {
		i := ident.Index(list, ref, msgRef)
		if i < 0 {
			continue
		}
		if channelID == m.ChannelID {
			list[i] = m
			return
		}
		s.messages[channelID] = slices.Delete(list, i, i+1)
		break
	}
	s.messages[m.ChannelID] = append(s.messages[m.ChannelID], m)
}

func (s *Store) relinkReplies(tempID string, target models.Message) {
	for _, list := range s.messages {
		for i := range list {
			if list[i].ReplyToID != tempID {
				continue
			}
			list[i].ReplyToID = target.ID
			list[i].ReplyTo = &models.ReplyPreview{ID: target.ID, Content: target.Content}
			if target.Author != nil {
				list[i].ReplyTo.AuthorName = target.Author.Name
			}
		}
	}
}

func (s *Store) applyMessageUpdate(e protocol.MessageUpdatedEvent) {
	ref := ident.Ref{ID: e.ID, OriginalID: e.OriginalID}
	if e.Entity != nil {
		if _, ok := s.findMessage(ref); ok {
			m := *e.Entity
			if m.Reactions == nil {
				m.Reactions = []models.Reaction{}
			}
			s.upsertMessage(m)
			return
		}
	}
	s.editMessage(ref, func(m *models.Message) {
		f := e.Fields
		if f.ReplyToID != nil {
			m.ReplyToID = *f.ReplyToID
			if m.ReplyToID == "" {
				m.ReplyTo = nil
			}
		}
		if f.ThreadID != nil {
			m.ThreadID = *f.ThreadID
		}
		if f.ThreadName != nil {
			m.ThreadName = *f.ThreadName
		}
	})
}

// removeMessage drops the message matching ref and clears local replies
// that pointed at it by either id.
func (s *Store) removeMessage(ref ident.Ref, channelID string) {
	s.dropMessage(ref, channelID)
	for _, list := range s.messages {
		for i := range list {
			if list[i].ReplyToID != "" && ref.Matches(ident.R(list[i].ReplyToID)) {
				list[i].ReplyToID = ""
				list[i].ReplyTo = nil
			}
		}
	}
	for _, key := range ref.Keys() {
		delete(s.pending, key)
	}
}

// dropMessage removes the entry matching ref, looking only in channelID
// when it is set.
func (s *Store) dropMessage(ref ident.Ref, channelID string) bool {
	for id, list := range s.messages {
		if channelID != "" && id != channelID {
			continue
		}
		if i := ident.Index(list, ref, msgRef); i >= 0 {
			s.messages[id] = slices.Delete(list, i, i+1)
			return true
		}
	}
	return false
}

// rollback undoes the optimistic operation keyed by key and records why
// the server refused it. Created entities disappear; deleted messages
// come back.
func (s *Store) rollback(key, code, reason string) *Failure {
	err := apperr.New(apperr.Validation, code, reason)
	p := s.pending[key]
	delete(s.pending, key)
	s.failed[key] = err

	if p == nil {
		s.removeMessage(ident.R(key), "")
		return &Failure{TempID: key, Entity: EntityMessage, Err: err}
	}
	switch {
	case p.Op == OpDelete && p.removed != nil:
		s.upsertMessage(*p.removed)
		s.sortChannel(p.removed.ChannelID)
	case p.Entity == EntityChannel:
		s.removeChannel(key)
	case p.Entity == EntityReaction:
		s.dropReaction(key)
	default:
		s.removeMessage(ident.R(key), p.ChannelID)
	}
	return &Failure{TempID: key, Entity: p.Entity, Err: err}
}

func (s *Store) putChannel(ch models.Channel) {
	c := ch
	s.channels[ch.ID] = &c
	s.tree.Put(ch.ID, ch.ParentID)
}

// reconcileChannel retires the temporary id of a channel the user
// created, carrying its messages and any thread links over to the
// permanent id.
func (s *Store) reconcileChannel(tempID string, ch models.Channel) {
	if tempID != "" && tempID != ch.ID {
		if _, ok := s.channels[tempID]; ok {
			delete(s.channels, tempID)
			s.tree.Rename(tempID, ch.ID)
			for _, list := range s.messages {
				for i := range list {
					if list[i].ThreadID == tempID {
						list[i].ThreadID = ch.ID
					}
				}
			}
			if msgs, ok := s.messages[tempID]; ok {
				delete(s.messages, tempID)
				for i := range msgs {
					msgs[i].ChannelID = ch.ID
				}
				s.messages[ch.ID] = append(s.messages[ch.ID], msgs...)
			}
			for _, p := range s.pending {
				if p.ChannelID == tempID {
					p.ChannelID = ch.ID
				}
			}
		}
		delete(s.pending, tempID)
		delete(s.failed, tempID)
	}
	s.putChannel(ch)
}

func (s *Store) updateChannel(ch models.Channel) {
	s.putChannel(ch)
	for _, list := range s.messages {
		for i := range list {
			if list[i].ThreadID == ch.ID {
				list[i].ThreadName = ch.Name
			}
		}
	}
}

// removeChannel drops the channel, every descendant thread and their
// messages. Thread links into the removed channels are cleared.
func (s *Store) removeChannel(id string) {
	removed := s.tree.RemoveSubtree(id)
	if len(removed) == 0 {
		removed = []string{id}
	}
	for _, cid := range removed {
		delete(s.channels, cid)
		delete(s.messages, cid)
	}
	for _, list := range s.messages {
		for i := range list {
			if slices.Contains(removed, list[i].ThreadID) {
				list[i].ThreadID, list[i].ThreadName = "", ""
			}
		}
	}
	for key, p := range s.pending {
		if slices.Contains(removed, p.ChannelID) {
			delete(s.pending, key)
		}
	}
}

// addReaction merges r into its message. The signed in user's synthetic
// reaction with the same content is replaced; a reaction already present
// by id, or by author and content, is not added twice.
func (s *Store) addReaction(messageID string, r models.Reaction) {
	s.editMessage(ident.R(messageID), func(m *models.Message) {
		for i, have := range m.Reactions {
			if have.ID == r.ID {
				return
			}
			if have.UserID == r.UserID && have.Content == r.Content {
				if ident.IsTemporary(have.ID) {
					m.Reactions[i] = r
					delete(s.pending, have.ID)
					delete(s.failed, have.ID)
				}
				return
			}
		}
		m.Reactions = append(m.Reactions, r)
	})
}

// dropReaction removes the synthetic reaction id from whichever message
// carries it.
func (s *Store) dropReaction(id string) {
	for _, list := range s.messages {
		for i := range list {
			n := len(list[i].Reactions)
			list[i].Reactions = slices.DeleteFunc(list[i].Reactions, func(r models.Reaction) bool { return r.ID == id })
			if len(list[i].Reactions) != n {
				return
			}
		}
	}
}

func (s *Store) removeReaction(messageID, reactionID string) {
	s.editMessage(ident.R(messageID), func(m *models.Message) {
		m.Reactions = slices.DeleteFunc(m.Reactions, func(r models.Reaction) bool { return r.ID == reactionID })
	})
}

// ---- timeouts ----

// Expire surfaces every optimistic entity older than the delivery
// timeout as failed and releases its record. Messages and channels stay
// visible and a late server confirmation still reconciles them. A
// synthetic reaction is removed; a late reaction.added adds the real one.
func (s *Store) Expire() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.timeout)
	var out []Failure
	for key, p := range s.pending {
		if p.IssuedAt.After(cutoff) {
			continue
		}
		delete(s.pending, key)
		if p.Entity == EntityReaction {
			s.dropReaction(key)
		}
		err := apperr.New(apperr.Timeout, "", string(p.Entity)+" was not confirmed in time")
		s.failed[key] = err
		out = append(out, Failure{TempID: key, Entity: p.Entity, Err: err})
	}
	slices.SortFunc(out, func(a, b Failure) int { return cmp.Compare(a.TempID, b.TempID) })
	return out
}

// ---- lookups ----

// findMessage returns a pointer into the store; callers hold mu.
func (s *Store) findMessage(ref ident.Ref) (*models.Message, bool) {
	for _, list := range s.messages {
		if i := ident.Index(list, ref, msgRef); i >= 0 {
			return &list[i], true
		}
	}
	return nil, false
}

func (s *Store) editMessage(ref ident.Ref, fn func(m *models.Message)) bool {
	m, ok := s.findMessage(ref)
	if ok {
		fn(m)
	}
	return ok
}

// Message returns a copy of the message id resolves to under tri-way.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.findMessage(ident.R(id))
	if !ok {
		return models.Message{}, false
	}
	return cloneMessage(*m), true
}

// Messages returns a copy of the channel's messages in display order.
func (s *Store) Messages(channelID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages[channelID]))
	for i, m := range s.messages[channelID] {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m models.Message) models.Message {
	m.Reactions = slices.Clone(m.Reactions)
	if m.ReplyTo != nil {
		rp := *m.ReplyTo
		m.ReplyTo = &rp
	}
	return m
}

func (s *Store) Channel(id string) (models.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return models.Channel{}, false
	}
	return *ch, true
}

// Channels returns every known channel, roots first.
func (s *Store) Channels() []models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	slices.SortFunc(out, func(a, b models.Channel) int {
		da, _ := s.tree.Depth(a.ID)
		db, _ := s.tree.Depth(b.ID)
		if da != db {
			return da - db
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func (s *Store) Status(userID string) models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.users[userID]; ok {
		return st
	}
	return models.StatusOffline
}

// Pending returns the optimistic record for tempID.
func (s *Store) Pending(tempID string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[tempID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Failed returns why the optimistic entity tempID failed, if it did.
func (s *Store) Failed(tempID string) (*apperr.Error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failed[tempID]
	return err, ok
}
