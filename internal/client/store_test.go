package client

import (
	"testing"
	"time"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore("u_ada")
	s.now = func() time.Time { return clock }
	s.Load([]models.Channel{{ID: "c1", Name: "general", Type: models.ChannelDefault}}, nil)
	return s, &clock
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func delivered(tempID string, m models.Message) protocol.Delivered {
	m.OriginalID = tempID
	return protocol.Delivered{TempID: tempID, PermanentID: m.ID, ChannelID: m.ChannelID, Entity: &m}
}

func TestStore_ReplyToOptimisticTarget(t *testing.T) {
	s, _ := newTestStore(t)

	first, _ := s.Send("c1", "hi", "", nil)
	reply, _ := s.Send("c1", "re", first.TempID, nil)
	if reply.ReplyToID != first.TempID {
		t.Fatalf("reply sent with replyToId %q, want %q", reply.ReplyToID, first.TempID)
	}

	s.Apply(delivered(first.TempID, models.Message{ID: "msg_abc", Content: "hi", ChannelID: "c1", AuthorID: "u_ada"}))

	m, ok := s.Message(reply.TempID)
	if !ok {
		t.Fatal("reply vanished")
	}
	if m.ReplyToID != "msg_abc" || m.ReplyTo == nil || m.ReplyTo.Content != "hi" {
		t.Errorf("reply after target reconciled = %+v", m)
	}

	s.Apply(delivered(reply.TempID, models.Message{ID: "msg_def", Content: "re", ChannelID: "c1", AuthorID: "u_ada", ReplyToID: "msg_abc"}))
	got := s.Messages("c1")
	if want := []string{"msg_abc", "msg_def"}; len(got) != 2 || got[0].ID != want[0] || got[1].ID != want[1] {
		t.Fatalf("messages = %v, want %v", ids(got), want)
	}
	if got[1].ReplyToID != "msg_abc" {
		t.Errorf("reply.ReplyToID = %q, want msg_abc", got[1].ReplyToID)
	}
	if _, ok := s.Pending(first.TempID); ok {
		t.Error("pending record survived delivery")
	}
}

func TestStore_ReconcileIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	req, _ := s.Send("c1", "hi", "", nil)
	ev := delivered(req.TempID, models.Message{ID: "msg_abc", Content: "hi", ChannelID: "c1", AuthorID: "u_ada"})

	tests := []struct {
		name string
		ev   protocol.Outbound
	}{
		{"delivered", ev},
		{"delivered again", ev},
		{"broadcast copy", protocol.NewMessageEvent{Entity: ev.Entity}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Apply(tt.ev)
			got := s.Messages("c1")
			if len(got) != 1 || got[0].ID != "msg_abc" || got[0].OriginalID != req.TempID {
				t.Errorf("messages = %+v", got)
			}
		})
	}
}

func TestStore_PeerMessageAppends(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_1", OriginalID: "temp_peer", ChannelID: "c1", AuthorID: "u_grace", Content: "yo"}})
	if got := s.Messages("c1"); len(got) != 1 || got[0].ID != "msg_1" {
		t.Errorf("messages = %v", ids(got))
	}
}

func TestStore_ErrorRollsBack(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.Send("c1", "hi", "", nil)
	reply, _ := s.Send("c1", "re", first.TempID, nil)

	f := s.Apply(protocol.MessageErrorEvent{TempID: first.TempID, Code: "validation_error", Reason: "too long"})
	if f == nil || f.TempID != first.TempID || f.Err.Code != "validation_error" {
		t.Fatalf("failure = %+v", f)
	}
	if _, ok := s.Message(first.TempID); ok {
		t.Error("rejected message still shown")
	}
	if m, _ := s.Message(reply.TempID); m.ReplyToID != "" {
		t.Errorf("reply still points at rejected message: %+v", m)
	}
	if err, ok := s.Failed(first.TempID); !ok || err.Kind != apperr.Validation {
		t.Errorf("Failed() = %v, %v", err, ok)
	}
}

func TestStore_DeliveryTimeoutThenLateDelivery(t *testing.T) {
	s, clock := newTestStore(t)
	req, _ := s.Send("c1", "hi", "", nil)

	*clock = clock.Add(DeliveryTimeout - time.Second)
	if got := s.Expire(); len(got) != 0 {
		t.Fatalf("expired early: %+v", got)
	}
	*clock = clock.Add(2 * time.Second)
	got := s.Expire()
	if len(got) != 1 || got[0].TempID != req.TempID || got[0].Err.Kind != apperr.Timeout {
		t.Fatalf("Expire() = %+v", got)
	}
	if _, ok := s.Pending(req.TempID); ok {
		t.Error("record not released after timeout")
	}
	if _, ok := s.Message(req.TempID); !ok {
		t.Error("timed out message should stay visible as failed")
	}

	s.Apply(delivered(req.TempID, models.Message{ID: "msg_late", Content: "hi", ChannelID: "c1", AuthorID: "u_ada"}))
	if msgs := s.Messages("c1"); len(msgs) != 1 || msgs[0].ID != "msg_late" {
		t.Errorf("late delivery = %v, want [msg_late]", ids(msgs))
	}
	if _, failed := s.Failed(req.TempID); failed {
		t.Error("late delivery did not clear the failure")
	}
}

func TestStore_ReactionDedupe(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_1", ChannelID: "c1", AuthorID: "u_grace"}})

	req, tempID, ok := s.React("msg_1", "+1")
	if !ok || req.MessageID != "msg_1" {
		t.Fatalf("React() = %+v, %v", req, ok)
	}
	if _, _, again := s.React("msg_1", "+1"); again {
		t.Error("second identical reaction was issued")
	}
	if p, ok := s.Pending(tempID); !ok || p.Entity != EntityReaction {
		t.Fatalf("Pending(%s) = %+v, %v; want reaction record", tempID, p, ok)
	}

	server := models.Reaction{ID: "rx_1", MessageID: "msg_1", UserID: "u_ada", Content: "+1"}
	s.Apply(protocol.ReactionAddedEvent{MessageID: "msg_1", Reaction: server})
	s.Apply(protocol.ReactionAddedEvent{MessageID: "msg_1", Reaction: server})
	s.Apply(protocol.ReactionAddedEvent{MessageID: "msg_1", Reaction: models.Reaction{ID: "rx_2", MessageID: "msg_1", UserID: "u_grace", Content: "+1"}})

	m, _ := s.Message("msg_1")
	if len(m.Reactions) != 2 || m.Reactions[0].ID != "rx_1" || m.Reactions[1].ID != "rx_2" {
		t.Fatalf("reactions = %+v", m.Reactions)
	}
	if _, ok := s.Pending(tempID); ok {
		t.Error("confirmed reaction still pending")
	}

	s.Apply(protocol.ReactionRemovedEvent{MessageID: "msg_1", Reaction: server})
	if m, _ := s.Message("msg_1"); len(m.Reactions) != 1 {
		t.Errorf("reactions after remove = %+v", m.Reactions)
	}
}

func TestStore_ReactionFailure(t *testing.T) {
	tests := []struct {
		name     string
		fail     func(s *Store, clock *time.Time, tempID string) []Failure
		wantKind apperr.Kind
	}{
		{
			name: "rejected",
			fail: func(s *Store, _ *time.Time, tempID string) []Failure {
				f := s.Apply(protocol.ErrorEvent{Code: "message_not_found", Message: "message msg_1 not found", Ref: tempID})
				if f == nil {
					return nil
				}
				return []Failure{*f}
			},
			wantKind: apperr.Validation,
		},
		{
			name: "never confirmed",
			fail: func(s *Store, clock *time.Time, _ string) []Failure {
				*clock = clock.Add(time.Minute)
				return s.Expire()
			},
			wantKind: apperr.Timeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore(t)
			s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_1", ChannelID: "c1", AuthorID: "u_grace"}})
			_, tempID, ok := s.React("msg_1", ":+1:")
			if !ok {
				t.Fatal("React() refused")
			}

			got := tt.fail(s, clock, tempID)
			if len(got) != 1 || got[0].TempID != tempID || got[0].Entity != EntityReaction || got[0].Err.Kind != tt.wantKind {
				t.Fatalf("failures = %+v", got)
			}
			if m, _ := s.Message("msg_1"); len(m.Reactions) != 0 {
				t.Errorf("synthetic reaction survived: %+v", m.Reactions)
			}
			if _, ok := s.Pending(tempID); ok {
				t.Error("record not released")
			}
			if _, _, ok := s.React("msg_1", ":+1:"); !ok {
				t.Error("cannot react again after failure")
			}
		})
	}
}

func TestStore_ReactionOnOptimisticMessage(t *testing.T) {
	s, _ := newTestStore(t)
	req, _ := s.Send("c1", "hi", "", nil)
	s.Apply(delivered(req.TempID, models.Message{ID: "msg_abc", ChannelID: "c1", AuthorID: "u_ada"}))
	s.Apply(protocol.ReactionAddedEvent{MessageID: req.TempID, Reaction: models.Reaction{ID: "rx_1", UserID: "u_grace", Content: "+1"}})
	if m, _ := s.Message("msg_abc"); len(m.Reactions) != 1 {
		t.Errorf("reaction by temp id not attached: %+v", m)
	}
}

func TestStore_ThreadPromotion(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_src", ChannelID: "c1", AuthorID: "u_grace", Content: "src"}})

	req, err := s.PromoteThread("msg_src", "ideas", "first!")
	if err != nil {
		t.Fatal(err)
	}
	tempCh := req.OriginalID
	if src, _ := s.Message("msg_src"); src.ThreadID != tempCh {
		t.Fatalf("source not linked optimistically: %+v", src)
	}
	if _, err := s.PromoteThread("msg_src", "again", ""); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("second promotion error = %v", err)
	}

	thread := models.Channel{ID: "ch_t", Name: "ideas", ParentID: "c1", Type: models.ChannelDefault, OriginalID: tempCh}
	s.Apply(protocol.ChannelCreatedEvent{Entity: &thread, OriginalID: tempCh})
	src := models.Message{ID: "msg_src", ChannelID: "c1", AuthorID: "u_grace", Content: "src", ThreadID: "ch_t", ThreadName: "ideas"}
	s.Apply(protocol.ThreadLinked(&src))
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{
		ID: "msg_first", OriginalID: req.InitialMessage.TempID, ChannelID: "ch_t", AuthorID: "u_ada", Content: "first!",
	}})

	if _, ok := s.Channel(tempCh); ok {
		t.Error("temporary channel survived reconciliation")
	}
	if ch, ok := s.Channel("ch_t"); !ok || ch.ParentID != "c1" {
		t.Errorf("thread channel = %+v, %v", ch, ok)
	}
	if got := s.Messages("ch_t"); len(got) != 1 || got[0].ID != "msg_first" {
		t.Errorf("thread messages = %v", ids(got))
	}
	if got := s.Messages(tempCh); len(got) != 0 {
		t.Errorf("messages left under temp channel: %v", ids(got))
	}
	if m, _ := s.Message("msg_src"); m.ThreadID != "ch_t" {
		t.Errorf("source ThreadID = %q, want ch_t", m.ThreadID)
	}
}

func TestStore_ChannelCascade(t *testing.T) {
	s, _ := newTestStore(t)
	s.Load([]models.Channel{
		{ID: "c2", Name: "thread", ParentID: "c1"},
		{ID: "c3", Name: "sub", ParentID: "c2"},
		{ID: "c4", Name: "other"},
	}, map[string][]models.Message{
		"c1": {{ID: "msg_src", ChannelID: "c1", ThreadID: "c2", ThreadName: "thread"}},
		"c3": {{ID: "msg_deep", ChannelID: "c3"}},
	})

	s.Apply(protocol.ChannelDeletedEvent{ID: "c2"})

	for _, id := range []string{"c2", "c3"} {
		if _, ok := s.Channel(id); ok {
			t.Errorf("descendant %s survived", id)
		}
	}
	if _, ok := s.Channel("c4"); !ok {
		t.Error("unrelated channel removed")
	}
	if _, ok := s.Message("msg_deep"); ok {
		t.Error("message in removed thread survived")
	}
	if m, _ := s.Message("msg_src"); m.ThreadID != "" {
		t.Errorf("source still linked to deleted thread: %+v", m)
	}
}

func TestStore_ChannelRenameCascadesThreadName(t *testing.T) {
	s, _ := newTestStore(t)
	s.Load([]models.Channel{{ID: "c2", Name: "old", ParentID: "c1"}}, map[string][]models.Message{
		"c1": {{ID: "msg_src", ChannelID: "c1", ThreadID: "c2", ThreadName: "old"}},
	})
	s.Apply(protocol.ChannelUpdatedEvent{Entity: &models.Channel{ID: "c2", Name: "new", ParentID: "c1"}})
	if m, _ := s.Message("msg_src"); m.ThreadName != "new" {
		t.Errorf("ThreadName = %q, want new", m.ThreadName)
	}
}

func TestStore_ChannelCreateRejected(t *testing.T) {
	s, _ := newTestStore(t)
	req := s.CreateChannel("dup", "c1")
	if _, ok := s.Channel(req.OriginalID); !ok {
		t.Fatal("optimistic channel not shown")
	}
	f := s.Apply(protocol.ErrorEvent{Code: "validation_error", Message: "nope", Ref: req.OriginalID})
	if f == nil || f.Entity != EntityChannel {
		t.Fatalf("failure = %+v", f)
	}
	if _, ok := s.Channel(req.OriginalID); ok {
		t.Error("rejected channel still shown")
	}
}

func TestStore_OptimisticDelete(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_1", ChannelID: "c1", AuthorID: "u_ada", Content: "mine"}})
	s.Apply(protocol.NewMessageEvent{Entity: &models.Message{ID: "msg_2", ChannelID: "c1", AuthorID: "u_grace", Content: "theirs"}})

	if _, ok := s.Delete("msg_2"); ok {
		t.Error("deleting someone else's message was allowed")
	}
	req, ok := s.Delete("msg_1")
	if !ok || req.ID != "msg_1" {
		t.Fatalf("Delete() = %+v, %v", req, ok)
	}
	if _, ok := s.Message("msg_1"); ok {
		t.Fatal("message still shown after optimistic delete")
	}

	s.Apply(protocol.ErrorEvent{Code: "forbidden", Message: "no", Ref: "msg_1"})
	if _, ok := s.Message("msg_1"); !ok {
		t.Fatal("failed delete not rolled back")
	}

	req, _ = s.Delete("msg_1")
	s.Apply(protocol.MessageDeletedEvent{ID: req.ID, ChannelID: "c1"})
	if _, ok := s.Pending(req.ID); ok {
		t.Error("delete record not cleared by confirmation")
	}
}

func TestStore_StatusChanged(t *testing.T) {
	s, _ := newTestStore(t)
	if s.Status("u_grace") != models.StatusOffline {
		t.Error("unknown user should read offline")
	}
	s.Apply(protocol.StatusChangedEvent{UserID: "u_grace", Status: models.StatusAway})
	if s.Status("u_grace") != models.StatusAway {
		t.Errorf("status = %s", s.Status("u_grace"))
	}
}
