package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/events"
	"github.com/lalith-99/hackerchat/internal/ident"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/repository"
	"github.com/lalith-99/hackerchat/internal/repository/memory"
	"go.uber.org/zap"
)

type emitted struct {
	to     string
	except string
	ref    string
	ev     protocol.Outbound
}

type recorder struct {
	mu  sync.Mutex
	out []emitted
}

func (r *recorder) add(e emitted) {
	r.mu.Lock()
	r.out = append(r.out, e)
	r.mu.Unlock()
}

func (r *recorder) ToChannel(_ context.Context, ch *models.Channel, ev protocol.Outbound, exceptConn string) {
	r.add(emitted{to: "channel:" + ch.ID, except: exceptConn, ev: ev})
}

func (r *recorder) ToConn(connID, ref string, ev protocol.Outbound) {
	r.add(emitted{to: "conn:" + connID, ref: ref, ev: ev})
}

func (r *recorder) ToUsers(_ context.Context, ids []string, ev protocol.Outbound) {
	r.add(emitted{to: "users:" + strings.Join(ids, ","), ev: ev})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.out))
	for _, e := range r.out {
		out = append(out, e.ev.Kind().String()+"@"+e.to)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	records []events.Record
}

func (s *recordingSink) Publish(_ context.Context, r events.Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

type fixture struct {
	db   *memory.DB
	st   repository.Store
	svc  *Service
	rec  *recorder
	sink *recordingSink
	ch   *models.Channel
}

var (
	ada   = Actor{UserID: "u_ada", ConnID: "conn_ada", Ref: "r1"}
	grace = Actor{UserID: "u_grace", ConnID: "conn_grace", Ref: "r2"}
)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := memory.New()
	st := db.Store()
	ctx := context.Background()
	for _, u := range []struct{ id, name string }{{ada.UserID, "Ada"}, {grace.UserID, "Grace"}} {
		if _, err := st.Users.UpsertProfile(ctx, u.id, u.name, ""); err != nil {
			t.Fatal(err)
		}
	}
	ch, err := st.Channels.Create(ctx, repository.NewChannel{ID: "ch_general", Name: "general", CreatorID: ada.UserID})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	sink := &recordingSink{}
	svc := New(st, ident.NewAllocator(3, 0), rec, sink, cfg, zap.NewNop())
	return &fixture{db: db, st: st, svc: svc, rec: rec, sink: sink, ch: ch}
}

func (f *fixture) send(t *testing.T, a Actor, tempID, content, replyTo string) *models.Message {
	t.Helper()
	m, err := f.svc.SendMessage(context.Background(), a, protocol.SendMessage{
		TempID: tempID, ChannelID: f.ch.ID, Content: content, ReplyToID: replyTo,
	})
	if err != nil {
		t.Fatalf("SendMessage(%s) error = %v", tempID, err)
	}
	return m
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendMessage_DeliversAndBroadcasts(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.send(t, ada, "temp_1", "hi", "")

	if !strings.HasPrefix(msg.ID, "msg_") || msg.OriginalID != "temp_1" {
		t.Fatalf("stored message = %+v", msg)
	}
	want := []string{"message.delivered@conn:conn_ada", "message.new@channel:ch_general"}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	d := f.rec.out[0].ev.(protocol.Delivered)
	if d.TempID != "temp_1" || d.PermanentID != msg.ID || d.Entity.Content != "hi" {
		t.Errorf("delivered = %+v", d)
	}
	if f.rec.out[0].ref != "r1" {
		t.Errorf("delivered ref = %q, want r1", f.rec.out[0].ref)
	}
	if f.rec.out[1].except != "conn_ada" {
		t.Errorf("message.new except = %q, want origin connection", f.rec.out[1].except)
	}
	if len(f.sink.records) != 1 || f.sink.records[0].Type != events.MessageCreated {
		t.Errorf("records = %+v", f.sink.records)
	}
}

// A reply sent before its target was delivered ends up pointing at the
// target's permanent id.
func TestSendMessage_ReplyToInFlightTarget(t *testing.T) {
	f := newFixture(t, Config{})
	reply := f.send(t, grace, "temp_2", "re", "temp_1")
	if reply.ReplyToID != "temp_1" {
		t.Fatalf("reply stored with ReplyToID %q, want temp_1 kept", reply.ReplyToID)
	}
	f.rec.reset()

	target := f.send(t, ada, "temp_1", "hi", "")

	want := []string{
		"message.delivered@conn:conn_ada",
		"message.new@channel:ch_general",
		"message.updated@channel:ch_general",
	}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	up := f.rec.out[2].ev.(protocol.MessageUpdatedEvent)
	if up.ID != reply.ID || up.Fields.ReplyToID == nil || *up.Fields.ReplyToID != target.ID {
		t.Errorf("update = %+v, want reply relinked to %s", up, target.ID)
	}

	stored, _ := f.st.Messages.Find(context.Background(), ident.R(reply.ID))
	if stored.ReplyToID != target.ID {
		t.Errorf("stored ReplyToID = %q, want %q", stored.ReplyToID, target.ID)
	}
}

// staleReplyLookup answers the reply lookup for tempID as if the target
// were not persisted yet, after letting it land through land.
type staleReplyLookup struct {
	repository.MessageRepository
	tempID string
	land   func()
	landed bool
}

func (s *staleReplyLookup) Find(ctx context.Context, ref ident.Ref) (*models.Message, error) {
	if ref.ID == s.tempID && !s.landed {
		s.landed = true
		s.land()
		return nil, nil
	}
	return s.MessageRepository.Find(ctx, ref)
}

// The target lives in another channel, so nothing orders its insert
// against the reply's: the reply must still end up on the permanent id.
func TestSendMessage_ReplyTargetLandsInAnotherChannel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	thread, err := f.st.Channels.Create(ctx, repository.NewChannel{ID: "ch_thread", Name: "thread", ParentID: f.ch.ID, CreatorID: ada.UserID})
	if err != nil {
		t.Fatal(err)
	}

	st := f.st
	st.Messages = &staleReplyLookup{
		MessageRepository: f.st.Messages,
		tempID:            "temp_A",
		land: func() {
			if _, _, err := f.st.Messages.Insert(ctx, repository.NewMessage{
				ID: "msg_a", OriginalID: "temp_A", ChannelID: thread.ID, AuthorID: ada.UserID, Content: "a",
			}); err != nil {
				t.Fatal(err)
			}
		},
	}
	svc := New(st, ident.NewAllocator(3, 0), f.rec, f.sink, Config{}, zap.NewNop())

	reply, err := svc.SendMessage(ctx, grace, protocol.SendMessage{
		TempID: "temp_B", ChannelID: f.ch.ID, Content: "re", ReplyToID: "temp_A",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.ReplyToID != "msg_a" {
		t.Errorf("reply ReplyToID = %q, want msg_a", reply.ReplyToID)
	}
	stored, _ := f.st.Messages.Find(ctx, ident.R(reply.ID))
	if stored == nil || stored.ReplyToID != "msg_a" || stored.ReplyTo == nil {
		t.Errorf("stored reply = %+v, want linked to msg_a", stored)
	}
}

func TestSendMessage_ReplyResolution(t *testing.T) {
	f := newFixture(t, Config{})
	target := f.send(t, ada, "temp_t", "target", "")

	tests := []struct {
		name    string
		replyTo string
		want    string
	}{
		{"by permanent id", target.ID, target.ID},
		{"by reconciled temp id", "temp_t", target.ID},
		{"unknown temp id kept", "temp_later", "temp_later"},
		{"unknown permanent id dropped", "msg_gone", ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := f.send(t, grace, "temp_r"+string(rune('a'+i)), "re", tt.replyTo)
			if m.ReplyToID != tt.want {
				t.Errorf("ReplyToID = %q, want %q", m.ReplyToID, tt.want)
			}
		})
	}
}

func TestSendMessage_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.send(t, ada, "temp_1", "hi", "")
	f.rec.reset()

	again := f.send(t, ada, "temp_1", "hi", "")
	if again.ID != first.ID {
		t.Errorf("replay stored %s, want existing %s", again.ID, first.ID)
	}
	if got := f.rec.kinds(); !equal(got, []string{"message.delivered@conn:conn_ada"}) {
		t.Errorf("replay emitted %v, want only delivered", got)
	}
	list, _ := f.st.Messages.ListByChannel(context.Background(), f.ch.ID, time.Time{}, 0)
	if len(list) != 1 {
		t.Errorf("channel holds %d messages, want 1", len(list))
	}

	_, err := f.svc.SendMessage(context.Background(), grace, protocol.SendMessage{TempID: "temp_1", ChannelID: f.ch.ID, Content: "x"})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("foreign replay error = %v, want validation", err)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	f := newFixture(t, Config{MaxMessageLength: 5})
	tests := []struct {
		name string
		p    protocol.SendMessage
		kind apperr.Kind
		code string
	}{
		{"permanent id", protocol.SendMessage{TempID: "msg_1", ChannelID: "ch_general", Content: "x"}, apperr.Validation, "validation_error"},
		{"empty", protocol.SendMessage{TempID: "temp_e", ChannelID: "ch_general", Content: "  "}, apperr.Validation, "validation_error"},
		{"too long", protocol.SendMessage{TempID: "temp_l", ChannelID: "ch_general", Content: "toolong"}, apperr.Validation, "validation_error"},
		{"unknown channel", protocol.SendMessage{TempID: "temp_c", ChannelID: "ch_nope", Content: "x"}, apperr.NotFound, "channel_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(context.Background(), ada, tt.p)
			ae := apperr.As(err)
			if ae == nil || ae.Kind != tt.kind || ae.Code != tt.code {
				t.Errorf("error = %v, want %s/%s", err, tt.kind, tt.code)
			}
		})
	}
	if len(f.rec.out) != 0 {
		t.Errorf("failed sends emitted %v", f.rec.kinds())
	}
}

func TestSendMessage_RetriesIDConflict(t *testing.T) {
	f := newFixture(t, Config{})
	f.db.FailNextInserts(2)
	if m := f.send(t, ada, "temp_1", "hi", ""); m == nil {
		t.Fatal("nil message")
	}

	f.db.FailNextInserts(3)
	_, err := f.svc.SendMessage(context.Background(), ada, protocol.SendMessage{TempID: "temp_2", ChannelID: f.ch.ID, Content: "x"})
	if !apperr.IsKind(err, apperr.PersistenceConflict) {
		t.Errorf("exhausted retries error = %v, want persistence conflict", err)
	}
}

// conflictSignal reports the first insert that collided.
type conflictSignal struct {
	repository.MessageRepository
	once     sync.Once
	conflict chan struct{}
}

func (c *conflictSignal) Insert(ctx context.Context, msg repository.NewMessage) (*models.Message, []models.Message, error) {
	m, rw, err := c.MessageRepository.Insert(ctx, msg)
	if errors.Is(err, repository.ErrConflict) {
		c.once.Do(func() { close(c.conflict) })
	}
	return m, rw, err
}

func TestSendMessage_RetryDelayDoesNotBlockChannel(t *testing.T) {
	f := newFixture(t, Config{})
	st := f.st
	sig := &conflictSignal{MessageRepository: f.st.Messages, conflict: make(chan struct{})}
	st.Messages = sig
	svc := New(st, ident.NewAllocator(3, time.Minute), f.rec, f.sink, Config{}, zap.NewNop())

	f.db.FailNextInserts(1)
	slowCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(slowCtx, ada, protocol.SendMessage{TempID: "temp_slow", ChannelID: f.ch.ID, Content: "slow"})
		slow <- err
	}()
	<-sig.conflict

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(context.Background(), grace, protocol.SendMessage{TempID: "temp_fast", ChannelID: f.ch.ID, Content: "fast"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second send error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second send blocked behind the retry delay")
	}

	cancel()
	if err := <-slow; !errors.Is(err, context.Canceled) {
		t.Errorf("slow send error = %v, want context.Canceled", err)
	}
}

func TestInflight_RejectsConcurrentTempID(t *testing.T) {
	g := newInflight()
	release, err := g.acquire("temp_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.acquire("temp_1"); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("second acquire error = %v, want validation", err)
	}
	release()
	if _, err := g.acquire("temp_1"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestDeleteMessage_ClearsReplies(t *testing.T) {
	f := newFixture(t, Config{})
	target := f.send(t, ada, "temp_1", "hi", "")
	reply := f.send(t, grace, "temp_2", "re", target.ID)
	f.rec.reset()

	if err := f.svc.DeleteMessage(context.Background(), grace, protocol.DeleteMessage{ID: "temp_1"}); !apperr.IsKind(err, apperr.Forbidden) {
		t.Fatalf("delete by non-author error = %v, want forbidden", err)
	}
	// Resolve by the temporary id the client may still hold.
	if err := f.svc.DeleteMessage(context.Background(), ada, protocol.DeleteMessage{ID: "temp_1"}); err != nil {
		t.Fatal(err)
	}

	want := []string{"message.deleted@channel:ch_general", "message.updated@channel:ch_general"}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	del := f.rec.out[0].ev.(protocol.MessageDeletedEvent)
	if del.ID != target.ID || del.OriginalID != "temp_1" || f.rec.out[0].except != "" {
		t.Errorf("deleted event = %+v except %q", del, f.rec.out[0].except)
	}
	up := f.rec.out[1].ev.(protocol.MessageUpdatedEvent)
	if up.ID != reply.ID || up.Fields.ReplyToID == nil || *up.Fields.ReplyToID != "" {
		t.Errorf("orphan update = %+v", up)
	}

	stored, _ := f.st.Messages.Find(context.Background(), ident.R(reply.ID))
	if stored.ReplyToID != "" {
		t.Errorf("reply still points at %q", stored.ReplyToID)
	}
	if err := f.svc.DeleteMessage(context.Background(), ada, protocol.DeleteMessage{ID: target.ID}); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("second delete error = %v, want not found", err)
	}
}

func TestCreateChannel_ThreadPromotion(t *testing.T) {
	f := newFixture(t, Config{})
	src := f.send(t, ada, "temp_src", "let's discuss", "")
	f.rec.reset()

	ch, err := f.svc.CreateChannel(context.Background(), grace, protocol.CreateChannel{
		Name:           "discussion",
		OriginalID:     "temp_ch",
		ThreadSource:   "temp_src",
		InitialMessage: &protocol.InitialMessage{TempID: "temp_first", Content: "first"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ch.ParentID != f.ch.ID || ch.OriginalID != "temp_ch" {
		t.Errorf("thread = %+v", ch)
	}

	want := []string{
		"channel.created@conn:conn_grace",
		"channel.created@channel:" + ch.ID,
		"message.updated@channel:ch_general",
		"message.new@channel:" + ch.ID,
	}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	if ev := f.rec.out[0].ev.(protocol.ChannelCreatedEvent); ev.OriginalID != "temp_ch" {
		t.Errorf("channel.created originalId = %q", ev.OriginalID)
	}
	linked := f.rec.out[2].ev.(protocol.MessageUpdatedEvent)
	if linked.ID != src.ID || *linked.Fields.ThreadID != ch.ID || *linked.Fields.ThreadName != "discussion" {
		t.Errorf("source update = %+v", linked)
	}
	first := f.rec.out[3].ev.(protocol.NewMessageEvent).Entity
	if first.OriginalID != "temp_first" || first.ChannelID != ch.ID {
		t.Errorf("initial message = %+v", first)
	}

	_, err = f.svc.CreateChannel(context.Background(), grace, protocol.CreateChannel{Name: "again", ThreadSource: src.ID})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("second promotion error = %v, want validation", err)
	}
}

func TestCreateChannel_ThreadPromotionAllOrNothing(t *testing.T) {
	f := newFixture(t, Config{})
	src := f.send(t, ada, "temp_src", "src", "")
	f.rec.reset()

	f.db.FailNextInserts(3)
	_, err := f.svc.CreateChannel(context.Background(), ada, protocol.CreateChannel{Name: "t", ThreadSource: src.ID})
	if !apperr.IsKind(err, apperr.PersistenceConflict) {
		t.Fatalf("error = %v, want persistence conflict", err)
	}
	stored, _ := f.st.Messages.Find(context.Background(), ident.R(src.ID))
	if stored.ThreadID != "" {
		t.Error("source linked although no thread was created")
	}
	list, _ := f.st.Channels.List(context.Background(), ada.UserID)
	if len(list) != 1 {
		t.Errorf("channels = %d, want only the original", len(list))
	}
	if len(f.rec.out) != 0 {
		t.Errorf("failed promotion emitted %v", f.rec.kinds())
	}
}

func TestCreateChannel_ReplayAndDepth(t *testing.T) {
	f := newFixture(t, Config{MaxChannelDepth: 1})
	ctx := context.Background()

	child, err := f.svc.CreateChannel(ctx, ada, protocol.CreateChannel{Name: "child", ParentID: f.ch.ID, OriginalID: "temp_c"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.CreateChannel(ctx, ada, protocol.CreateChannel{Name: "child", ParentID: f.ch.ID, OriginalID: "temp_c"})
	if err != nil || again.ID != child.ID {
		t.Errorf("replay = %v, %v; want existing %s", again, err, child.ID)
	}

	_, err = f.svc.CreateChannel(ctx, ada, protocol.CreateChannel{Name: "grandchild", ParentID: child.ID})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("too deep error = %v, want validation", err)
	}
}

func TestUpdateMessage_ThreadMustBeChild(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	msg := f.send(t, ada, "temp_1", "hi", "")
	other, _ := f.st.Channels.Create(ctx, repository.NewChannel{ID: "ch_other", Name: "other", CreatorID: ada.UserID})
	child, _ := f.st.Channels.Create(ctx, repository.NewChannel{ID: "ch_child", Name: "child", ParentID: f.ch.ID, CreatorID: ada.UserID})

	_, err := f.svc.UpdateMessage(ctx, ada, protocol.UpdateMessage{ID: msg.ID, ThreadID: other.ID, ThreadName: "x"})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("unrelated thread error = %v, want validation", err)
	}
	f.rec.reset()
	updated, err := f.svc.UpdateMessage(ctx, grace, protocol.UpdateMessage{ID: "temp_1", ThreadID: child.ID, ThreadName: "child"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ThreadID != child.ID {
		t.Errorf("ThreadID = %q", updated.ThreadID)
	}
	if got := f.rec.kinds(); !equal(got, []string{"message.updated@channel:ch_general"}) || f.rec.out[0].except != "" {
		t.Errorf("emitted %v, want update to whole channel", got)
	}
}

func TestDeleteChannel_CreatorOnlyAndUnlinksSource(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	src := f.send(t, grace, "temp_src", "src", "")
	thread, err := f.svc.CreateChannel(ctx, ada, protocol.CreateChannel{Name: "t", ThreadSource: src.ID})
	if err != nil {
		t.Fatal(err)
	}
	f.rec.reset()

	if err := f.svc.DeleteChannel(ctx, grace, protocol.DeleteChannel{ID: thread.ID}); !apperr.IsKind(err, apperr.Forbidden) {
		t.Fatalf("non-creator delete error = %v, want forbidden", err)
	}
	if err := f.svc.DeleteChannel(ctx, ada, protocol.DeleteChannel{ID: thread.ID}); err != nil {
		t.Fatal(err)
	}
	want := []string{"channel.deleted@channel:" + thread.ID, "message.updated@channel:ch_general"}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
}

func TestUpdateChannel_CascadesThreadName(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	src := f.send(t, ada, "temp_src", "src", "")
	thread, _ := f.svc.CreateChannel(ctx, ada, protocol.CreateChannel{Name: "old", ThreadSource: src.ID})

	name := " new "
	updated, err := f.svc.UpdateChannel(ctx, ada, protocol.UpdateChannel{ID: thread.ID, Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "new" {
		t.Errorf("Name = %q", updated.Name)
	}
	stored, _ := f.st.Messages.Find(ctx, ident.R(src.ID))
	if stored.ThreadName != "new" {
		t.Errorf("source ThreadName = %q, want new", stored.ThreadName)
	}
}

func TestOpenDirect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	dm, err := f.svc.OpenDirect(ctx, ada, protocol.OpenDM{UserID: grace.UserID})
	if err != nil {
		t.Fatal(err)
	}
	if dm.Type != models.ChannelDM {
		t.Errorf("Type = %s", dm.Type)
	}
	again, err := f.svc.OpenDirect(ctx, grace, protocol.OpenDM{UserID: ada.UserID})
	if err != nil || again.ID != dm.ID {
		t.Errorf("reverse open = %v, %v; want %s", again, err, dm.ID)
	}
	want := []string{"channel.created@users:u_ada,u_grace", "channel.created@conn:conn_grace"}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}

	outsider := Actor{UserID: "u_eve", ConnID: "conn_eve"}
	_, err = f.svc.SendMessage(ctx, outsider, protocol.SendMessage{TempID: "temp_x", ChannelID: dm.ID, Content: "hi"})
	if !apperr.IsKind(err, apperr.Forbidden) {
		t.Errorf("outsider send error = %v, want forbidden", err)
	}
	if _, err := f.svc.OpenDirect(ctx, ada, protocol.OpenDM{UserID: ada.UserID}); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("self DM error = %v, want validation", err)
	}
	if _, err := f.svc.OpenDirect(ctx, ada, protocol.OpenDM{UserID: "u_nobody"}); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("unknown user error = %v, want not found", err)
	}
}

// Two rapid adds of the same reaction settle to one.
type fakeMembers struct {
	isMemberFn func(ctx context.Context, channelID, userID string) (bool, error)
}

func (f fakeMembers) ListMembers(context.Context, string) ([]string, error) { return nil, nil }

func (f fakeMembers) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	return f.isMemberFn(ctx, channelID, userID)
}

func TestDirectAccess_ChecksMembership(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	dm, err := f.svc.OpenDirect(ctx, ada, protocol.OpenDM{UserID: grace.UserID})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		isMember func(ctx context.Context, channelID, userID string) (bool, error)
		wantKind apperr.Kind
	}{
		{"removed from membership", func(context.Context, string, string) (bool, error) { return false, nil }, apperr.Forbidden},
		{"lookup fails", func(context.Context, string, string) (bool, error) { return false, errors.New("conn reset") }, apperr.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := f.st
			st.Members = fakeMembers{isMemberFn: tt.isMember}
			svc := New(st, ident.NewAllocator(3, 0), f.rec, f.sink, Config{}, zap.NewNop())
			_, err := svc.SendMessage(ctx, ada, protocol.SendMessage{TempID: "temp_dm", ChannelID: dm.ID, Content: "hi"})
			if !apperr.IsKind(err, tt.wantKind) {
				t.Errorf("SendMessage() error = %v, want %s", err, tt.wantKind)
			}
		})
	}

	// Default channels never consult membership.
	st := f.st
	st.Members = fakeMembers{isMemberFn: func(context.Context, string, string) (bool, error) {
		t.Error("membership checked for a default channel")
		return false, nil
	}}
	svc := New(st, ident.NewAllocator(3, 0), f.rec, f.sink, Config{}, zap.NewNop())
	if _, err := svc.SendMessage(ctx, grace, protocol.SendMessage{TempID: "temp_pub", ChannelID: f.ch.ID, Content: "hi"}); err != nil {
		t.Errorf("default channel send error = %v", err)
	}
}

func TestAddReaction_Dedupes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	msg := f.send(t, ada, "temp_1", "hi", "")
	f.rec.reset()

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rx, err := f.svc.AddReaction(ctx, grace, protocol.AddReaction{MessageID: "temp_1", Content: "+1"})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = rx.ID
		}(i)
	}
	wg.Wait()

	if ids[0] != ids[1] {
		t.Errorf("reaction ids %v differ", ids)
	}
	stored, _ := f.st.Messages.Find(ctx, ident.R(msg.ID))
	if len(stored.Reactions) != 1 {
		t.Errorf("reactions = %d, want 1", len(stored.Reactions))
	}
	want := []string{"reaction.added@channel:ch_general", "reaction.added@conn:conn_grace"}
	if got := f.rec.kinds(); !equal(got, want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
}

func TestRemoveReaction_OwnerOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.send(t, ada, "temp_1", "hi", "")
	rx, err := f.svc.AddReaction(ctx, grace, protocol.AddReaction{MessageID: "temp_1", Content: "+1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RemoveReaction(ctx, ada, protocol.RemoveReaction{ReactionID: rx.ID}); !apperr.IsKind(err, apperr.Forbidden) {
		t.Errorf("non-owner remove error = %v, want forbidden", err)
	}
	if err := f.svc.RemoveReaction(ctx, grace, protocol.RemoveReaction{ReactionID: rx.ID}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RemoveReaction(ctx, grace, protocol.RemoveReaction{ReactionID: rx.ID}); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("second remove error = %v, want not found", err)
	}
}

func TestTyping_SkipsOrigin(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.svc.Typing(context.Background(), ada, f.ch.ID, true); err != nil {
		t.Fatal(err)
	}
	if len(f.rec.out) != 1 || f.rec.out[0].except != ada.ConnID {
		t.Errorf("typing emitted %+v", f.rec.out)
	}
}
