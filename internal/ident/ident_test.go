package ident

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lalith-99/hackerchat/internal/apperr"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	a, b := New(KindMessage), New(KindMessage)
	if !strings.HasPrefix(a, "msg_") {
		t.Errorf("New() = %q, want msg_ prefix", a)
	}
	if a == b {
		t.Error("New() returned the same id twice")
	}
	if IsTemporary(a) {
		t.Error("permanent id reported as temporary")
	}
	if !IsTemporary(NewTemp()) {
		t.Error("NewTemp() not recognised as temporary")
	}
}

func TestRef_Matches(t *testing.T) {
	tests := []struct {
		name string
		a, b Ref
		want bool
	}{
		{"same id", R("msg_1"), R("msg_1"), true},
		{"a id is b original", R("temp_1"), Ref{ID: "msg_1", OriginalID: "temp_1"}, true},
		{"b id is a original", Ref{ID: "msg_1", OriginalID: "temp_1"}, R("temp_1"), true},
		{"both promoted same temp", Ref{ID: "msg_1", OriginalID: "temp_1"}, Ref{ID: "msg_1", OriginalID: "temp_1"}, true},
		{"different", R("msg_1"), R("msg_2"), false},
		{"originals equal but ids differ", Ref{ID: "msg_1", OriginalID: "temp_1"}, Ref{ID: "msg_2", OriginalID: "temp_1"}, false},
		{"empty never matches", Ref{}, Ref{}, false},
		{"empty original", Ref{ID: "msg_1"}, Ref{ID: "msg_2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Matches(tt.b); got != tt.want {
				t.Errorf("%+v.Matches(%+v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Matches(tt.a); got != tt.want {
				t.Errorf("match is not symmetric for %+v, %+v", tt.a, tt.b)
			}
		})
	}
}

func TestRef_Keys(t *testing.T) {
	if got := (Ref{ID: "msg_1", OriginalID: "temp_1"}).Keys(); len(got) != 2 {
		t.Errorf("Keys() = %v, want 2 keys", got)
	}
	if got := (Ref{ID: "msg_1", OriginalID: "msg_1"}).Keys(); len(got) != 1 {
		t.Errorf("Keys() = %v, want duplicate collapsed", got)
	}
	if got := (Ref{}).Keys(); len(got) != 0 {
		t.Errorf("Keys() = %v, want none", got)
	}
}

func TestIndex(t *testing.T) {
	items := []Ref{R("msg_1"), {ID: "msg_2", OriginalID: "temp_2"}}
	self := func(r Ref) Ref { return r }
	if got := Index(items, R("temp_2"), self); got != 1 {
		t.Errorf("Index(temp_2) = %d, want 1", got)
	}
	if got := Index(items, R("msg_3"), self); got != -1 {
		t.Errorf("Index(msg_3) = %d, want -1", got)
	}
}

func TestAllocator_RetriesOnConflict(t *testing.T) {
	a := NewAllocator(3, 0)
	calls := 0
	var seen []string
	id, err := a.Persist(context.Background(), KindMessage, func(id string) error {
		calls++
		seen = append(seen, id)
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("Persist() made %d attempts, want 3", calls)
	}
	if id != seen[2] {
		t.Errorf("Persist() returned %q, want last attempted id %q", id, seen[2])
	}
	if seen[0] == seen[1] {
		t.Error("Persist() reused an id after a conflict")
	}
}

func TestAllocator_ExhaustedRetries(t *testing.T) {
	a := NewAllocator(3, 0)
	calls := 0
	_, err := a.Persist(context.Background(), KindChannel, func(string) error {
		calls++
		return ErrConflict
	})
	if !apperr.IsKind(err, apperr.PersistenceConflict) {
		t.Fatalf("Persist() error = %v, want PersistenceConflict", err)
	}
	if calls != 3 {
		t.Errorf("Persist() made %d attempts, want 3", calls)
	}
}

func TestAllocator_OtherErrorsAreNotRetried(t *testing.T) {
	a := NewAllocator(3, 0)
	boom := errors.New("boom")
	calls := 0
	_, err := a.Persist(context.Background(), KindMessage, func(string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Persist() error = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("Persist() made %d attempts, want 1", calls)
	}
}

func TestAllocator_HonoursContextBetweenAttempts(t *testing.T) {
	a := NewAllocator(3, DefaultRetryDelay)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := a.Persist(ctx, KindMessage, func(string) error {
		cancel()
		return ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Persist() error = %v, want context.Canceled", err)
	}
}

func TestAllocator_WaitsBetweenAttempts(t *testing.T) {
	a := NewAllocator(3, 20*time.Millisecond)
	start := time.Now()
	calls := 0
	if _, err := a.Persist(context.Background(), KindReaction, func(string) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("three attempts took %v, want at least two delays", elapsed)
	}
}
