// Package ident allocates permanent ids, recognises client-minted temporary
// ids and implements the tri-way identity match every lookup goes through.
package ident

import (
	"strings"

	"github.com/google/uuid"
)

// Kind is the entity prefix embedded in a permanent id.
type Kind string

const (
	KindMessage  Kind = "msg"
	KindChannel  Kind = "ch"
	KindReaction Kind = "rx"

	// TempPrefix marks ids minted by clients before a round trip.
	TempPrefix = "temp_"
)

// New returns a permanent id such as "msg_3f2a…".
func New(kind Kind) string {
	return string(kind) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTemp returns a temporary id. Only clients call this.
func NewTemp() string {
	return TempPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Ref is the identity of an entity as far as reconciliation is concerned:
// its current id plus the temporary id it was promoted from, if any.
type Ref struct {
	ID         string
	OriginalID string
}

// R is shorthand for a Ref with only an id.
func R(id string) Ref { return Ref{ID: id} }

// Matches is the tri-way match: two refs denote the same logical entity if
// a.ID == b.ID, a.ID == b.OriginalID or b.ID == a.OriginalID. Empty ids
// never match.
func (a Ref) Matches(b Ref) bool {
	if a.ID != "" && (a.ID == b.ID || a.ID == b.OriginalID) {
		return true
	}
	return b.ID != "" && b.ID == a.OriginalID
}

// Keys lists the non-empty ids of r, for stores that resolve with
// "id IN keys OR original_id IN keys".
func (r Ref) Keys() []string {
	keys := make([]string, 0, 2)
	if r.ID != "" {
		keys = append(keys, r.ID)
	}
	if r.OriginalID != "" && r.OriginalID != r.ID {
		keys = append(keys, r.OriginalID)
	}
	return keys
}

func (r Ref) IsZero() bool { return r.ID == "" && r.OriginalID == "" }

// Index returns the position of the first element of items that matches
// ref, or -1.
func Index[T any](items []T, ref Ref, refOf func(T) Ref) int {
	for i := range items {
		if ref.Matches(refOf(items[i])) {
			return i
		}
	}
	return -1
}
