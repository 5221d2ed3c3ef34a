package ident

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lalith-99/hackerchat/internal/apperr"
)

// ErrConflict is returned by persistence callbacks when the id they were
// handed is already taken.
var ErrConflict = errors.New("id already taken")

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Allocator hands out permanent ids and retries persistence when an id
// collides.
type Allocator struct {
	MaxRetries int
	Delay      time.Duration

	newID func(Kind) string
}

func NewAllocator(maxRetries int, delay time.Duration) *Allocator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Allocator{MaxRetries: maxRetries, Delay: delay, newID: New}
}

func (a *Allocator) Allocate(kind Kind) string {
	if a.newID == nil {
		return New(kind)
	}
	return a.newID(kind)
}

// Persist calls fn with a fresh id until it succeeds, fails with something
// other than ErrConflict, or MaxRetries attempts have collided. Attempts are
// separated by Delay and stop early when ctx is done.
func (a *Allocator) Persist(ctx context.Context, kind Kind, fn func(id string) error) (string, error) {
	var id string
	attempt := func() error {
		id = a.Allocate(kind)
		err := fn(id)
		if err != nil && !errors.Is(err, ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(a.Delay), uint64(a.MaxRetries-1))
	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, ErrConflict):
		return "", apperr.Wrap(apperr.PersistenceConflict, err, "could not allocate a unique id")
	default:
		return "", err
	}
}
