package service

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/ident"
)

const lockStripes = 64

// stripedLock serialises work per key with a fixed set of mutexes.
// Distinct keys may share a stripe; that only costs parallelism.
type stripedLock struct {
	mus [lockStripes]sync.Mutex
}

func newStripedLock() *stripedLock { return &stripedLock{} }

func (l *stripedLock) Lock(key string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.mus[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// persistLocked runs fn through the allocator with key's stripe held for
// each attempt only, so a conflict backoff never blocks the stripe. On
// success the stripe is still held: the caller emits, then unlocks, which
// keeps emission order equal to persistence order.
func (s *Service) persistLocked(ctx context.Context, key string, kind ident.Kind, fn func(id string) error) (unlock func(), err error) {
	var held func()
	_, err = s.alloc.Persist(ctx, kind, func(id string) error {
		held = s.locks.Lock(key)
		if err := fn(id); err != nil {
			held()
			held = nil
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// inflight tracks temporary ids whose send has not finished yet.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]struct{})}
}

func (f *inflight) acquire(tempID string) (release func(), err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[tempID]; busy {
		return nil, apperr.Validationf("message %s is already being sent", tempID)
	}
	f.ids[tempID] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.ids, tempID)
		f.mu.Unlock()
	}, nil
}
