package client

import (
	"context"
	"sync"
	"time"
)

// IdleAction is what the client should do after an idle check.
type IdleAction int

const (
	IdleNone IdleAction = iota
	// IdleAway asks the client to set its status to away.
	IdleAway
	// IdleSignOut asks the client to sign out.
	IdleSignOut
	// IdleBack asks the client to restore online after being away.
	IdleBack
)

type IdleConfig struct {
	AwayAfter    time.Duration
	SignOutAfter time.Duration
}

// IdleTracker turns local input activity into away and sign-out
// transitions. Each transition fires once per idle stretch.
type IdleTracker struct {
	cfg IdleConfig
	now func() time.Time

	mu       sync.Mutex
	last     time.Time
	away     bool
	signedAt time.Time
}

func NewIdleTracker(cfg IdleConfig) *IdleTracker {
	t := &IdleTracker{cfg: cfg, now: time.Now}
	t.last = t.now()
	return t
}

// Activity records user input. It returns IdleBack when the user was
// marked away.
func (t *IdleTracker) Activity() IdleAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.now()
	t.signedAt = time.Time{}
	if t.away {
		t.away = false
		return IdleBack
	}
	return IdleNone
}

// Check returns the transition due now, if any. Away comes after
// AwayAfter of idleness; sign-out after a further SignOutAfter.
func (t *IdleTracker) Check() IdleAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	idle := t.now().Sub(t.last)
	switch {
	case !t.away && t.cfg.AwayAfter > 0 && idle >= t.cfg.AwayAfter:
		t.away = true
		return IdleAway
	case t.away && t.signedAt.IsZero() && t.cfg.SignOutAfter > 0 && idle >= t.cfg.AwayAfter+t.cfg.SignOutAfter:
		t.signedAt = t.now()
		return IdleSignOut
	}
	return IdleNone
}

// Run checks every interval until ctx is done and hands each transition
// to fn.
func (t *IdleTracker) Run(ctx context.Context, interval time.Duration, fn func(IdleAction)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if action := t.Check(); action != IdleNone {
				fn(action)
			}
		}
	}
}
