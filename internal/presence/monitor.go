// Package presence keeps user status honest. It tracks activity per user,
// flips users online on first activity and sweeps users that went idle or
// lost every connection back to offline.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/models"
	"github.com/lalith-99/hackerchat/internal/observ"
	"github.com/lalith-99/hackerchat/internal/protocol"
	"github.com/lalith-99/hackerchat/internal/repository"
	"go.uber.org/zap"
)

// seenWriteEvery throttles activity writes to the connection index.
const seenWriteEvery = 15 * time.Second

// Broadcaster sends an event to every connected user. *fanout.Fanout
// implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev protocol.Outbound)
}

// LocalConns counts sockets on this instance. *ws.Hub implements it.
type LocalConns interface {
	Connections(userID string) int
}

// Index is the cross-instance connection index. *ConnIndex implements it.
type Index interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) error
	Touch(ctx context.Context, userID string, at time.Time) error
	Snapshot(ctx context.Context, userID string) (int64, time.Time, error)
}

type Config struct {
	SweepInterval   time.Duration
	IdleThreshold   time.Duration
	DisconnectGrace time.Duration
	// Exempt users (bots) are never tracked or swept.
	Exempt func(userID string) bool
}

type record struct {
	lastActivity   time.Time
	disconnectedAt time.Time
	seenWritten    time.Time
}

type Monitor struct {
	users  repository.UserRepository
	out    Broadcaster
	local  LocalConns
	index  Index
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	tracked map[string]*record
}

// NewMonitor returns a Monitor. index may be nil on a single instance.
func NewMonitor(users repository.UserRepository, out Broadcaster, local LocalConns, index Index, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		users:   users,
		out:     out,
		local:   local,
		index:   index,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		tracked: make(map[string]*record),
	}
}

func (m *Monitor) exempt(userID string) bool {
	return m.cfg.Exempt != nil && m.cfg.Exempt(userID)
}

// Tracked reports whether userID is currently tracked.
func (m *Monitor) Tracked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[userID]
	return ok
}

// Seed tracks every user persisted as not offline, using their last
// update as activity baseline. Nobody is known to be connected yet, so
// the first sweep drops whoever does not come back.
func (m *Monitor) Seed(ctx context.Context) error {
	users, err := m.users.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	m.mu.Lock()
	for _, u := range users {
		if m.exempt(u.ID) {
			continue
		}
		if _, ok := m.tracked[u.ID]; !ok {
			m.tracked[u.ID] = &record{lastActivity: u.UpdatedAt}
		}
	}
	m.mu.Unlock()
	m.logger.Info("presence seeded", zap.Int("users", len(users)))
	return nil
}

// Touch records activity. A user seen for the first time is tracked and,
// if persisted offline, switched online.
func (m *Monitor) Touch(ctx context.Context, userID string) {
	if m.exempt(userID) {
		return
	}
	now := m.now()
	m.mu.Lock()
	rec, known := m.tracked[userID]
	if !known {
		rec = &record{}
		m.tracked[userID] = rec
	}
	rec.lastActivity = now
	writeSeen := m.index != nil && now.Sub(rec.seenWritten) >= seenWriteEvery
	if writeSeen {
		rec.seenWritten = now
	}
	m.mu.Unlock()

	if writeSeen {
		if err := m.index.Touch(ctx, userID, now); err != nil {
			m.logger.Warn("index touch failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if known {
		return
	}

	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		m.logger.Error("load user for presence", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if u != nil && u.Status == models.StatusOffline {
		m.publish(ctx, userID, models.StatusOnline)
	}
}

// Connected is called after a socket for userID registered locally.
func (m *Monitor) Connected(ctx context.Context, userID, connID string) {
	m.mu.Lock()
	if rec, ok := m.tracked[userID]; ok {
		rec.disconnectedAt = time.Time{}
		rec.seenWritten = time.Time{}
	}
	m.mu.Unlock()

	if m.index != nil {
		if err := m.index.Add(ctx, userID, connID); err != nil {
			m.logger.Warn("index add failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	m.Touch(ctx, userID)
}

// Disconnected is called after a socket closed. remaining is the number
// of sockets userID still has on this instance.
func (m *Monitor) Disconnected(ctx context.Context, userID, connID string, remaining int) {
	if m.index != nil {
		if err := m.index.Remove(ctx, userID, connID); err != nil {
			m.logger.Warn("index remove failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	if remaining > 0 {
		return
	}
	m.mu.Lock()
	if rec, ok := m.tracked[userID]; ok {
		rec.disconnectedAt = m.now()
	}
	m.mu.Unlock()
}

// SetStatus applies an explicit status change from the user.
func (m *Monitor) SetStatus(ctx context.Context, userID string, status models.Status) (*models.User, error) {
	if !status.Valid() {
		return nil, apperr.Validationf("unknown status %q", status)
	}
	u, err := m.users.SetStatus(ctx, userID, status)
	if err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	if u == nil {
		return nil, apperr.NotFoundf("user_not_found", "user %s not found", userID)
	}

	m.mu.Lock()
	if status == models.StatusOffline {
		delete(m.tracked, userID)
	} else if rec, ok := m.tracked[userID]; ok {
		rec.lastActivity = m.now()
	} else {
		m.tracked[userID] = &record{lastActivity: m.now()}
	}
	m.mu.Unlock()

	m.out.Broadcast(ctx, protocol.StatusChangedEvent{UserID: userID, Status: status})
	return u, nil
}

// ForceOffline untracks userID and persists offline regardless of
// activity. Used by the internal presence endpoint.
func (m *Monitor) ForceOffline(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.tracked, userID)
	m.mu.Unlock()

	u, err := m.users.SetStatus(ctx, userID, models.StatusOffline)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if u == nil {
		return apperr.NotFoundf("user_not_found", "user %s not found", userID)
	}
	m.out.Broadcast(ctx, protocol.StatusChangedEvent{UserID: userID, Status: models.StatusOffline})
	return nil
}

func (m *Monitor) publish(ctx context.Context, userID string, status models.Status) {
	if _, err := m.users.SetStatus(ctx, userID, status); err != nil {
		m.logger.Error("persist status", zap.String("user_id", userID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	m.out.Broadcast(ctx, protocol.StatusChangedEvent{UserID: userID, Status: status})
}

// live reports whether userID has a socket anywhere and the freshest
// activity time known across instances.
func (m *Monitor) live(ctx context.Context, userID string, lastActivity time.Time) (bool, time.Time, error) {
	live := m.local != nil && m.local.Connections(userID) > 0
	if m.index == nil {
		return live, lastActivity, nil
	}
	n, seen, err := m.index.Snapshot(ctx, userID)
	if err != nil {
		return live, lastActivity, err
	}
	if seen.After(lastActivity) {
		lastActivity = seen
	}
	return live || n > 0, lastActivity, nil
}

// Sweep forces offline every tracked user who has been idle longer than
// the idle threshold, or who has no live connection and either
// disconnected longer ago than the grace period or was never seen
// connecting. It returns how many users were swept.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()

	type candidate struct {
		id  string
		rec record
	}
	m.mu.Lock()
	candidates := make([]candidate, 0, len(m.tracked))
	for id, rec := range m.tracked {
		candidates = append(candidates, candidate{id: id, rec: *rec})
	}
	m.mu.Unlock()

	swept := 0
	for _, c := range candidates {
		live, lastActivity, err := m.live(ctx, c.id, c.rec.lastActivity)
		if err != nil {
			m.logger.Warn("presence liveness check failed", zap.String("user_id", c.id), zap.Error(err))
			continue
		}
		idle := now.Sub(lastActivity) > m.cfg.IdleThreshold
		gone := !live && (c.rec.disconnectedAt.IsZero() || now.Sub(c.rec.disconnectedAt) > m.cfg.DisconnectGrace)
		if !idle && !gone {
			continue
		}

		m.mu.Lock()
		cur, ok := m.tracked[c.id]
		// Activity since the snapshot wins over the sweep.
		if !ok || cur.lastActivity.After(c.rec.lastActivity) || !cur.disconnectedAt.Equal(c.rec.disconnectedAt) {
			m.mu.Unlock()
			continue
		}
		delete(m.tracked, c.id)
		m.mu.Unlock()

		m.publish(ctx, c.id, models.StatusOffline)
		observ.PresenceSweptTotal.Inc()
		swept++
		m.logger.Info("user swept offline",
			zap.String("user_id", c.id),
			zap.Bool("idle", idle),
			zap.Bool("live", live),
		)
	}
	return swept
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Debug("presence sweep", zap.Int("swept", n))
			}
		}
	}
}
