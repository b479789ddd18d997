// Package chatlease coordinates which process on a host may drive a chat.
//
// Invariants:
// - A lease file is only read or written while holding the sibling .lock flock.
// - Only the owning process (PID + owner token) refreshes or deletes its lease.
// - A lease is valid iff expires_at is in the future and the owner PID is alive;
//   invalid leases are reclaimed by whoever looks at them next.
package chatlease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/sonolbot/internal/observability"
	"github.com/harun/sonolbot/pkg/fsutil"
)

const (
	DefaultTTL      = 90 * time.Second
	DefaultLockWait = time.Second
)

// Lease is the on-disk record in chat_<id>.json.
type Lease struct {
	ChatID       int64     `json:"chat_id"`
	OwnerPID     int       `json:"owner_pid"`
	OwnerToken   string    `json:"owner_token,omitempty"`
	AppServerPID int       `json:"app_server_pid,omitempty"`
	TurnID       string    `json:"turn_id,omitempty"`
	MessageIDs   []int64   `json:"message_ids"`
	AcquiredAt   time.Time `json:"acquired_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Config configures a Manager.
type Config struct {
	Dir             string
	TTL             time.Duration
	LockWait        time.Duration
	BusyLogInterval time.Duration
	// AppServerPID reports the current app-server child PID, if any.
	AppServerPID func() int
	Logger       zerolog.Logger

	// Test hooks.
	Now          func() time.Time
	PID          int
	ProcessAlive func(pid int) bool
}

// Manager owns the lease files under one chat_locks directory.
type Manager struct {
	dir             string
	ttl             time.Duration
	lockWait        time.Duration
	busyLogInterval time.Duration
	appServerPID    func() int
	logger          zerolog.Logger
	now             func() time.Time
	pid             int
	token           string
	alive           func(pid int) bool

	mu          sync.Mutex
	owned       map[int64]struct{}
	lastBusyLog map[int64]time.Time
}

// New creates a lease manager and its directory.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("chat lock directory is required")
	}
	if err := fsutil.EnsureDir(cfg.Dir); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.BusyLogInterval <= 0 {
		cfg.BusyLogInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = fsutil.ProcessAlive
	}
	if cfg.AppServerPID == nil {
		cfg.AppServerPID = func() int { return 0 }
	}

	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lease owner token: %w", err)
	}

	return &Manager{
		dir:             cfg.Dir,
		ttl:             cfg.TTL,
		lockWait:        cfg.LockWait,
		busyLogInterval: cfg.BusyLogInterval,
		appServerPID:    cfg.AppServerPID,
		logger:          cfg.Logger.With().Str("component", "chatlease").Logger(),
		now:             cfg.Now,
		pid:             cfg.PID,
		token:           token,
		alive:           cfg.ProcessAlive,
		owned:           make(map[int64]struct{}),
		lastBusyLog:     make(map[int64]time.Time),
	}, nil
}

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) leasePath(chatID int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("chat_%d.json", chatID))
}

func (m *Manager) lockPath(chatID int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("chat_%d.lock", chatID))
}

func (m *Manager) valid(l *Lease, now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now) && m.alive(l.OwnerPID)
}

func (m *Manager) ownedBySelf(l *Lease) bool {
	return l != nil && l.OwnerPID == m.pid && l.OwnerToken == m.token
}

func (m *Manager) read(chatID int64) (*Lease, error) {
	var l Lease
	ok, err := fsutil.ReadJSON(m.leasePath(chatID), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

// TryAcquire takes the chat lease for this process. It returns false when a
// valid lease belongs to someone else or the lock cannot be taken in time.
func (m *Manager) TryAcquire(ctx context.Context, chatID int64, messageIDs []int64) bool {
	acquired := false
	var holder *Lease

	err := fsutil.WithLock(ctx, m.lockPath(chatID), m.lockWait, func() error {
		now := m.now()
		current, err := m.read(chatID)
		if err != nil {
			m.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Unreadable chat lease, reclaiming")
			current = nil
		}

		if m.valid(current, now) && !m.ownedBySelf(current) {
			holder = current
			return nil
		}

		lease := Lease{
			ChatID:       chatID,
			OwnerPID:     m.pid,
			OwnerToken:   m.token,
			AppServerPID: m.appServerPID(),
			MessageIDs:   append([]int64(nil), messageIDs...),
			AcquiredAt:   now,
			UpdatedAt:    now,
			ExpiresAt:    now.Add(m.ttl),
		}
		if m.ownedBySelf(current) && m.valid(current, now) {
			lease.AcquiredAt = current.AcquiredAt
			lease.TurnID = current.TurnID
		} else if current != nil {
			if err := fsutil.RemoveIfExists(m.leasePath(chatID)); err != nil {
				return err
			}
		}

		if err := fsutil.WriteJSONAtomic(m.leasePath(chatID), lease); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		m.logBusy(chatID, "lock", err)
		return false
	}

	if !acquired {
		observability.RecordLeaseBusy()
		m.logBusy(chatID, fmt.Sprintf("owned by pid %d", holder.OwnerPID), nil)
		return false
	}

	m.mu.Lock()
	m.owned[chatID] = struct{}{}
	delete(m.lastBusyLog, chatID)
	m.mu.Unlock()

	m.logger.Debug().Int64("chat_id", chatID).Ints64("message_ids", messageIDs).Msg("Chat lease acquired")
	return true
}

func (m *Manager) logBusy(chatID int64, reason string, err error) {
	now := m.now()
	m.mu.Lock()
	last, seen := m.lastBusyLog[chatID]
	if seen && now.Sub(last) < m.busyLogInterval {
		m.mu.Unlock()
		return
	}
	m.lastBusyLog[chatID] = now
	m.mu.Unlock()

	event := m.logger.Info()
	if err != nil {
		event = m.logger.Warn().Err(err)
	}
	event.Int64("chat_id", chatID).Str("reason", reason).Msg("Chat lease busy")
}

// Touch extends the lease if it is still owned by this process. turnID and
// messageIDs replace the stored values when non-empty.
func (m *Manager) Touch(ctx context.Context, chatID int64, turnID string, messageIDs []int64) bool {
	touched := false
	err := fsutil.WithLock(ctx, m.lockPath(chatID), m.lockWait, func() error {
		current, err := m.read(chatID)
		if err != nil {
			return err
		}
		if !m.ownedBySelf(current) {
			return nil
		}

		now := m.now()
		current.UpdatedAt = now
		current.ExpiresAt = now.Add(m.ttl)
		current.AppServerPID = m.appServerPID()
		if turnID != "" {
			current.TurnID = turnID
		}
		if len(messageIDs) > 0 {
			current.MessageIDs = append([]int64(nil), messageIDs...)
		}
		if err := fsutil.WriteJSONAtomic(m.leasePath(chatID), current); err != nil {
			return err
		}
		touched = true
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Chat lease heartbeat failed")
		return false
	}
	if !touched {
		m.mu.Lock()
		delete(m.owned, chatID)
		m.mu.Unlock()
		m.logger.Warn().Int64("chat_id", chatID).Msg("Chat lease lost before heartbeat")
	}
	return touched
}

// Release deletes the lease if this process owns it.
func (m *Manager) Release(ctx context.Context, chatID int64, reason string) {
	err := fsutil.WithLock(ctx, m.lockPath(chatID), m.lockWait, func() error {
		current, err := m.read(chatID)
		if err != nil {
			return err
		}
		if m.ownedBySelf(current) {
			return fsutil.RemoveIfExists(m.leasePath(chatID))
		}
		return nil
	})

	m.mu.Lock()
	delete(m.owned, chatID)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Int64("chat_id", chatID).Str("reason", reason).Msg("Chat lease release failed")
		return
	}
	m.logger.Debug().Int64("chat_id", chatID).Str("reason", reason).Msg("Chat lease released")
}

// ReleaseAll releases every lease this process holds.
func (m *Manager) ReleaseAll(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(ctx, id, reason)
	}
}

// Owns reports whether this process believes it holds chatID.
func (m *Manager) Owns(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[chatID]
	return ok
}

// HasAnyActive scans the directory, reclaims stale leases and reports whether
// any valid lease remains.
func (m *Manager) HasAnyActive(ctx context.Context) bool {
	matches, err := filepath.Glob(filepath.Join(m.dir, "chat_*.json"))
	if err != nil {
		return false
	}

	active := false
	for _, path := range matches {
		chatID, ok := parseChatID(filepath.Base(path))
		if !ok {
			continue
		}
		err := fsutil.WithLock(ctx, m.lockPath(chatID), m.lockWait, func() error {
			current, err := m.read(chatID)
			if err != nil || current == nil {
				return fsutil.RemoveIfExists(path)
			}
			if m.valid(current, m.now()) {
				active = true
				return nil
			}
			m.logger.Info().Int64("chat_id", chatID).Int("owner_pid", current.OwnerPID).Msg("Reclaimed stale chat lease")
			return fsutil.RemoveIfExists(path)
		})
		if err != nil {
			// Treat an unlockable lease as active: someone is working on it.
			active = true
		}
	}
	return active
}

// Read returns the current lease for chatID without locking. Diagnostics only.
func (m *Manager) Read(chatID int64) (*Lease, error) {
	return m.read(chatID)
}

func parseChatID(name string) (int64, bool) {
	if !strings.HasPrefix(name, "chat_") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "chat_"), ".json")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
