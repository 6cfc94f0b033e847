// Package session owns the presence record of a single tab: its initial
// registration, the heartbeat loop, throttled cursor publishing and teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/store"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultCursorThrottle    = 50 * time.Millisecond
)

// Config holds configuration for a tab session.
type Config struct {
	DocID string
	// TabID is reused when a reloaded tab reconnects. Empty allocates a new one.
	TabID             string
	HeartbeatInterval time.Duration
	CursorThrottle    time.Duration
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics scope.
func WithMetrics(s tally.Scope) Option {
	return func(m *Manager) {
		if s != nil {
			m.metrics = s
		}
	}
}

// Manager manages the presence registration of one tab.
type Manager struct {
	st      store.Store
	clk     clock.Clock
	cfg     Config
	log     *zap.Logger
	metrics tally.Scope

	heartbeatFailed tally.Counter
	cursorWrites    tally.Counter

	mu             sync.Mutex
	state          state
	session        model.TabSession
	heartbeat      clock.Timer
	cursor         *Throttle[model.Cursor]
	identityLogged bool
	removePending  bool

	// writeMu keeps at most one store write in flight for this tab.
	writeMu sync.Mutex
}

// NewManager creates a new session manager for one tab of cfg.DocID.
func NewManager(st store.Store, clk clock.Clock, cfg Config, opts ...Option) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CursorThrottle <= 0 {
		cfg.CursorThrottle = DefaultCursorThrottle
	}

	m := &Manager{
		st:      st,
		clk:     clk,
		cfg:     cfg,
		log:     zap.NewNop(),
		metrics: tally.NoopScope,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("docId", cfg.DocID))
	m.heartbeatFailed = m.metrics.Counter("session.heartbeat_failed")
	m.cursorWrites = m.metrics.Counter("session.cursor_writes")
	return m
}

// Start registers the tab and begins heartbeating. Calling Start on a running
// session returns its tab id without side effects. A missing identity is
// reported once and no record is written.
func (m *Manager) Start(ctx context.Context, identity model.Identity) (string, error) {
	m.mu.Lock()
	switch m.state {
	case stateRunning:
		tabID := m.session.TabID
		m.mu.Unlock()
		return tabID, nil
	case stateStopped:
		m.mu.Unlock()
		return "", model.ErrSessionClosed
	}

	if err := identity.Validate(); err != nil {
		if !m.identityLogged {
			m.identityLogged = true
			m.log.Error("refusing to start session without identity", zap.Error(err))
		}
		m.mu.Unlock()
		return "", err
	}
	if err := model.ValidateID(m.cfg.DocID); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("document id: %w", err)
	}

	tabID := m.cfg.TabID
	if tabID == "" {
		tabID = uuid.NewString()
	}
	if err := model.ValidateID(tabID); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("tab id: %w", err)
	}

	m.session = model.TabSession{
		TabID:         tabID,
		UserID:        identity.UserID,
		DisplayName:   identity.DisplayName,
		Color:         identity.Color,
		LastHeartbeat: m.clk.Now(),
	}
	m.log = m.log.With(zap.String("userId", identity.UserID), zap.String("tabId", tabID))
	m.state = stateRunning
	m.cursor = NewThrottle(m.clk, m.cfg.CursorThrottle, m.flushCursor)
	m.heartbeat = m.clk.AfterFunc(m.cfg.HeartbeatInterval, m.tick)
	m.mu.Unlock()

	m.write(ctx, "register")
	return tabID, nil
}

// UpdateCursor publishes the cursor position, at most once per throttle
// interval. Calls on a session that is not running are ignored.
func (m *Manager) UpdateCursor(x, y float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateRunning {
		return
	}
	m.cursor.Update(model.Cursor{X: x, Y: y})
}

// Stop cancels the timers and removes the tab's presence record. The timers
// are cancelled before Stop returns or blocks, and any write already in flight
// completes before the removal, so nothing can recreate the record. If the
// removal fails, a later Stop retries it.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateIdle:
		m.state = stateStopped
		m.mu.Unlock()
		return nil
	case stateRunning:
		m.state = stateStopped
		m.removePending = true
		m.heartbeat.Stop()
		m.cursor.Stop()
	}
	if !m.removePending {
		m.mu.Unlock()
		return nil
	}
	path := model.PresencePath(m.cfg.DocID, m.session.UserID, m.session.TabID)
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.st.Remove(ctx, path); err != nil {
		m.log.Warn("failed to remove presence", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("remove presence: %w", err)
	}

	m.mu.Lock()
	m.removePending = false
	m.mu.Unlock()
	m.log.Debug("session stopped")
	return nil
}

// Session returns a copy of the current record.
func (m *Manager) Session() model.TabSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}

// TabID returns the tab id, empty before Start.
func (m *Manager) TabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.TabID
}

// Path returns the store path of the tab's record, empty before Start. It
// names the tab uniquely across documents and users.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.TabID == "" {
		return ""
	}
	return model.PresencePath(m.cfg.DocID, m.session.UserID, m.session.TabID)
}

// DocID returns the document this tab belongs to.
func (m *Manager) DocID() string {
	return m.cfg.DocID
}

// Running reports whether the session is started and not stopped.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}

func (m *Manager) tick() {
	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return
	}
	m.session.LastHeartbeat = m.clk.Now()
	m.heartbeat = m.clk.AfterFunc(m.cfg.HeartbeatInterval, m.tick)
	m.mu.Unlock()

	if !m.write(context.Background(), "heartbeat") {
		m.heartbeatFailed.Inc(1)
	}
}

func (m *Manager) flushCursor(c model.Cursor) {
	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return
	}
	m.session.Cursor = &c
	m.mu.Unlock()

	if m.write(context.Background(), "cursor") {
		m.cursorWrites.Inc(1)
	}
}

// write stores the full current record. Failures are logged and left for the
// next heartbeat or cursor flush to repair.
func (m *Manager) write(ctx context.Context, reason string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return true
	}
	rec := m.session
	m.mu.Unlock()

	path := model.PresencePath(m.cfg.DocID, rec.UserID, rec.TabID)
	b, err := json.Marshal(rec)
	if err != nil {
		m.log.Error("failed to encode presence", zap.Error(err))
		return false
	}
	if err := m.st.Set(ctx, path, b); err != nil {
		m.log.Warn("presence write failed", zap.String("reason", reason), zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// Run starts m, calls fn and always stops m afterwards, even when fn fails or
// ctx is cancelled. A failed stop is joined into the returned error.
func Run(ctx context.Context, m *Manager, identity model.Identity, fn func(ctx context.Context, tabID string) error) (err error) {
	tabID, err := m.Start(ctx, identity)
	if err != nil {
		return err
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if stopErr := m.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	return fn(ctx, tabID)
}
