// Package session delivers bus events to authenticated WebSocket clients.
//
// Each session has a bounded outbound queue fed by a non-blocking bus
// handler. A session whose queue fills up is dropped rather than allowed to
// skip events, and a session that stops sending heartbeats is reaped.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/presence"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SendBuffer       int
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		SweepInterval:    5 * time.Second,
		SendBuffer:       256,
		WriteTimeout:     10 * time.Second,
	}
}

// Bus is the part of the event bus sessions subscribe to.
type Bus interface {
	Subscribe(handler event.Handler) string
	Unsubscribe(id string) bool
}

type Manager struct {
	auth     auth.Authenticator
	bus      Bus
	presence presence.Tracker
	cfg      Config
	clock    util.Clock
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session
	perUser  map[int64]int

	presenceCh chan presenceUpdate
	closeOnce  sync.Once
	stop       chan struct{}
}

type presenceUpdate struct {
	id     auth.Identity
	online bool
}

type Option func(*Manager)

func WithClock(c util.Clock) Option          { return func(m *Manager) { m.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(m *Manager) { m.logger = l } }
func WithPresence(p presence.Tracker) Option { return func(m *Manager) { m.presence = p } }

func NewManager(a auth.Authenticator, bus Bus, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	m := &Manager{
		auth:     a,
		bus:      bus,
		cfg:      cfg,
		clock:    util.RealClock{},
		sessions: make(map[string]*Session),
		perUser:  make(map[int64]int),

		presenceCh: make(chan presenceUpdate, 1024),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.presence == nil {
		m.presence = presence.NewMemoryTracker()
	}
	m.logger = util.OrNop(m.logger)
	go m.presenceLoop()
	return m
}

// Admit resolves the credential presented at handshake. Failure means no
// session is created.
func (m *Manager) Admit(token string) (auth.Identity, error) {
	id, err := m.auth.ResolveToken(token)
	if err != nil {
		m.logger.Infow("session_rejected", "err", err)
		return auth.Identity{}, auth.ErrAuth
	}
	return id, nil
}

// Serve registers an upgraded connection and starts its pumps.
func (m *Manager) Serve(id auth.Identity, conn *websocket.Conn) *Session {
	now := m.clock.Now()
	s := &Session{
		ID:          uuid.NewString(),
		Identity:    id,
		ConnectedAt: now,
		mgr:         m,
		conn:        conn,
		send:        make(chan []byte, m.cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	s.lastHeartbeat.Store(now.UnixNano())

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.perUser[id.UserID]++
	m.mu.Unlock()

	s.subID = m.bus.Subscribe(s.deliver)
	m.setPresence(id, true)

	m.logger.Infow("session_opened", "session", s.ID, "user", id.Username, "role", id.Role, "total", m.Count())

	go s.writePump()
	go s.readPump()
	return s
}

// remove is called exactly once per session, from Session.close.
func (m *Manager) remove(s *Session) {
	m.bus.Unsubscribe(s.subID)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.perUser[s.Identity.UserID]--
	last := m.perUser[s.Identity.UserID] <= 0
	if last {
		delete(m.perUser, s.Identity.UserID)
	}
	total := len(m.sessions)
	m.mu.Unlock()

	if last {
		m.setPresence(s.Identity, false)
	}
	m.logger.Infow("session_closed", "session", s.ID, "user", s.Identity.Username, "reason", s.reason, "total", total)
}

// setPresence never blocks the caller, which may be a bus handler. Updates
// are applied in order by presenceLoop.
func (m *Manager) setPresence(id auth.Identity, online bool) {
	select {
	case m.presenceCh <- presenceUpdate{id: id, online: online}:
	default:
		m.logger.Warnw("presence_update_dropped", "user", id.UserID, "online", online)
	}
}

func (m *Manager) presenceLoop() {
	for {
		select {
		case <-m.stop:
			for {
				select {
				case u := <-m.presenceCh:
					m.applyPresence(u)
				default:
					return
				}
			}
		case u := <-m.presenceCh:
			m.applyPresence(u)
		}
	}
}

func (m *Manager) applyPresence(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if u.online {
		_ = m.presence.Online(ctx, u.id)
	} else {
		_ = m.presence.Offline(ctx, u.id.UserID)
	}
}

// Run reaps sessions that missed their heartbeat until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.SweepInterval):
			m.Sweep()
		}
	}
}

// Sweep closes every session whose last heartbeat is older than the timeout.
// Returns the number of sessions closed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	var stale []*Session

	m.mu.RLock()
	for _, s := range m.sessions {
		if now.Sub(s.LastHeartbeat()) > m.cfg.HeartbeatTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Infow("session_heartbeat_timeout", "session", s.ID, "last", s.LastHeartbeat())
		s.close(ReasonHeartbeatTimeout)
	}
	return len(stale)
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Presence() presence.Tracker { return m.presence }

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.close(ReasonShutdown)
	}
	m.closeOnce.Do(func() { close(m.stop) })
}
