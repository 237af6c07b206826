package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/diaryxsync/internal/engine"
	"github.com/ehrlich-b/diaryxsync/internal/store"
)

// Manager holds every open document's Session plus the connection settings
// shared across them. It is constructed explicitly by the embedding host —
// there is no package-level instance.
type Manager struct {
	backend engine.Backend
	store   *store.Store
	factory TransportFactory
	log     *slog.Logger

	// OnMarkdownSave and OnRemoteUpdate are optional host hooks, applied to
	// every Session as it's constructed. Set them right after New, before
	// opening any document.
	OnMarkdownSave MarkdownSaveFunc
	OnRemoteUpdate RemoteUpdateFunc

	mu          sync.Mutex
	sessions    map[string]*Session
	serverURL   string
	sessionCode string
	p2pEnabled  bool
}

// New constructs a Manager. factory builds the transport for a document
// given the manager's current connection settings; it is expected to close
// over the Manager (or read its exported config accessors) to pick up the
// current server URL/session code/P2P flag.
func New(backend engine.Backend, st *store.Store, factory TransportFactory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backend:  backend,
		store:    st,
		factory:  factory,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// ServerURL returns the currently configured server URL.
func (m *Manager) ServerURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverURL
}

// SessionCode returns the currently configured P2P sync code, if any.
func (m *Manager) SessionCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCode
}

// P2PEnabled reports whether the P2P transport is currently enabled.
func (m *Manager) P2PEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p2pEnabled
}

// GetCollaborativeDocument returns the Session for docName, creating and
// connecting one if it doesn't exist yet.
func (m *Manager) GetCollaborativeDocument(ctx context.Context, docName string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[docName]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	transport, err := m.factory(ctx, docName)
	if err != nil {
		return nil, fmt.Errorf("build transport for %s: %w", docName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[docName]; ok {
		_ = transport.Close()
		return s, nil
	}
	s := newSession(ctx, m, docName, transport)
	m.sessions[docName] = s
	return s, nil
}

// ReleaseDocument flushes pending changes and tears down docName's
// transport, removing it from the manager. Safe to call on a doc that was
// never opened.
func (m *Manager) ReleaseDocument(ctx context.Context, docName string) error {
	m.mu.Lock()
	s, ok := m.sessions[docName]
	if ok {
		delete(m.sessions, docName)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.release(ctx)
	if m.store != nil {
		if err := m.store.ClearSessionCache(docName); err != nil {
			m.log.Warn("clear session cache failed", "doc", docName, "err", err)
		}
	}
	return nil
}

// SetServerURL updates the server URL and rebuilds every open session's
// transport concurrently.
func (m *Manager) SetServerURL(ctx context.Context, url string) error {
	m.mu.Lock()
	m.serverURL = url
	m.mu.Unlock()
	return m.rebuildAll(ctx)
}

// SetSessionCode updates the P2P sync code and rebuilds every open
// session's transport concurrently.
func (m *Manager) SetSessionCode(ctx context.Context, code string) error {
	m.mu.Lock()
	m.sessionCode = code
	m.mu.Unlock()
	return m.rebuildAll(ctx)
}

// SetP2PEnabled toggles the P2P transport and rebuilds every open session's
// transport concurrently. The flag is also persisted durably so it survives
// a restart.
func (m *Manager) SetP2PEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	m.p2pEnabled = enabled
	m.mu.Unlock()

	if m.store != nil {
		value := "false"
		if enabled {
			value = "true"
		}
		if err := m.store.SetDurableFlag("diaryx-p2p-enabled", value); err != nil {
			m.log.Warn("persist p2p-enabled flag failed", "err", err)
		}
	}
	return m.rebuildAll(ctx)
}

// rebuildAll rebuilds every open session's transport concurrently via
// errgroup, while each individual session still serializes its own send
// ordering (swapTransport only replaces the transport after the new one is
// already running).
func (m *Manager) rebuildAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return s.swapTransport(gctx, m.factory)
		})
	}
	return g.Wait()
}

// Shutdown flushes and closes every open session. Intended to be wired to
// the process-exit cleanup hook (signal handler) by the embedding host.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for docName, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, docName)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.release(ctx)
		}(s)
	}
	wg.Wait()
}
