// Package session owns the Manager: one Manager tracks every open
// document's engine handle, transport binding, and debounced save timer,
// and rebuilds transports on reconfiguration without tearing down engine
// documents.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// saveDebounce is how long a document waits after its last local change
// before flushing to the engine and broadcasting over the transport.
const saveDebounce = 5 * time.Second

// Transport is the narrow contract a session drives. doctransport.Transport
// satisfies this directly; bodytransport and unified transports are bound
// through a small per-doc adapter built by the embedding host, since they
// multiplex many documents over one connection.
type Transport interface {
	Run(ctx context.Context) error
	SendLocalChanges(ctx context.Context) error
	Close() error
}

// TransportFactory builds the transport for one document. Called once per
// getCollaborativeDocument and again for every session on reconfiguration.
type TransportFactory func(ctx context.Context, docName string) (Transport, error)

// MarkdownSaveFunc persists a document's current CRDT-rendered content. The
// session invokes it once the 5s debounce settles, and again synchronously
// on release if a change was still pending — in both cases strictly before
// SaveCrdtState runs.
type MarkdownSaveFunc func(ctx context.Context, docName string, content []byte) error

// RemoteUpdateFunc notifies the host that a document has newly applied
// remote content it may want to reflect in its own view. Optional: nil
// means no one is listening.
type RemoteUpdateFunc func(docName string)

// Session binds one document's engine handle to one transport connection,
// plus the debounce timer that coalesces local writes before they're sent.
type Session struct {
	DocName   string
	mgr       *Manager
	transport Transport

	// OnRemoteUpdate is the session-scoped remote-change callback. It
	// defaults to the Manager's OnRemoteUpdate at construction time; the
	// embedding host's transport factory can instead call
	// NotifyRemoteUpdate directly from its transport's own OnRemoteUpdate
	// hook for a per-session listener.
	OnRemoteUpdate RemoteUpdateFunc

	mu          sync.Mutex
	saveTimer   *time.Timer
	pendingSave bool

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan struct{}

	releaseOnce sync.Once
}

func newSession(parentCtx context.Context, mgr *Manager, docName string, transport Transport) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Session{
		DocName:        docName,
		mgr:            mgr,
		transport:      transport,
		OnRemoteUpdate: mgr.OnRemoteUpdate,
		runCtx:         ctx,
		runCancel:      cancel,
		runDone:        make(chan struct{}),
	}
	go func() {
		defer close(s.runDone)
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			mgr.log.Warn("session transport exited with error", "doc", docName, "err", err)
		}
	}()
	return s
}

// NotifyLocalChange arms (or re-arms) the debounce timer: if no further
// local change arrives within saveDebounce, the document is flushed to the
// engine and its delta broadcast.
func (s *Session) NotifyLocalChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSave = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, s.flush)
}

// NotifyRemoteUpdate invokes the session's remote-change callback, if any.
func (s *Session) NotifyRemoteUpdate() {
	if s.OnRemoteUpdate != nil {
		s.OnRemoteUpdate(s.DocName)
	}
}

// saveMarkdown renders the document's current content through the engine
// and hands it to the Manager's OnMarkdownSave hook, if one is configured.
// Always called before SaveCrdtState, never after.
func (s *Session) saveMarkdown(ctx context.Context) {
	if s.mgr.OnMarkdownSave == nil {
		return
	}
	content, err := s.mgr.backend.GetBodyContent(ctx, s.DocName)
	if err != nil {
		s.mgr.log.Warn("render markdown content failed", "doc", s.DocName, "err", err)
		return
	}
	if err := s.mgr.OnMarkdownSave(ctx, s.DocName, content); err != nil {
		s.mgr.log.Warn("markdown save failed", "doc", s.DocName, "err", err)
	}
}

func (s *Session) flush() {
	s.mu.Lock()
	if !s.pendingSave {
		s.mu.Unlock()
		return
	}
	s.pendingSave = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.saveMarkdown(ctx)
	if err := s.mgr.backend.SaveCrdtState(ctx); err != nil {
		s.mgr.log.Warn("save crdt state failed", "doc", s.DocName, "err", err)
	}
	if err := s.transport.SendLocalChanges(ctx); err != nil {
		s.mgr.log.Warn("send local changes failed", "doc", s.DocName, "err", err)
	}
}

// flushSync runs flush's work synchronously regardless of the debounce
// timer's state, used by Release to guarantee nothing pending is lost.
// onMarkdownSave fires exactly once, before SaveCrdtState, when a save was
// pending; zero times otherwise.
func (s *Session) flushSync(ctx context.Context) {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	pending := s.pendingSave
	s.pendingSave = false
	s.mu.Unlock()

	if !pending {
		return
	}
	s.saveMarkdown(ctx)
	if err := s.mgr.backend.SaveCrdtState(ctx); err != nil {
		s.mgr.log.Warn("save crdt state failed on release", "doc", s.DocName, "err", err)
	}
	if err := s.transport.SendLocalChanges(ctx); err != nil {
		s.mgr.log.Warn("send local changes failed on release", "doc", s.DocName, "err", err)
	}
}

// release flushes any pending save, then tears down the transport. Safe to
// call more than once; only the first call does anything.
func (s *Session) release(ctx context.Context) {
	s.releaseOnce.Do(func() {
		s.flushSync(ctx)
		s.runCancel()
		_ = s.transport.Close()
		<-s.runDone
	})
}

// swapTransport replaces the running transport with a freshly built one,
// used by reconfiguration. The old transport is closed after the new one
// is already running so there is no window with neither connected.
func (s *Session) swapTransport(parentCtx context.Context, factory TransportFactory) error {
	newTransport, err := factory(parentCtx, s.DocName)
	if err != nil {
		return fmt.Errorf("rebuild transport for %s: %w", s.DocName, err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	newDone := make(chan struct{})
	go func() {
		defer close(newDone)
		if err := newTransport.Run(ctx); err != nil && ctx.Err() == nil {
			s.mgr.log.Warn("session transport exited with error", "doc", s.DocName, "err", err)
		}
	}()

	s.mu.Lock()
	oldTransport := s.transport
	oldCancel := s.runCancel
	oldDone := s.runDone
	s.transport = newTransport
	s.runCtx = ctx
	s.runCancel = cancel
	s.runDone = newDone
	s.mu.Unlock()

	oldCancel()
	_ = oldTransport.Close()
	<-oldDone
	return nil
}
