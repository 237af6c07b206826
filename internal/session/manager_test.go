package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/diaryxsync/internal/engine"
	"github.com/ehrlich-b/diaryxsync/internal/store"
)

type fakeTransport struct {
	mu        sync.Mutex
	runCalls  int
	sendCalls int
	closed    bool
	closedCh  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closedCh: make(chan struct{})}
}

func (f *fakeTransport) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runCalls++
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) SendLocalChanges(ctx context.Context) error {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeTransport) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGetCollaborativeDocumentReusesSession(t *testing.T) {
	transports := make(map[string]*fakeTransport)
	var mu sync.Mutex
	factory := func(ctx context.Context, docName string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		tr := newFakeTransport()
		transports[docName] = tr
		return tr, nil
	}

	mgr := New(engine.NewFake(), openTestStore(t), factory, nil)
	ctx := context.Background()

	s1, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}
	s2, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("GetCollaborativeDocument (again): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same Session to be returned for the same doc name")
	}
}

func TestReleaseDocumentFlushesPendingChanges(t *testing.T) {
	tr := newFakeTransport()
	factory := func(ctx context.Context, docName string) (Transport, error) {
		return tr, nil
	}

	mgr := New(engine.NewFake(), openTestStore(t), factory, nil)
	ctx := context.Background()

	s, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}
	s.NotifyLocalChange()

	if err := mgr.ReleaseDocument(ctx, "notes/a.md"); err != nil {
		t.Fatalf("ReleaseDocument: %v", err)
	}
	if tr.sends() != 1 {
		t.Fatalf("expected exactly 1 flush-triggered send on release, got %d", tr.sends())
	}

	select {
	case <-tr.closedCh:
	case <-time.After(time.Second):
		t.Fatal("expected transport to be closed after release")
	}
}

func TestReleaseDocumentInvokesMarkdownSaveBeforeCrdtState(t *testing.T) {
	tr := newFakeTransport()
	factory := func(ctx context.Context, docName string) (Transport, error) {
		return tr, nil
	}

	backend := engine.NewFake()
	mgr := New(backend, openTestStore(t), factory, nil)

	var order []string
	var mu sync.Mutex
	crdtSavesAtMarkdown := -1
	mgr.OnMarkdownSave = func(ctx context.Context, docName string, content []byte) error {
		mu.Lock()
		order = append(order, "markdown:"+docName)
		crdtSavesAtMarkdown = backend.SavedCrdtState
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	s, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md")
	if err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}
	s.NotifyLocalChange()

	if err := mgr.ReleaseDocument(ctx, "notes/a.md"); err != nil {
		t.Fatalf("ReleaseDocument: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "markdown:notes/a.md" {
		t.Fatalf("expected OnMarkdownSave to fire exactly once, got %v", order)
	}
	if crdtSavesAtMarkdown != 0 {
		t.Fatalf("expected OnMarkdownSave to run before SaveCrdtState, saw %d prior saves", crdtSavesAtMarkdown)
	}
	if backend.SavedCrdtState != 1 {
		t.Fatalf("expected SaveCrdtState to be called once, got %d", backend.SavedCrdtState)
	}
}

func TestReleaseDocumentWithNoPendingSaveSkipsMarkdownSave(t *testing.T) {
	tr := newFakeTransport()
	factory := func(ctx context.Context, docName string) (Transport, error) {
		return tr, nil
	}

	mgr := New(engine.NewFake(), openTestStore(t), factory, nil)
	var calls int32
	mgr.OnMarkdownSave = func(ctx context.Context, docName string, content []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	ctx := context.Background()
	if _, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md"); err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}
	// No NotifyLocalChange call: nothing is pending.
	if err := mgr.ReleaseDocument(ctx, "notes/a.md"); err != nil {
		t.Fatalf("ReleaseDocument: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected OnMarkdownSave not to fire with no pending save, got %d calls", calls)
	}
}

func TestSetServerURLRebuildsTransports(t *testing.T) {
	var built []string
	var mu sync.Mutex
	factory := func(ctx context.Context, docName string) (Transport, error) {
		mu.Lock()
		built = append(built, docName)
		mu.Unlock()
		return newFakeTransport(), nil
	}

	mgr := New(engine.NewFake(), openTestStore(t), factory, nil)
	ctx := context.Background()

	if _, err := mgr.GetCollaborativeDocument(ctx, "notes/a.md"); err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}
	if _, err := mgr.GetCollaborativeDocument(ctx, "notes/b.md"); err != nil {
		t.Fatalf("GetCollaborativeDocument: %v", err)
	}

	mu.Lock()
	builtBefore := len(built)
	mu.Unlock()
	if builtBefore != 2 {
		t.Fatalf("expected 2 initial transport builds, got %d", builtBefore)
	}

	if err := mgr.SetServerURL(ctx, "wss://new.example.com"); err != nil {
		t.Fatalf("SetServerURL: %v", err)
	}

	mu.Lock()
	builtAfter := len(built)
	mu.Unlock()
	if builtAfter != 4 {
		t.Fatalf("expected 4 total transport builds after reconfiguration, got %d", builtAfter)
	}
	if mgr.ServerURL() != "wss://new.example.com" {
		t.Fatalf("expected ServerURL to reflect the update, got %q", mgr.ServerURL())
	}
}

func TestSetP2PEnabledPersistsDurableFlag(t *testing.T) {
	st := openTestStore(t)
	factory := func(ctx context.Context, docName string) (Transport, error) {
		return newFakeTransport(), nil
	}
	mgr := New(engine.NewFake(), st, factory, nil)
	ctx := context.Background()

	if err := mgr.SetP2PEnabled(ctx, true); err != nil {
		t.Fatalf("SetP2PEnabled: %v", err)
	}
	value, ok, err := st.GetDurableFlag("diaryx-p2p-enabled")
	if err != nil {
		t.Fatalf("GetDurableFlag: %v", err)
	}
	if !ok || value != "true" {
		t.Fatalf("expected durable flag to be persisted as true, got ok=%v value=%q", ok, value)
	}
	if !mgr.P2PEnabled() {
		t.Fatal("expected P2PEnabled() to report true")
	}
}
