package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Fake is a deterministic, in-memory Backend used by this module's tests.
// Every method has a sensible zero-value behavior; tests override the
// function fields they need to drive a specific scenario. Fake is safe for
// concurrent use.
type Fake struct {
	mu sync.Mutex

	// docState tracks a monotonically increasing "version" per doc name,
	// standing in for a real state vector. Deterministic hashing of
	// (doc, version, input) is what lets HandleSyncMessage return
	// byte-identical responses for byte-identical inputs — required by
	// the ping-pong suppression contract.
	docState map[string]int
	bodies   map[string][]byte

	// Hooks. nil means "use the default deterministic behavior below".
	OnHandleSyncMessage       func(ctx context.Context, doc string, msg []byte, writeToDisk bool) ([]byte, error)
	OnHandleWorkspaceMessage  func(ctx context.Context, msg []byte, writeToDisk bool) (WorkspaceSyncResult, error)
	OnHandleBodySyncMessage   func(ctx context.Context, doc string, msg []byte, writeToDisk bool) (BodySyncResult, error)
	OnGetMissingUpdates       func(ctx context.Context, remoteSV StateVector) (Update, error)
	OnGetBodyMissingUpdates   func(ctx context.Context, doc string, remoteSV StateVector) (Update, error)

	// Call log for assertions.
	mu2               sync.Mutex
	SavedCrdtState    int
	SavedBodyDocs     []string
	ImportedSnapshots int
}

// NewFake constructs a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		docState: make(map[string]int),
		bodies:   make(map[string][]byte),
	}
}

func (f *Fake) bump(doc string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docState[doc]++
	return f.docState[doc]
}

func (f *Fake) version(doc string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docState[doc]
}

func fingerprint(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	return []byte(hex.EncodeToString(sum))
}

func (f *Fake) GetSyncState(ctx context.Context) (StateVector, error) {
	return StateVector(fingerprint([]byte("workspace"), []byte{byte(f.version("workspace"))})), nil
}

func (f *Fake) ApplyRemoteUpdate(ctx context.Context, update Update) (UpdateID, error) {
	f.bump("workspace")
	return UpdateID(fingerprint(update)), nil
}

func (f *Fake) GetMissingUpdates(ctx context.Context, remoteSV StateVector) (Update, error) {
	if f.OnGetMissingUpdates != nil {
		return f.OnGetMissingUpdates(ctx, remoteSV)
	}
	cur, _ := f.GetSyncState(ctx)
	if string(cur) == string(remoteSV) {
		return nil, nil
	}
	return Update(fingerprint([]byte("update"), cur)), nil
}

func (f *Fake) GetFullState(ctx context.Context) (Update, error) {
	return Update(fingerprint([]byte("full-workspace-state"))), nil
}

func (f *Fake) SaveCrdtState(ctx context.Context) error {
	f.mu2.Lock()
	f.SavedCrdtState++
	f.mu2.Unlock()
	return nil
}

func (f *Fake) GetBodyContent(ctx context.Context, doc string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[doc], nil
}

func (f *Fake) SetBodyContent(ctx context.Context, doc string, content []byte) error {
	f.mu.Lock()
	f.bodies[doc] = content
	f.mu.Unlock()
	f.bump(doc)
	return nil
}

func (f *Fake) GetBodySyncState(ctx context.Context, doc string) (StateVector, error) {
	return StateVector(fingerprint([]byte(doc), []byte{byte(f.version(doc))})), nil
}

func (f *Fake) GetBodyFullState(ctx context.Context, doc string) (Update, error) {
	return Update(fingerprint([]byte("full-body-state"), []byte(doc))), nil
}

func (f *Fake) ApplyBodyUpdate(ctx context.Context, doc string, update Update) (UpdateID, error) {
	f.bump(doc)
	return UpdateID(fingerprint(update)), nil
}

func (f *Fake) GetBodyMissingUpdates(ctx context.Context, doc string, remoteSV StateVector) (Update, error) {
	if f.OnGetBodyMissingUpdates != nil {
		return f.OnGetBodyMissingUpdates(ctx, doc, remoteSV)
	}
	cur, _ := f.GetBodySyncState(ctx, doc)
	if string(cur) == string(remoteSV) {
		return nil, nil
	}
	return Update(fingerprint([]byte("body-update"), []byte(doc), cur)), nil
}

func (f *Fake) SaveBodyDoc(ctx context.Context, doc string) error {
	f.mu2.Lock()
	f.SavedBodyDocs = append(f.SavedBodyDocs, doc)
	f.mu2.Unlock()
	return nil
}

func (f *Fake) UnloadBodyDoc(ctx context.Context, doc string) error {
	f.mu.Lock()
	delete(f.bodies, doc)
	delete(f.docState, doc)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ListLoadedBodyDocs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bodies))
	for doc := range f.bodies {
		out = append(out, doc)
	}
	return out, nil
}

func (f *Fake) CreateSyncStep1(ctx context.Context, doc string) ([]byte, error) {
	sv, _ := f.GetBodySyncState(ctx, doc)
	return append([]byte("step1:"), sv...), nil
}

// HandleSyncMessage is deterministic in (doc, message, current version): the
// same inputs against the same state always produce the same response,
// which is the engine contract the transport layer's ping-pong suppression
// relies on.
func (f *Fake) HandleSyncMessage(ctx context.Context, doc string, msg []byte, writeToDisk bool) ([]byte, error) {
	if f.OnHandleSyncMessage != nil {
		return f.OnHandleSyncMessage(ctx, doc, msg, writeToDisk)
	}
	v := f.version(doc)
	return fingerprint([]byte(doc), msg, []byte{byte(v)}), nil
}

func (f *Fake) CreateUpdateMessage(ctx context.Context, doc string, update Update) ([]byte, error) {
	return append([]byte("update-msg:"), update...), nil
}

func (f *Fake) InitBodySync(ctx context.Context, doc string) error {
	f.mu.Lock()
	if _, ok := f.bodies[doc]; !ok {
		f.bodies[doc] = nil
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) CloseBodySync(ctx context.Context, doc string) error {
	return nil
}

func (f *Fake) CreateWorkspaceSyncStep1(ctx context.Context) ([]byte, error) {
	sv, _ := f.GetSyncState(ctx)
	return append([]byte("wstep1:"), sv...), nil
}

func (f *Fake) HandleWorkspaceSyncMessage(ctx context.Context, msg []byte, writeToDisk bool) (WorkspaceSyncResult, error) {
	if f.OnHandleWorkspaceMessage != nil {
		return f.OnHandleWorkspaceMessage(ctx, msg, writeToDisk)
	}
	return WorkspaceSyncResult{SyncComplete: true}, nil
}

func (f *Fake) HandleBodySyncMessage(ctx context.Context, doc string, msg []byte, writeToDisk bool) (BodySyncResult, error) {
	if f.OnHandleBodySyncMessage != nil {
		return f.OnHandleBodySyncMessage(ctx, doc, msg, writeToDisk)
	}
	return BodySyncResult{}, nil
}

func (f *Fake) HandleCrdtState(ctx context.Context, state []byte) error {
	return nil
}

func (f *Fake) ImportWorkspaceSnapshot(ctx context.Context, archive []byte) error {
	f.mu2.Lock()
	f.ImportedSnapshots++
	f.mu2.Unlock()
	return nil
}

func (f *Fake) ConfigureSyncHandler(ctx context.Context, guestJoinCode string, usesOpfs bool) error {
	return nil
}

func (f *Fake) GetCrdtFile(ctx context.Context, doc string) ([]byte, error) {
	return f.GetBodyContent(ctx, doc)
}

func (f *Fake) SetCrdtFile(ctx context.Context, doc string, data []byte) error {
	return f.SetBodyContent(ctx, doc, data)
}

func (f *Fake) ListCrdtFiles(ctx context.Context) ([]string, error) {
	return f.ListLoadedBodyDocs(ctx)
}

var _ Backend = (*Fake)(nil)
