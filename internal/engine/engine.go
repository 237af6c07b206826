// Package engine is the typed façade over the CRDT backend's command/response
// channel. The backend itself (state-vector math, update merging, history,
// disk persistence) is out of scope — this package only defines the contract
// the transport layer drives it through, plus a deterministic fake used by
// every other package's tests.
package engine

import "context"

// StateVector is an opaque summary of a document's known updates. Monotone:
// if SV1 is a subset of what SV2 knows, every update expressible under SV1
// is also expressible under SV2. Treated as opaque bytes outside this
// package — never interpreted, only passed back to the backend.
type StateVector []byte

// Update is an opaque delta emitted by the backend on local change, or
// accepted from a peer to advance local state. Idempotent and commutative
// under CRDT semantics.
type Update []byte

// UpdateID identifies one applied update. May be empty if the backend
// declines to assign one (e.g. the update was a no-op).
type UpdateID string

// WorkspaceSyncResult is returned by HandleWorkspaceSyncMessage.
type WorkspaceSyncResult struct {
	Response      []byte   // bytes to send back to the peer, nil if none
	ChangedFiles  []string // paths whose metadata or body changed
	SyncComplete  bool     // true once the workspace handshake has settled
}

// BodySyncResult is returned by HandleBodySyncMessage.
type BodySyncResult struct {
	Response []byte // bytes to send back to the peer, nil if none
	Content  []byte // current body content, if this message changed it
	IsEcho   bool   // true if this message only reflected our own prior write
}

// Backend is the narrow command/response interface the transport layer
// drives. Every method is safe to call concurrently for different doc
// names; the backend serializes access to a single doc name itself. Each
// call blocks and returns an error rather than a wrong-tag response, so
// callers never need to type-switch on a result.
type Backend interface {
	// Workspace ops.
	GetSyncState(ctx context.Context) (StateVector, error)
	ApplyRemoteUpdate(ctx context.Context, update Update) (UpdateID, error)
	GetMissingUpdates(ctx context.Context, remoteSV StateVector) (Update, error)
	GetFullState(ctx context.Context) (Update, error)
	SaveCrdtState(ctx context.Context) error

	// Body ops, keyed by doc name.
	GetBodyContent(ctx context.Context, doc string) ([]byte, error)
	SetBodyContent(ctx context.Context, doc string, content []byte) error
	GetBodySyncState(ctx context.Context, doc string) (StateVector, error)
	GetBodyFullState(ctx context.Context, doc string) (Update, error)
	ApplyBodyUpdate(ctx context.Context, doc string, update Update) (UpdateID, error)
	GetBodyMissingUpdates(ctx context.Context, doc string, remoteSV StateVector) (Update, error)
	SaveBodyDoc(ctx context.Context, doc string) error
	UnloadBodyDoc(ctx context.Context, doc string) error
	ListLoadedBodyDocs(ctx context.Context) ([]string, error)

	// Protocol ops (v1, one doc per connection or per subscription).
	CreateSyncStep1(ctx context.Context, doc string) ([]byte, error)
	HandleSyncMessage(ctx context.Context, doc string, msg []byte, writeToDisk bool) ([]byte, error)
	CreateUpdateMessage(ctx context.Context, doc string, update Update) ([]byte, error)

	// Protocol ops (v2, unified transport).
	InitBodySync(ctx context.Context, doc string) error
	CloseBodySync(ctx context.Context, doc string) error
	CreateWorkspaceSyncStep1(ctx context.Context) ([]byte, error)
	HandleWorkspaceSyncMessage(ctx context.Context, msg []byte, writeToDisk bool) (WorkspaceSyncResult, error)
	HandleBodySyncMessage(ctx context.Context, doc string, msg []byte, writeToDisk bool) (BodySyncResult, error)
	HandleCrdtState(ctx context.Context, state []byte) error

	// ImportWorkspaceSnapshot unpacks a bulk workspace archive (fetched over
	// the HTTP sibling during the unified transport's new-client handshake)
	// into local storage. Distinct from HandleCrdtState, which applies the
	// later, smaller CRDT delta the server sends once the import settles.
	ImportWorkspaceSnapshot(ctx context.Context, archive []byte) error

	// Auxiliary.
	ConfigureSyncHandler(ctx context.Context, guestJoinCode string, usesOpfs bool) error
	GetCrdtFile(ctx context.Context, doc string) ([]byte, error)
	SetCrdtFile(ctx context.Context, doc string, data []byte) error
	ListCrdtFiles(ctx context.Context) ([]string, error)
}

// FSEvent is one of the file-system events the backend emits after
// HandleWorkspaceSyncMessage / HandleBodySyncMessage when writeToDisk=true.
type FSEvent struct {
	Kind string // SyncStarted, SyncCompleted, FileCreated, FileDeleted, ...
	Path string
}

const (
	EventSyncStarted       = "SyncStarted"
	EventSyncCompleted     = "SyncCompleted"
	EventSyncStatusChanged = "SyncStatusChanged"
	EventSyncProgress      = "SyncProgress"
	EventFileCreated       = "FileCreated"
	EventFileDeleted       = "FileDeleted"
	EventContentsChanged   = "ContentsChanged"
	EventMetadataChanged   = "MetadataChanged"
	EventFileRenamed       = "FileRenamed"
	EventFileMoved         = "FileMoved"
)
