package unified

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/diaryxsync/internal/engine"
	"github.com/ehrlich-b/diaryxsync/internal/wire"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// scriptedServer accepts one connection, reads the workspace SyncStep1,
// sends a FileManifest naming one already-known (non-new-client) file,
// waits for FilesReady, then sends two body sync messages for the given
// path before going silent.
func scriptedServer(t *testing.T, bodyPath string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		// Drain workspace SyncStep1.
		if _, _, err := c.Read(ctx); err != nil {
			return
		}

		manifest, _ := encodeEnvelope(ControlFileManifest, FileManifestPayload{
			Files:       []FileRecord{{DocID: "d1", Filename: bodyPath}},
			ClientIsNew: false,
		})
		if err := c.Write(ctx, websocket.MessageBinary, wire.EncodeV2(controlDocID, manifest)); err != nil {
			return
		}

		// Expect FilesReady back.
		if _, _, err := c.Read(ctx); err != nil {
			return
		}

		bodyDocID := wire.BodyDocID("ws1", bodyPath)
		for i := 0; i < 2; i++ {
			if err := c.Write(ctx, websocket.MessageBinary, wire.EncodeV2(bodyDocID, []byte("sync"))); err != nil {
				return
			}
		}

		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
}

// crdtStateServer drives a full three-phase handshake for a new client: a
// manifest naming a live file with client_is_new set, a snapshot served over
// the HTTP sibling, FilesReady received back, then an explicit CrdtState
// control message. The snapshot endpoint and the WebSocket endpoint are the
// same httptest.Server, routed by path.
func crdtStateServer(t *testing.T, snapshotBody []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/workspaces/") {
			w.Write(snapshotBody)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		if _, _, err := c.Read(ctx); err != nil {
			return
		}

		manifest, _ := encodeEnvelope(ControlFileManifest, FileManifestPayload{
			Files:       []FileRecord{{DocID: "d1", Filename: "notes/a.md"}},
			ClientIsNew: true,
		})
		if err := c.Write(ctx, websocket.MessageBinary, wire.EncodeV2(controlDocID, manifest)); err != nil {
			return
		}

		// Expect FilesReady back before sending CrdtState.
		if _, _, err := c.Read(ctx); err != nil {
			return
		}

		state, _ := encodeEnvelope(ControlCrdtState, CrdtStatePayload{State: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
		if err := c.Write(ctx, websocket.MessageBinary, wire.EncodeV2(controlDocID, state)); err != nil {
			return
		}

		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func TestUnifiedHandshakeAndBodySyncedAfterTwoMessages(t *testing.T) {
	const path = "notes/a.md"
	srv := scriptedServer(t, path)
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL), WorkspaceID: "ws1"}, fake, nil)

	var synced int32
	tr.OnBodySynced = func(p string) {
		if p == path {
			atomic.StoreInt32(&synced, 1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := tr.WaitForBodySync(waitCtx, path); err != nil {
		t.Fatalf("WaitForBodySync: %v", err)
	}
	if atomic.LoadInt32(&synced) != 1 {
		t.Fatal("expected OnBodySynced to have fired")
	}

	tr.Close()
}

func TestUnifiedThreePhaseHandshakeAppliesCrdtState(t *testing.T) {
	srv := crdtStateServer(t, []byte(strings.Repeat("x", snapshotIgnoreThreshold+1)))
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL), HTTPBase: srv.URL, WorkspaceID: "ws1"}, fake, nil)

	var workspaceSynced int32
	tr.OnWorkspaceSynced = func() {
		atomic.StoreInt32(&workspaceSynced, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&workspaceSynced) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&workspaceSynced) != 1 {
		t.Fatal("expected OnWorkspaceSynced to have fired")
	}
	if !tr.IsWorkspaceSynced() {
		t.Fatal("expected IsWorkspaceSynced to report true")
	}
	if !tr.IsHandshakeComplete() {
		t.Fatal("expected IsHandshakeComplete to report true")
	}
	if fake.ImportedSnapshots != 1 {
		t.Fatalf("expected exactly 1 snapshot import, got %d", fake.ImportedSnapshots)
	}

	tr.Close()
}

func TestUnifiedSmallSnapshotIsIgnored(t *testing.T) {
	srv := crdtStateServer(t, []byte("tiny"))
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL), HTTPBase: srv.URL, WorkspaceID: "ws1"}, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.IsHandshakeComplete() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !tr.IsHandshakeComplete() {
		t.Fatal("expected handshake to complete even with a tiny snapshot body")
	}
	if fake.ImportedSnapshots != 0 {
		t.Fatalf("expected a snapshot at or under the ignore threshold not to be imported, got %d imports", fake.ImportedSnapshots)
	}

	tr.Close()
}

func TestFocusEnvelopeRoundTrip(t *testing.T) {
	env, err := encodeEnvelope(ControlFocus, FocusPayload{ClientID: "c1", Path: "notes/a.md"})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	decoded, err := decodeEnvelope(env)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if decoded.Kind != ControlFocus {
		t.Fatalf("expected kind %q, got %q", ControlFocus, decoded.Kind)
	}
	var p FocusPayload
	if err := unmarshalPayload(decoded.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ClientID != "c1" || p.Path != "notes/a.md" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
