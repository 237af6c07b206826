package bodytransport

import (
	"context"
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

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, websocket.MessageBinary, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestMultiplexedFilesSyncIndependently(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL)}, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := tr.Subscribe(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := tr.Subscribe(ctx, "notes/b.md"); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := tr.WaitForSync(waitCtx, "notes/a.md"); err != nil {
		t.Fatalf("WaitForSync a: %v", err)
	}
	if err := tr.WaitForSync(waitCtx, "notes/b.md"); err != nil {
		t.Fatalf("WaitForSync b: %v", err)
	}

	tr.Close()
}

// controlServer drains the subscriber's SyncStep1, then sends a
// sync_progress followed by a sync_complete text control frame.
func controlServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		if _, _, err := c.Read(ctx); err != nil {
			return
		}

		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"sync_progress","completed":1,"total":2}`)); err != nil {
			return
		}
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"sync_complete"}`)); err != nil {
			return
		}

		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func TestControlMessagesReportProgressAndCompletion(t *testing.T) {
	srv := controlServer(t)
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL)}, fake, nil)

	var progressSeen int32
	tr.OnProgress = func(completed, total int) {
		if completed == 1 && total == 2 {
			atomic.StoreInt32(&progressSeen, 1)
		}
	}
	var completeSeen int32
	tr.OnSyncComplete = func() {
		atomic.StoreInt32(&completeSeen, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := tr.Subscribe(ctx, "notes/a.md"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := tr.WaitForSync(waitCtx, "notes/a.md"); err != nil {
		t.Fatalf("WaitForSync: %v", err)
	}
	if atomic.LoadInt32(&progressSeen) != 1 {
		t.Fatal("expected OnProgress to report completed=1, total=2")
	}
	// sync_complete releases WaitForSync before OnSyncComplete runs, so give
	// the read loop a moment to reach the callback.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&completeSeen) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&completeSeen) != 1 {
		t.Fatal("expected OnSyncComplete to fire")
	}

	tr.Close()
}

// unsubscribedServer sends a binary frame for a path the client never
// subscribed to.
func unsubscribedServer(t *testing.T, path string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		frame := wire.EncodeV1(path, []byte("unsolicited"))
		if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
			return
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func TestUnsubscribedPathMessageIsDroppedNotAutoSubscribed(t *testing.T) {
	const path = "notes/ghost.md"
	srv := unsubscribedServer(t, path)
	defer srv.Close()

	fake := engine.NewFake()
	tr := New(Config{ServerURL: wsURL(srv.URL)}, fake, nil)

	var dropped int32
	var droppedPath string
	tr.OnUnsubscribedMessage = func(p string, payload []byte) {
		atomic.StoreInt32(&dropped, 1)
		droppedPath = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&dropped) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&dropped) != 1 {
		t.Fatal("expected OnUnsubscribedMessage to fire for an unsubscribed path")
	}
	if droppedPath != path {
		t.Fatalf("expected dropped path %q, got %q", path, droppedPath)
	}

	tr.mu.Lock()
	_, subscribed := tr.subs[path]
	tr.mu.Unlock()
	if subscribed {
		t.Fatal("expected the unsubscribed path not to be auto-subscribed")
	}

	tr.Close()
}

func TestWriteQueuesWhileDisconnected(t *testing.T) {
	fake := engine.NewFake()
	tr := New(Config{ServerURL: "ws://127.0.0.1:1"}, fake, nil)

	// No connection is up yet: write must queue rather than error or block.
	if err := tr.write(context.Background(), "notes/a.md", []byte("queued-payload")); err != nil {
		t.Fatalf("write while disconnected: %v", err)
	}

	tr.mu.Lock()
	queued := len(tr.pending)
	tr.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued message, got %d", queued)
	}
}

func TestWaitForSyncRespectsContextTimeout(t *testing.T) {
	// No server running at all — connection never succeeds, so the file
	// never syncs and WaitForSync must return on context deadline, not hang.
	fake := engine.NewFake()
	tr := New(Config{ServerURL: "ws://127.0.0.1:1"}, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer waitCancel()
	err := tr.WaitForSync(waitCtx, "notes/never.md")
	if err == nil {
		t.Fatal("expected WaitForSync to time out")
	}

	tr.Close()
}
