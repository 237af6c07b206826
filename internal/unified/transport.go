package unified

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/diaryxsync/internal/engine"
	"github.com/ehrlich-b/diaryxsync/internal/wire"
)

const (
	baseReconnectWait      = 1 * time.Second
	maxReconnectWait       = 30 * time.Second
	maxReconnectTries      = 10
	writeTimeout           = 10 * time.Second
	maxReconnectsPerMinute = 20

	// snapshotIgnoreThreshold is the size at or below which a downloaded
	// snapshot is treated as "nothing to import" rather than a real archive.
	snapshotIgnoreThreshold = 100
)

// Config describes the unified transport's connection and optional HTTP
// snapshot fetch.
type Config struct {
	ServerURL   string // ws(s)://... endpoint
	HTTPBase    string // http(s) base for snapshot fetch, may be empty
	WorkspaceID string
	Token       string
	ClientID    string
	HTTPClient  *http.Client
}

func (c Config) dialURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("workspace", c.WorkspaceID)
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type bodyState struct {
	messagesSeen int
	synced       bool
	waiters      []chan struct{}
}

// Transport drives the v2 handshake (FileManifest -> optional snapshot
// fetch -> FilesReady -> CrdtState), dispatches workspace/body sync frames,
// and tracks the focus channel.
type Transport struct {
	cfg     Config
	backend engine.Backend
	log     *slog.Logger

	OnWorkspaceSynced  func()
	OnBodySynced       func(path string)
	OnFocusListChanged func(focus map[string][]string)
	OnStateChange      func(state string, err error)

	mu                sync.Mutex
	conn              *websocket.Conn
	bodies            map[string]*bodyState
	focusSelf         string
	workspaceSynced   bool
	handshakeComplete bool

	reconnectLimiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, backend engine.Backend, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Transport{
		cfg:              cfg,
		backend:          backend,
		log:              log,
		bodies:           make(map[string]*bodyState),
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Minute/maxReconnectsPerMinute), maxReconnectsPerMinute),
		done:             make(chan struct{}),
	}
}

// IsWorkspaceSynced reports whether the workspace document has reached
// SyncComplete on the current connection.
func (t *Transport) IsWorkspaceSynced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workspaceSynced
}

// IsHandshakeComplete reports whether the three-phase handshake (manifest,
// optional snapshot import, CrdtState) has finished on the current
// connection.
func (t *Transport) IsHandshakeComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshakeComplete
}

// Run connects and services the workspace until ctx is cancelled, Close is
// called, or reconnect attempts are exhausted.
func (t *Transport) Run(ctx context.Context) error {
	t.notifyState("connecting", nil)
	bo := newBackoff(baseReconnectWait, maxReconnectWait)
	for {
		select {
		case <-t.done:
			return nil
		default:
		}

		if err := t.reconnectLimiter.Wait(ctx); err != nil {
			return err
		}

		connected, err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			t.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		select {
		case <-t.done:
			return nil
		default:
		}
		if connected {
			bo.reset()
		}
		t.notifyState("disconnected", err)

		if bo.attempt() >= maxReconnectTries {
			return fmt.Errorf("unified: max reconnect attempts exceeded")
		}
		delay := bo.next()
		t.log.Warn("unified transport disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case <-time.After(delay):
		}
		t.notifyState("connecting", nil)
	}
}

func (t *Transport) notifyState(state string, err error) {
	if t.OnStateChange != nil {
		t.OnStateChange(state, err)
	}
}

func (t *Transport) connectAndServe(ctx context.Context) (connected bool, err error) {
	dialURL, err := t.cfg.dialURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	t.mu.Lock()
	t.conn = conn
	// Reset per-body sync progress but keep the entries, so WaitForBodySync
	// callers registered before this connection are still released.
	for _, st := range t.bodies {
		st.messagesSeen = 0
		st.synced = false
	}
	t.workspaceSynced = false
	t.handshakeComplete = false
	focusSelf := t.focusSelf
	t.mu.Unlock()
	connected = true

	step1, err := t.backend.CreateWorkspaceSyncStep1(ctx)
	if err != nil {
		return connected, fmt.Errorf("create workspace sync step1: %w", err)
	}
	if err := t.writeDoc(ctx, wire.WorkspaceDocID(t.cfg.WorkspaceID), step1); err != nil {
		return connected, fmt.Errorf("send workspace sync step1: %w", err)
	}

	// Focus is per-connection server-side state; re-announce it so a
	// reconnect doesn't silently drop this client from the focus list.
	if focusSelf != "" {
		if err := t.sendFocus(ctx, focusSelf); err != nil {
			return connected, fmt.Errorf("resend focus on reconnect: %w", err)
		}
	}

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}
		docID, payload, err := wire.DecodeV2(frame)
		if err != nil {
			t.log.Warn("unified dropping malformed frame", "err", err)
			continue
		}

		if docID == controlDocID {
			if err := t.handleControl(ctx, payload); err != nil {
				t.log.Warn("unified control message error", "err", err)
			}
			continue
		}

		parsed, err := wire.ParseDocID(docID)
		if err != nil {
			t.log.Warn("unified unrecognized doc id", "docId", docID)
			continue
		}

		switch parsed.Kind {
		case wire.KindWorkspace:
			res, err := t.backend.HandleWorkspaceSyncMessage(ctx, payload, true)
			if err != nil {
				t.log.Warn("engine rejected workspace sync message", "err", err)
				continue
			}
			if len(res.Response) > 0 {
				if err := t.writeDoc(ctx, docID, res.Response); err != nil {
					return connected, fmt.Errorf("send workspace response: %w", err)
				}
			}
			if res.SyncComplete {
				t.mu.Lock()
				t.workspaceSynced = true
				t.mu.Unlock()
				if t.OnWorkspaceSynced != nil {
					t.OnWorkspaceSynced()
				}
			}
		case wire.KindBody:
			path := parsed.FilePath
			res, err := t.backend.HandleBodySyncMessage(ctx, path, payload, true)
			if err != nil {
				t.log.Warn("engine rejected body sync message", "path", path, "err", err)
				continue
			}
			if len(res.Response) > 0 {
				if err := t.writeDoc(ctx, docID, res.Response); err != nil {
					return connected, fmt.Errorf("send body response: %w", err)
				}
			}
			t.noteBodyMessage(path)
		}
	}
}

// handleControl dispatches a control-channel envelope: the handshake
// (FileManifest/FilesReady/CrdtState), progress signals, and the focus
// channel.
func (t *Transport) handleControl(ctx context.Context, data []byte) error {
	env, err := decodeEnvelope(data)
	if err != nil {
		return fmt.Errorf("decode control envelope: %w", err)
	}
	switch env.Kind {
	case ControlFileManifest:
		return t.handleFileManifest(ctx, env.Payload)
	case ControlCrdtState:
		return t.handleCrdtState(ctx, env.Payload)
	case ControlSyncComplete:
		var p SyncCompletePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return err
		}
		t.markBodySynced(p.Path)
	case ControlSyncProgress:
		// Informational only; callers observing OnBodySynced don't need
		// intermediate progress, so there is nothing further to do here.
	case ControlFocusListChanged:
		var p FocusListChangedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return err
		}
		if t.OnFocusListChanged != nil {
			t.OnFocusListChanged(p.Focus)
		}
	default:
		t.log.Warn("unified unknown control message kind, ignoring", "kind", env.Kind)
	}
	return nil
}

// handleFileManifest runs phase 1 and 2 of the handshake: a brand-new client
// with at least one live (non-deleted) file in the manifest fetches the
// workspace snapshot over HTTP and imports it before replying; everyone
// else replies with FilesReady immediately.
func (t *Transport) handleFileManifest(ctx context.Context, payload []byte) error {
	var manifest FileManifestPayload
	if err := unmarshalPayload(payload, &manifest); err != nil {
		return err
	}

	if manifest.ClientIsNew && manifest.hasLiveFiles() {
		if err := t.fetchSnapshot(ctx); err != nil {
			// Snapshot download failures are logged and swallowed: the
			// handshake proceeds to FilesReady regardless, and phase 3's
			// CrdtState still brings the workspace doc up to date.
			t.log.Warn("unified snapshot fetch failed, continuing handshake", "err", err)
		}
	}

	ready, err := encodeEnvelope(ControlFilesReady, FilesReadyPayload{})
	if err != nil {
		return err
	}
	return t.writeDoc(ctx, controlDocID, ready)
}

// fetchSnapshot downloads the workspace's bulk snapshot archive over the
// HTTP sibling of the WebSocket connection and imports it via the engine.
// A body at or below snapshotIgnoreThreshold bytes is treated as an empty
// placeholder rather than a real archive and is not imported.
func (t *Transport) fetchSnapshot(ctx context.Context) error {
	if t.cfg.HTTPBase == "" {
		return fmt.Errorf("no HTTP base configured for snapshot fetch")
	}
	snapshotURL := fmt.Sprintf("%s/api/workspaces/%s/snapshot", strings.TrimRight(t.cfg.HTTPBase, "/"), t.cfg.WorkspaceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return err
	}
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot fetch: unexpected status %d", resp.StatusCode)
	}

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	t.log.Info("downloaded workspace snapshot", "bytes", humanize.Bytes(uint64(len(buf))))
	if len(buf) <= snapshotIgnoreThreshold {
		return nil
	}
	return t.backend.ImportWorkspaceSnapshot(ctx, buf)
}

// handleCrdtState applies phase 3's server-authoritative CRDT delta and
// latches the handshake as complete.
func (t *Transport) handleCrdtState(ctx context.Context, payload []byte) error {
	var p CrdtStatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return err
	}
	state, err := base64.StdEncoding.DecodeString(p.State)
	if err != nil {
		return fmt.Errorf("decode crdt state: %w", err)
	}
	if err := t.backend.HandleCrdtState(ctx, state); err != nil {
		return fmt.Errorf("apply crdt state: %w", err)
	}

	t.mu.Lock()
	t.workspaceSynced = true
	t.handshakeComplete = true
	t.mu.Unlock()
	if t.OnWorkspaceSynced != nil {
		t.OnWorkspaceSynced()
	}
	return nil
}

func (t *Transport) noteBodyMessage(path string) {
	t.mu.Lock()
	st, ok := t.bodies[path]
	if !ok {
		st = &bodyState{}
		t.bodies[path] = st
	}
	st.messagesSeen++
	alreadySynced := st.synced
	shouldSync := !alreadySynced && st.messagesSeen >= bodySyncedAfterMessages
	t.mu.Unlock()

	if shouldSync {
		t.markBodySynced(path)
	}
}

func (t *Transport) markBodySynced(path string) {
	t.mu.Lock()
	st, ok := t.bodies[path]
	if !ok {
		st = &bodyState{}
		t.bodies[path] = st
	}
	if st.synced {
		t.mu.Unlock()
		return
	}
	st.synced = true
	waiters := st.waiters
	st.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if t.OnBodySynced != nil {
		t.OnBodySynced(path)
	}
}

// WaitForBodySync blocks until path's synced-predicate is satisfied or ctx
// expires.
func (t *Transport) WaitForBodySync(ctx context.Context, path string) error {
	t.mu.Lock()
	st, ok := t.bodies[path]
	if !ok {
		st = &bodyState{}
		t.bodies[path] = st
	}
	if st.synced {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFocus announces this client's current file focus, or clears it when
// path is empty.
func (t *Transport) SetFocus(ctx context.Context, path string) error {
	t.mu.Lock()
	t.focusSelf = path
	t.mu.Unlock()
	return t.sendFocus(ctx, path)
}

// sendFocus writes the focus/unfocus envelope for path without touching
// focusSelf, so it can be reused for the reconnect resend (focusSelf is
// already set by the time that path runs).
func (t *Transport) sendFocus(ctx context.Context, path string) error {
	kind := ControlFocus
	if path == "" {
		kind = ControlUnfocus
	}
	env, err := encodeEnvelope(kind, FocusPayload{ClientID: t.cfg.ClientID, Path: path})
	if err != nil {
		return err
	}
	return t.writeDoc(ctx, controlDocID, env)
}

func (t *Transport) writeDoc(ctx context.Context, docID string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	frame := wire.EncodeV2(docID, payload)
	return conn.Write(writeCtx, websocket.MessageBinary, frame)
}

// Close is a barrier: no further reconnects are attempted once it returns.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "destroy")
		}
	})
	return nil
}

func unmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
