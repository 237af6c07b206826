// Package bodytransport implements the v1 multiplexed transport: one
// WebSocket carries many body documents, framed with internal/wire's
// varint7-prefixed-path encoding. Callers subscribe to individual file
// paths; the transport tracks per-file sync state and exposes a blocking
// wait for "this file is caught up" independent of the others.
package bodytransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
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
)

// controlMessage is the JSON shape of a text-frame control message: progress
// and completion signals interleaved with the binary v1 sync frames.
type controlMessage struct {
	Type        string   `json:"type"`
	Completed   int      `json:"completed,omitempty"`
	Total       int      `json:"total,omitempty"`
	FilesSynced []string `json:"files_synced,omitempty"`
}

type subState struct {
	synced       bool
	lastSentSV   engine.StateVector
	lastResponse []byte
	waiters      []chan struct{}
}

// Config describes the shared connection. Individual files are subscribed
// to after the transport is running via Subscribe.
type Config struct {
	ServerURL string
	Session   string
	OwnerID   string
	Token     string
}

func (c Config) dialURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	if c.Session != "" {
		q.Set("session", c.Session)
	}
	if c.OwnerID != "" {
		q.Set("ownerId", c.OwnerID)
	}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// queuedMessage is one outgoing frame held back while the socket is down,
// replayed in FIFO order once it's back up.
type queuedMessage struct {
	path    string
	payload []byte
}

// Transport multiplexes many body documents over a single WebSocket.
type Transport struct {
	cfg     Config
	backend engine.Backend
	log     *slog.Logger

	OnFileSynced          func(path string)
	OnFileUpdate          func(path string)
	OnStateChange         func(state string, err error)
	OnProgress            func(completed, total int)
	OnSyncComplete        func()
	OnUnsubscribedMessage func(path string, payload []byte)

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*subState
	pending []queuedMessage

	reconnectLimiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, backend engine.Backend, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:              cfg,
		backend:          backend,
		log:              log,
		subs:             make(map[string]*subState),
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Minute/maxReconnectsPerMinute), maxReconnectsPerMinute),
		done:             make(chan struct{}),
	}
}

// Subscribe registers interest in a file path. If the transport is already
// connected, SyncStep1 is sent immediately; otherwise it will be sent for
// every subscribed path as soon as a connection is (re)established.
func (t *Transport) Subscribe(ctx context.Context, path string) error {
	t.mu.Lock()
	if _, ok := t.subs[path]; !ok {
		t.subs[path] = &subState{}
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return t.sendSyncStep1(ctx, path)
}

// Unsubscribe drops a path's tracked state. It does not close the shared
// connection.
func (t *Transport) Unsubscribe(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, path)
}

func (t *Transport) sendSyncStep1(ctx context.Context, path string) error {
	step1, err := t.backend.CreateSyncStep1(ctx, path)
	if err != nil {
		return fmt.Errorf("create sync step1 for %s: %w", path, err)
	}
	return t.write(ctx, path, step1)
}

// Run connects and services all subscribed files until ctx is cancelled,
// Close is called, or the backoff schedule is exhausted.
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
			return fmt.Errorf("bodytransport: max reconnect attempts exceeded")
		}
		delay := bo.next()
		t.log.Warn("bodytransport disconnected, reconnecting", "err", err, "delay", delay)
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
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.CloseNow()
	}()

	t.mu.Lock()
	t.conn = conn
	paths := make([]string, 0, len(t.subs))
	for p, st := range t.subs {
		st.synced = false
		st.lastSentSV = nil
		st.lastResponse = nil
		paths = append(paths, p)
	}
	t.mu.Unlock()
	connected = true

	// Reconnect replay: re-send SyncStep1 for every file we were tracking
	// before flushing anything queued while we were offline (P9).
	for _, path := range paths {
		if err := t.sendSyncStep1(ctx, path); err != nil {
			return connected, err
		}
	}
	if err := t.flushPending(ctx); err != nil {
		return connected, err
	}

	for {
		msgType, frame, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		if msgType == websocket.MessageText {
			if err := t.handleControlMessage(frame); err != nil {
				t.log.Warn("bodytransport control message error", "err", err)
			}
			continue
		}

		path, payload, err := wire.DecodeV1(frame)
		if err != nil {
			t.log.Warn("bodytransport dropping malformed frame", "err", err)
			continue
		}

		t.mu.Lock()
		st, ok := t.subs[path]
		t.mu.Unlock()
		if !ok {
			t.log.Warn("bodytransport dropping message for unsubscribed path", "path", path)
			if t.OnUnsubscribedMessage != nil {
				t.OnUnsubscribedMessage(path, payload)
			}
			continue
		}

		resp, err := t.backend.HandleSyncMessage(ctx, path, payload, true)
		if err != nil {
			t.log.Warn("engine rejected body sync message", "path", path, "err", err)
			continue
		}

		if len(resp) > 0 {
			t.mu.Lock()
			isLoop := st.synced && bytes.Equal(resp, st.lastResponse)
			t.mu.Unlock()
			if !isLoop {
				if err := t.write(ctx, path, resp); err != nil {
					return connected, fmt.Errorf("send response for %s: %w", path, err)
				}
				t.mu.Lock()
				st.lastResponse = resp
				t.mu.Unlock()
			}
		}

		if t.OnFileUpdate != nil {
			t.OnFileUpdate(path)
		}
		t.markFileSynced(path, st)
	}
}

// handleControlMessage decodes a JSON text-frame control message and
// dispatches it: sync_progress reports incremental handshake progress,
// sync_complete latches every currently subscribed file as synced.
func (t *Transport) handleControlMessage(data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	switch msg.Type {
	case "sync_progress":
		if t.OnProgress != nil {
			t.OnProgress(msg.Completed, msg.Total)
		}
	case "sync_complete":
		t.markAllSynced()
		if t.OnSyncComplete != nil {
			t.OnSyncComplete()
		}
	default:
		t.log.Warn("bodytransport unknown control message type, ignoring", "type", msg.Type)
	}
	return nil
}

// markAllSynced latches every currently subscribed file as synced, invoking
// each one's OnFileSynced exactly once, per the sync_complete contract.
func (t *Transport) markAllSynced() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.subs))
	states := make([]*subState, 0, len(t.subs))
	for p, st := range t.subs {
		paths = append(paths, p)
		states = append(states, st)
	}
	t.mu.Unlock()
	for i, path := range paths {
		t.markFileSynced(path, states[i])
	}
}

// flushPending drains queued outgoing messages in FIFO order, framing each
// with its original path. Called after the reconnect SyncStep1 replay so a
// queued message is never applied against a stale server-side state.
func (t *Transport) flushPending(ctx context.Context) error {
	t.mu.Lock()
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, m := range queued {
		if err := t.write(ctx, m.path, m.payload); err != nil {
			return fmt.Errorf("flush queued message for %s: %w", m.path, err)
		}
	}
	return nil
}

func (t *Transport) markFileSynced(path string, st *subState) {
	t.mu.Lock()
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
	if t.OnFileSynced != nil {
		t.OnFileSynced(path)
	}
}

// WaitForSync blocks until path reports synced or the context expires,
// whichever comes first.
func (t *Transport) WaitForSync(ctx context.Context, path string) error {
	t.mu.Lock()
	st, ok := t.subs[path]
	if !ok {
		st = &subState{}
		t.subs[path] = st
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

// SendLocalChanges pushes the delta for one file, if any, using the engine's
// current state vs. the last vector this transport broadcast for it.
func (t *Transport) SendLocalChanges(ctx context.Context, path string) error {
	t.mu.Lock()
	st, ok := t.subs[path]
	if !ok {
		st = &subState{}
		t.subs[path] = st
	}
	lastSV := st.lastSentSV
	t.mu.Unlock()

	missing, err := t.backend.GetBodyMissingUpdates(ctx, path, lastSV)
	if err != nil {
		return fmt.Errorf("get missing updates for %s: %w", path, err)
	}
	if len(missing) == 0 {
		return nil
	}

	msg, err := t.backend.CreateUpdateMessage(ctx, path, missing)
	if err != nil {
		return fmt.Errorf("create update message for %s: %w", path, err)
	}
	if err := t.write(ctx, path, msg); err != nil {
		return fmt.Errorf("send local changes for %s: %w", path, err)
	}

	newSV, err := t.backend.GetBodySyncState(ctx, path)
	if err != nil {
		return fmt.Errorf("get body sync state for %s: %w", path, err)
	}
	t.mu.Lock()
	st.lastSentSV = newSV
	st.lastResponse = nil
	t.mu.Unlock()
	return nil
}

// write sends a framed message for path, or enqueues it to t.pending
// if the socket isn't currently open; flushed in FIFO order by
// flushPending once a connection is (re)established.
func (t *Transport) write(ctx context.Context, path string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.pending = append(t.pending, queuedMessage{path: path, payload: payload})
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	frame := wire.EncodeV1(path, payload)
	return conn.Write(writeCtx, websocket.MessageBinary, frame)
}

// Close is a barrier: no further reconnects are attempted after Close
// returns, and any outstanding WaitForSync callers are released via their
// context rather than a spurious success.
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
