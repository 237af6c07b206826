// Package doctransport binds one WebSocket to one logical document: the
// SyncStep1/SyncStep2/Update exchange, debounced "synced" detection, loop
// breaking, and reconnect with backoff described in spec §4.C.
package doctransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/diaryxsync/internal/engine"
)

// ErrMaxReconnectExceeded is returned by Run when the backoff schedule is
// exhausted without a successful reconnect. The transport does not retry
// again on its own past this point — the caller must explicitly reconnect.
var ErrMaxReconnectExceeded = errors.New("doctransport: max reconnect attempts exceeded")

const (
	syncedDebounce         = 300 * time.Millisecond
	baseReconnectWait      = 1 * time.Second
	maxReconnectWait       = 30 * time.Second
	maxReconnectTries      = 10
	writeTimeout           = 10 * time.Second
	maxReconnectsPerMinute = 20
)

// Config describes where and how to connect.
type Config struct {
	ServerURL string // e.g. "wss://sync.example.com/sync"
	DocName   string
	Session   string
	OwnerID   string
	Token     string
	// Host, when true, seeds the server with our full local state right
	// after SyncStep1 — used by the client that first creates a document.
	Host bool
}

func (c Config) dialURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("doc", c.DocName)
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

// Transport binds a single WebSocket to a single logical document.
type Transport struct {
	cfg     Config
	backend engine.Backend
	log     *slog.Logger

	OnSynced       func()
	OnRemoteUpdate func()
	OnStateChange  func(state string, err error)

	mu           sync.Mutex
	conn         *websocket.Conn
	synced       bool
	lastSentSV   engine.StateVector
	lastResponse []byte
	syncTimer    *time.Timer

	reconnectLimiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a Transport bound to one document. Call Run to connect and
// service it until ctx is cancelled or Close is called.
func New(cfg Config, backend engine.Backend, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:              cfg,
		backend:          backend,
		log:              log,
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Minute/maxReconnectsPerMinute), maxReconnectsPerMinute),
		done:             make(chan struct{}),
	}
}

// Run connects and services the document until ctx is cancelled, the
// transport is closed, or reconnect attempts are exhausted.
func (t *Transport) Run(ctx context.Context) error {
	t.notifyState("connecting", nil)
	bo := NewBackoff(baseReconnectWait, maxReconnectWait)
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
			bo.Reset()
		}
		t.notifyState("disconnected", err)

		if bo.Attempt() >= maxReconnectTries {
			t.notifyState("max_reconnect_exceeded", ErrMaxReconnectExceeded)
			return ErrMaxReconnectExceeded
		}

		delay := bo.Next()
		t.log.Warn("doctransport disconnected, reconnecting", "doc", t.cfg.DocName, "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			t.notifyState("disconnected", ctx.Err())
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
	t.synced = false
	t.lastSentSV = nil
	t.lastResponse = nil
	t.mu.Unlock()
	connected = true

	step1, err := t.backend.CreateSyncStep1(ctx, t.cfg.DocName)
	if err != nil {
		return connected, fmt.Errorf("create sync step1: %w", err)
	}
	if err := t.write(ctx, step1); err != nil {
		return connected, fmt.Errorf("send sync step1: %w", err)
	}

	if t.cfg.Host {
		full, err := t.backend.GetFullState(ctx)
		if err != nil {
			return connected, fmt.Errorf("get full state: %w", err)
		}
		seed, err := t.backend.CreateUpdateMessage(ctx, t.cfg.DocName, full)
		if err != nil {
			return connected, fmt.Errorf("create seed update: %w", err)
		}
		if err := t.write(ctx, seed); err != nil {
			return connected, fmt.Errorf("send seed update: %w", err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.notifyState("disconnected", err)
			return connected, fmt.Errorf("read: %w", err)
		}

		resp, err := t.backend.HandleSyncMessage(ctx, t.cfg.DocName, data, true)
		if err != nil {
			t.log.Warn("engine rejected sync message", "doc", t.cfg.DocName, "err", err)
			continue
		}

		// Ping-pong suppression relies on the engine returning byte-identical
		// responses for identical state and input.
		if len(resp) > 0 {
			t.mu.Lock()
			isLoop := t.synced && bytes.Equal(resp, t.lastResponse)
			t.mu.Unlock()
			if !isLoop {
				if err := t.write(ctx, resp); err != nil {
					return connected, fmt.Errorf("send response: %w", err)
				}
				t.mu.Lock()
				t.lastResponse = resp
				t.mu.Unlock()
			}
		}

		if t.OnRemoteUpdate != nil {
			t.OnRemoteUpdate()
		}
		t.armSyncedTimer()
	}
}

// armSyncedTimer (re)arms the 300ms debounce: if no further traffic arrives
// before it fires, the document is considered synced and onSynced fires
// exactly once per connection.
func (t *Transport) armSyncedTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.syncTimer != nil {
		t.syncTimer.Stop()
	}
	t.syncTimer = time.AfterFunc(syncedDebounce, t.markSynced)
}

func (t *Transport) markSynced() {
	t.mu.Lock()
	if t.synced {
		t.mu.Unlock()
		return
	}
	t.synced = true
	t.mu.Unlock()
	if t.OnSynced != nil {
		t.OnSynced()
	}
}

// IsSynced reports whether the debounced synced-signal has fired for the
// current connection.
func (t *Transport) IsSynced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

// SendLocalChanges computes the delta between the engine's current state and
// the last state we broadcast, and sends it if non-empty. Clears the cached
// last-sent response so the next server echo of our own update is not
// mistaken for a ping-pong loop.
func (t *Transport) SendLocalChanges(ctx context.Context) error {
	t.mu.Lock()
	lastSV := t.lastSentSV
	t.mu.Unlock()

	missing, err := t.backend.GetMissingUpdates(ctx, lastSV)
	if err != nil {
		return fmt.Errorf("get missing updates: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	msg, err := t.backend.CreateUpdateMessage(ctx, t.cfg.DocName, missing)
	if err != nil {
		return fmt.Errorf("create update message: %w", err)
	}
	if err := t.write(ctx, msg); err != nil {
		return fmt.Errorf("send local changes: %w", err)
	}

	newSV, err := t.backend.GetSyncState(ctx)
	if err != nil {
		return fmt.Errorf("get sync state: %w", err)
	}
	t.mu.Lock()
	t.lastSentSV = newSV
	t.lastResponse = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, data)
}

// Close is a barrier: no further reconnects are scheduled after Close
// returns. Outstanding operations may still observe in-flight state, but no
// new connection attempt will start.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		if t.syncTimer != nil {
			t.syncTimer.Stop()
		}
		t.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "destroy")
		}
	})
	return nil
}
