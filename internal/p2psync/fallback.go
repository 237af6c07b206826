package p2psync

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WriteFn sends a raw update message over whichever transport is active.
type WriteFn func(data []byte) error

// mode names the currently active transport for SwappableWriter's logging
// and Mode().
type mode string

const (
	modeRelay mode = "relay"
	modeP2P   mode = "p2p"
)

// SwappableWriter lets the session layer migrate a document's outbound
// writes between the relay WebSocket transport and a P2P DataChannel
// without the caller needing to know which is active. The relay path is
// always available as a fallback; the DataChannel path is only swapped in
// once a room's peer connection reaches StatusConnected.
type SwappableWriter struct {
	mu         sync.Mutex
	relayWrite WriteFn
	p2pWrite   WriteFn
	mode       mode
	log        *slog.Logger
}

// NewSwappableWriter constructs a writer that starts on the relay path.
func NewSwappableWriter(relayWrite WriteFn, log *slog.Logger) *SwappableWriter {
	if log == nil {
		log = slog.Default()
	}
	return &SwappableWriter{relayWrite: relayWrite, mode: modeRelay, log: log}
}

// Write sends via whichever transport is currently active.
func (w *SwappableWriter) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn := w.p2pWrite
	if fn == nil {
		fn = w.relayWrite
	}
	return fn(data)
}

// MigrateToP2P switches outbound writes to the DataChannel path. Idempotent:
// calling it again with a new write function simply replaces the old one.
func (w *SwappableWriter) MigrateToP2P(dcWrite WriteFn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.p2pWrite = dcWrite
	w.mode = modeP2P
	w.log.Info("p2psync writer migrated to p2p")
}

// FallbackToRelay switches outbound writes back to the relay transport,
// e.g. after the DataChannel's peer connection fails or disconnects.
func (w *SwappableWriter) FallbackToRelay() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mode == modeRelay {
		return
	}
	w.p2pWrite = nil
	w.mode = modeRelay
	w.log.Info("p2psync writer fell back to relay")
}

// Mode reports which transport is currently active, for status reporting.
func (w *SwappableWriter) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.mode)
}

// BindRoomStatus wires a Room's status callbacks so a peer reaching
// StatusConnected migrates this writer to the DataChannel it opens, and any
// terminal status falls back to relay.
func (w *SwappableWriter) BindRoomStatus(room *Room) {
	room.OnStatusChanged = func(peerPublicKey string, status Status) {
		switch status {
		case StatusFailed, StatusDisconnected:
			w.FallbackToRelay()
		}
	}
	room.OnDataChannel(func(peerPublicKey string, dc *webrtc.DataChannel) {
		w.MigrateToP2P(func(data []byte) error {
			if err := dc.Send(data); err != nil {
				return fmt.Errorf("send over data channel: %w", err)
			}
			return nil
		})
	})
}
