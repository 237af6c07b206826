package p2psync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Status is the connection status of one peer within a room.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// DataChannelHandler is invoked when a new DataChannel opens for a peer.
type DataChannelHandler func(peerPublicKey string, dc *webrtc.DataChannel)

// Room manages the WebRTC peer connections for one document under one sync
// code: "{syncCode}:{docName}". Peers are keyed by their X25519 public key
// (hex), the stable component of their awareness identity.
type Room struct {
	Name       string
	SyncCode   string
	DocName    string
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	mu         sync.Mutex
	peers      map[string]*webrtc.PeerConnection
	status     map[string]Status
	dcHandler  DataChannelHandler

	OnPeerCountChanged func(count int)
	OnStatusChanged    func(peerPublicKey string, status Status)
}

// NewRoom constructs a room for a document under a sync code. Pass nil
// iceServers for same-LAN-only connectivity via mDNS host candidates.
func NewRoom(syncCode, docName string, iceServers []webrtc.ICEServer, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		Name:       RoomName(syncCode, docName),
		SyncCode:   syncCode,
		DocName:    docName,
		iceServers: iceServers,
		log:        log,
		peers:      make(map[string]*webrtc.PeerConnection),
		status:     make(map[string]Status),
	}
}

// OnDataChannel registers the handler invoked when a peer opens a
// DataChannel (the side channel used for file transfer).
func (r *Room) OnDataChannel(h DataChannelHandler) {
	r.mu.Lock()
	r.dcHandler = h
	r.mu.Unlock()
}

// HandleOffer processes an encrypted SDP offer from a peer and returns the
// encrypted SDP answer. offerCiphertext and the return value are both
// sealed with EncryptSignal/DecryptSignal under the room's sync code.
func (r *Room) HandleOffer(peerPublicKey string, offerCiphertext []byte) ([]byte, error) {
	offerJSON, err := DecryptSignal(r.SyncCode, offerCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt offer: %w", err)
	}
	var payload sdpPayload
	if err := json.Unmarshal(offerJSON, &payload); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: r.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	r.mu.Lock()
	if old, ok := r.peers[peerPublicKey]; ok {
		old.Close()
	}
	r.peers[peerPublicKey] = pc
	r.status[peerPublicKey] = StatusConnecting
	peerCount := len(r.peers)
	r.mu.Unlock()
	r.notifyStatus(peerPublicKey, StatusConnecting)
	r.notifyPeerCount(peerCount)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			r.log.Info("p2psync data channel opened", "room", r.Name, "peer", peerPublicKey)
			r.mu.Lock()
			handler := r.dcHandler
			r.mu.Unlock()
			if handler != nil {
				handler(peerPublicKey, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.log.Debug("p2psync peer connection state", "room", r.Name, "peer", peerPublicKey, "state", state.String())
		var status Status
		switch state {
		case webrtc.PeerConnectionStateConnected:
			status = StatusConnected
		case webrtc.PeerConnectionStateFailed:
			status = StatusFailed
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			status = StatusDisconnected
		default:
			return
		}
		r.mu.Lock()
		r.status[peerPublicKey] = status
		if status == StatusFailed || status == StatusDisconnected {
			if r.peers[peerPublicKey] == pc {
				delete(r.peers, peerPublicKey)
			}
		}
		peerCount := len(r.peers)
		r.mu.Unlock()
		r.notifyStatus(peerPublicKey, status)
		r.notifyPeerCount(peerCount)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, fmt.Errorf("no local description after ICE gathering")
	}

	answerJSON, err := json.Marshal(sdpPayload{SDP: local.SDP})
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}
	return EncryptSignal(r.SyncCode, answerJSON)
}

// PeerCount returns the number of peers currently tracked (connecting or
// connected) in this room.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// PeerStatus returns the last known status for a peer.
func (r *Room) PeerStatus(peerPublicKey string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[peerPublicKey]
	return s, ok
}

func (r *Room) notifyPeerCount(count int) {
	if r.OnPeerCountChanged != nil {
		r.OnPeerCountChanged(count)
	}
}

func (r *Room) notifyStatus(peerPublicKey string, status Status) {
	if r.OnStatusChanged != nil {
		r.OnStatusChanged(peerPublicKey, status)
	}
}

// Close tears down every peer connection in the room.
func (r *Room) Close() {
	r.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(r.peers))
	for _, pc := range r.peers {
		peers = append(peers, pc)
	}
	r.peers = make(map[string]*webrtc.PeerConnection)
	r.status = make(map[string]Status)
	r.mu.Unlock()

	for _, pc := range peers {
		pc.Close()
	}
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}
